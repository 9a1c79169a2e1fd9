package progressive

import (
	"strings"

	"github.com/google/uuid"
)

// LevelError is a bitset of independent error flags on a level.
type LevelError uint32

const (
	ErrorNone                  LevelError = 0
	LinkedDisconnected         LevelError = 1 << 0
	LinkedUpdateTimeout        LevelError = 1 << 1
	LinkedClaimTimeout         LevelError = 1 << 2
	MinimumThresholdNotReached LevelError = 1 << 3
	ProgressiveRtpError        LevelError = 1 << 4
	ProgCommitTimeout          LevelError = 1 << 5
	ProgressiveMismatch        LevelError = 1 << 6
)

// AllLevelErrors lists every single flag in bit order.
var AllLevelErrors = []LevelError{
	LinkedDisconnected,
	LinkedUpdateTimeout,
	LinkedClaimTimeout,
	MinimumThresholdNotReached,
	ProgressiveRtpError,
	ProgCommitTimeout,
	ProgressiveMismatch,
}

// blockingErrors stop new hits from being opened on the level.
const blockingErrors = LinkedDisconnected | MinimumThresholdNotReached | ProgressiveRtpError | ProgressiveMismatch

var errorNames = map[LevelError]string{
	LinkedDisconnected:         "LinkedDisconnected",
	LinkedUpdateTimeout:        "LinkedUpdateTimeout",
	LinkedClaimTimeout:         "LinkedClaimTimeout",
	MinimumThresholdNotReached: "MinimumThresholdNotReached",
	ProgressiveRtpError:        "ProgressiveRtpError",
	ProgCommitTimeout:          "ProgCommitTimeout",
	ProgressiveMismatch:        "ProgressiveMismatch",
}

// Stable identities used to correlate a flag across systems.
var errorGUIDs = map[LevelError]uuid.UUID{
	LinkedDisconnected:         uuid.MustParse("3d6b0bb2-6a7c-4c4e-9a3f-1f2f1a0c7e01"),
	LinkedUpdateTimeout:        uuid.MustParse("3d6b0bb2-6a7c-4c4e-9a3f-1f2f1a0c7e02"),
	LinkedClaimTimeout:         uuid.MustParse("3d6b0bb2-6a7c-4c4e-9a3f-1f2f1a0c7e03"),
	MinimumThresholdNotReached: uuid.MustParse("3d6b0bb2-6a7c-4c4e-9a3f-1f2f1a0c7e04"),
	ProgressiveRtpError:        uuid.MustParse("3d6b0bb2-6a7c-4c4e-9a3f-1f2f1a0c7e05"),
	ProgCommitTimeout:          uuid.MustParse("3d6b0bb2-6a7c-4c4e-9a3f-1f2f1a0c7e06"),
	ProgressiveMismatch:        uuid.MustParse("3d6b0bb2-6a7c-4c4e-9a3f-1f2f1a0c7e07"),
}

// Has reports whether every bit of flag is set.
func (e LevelError) Has(flag LevelError) bool {
	return flag != 0 && e&flag == flag
}

// With returns e with flag set.
func (e LevelError) With(flag LevelError) LevelError {
	return e | flag
}

// Without returns e with flag cleared.
func (e LevelError) Without(flag LevelError) LevelError {
	return e &^ flag
}

// Blocking reports whether any flag that prevents new hits is set.
func (e LevelError) Blocking() bool {
	return e&blockingErrors != 0
}

// GUID returns the stable identity of a single flag, or uuid.Nil for sets.
func (e LevelError) GUID() uuid.UUID {
	return errorGUIDs[e]
}

// Flags splits the bitset into single flags.
func (e LevelError) Flags() []LevelError {
	var out []LevelError
	for _, f := range AllLevelErrors {
		if e.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (e LevelError) String() string {
	if e == ErrorNone {
		return "None"
	}
	names := make([]string, 0, len(AllLevelErrors))
	for _, f := range e.Flags() {
		names = append(names, errorNames[f])
	}
	return strings.Join(names, "|")
}
