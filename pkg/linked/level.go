package linked

import (
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

// ClaimState is where a linked level is in its claim/award handshake.
type ClaimState int

const (
	ClaimNone ClaimState = iota
	ClaimClaimed
	ClaimAwarded
)

func (s ClaimState) String() string {
	switch s {
	case ClaimNone:
		return "None"
	case ClaimClaimed:
		return "Claimed"
	case ClaimAwarded:
		return "Awarded"
	default:
		return fmt.Sprintf("ClaimState(%d)", int(s))
	}
}

// ClaimStatus is the last claim made against a linked level.
type ClaimStatus struct {
	Status        ClaimState `json:"status"`
	WinAmount     int64      `json:"win_amount"`
	TransactionID int64      `json:"transaction_id"`
}

// LinkedLevel is a progressive level whose value is owned by a protocol.
type LinkedLevel struct {
	ProtocolName       string      `json:"protocol_name"`
	GameID             int         `json:"game_id,omitempty"`
	ProgressiveGroupID int         `json:"progressive_group_id"`
	LevelID            int         `json:"level_id"`
	LevelName          string      `json:"level_name"`
	Amount             int64       `json:"amount"`
	Expiration         time.Time   `json:"expiration,omitempty"`
	ClaimStatus        ClaimStatus `json:"claim_status"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Assignment is the assignable progressive id game levels use to bind to
// the linked level.
func (l LinkedLevel) Assignment() progressive.AssignableProgressiveID {
	return Assignment(l.LevelName)
}

// Assignment returns the linked assignable id for a level name.
func Assignment(levelName string) progressive.AssignableProgressiveID {
	return progressive.AssignableProgressiveID{Type: progressive.AssignableLinked, Key: levelName}
}

// LevelName builds the stable name of a linked level.
func LevelName(protocol string, override progressive.LevelIDOverride, gameID, groupID, levelID int) string {
	if override != nil {
		levelID = override(gameID, groupID, levelID)
	}
	return fmt.Sprintf("%s, LevelId: %d, ProgressiveGroupId: %d", protocol, levelID, groupID)
}

// protocolOf returns the protocol encoded in a level name, if any.
func protocolOf(levelName string) string {
	protocol, _, ok := strings.Cut(levelName, ", LevelId: ")
	if !ok {
		return ""
	}
	return protocol
}
