package progressive

import (
	"fmt"
	"strings"
)

// LevelType is the kind of progressive a level belongs to.
type LevelType int

const (
	LevelTypeSap        LevelType = 0
	LevelTypeLP         LevelType = 1
	LevelTypeSelectable LevelType = 2
)

var levelTypeNames = map[LevelType]string{
	LevelTypeSap:        "Sap",
	LevelTypeLP:         "LP",
	LevelTypeSelectable: "Selectable",
}

func (t LevelType) String() string { return enumName(levelTypeNames, t, "LevelType") }

func (t LevelType) MarshalJSON() ([]byte, error) { return marshalEnum(levelTypeNames, t) }

func (t *LevelType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(levelTypeNames, data, "LevelType", t)
}

// FundingType selects how wagers fund a level.
type FundingType int

const (
	FundingStandard      FundingType = 0
	FundingAnte          FundingType = 1
	FundingLineBased     FundingType = 2
	FundingLineBasedAnte FundingType = 3
	FundingBulkOnly      FundingType = 4
	FundingNotApplicable FundingType = 5
)

var fundingTypeNames = map[FundingType]string{
	FundingStandard:      "Standard",
	FundingAnte:          "Ante",
	FundingLineBased:     "LineBased",
	FundingLineBasedAnte: "LineBasedAnte",
	FundingBulkOnly:      "BulkOnly",
	FundingNotApplicable: "NotApplicable",
}

func (f FundingType) String() string { return enumName(fundingTypeNames, f, "FundingType") }

func (f FundingType) MarshalJSON() ([]byte, error) { return marshalEnum(fundingTypeNames, f) }

func (f *FundingType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(fundingTypeNames, data, "FundingType", f)
}

// TriggerControl says who decides a level was hit. Only TriggerGame is supported.
type TriggerControl int

const (
	TriggerGame     TriggerControl = 0
	TriggerMystery  TriggerControl = 1
	TriggerExternal TriggerControl = 2
)

var triggerControlNames = map[TriggerControl]string{
	TriggerGame:     "Game",
	TriggerMystery:  "Mystery",
	TriggerExternal: "External",
}

func (t TriggerControl) String() string { return enumName(triggerControlNames, t, "TriggerControl") }

func (t TriggerControl) MarshalJSON() ([]byte, error) { return marshalEnum(triggerControlNames, t) }

func (t *TriggerControl) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(triggerControlNames, data, "TriggerControl", t)
}

// FlavorType is the progressive flavor. Only FlavorStandard is supported.
type FlavorType int

const (
	FlavorStandard         FlavorType = 0
	FlavorBulkContribution FlavorType = 1
	FlavorVertexMystery    FlavorType = 2
	FlavorHostChoice       FlavorType = 3
)

var flavorTypeNames = map[FlavorType]string{
	FlavorStandard:         "Standard",
	FlavorBulkContribution: "BulkContribution",
	FlavorVertexMystery:    "VertexMystery",
	FlavorHostChoice:       "HostChoice",
}

func (f FlavorType) String() string { return enumName(flavorTypeNames, f, "FlavorType") }

func (f FlavorType) MarshalJSON() ([]byte, error) { return marshalEnum(flavorTypeNames, f) }

func (f *FlavorType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(flavorTypeNames, data, "FlavorType", f)
}

// LevelState is the lifecycle state of a level.
type LevelState int

const (
	StateInit      LevelState = 0
	StateReady     LevelState = 1
	StateActive    LevelState = 2
	StateHit       LevelState = 3
	StatePending   LevelState = 4
	StateCommitted LevelState = 5
	StateError     LevelState = 6
)

var levelStateNames = map[LevelState]string{
	StateInit:      "Init",
	StateReady:     "Ready",
	StateActive:    "Active",
	StateHit:       "Hit",
	StatePending:   "Pending",
	StateCommitted: "Committed",
	StateError:     "Error",
}

func (s LevelState) String() string { return enumName(levelStateNames, s, "LevelState") }

func (s LevelState) MarshalJSON() ([]byte, error) { return marshalEnum(levelStateNames, s) }

func (s *LevelState) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(levelStateNames, data, "LevelState", s)
}

var levelTransitions = map[LevelState][]LevelState{
	StateInit:      {StateReady, StateError},
	StateReady:     {StateActive, StateHit, StateError},
	StateActive:    {StateReady, StateHit, StateError},
	StateHit:       {StatePending, StateCommitted, StateReady},
	StatePending:   {StateCommitted, StateReady},
	StateCommitted: {StateReady},
	StateError:     {StateReady},
}

// CanTransition reports whether a level may move from s to next.
func (s LevelState) CanTransition(next LevelState) bool {
	for _, allowed := range levelTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InTransaction reports whether the level currently has an open hit.
func (s LevelState) InTransaction() bool {
	return s == StateHit || s == StatePending || s == StateCommitted
}

// AssignableProgressiveType is the kind of external progressive a level may be bound to.
type AssignableProgressiveType int

const (
	AssignableNone           AssignableProgressiveType = 0
	AssignableCustomSap      AssignableProgressiveType = 1
	AssignableLinked         AssignableProgressiveType = 2
	AssignableAssociativeSap AssignableProgressiveType = 3
)

var assignableTypeNames = map[AssignableProgressiveType]string{
	AssignableNone:           "None",
	AssignableCustomSap:      "CustomSap",
	AssignableLinked:         "Linked",
	AssignableAssociativeSap: "AssociativeSap",
}

func (t AssignableProgressiveType) String() string {
	return enumName(assignableTypeNames, t, "AssignableProgressiveType")
}

func (t AssignableProgressiveType) MarshalJSON() ([]byte, error) {
	return marshalEnum(assignableTypeNames, t)
}

func (t *AssignableProgressiveType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(assignableTypeNames, data, "AssignableProgressiveType", t)
}

// AssignableProgressiveID binds a level to an externally managed progressive.
// It is a value type: compare with ==, use as a map key.
type AssignableProgressiveID struct {
	Type AssignableProgressiveType `json:"type"`
	Key  string                    `json:"key"`
}

// IsZero reports whether no assignment is set.
func (a AssignableProgressiveID) IsZero() bool {
	return a.Type == AssignableNone && a.Key == ""
}

// Valid reports whether the assignment is well formed.
func (a AssignableProgressiveID) Valid() bool {
	if a.Type == AssignableNone {
		return a.Key == ""
	}
	return strings.TrimSpace(a.Key) != ""
}

func (a AssignableProgressiveID) String() string {
	if a.IsZero() {
		return "None"
	}
	return a.Type.String() + ":" + a.Key
}

// LevelKey is the composite identity of a level.
type LevelKey struct {
	PackName      string `json:"progressive_pack_name"`
	PackID        int    `json:"progressive_pack_id"`
	ProgressiveID int    `json:"progressive_id"`
	GameID        int    `json:"game_id"`
	Denom         int64  `json:"denom"`
	LevelID       int    `json:"level_id"`
}

// String returns the stable persistence key.
func (k LevelKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d:%d", k.PackName, k.PackID, k.ProgressiveID, k.GameID, k.Denom, k.LevelID)
}

// Less orders keys for deterministic locking and listing.
func (k LevelKey) Less(o LevelKey) bool {
	if k.PackName != o.PackName {
		return k.PackName < o.PackName
	}
	if k.PackID != o.PackID {
		return k.PackID < o.PackID
	}
	if k.ProgressiveID != o.ProgressiveID {
		return k.ProgressiveID < o.ProgressiveID
	}
	if k.GameID != o.GameID {
		return k.GameID < o.GameID
	}
	if k.Denom != o.Denom {
		return k.Denom < o.Denom
	}
	return k.LevelID < o.LevelID
}

// GroupKey identifies the game/denom group a level is offered in.
type GroupKey struct {
	GameID int   `json:"game_id"`
	Denom  int64 `json:"denom"`
}

// Group returns the game/denom group of the key.
func (k LevelKey) Group() GroupKey {
	return GroupKey{GameID: k.GameID, Denom: k.Denom}
}

// Filter selects levels; zero fields are wildcards and set fields are ANDed.
type Filter struct {
	PackName     string
	GameID       int
	Denom        int64
	WagerCredits int64
}

// Match reports whether the level satisfies the filter.
func (f Filter) Match(l *Level) bool {
	if f.PackName != "" && f.PackName != l.Key.PackName {
		return false
	}
	if f.GameID != 0 && f.GameID != l.Key.GameID {
		return false
	}
	if f.Denom != 0 && f.Denom != l.Key.Denom {
		return false
	}
	if f.WagerCredits != 0 && l.WagerCredits != 0 && f.WagerCredits != l.WagerCredits {
		return false
	}
	return true
}

// Wager is one committed wager from a game round.
type Wager struct {
	GameID       int    `json:"game_id"`
	Denom        int64  `json:"denom"`
	WagerCredits int64  `json:"wager_credits"`
	Amount       int64  `json:"amount"`
	Ante         int64  `json:"ante"`
	LineOption   string `json:"line_option"`
	Hits         []int  `json:"hits,omitempty"`
}

// LevelUpdate is one inbound value update for a level.
type LevelUpdate struct {
	Key        LevelKey `json:"key"`
	Amount     int64    `json:"amount"`
	Fraction   int64    `json:"fraction"`
	Recovering bool     `json:"recovering"`
}

// LevelIDOverride lets a protocol renumber level ids per game and progressive.
type LevelIDOverride func(gameID, progressiveID, levelID int) int

// IdentityLevelID keeps the level id unchanged.
func IdentityLevelID(_, _, levelID int) int {
	return levelID
}
