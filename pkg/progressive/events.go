package progressive

import "time"

// Event type names used on the wire.
const (
	EventHit                     = "progressive.hit"
	EventPending                 = "progressive.pending"
	EventCommit                  = "progressive.commit"
	EventCommitAck               = "progressive.commit_ack"
	EventFailed                  = "progressive.failed"
	EventSapAwarded              = "progressive.sap_awarded"
	EventLinkedClaimed           = "progressive.linked_claimed"
	EventLinkedAwarded           = "progressive.linked_awarded"
	EventLinkedLevelsUpdated     = "progressive.linked_levels_updated"
	EventLevelsChanged           = "progressive.levels_changed"
	EventMinimumThresholdError   = "progressive.minimum_threshold_error"
	EventMinimumThresholdCleared = "progressive.minimum_threshold_cleared"
	EventGameDisabled            = "progressive.game_disabled"
	EventGameEnabled             = "progressive.game_enabled"
	EventLevelValue              = "progressive.level_value"
)

// TransactionEvent is the common payload of every transaction lifecycle event.
type TransactionEvent struct {
	Transaction TransactionView `json:"transaction"`
	Level       LevelView       `json:"level"`
	Recovering  bool            `json:"recovering"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// HitEvent is published after a hit transaction is persisted.
type HitEvent struct{ TransactionEvent }

// PendingEvent is published when the awarding authority acknowledged a hit.
type PendingEvent struct{ TransactionEvent }

// CommitEvent is published when the award is finalized and queued.
type CommitEvent struct{ TransactionEvent }

// CommitAckEvent is published when payment of a commit is confirmed.
type CommitAckEvent struct{ TransactionEvent }

// FailedEvent is published when a transaction is explicitly failed.
type FailedEvent struct{ TransactionEvent }

// SapAwardedEvent is published when a standalone level award is committed.
type SapAwardedEvent struct{ TransactionEvent }

// LinkedClaimedEvent is published when a protocol claims a linked level.
type LinkedClaimedEvent struct {
	TransactionEvent
	ProtocolName string `json:"protocol_name"`
	LinkedLevel  string `json:"linked_level"`
}

// LinkedAwardedEvent is published when a protocol awards a linked level.
type LinkedAwardedEvent struct {
	TransactionEvent
	ProtocolName string `json:"protocol_name"`
	LinkedLevel  string `json:"linked_level"`
	WinAmount    int64  `json:"win_amount"`
}

// LinkedLevelsUpdatedEvent carries the linked levels a protocol just refreshed.
type LinkedLevelsUpdatedEvent struct {
	ProtocolName string   `json:"protocol_name"`
	LevelNames   []string `json:"level_names"`
	Recovering   bool     `json:"recovering"`
}

// LevelsChangedEvent lists levels whose error bitset changed.
type LevelsChangedEvent struct {
	Levels []LevelView `json:"levels"`
	Flag   LevelError  `json:"flag"`
	Set    bool        `json:"set"`
}

// MinimumThresholdErrorEvent reports levels that fell below their reset value.
type MinimumThresholdErrorEvent struct {
	Levels []LevelView `json:"levels"`
}

// MinimumThresholdClearedEvent reports levels back at or above their reset value.
type MinimumThresholdClearedEvent struct {
	Levels []LevelView `json:"levels"`
}

// GameDisabledEvent reports a game/denom group that can no longer offer its progressives.
type GameDisabledEvent struct {
	Group  GroupKey   `json:"group"`
	Errors LevelError `json:"errors"`
}

// GameEnabledEvent reports a game/denom group whose blocking errors cleared.
type GameEnabledEvent struct {
	Group GroupKey `json:"group"`
}

// LevelValueEvent is a buffered pool value broadcast.
type LevelValueEvent struct {
	Key       LevelKey  `json:"key"`
	LevelName string    `json:"level_name"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}
