package jackpot

import (
	"time"

	"github.com/Digital-Creators-Team/progressive-core/pkg/claim"
	"github.com/Digital-Creators-Team/progressive-core/pkg/errormonitor"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/linked"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

// Contribution is the funding one wager added to one level.
type Contribution struct {
	Key         progressive.LevelKey `json:"key"`
	LevelName   string               `json:"level_name"`
	PoolDelta   int64                `json:"pool_delta"`
	HiddenDelta int64                `json:"hidden_delta"`
	Value       int64                `json:"value"`
}

// WagerResult is what one committed wager did to the progressives.
type WagerResult struct {
	// Funded reports that the funding batch was persisted.
	Funded        bool                          `json:"funded"`
	Contributions []Contribution                `json:"contributions"`
	Transactions  []progressive.TransactionView `json:"transactions"`
}

// StartReport summarizes service start-up.
type StartReport struct {
	Loaded       int                  `json:"loaded"`
	Registered   int                  `json:"registered"`
	Recovery     claim.RecoveryReport `json:"recovery"`
	LinkedClaims int                  `json:"linked_claims"`
}

// ServiceConfig configures the jackpot service.
type ServiceConfig struct {
	Store       *levelstore.Store
	Monitor     *errormonitor.Monitor
	Coordinator *claim.Coordinator
	Adapter     *linked.Adapter
	Hub         *events.Hub

	// Levels are registered on Start, after persisted levels are loaded.
	Levels []progressive.Level

	// BroadcastInterval controls how often buffered value updates are flushed.
	BroadcastInterval time.Duration

	// AutoAwardSap acknowledges and commits standalone hits locally.
	AutoAwardSap bool

	// Logger is optional; if zero value, a no-op logger is used.
	Logger zerolog.Logger
}
