package progressive

import (
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/shopspring/decimal"
)

// RateScale is the fixed-point scale of increment rates and RTP values:
// a rate of RateScale means 100% of the funding base.
const RateScale int64 = 1_000_000

// Level is the mutable owner record of one progressive level. Monetary
// fields are millicents; residuals are in 1/RateScale millicent units.
type Level struct {
	Key                    LevelKey                `json:"key"`
	LevelName              string                  `json:"level_name"`
	LevelType              LevelType               `json:"level_type"`
	FundingType            FundingType             `json:"funding_type"`
	TriggerControl         TriggerControl          `json:"trigger_control"`
	FlavorType             FlavorType              `json:"flavor_type"`
	LineGroup              string                  `json:"line_group,omitempty"`
	WagerCredits           int64                   `json:"wager_credits"`
	CurrentValue           int64                   `json:"current_value"`
	InitialValue           int64                   `json:"initial_value"`
	ResetValue             int64                   `json:"reset_value"`
	MaximumValue           int64                   `json:"maximum_value"`
	HiddenValue            int64                   `json:"hidden_value"`
	HiddenResidual         int64                   `json:"hidden_residual"`
	Overflow               int64                   `json:"overflow"`
	OverflowTotal          int64                   `json:"overflow_total"`
	Residual               int64                   `json:"residual"`
	IncrementRate          int64                   `json:"increment_rate"`
	HiddenIncrementRate    int64                   `json:"hidden_increment_rate"`
	BaseRTP                int64                   `json:"base_rtp"`
	CurrentState           LevelState              `json:"current_state"`
	Errors                 LevelError              `json:"errors"`
	AssignedProgressiveID  AssignableProgressiveID `json:"assigned_progressive_id"`
	LastClaimTransactionID int64                   `json:"last_claim_transaction_id"`
	ConfigError            string                  `json:"config_error,omitempty"`
	UpdatedAt              time.Time               `json:"updated_at"`
}

// LevelView is a read-only snapshot of a Level. Mutating a view never
// reaches the owner.
type LevelView Level

// View returns a snapshot of the level.
func (l *Level) View() LevelView {
	return LevelView(*l)
}

// Clone returns an independent copy of the owner record.
func (l *Level) Clone() *Level {
	c := *l
	return &c
}

// ValueText formats the current value for display.
func (v LevelView) ValueText() string {
	return FormatMillicents(v.CurrentValue)
}

// IsLinked reports whether the level's value is driven by a linked protocol.
func (l *Level) IsLinked() bool {
	return l.LevelType == LevelTypeLP || l.AssignedProgressiveID.Type == AssignableLinked
}

// HasCeiling reports whether a maximum value is configured.
func (l *Level) HasCeiling() bool {
	return l.MaximumValue > 0
}

// LevelConfig is the structural configuration a claim is checked against.
type LevelConfig struct {
	Key                   LevelKey                `json:"key"`
	LevelType             LevelType               `json:"level_type"`
	FundingType           FundingType             `json:"funding_type"`
	ResetValue            int64                   `json:"reset_value"`
	MaximumValue          int64                   `json:"maximum_value"`
	IncrementRate         int64                   `json:"increment_rate"`
	HiddenIncrementRate   int64                   `json:"hidden_increment_rate"`
	AssignedProgressiveID AssignableProgressiveID `json:"assigned_progressive_id"`
}

// Config returns the structural configuration of the level.
func (l *Level) Config() LevelConfig {
	return LevelConfig{
		Key:                   l.Key,
		LevelType:             l.LevelType,
		FundingType:           l.FundingType,
		ResetValue:            l.ResetValue,
		MaximumValue:          l.MaximumValue,
		IncrementRate:         l.IncrementRate,
		HiddenIncrementRate:   l.HiddenIncrementRate,
		AssignedProgressiveID: l.AssignedProgressiveID,
	}
}

// SameConfiguration reports whether the level still has the structure
// captured in snapshot.
func (l *Level) SameConfiguration(snapshot LevelConfig) bool {
	return l.Config() == snapshot
}

// Validate checks load-time configuration. A failing level is isolated in
// StateError; other levels are unaffected. A ConfigError set by the loader
// fails validation as is.
func (l *Level) Validate() error {
	switch {
	case l.ConfigError != "":
		return apperrors.Newf(apperrors.ErrConfiguration, "invalid level configuration", "level %s: %s", l.Key, l.ConfigError)
	case l.TriggerControl != TriggerGame:
		return apperrors.Newf(apperrors.ErrConfiguration, "unsupported trigger control", "level %s uses %s", l.Key, l.TriggerControl)
	case l.FlavorType != FlavorStandard:
		return apperrors.Newf(apperrors.ErrConfiguration, "unsupported progressive flavor", "level %s uses %s", l.Key, l.FlavorType)
	case l.ResetValue < 0 || l.InitialValue < 0:
		return apperrors.Newf(apperrors.ErrConfiguration, "negative reset value", "level %s", l.Key)
	case l.HasCeiling() && l.ResetValue > l.MaximumValue:
		return apperrors.Newf(apperrors.ErrConfiguration, "reset value above maximum", "level %s reset %d max %d", l.Key, l.ResetValue, l.MaximumValue)
	case l.IncrementRate < 0 || l.HiddenIncrementRate < 0 || l.IncrementRate+l.HiddenIncrementRate > RateScale:
		return apperrors.Newf(apperrors.ErrConfiguration, "invalid increment rate", "level %s rate %d hidden %d", l.Key, l.IncrementRate, l.HiddenIncrementRate)
	case l.BaseRTP < 0 || l.BaseRTP > RateScale:
		return apperrors.Newf(apperrors.ErrConfiguration, "invalid base RTP", "level %s rtp %d", l.Key, l.BaseRTP)
	case !l.AssignedProgressiveID.Valid():
		return apperrors.Newf(apperrors.ErrConfiguration, "malformed assignable progressive", "level %s assignment %s", l.Key, l.AssignedProgressiveID)
	case l.LevelType == LevelTypeLP && l.AssignedProgressiveID.Type != AssignableLinked:
		return apperrors.Newf(apperrors.ErrConfiguration, "linked level without linked assignment", "level %s", l.Key)
	case l.FundingType == FundingNotApplicable && !l.IsLinked():
		return apperrors.Newf(apperrors.ErrConfiguration, "funding not applicable on local level", "level %s", l.Key)
	case (l.FundingType == FundingLineBased || l.FundingType == FundingLineBasedAnte) && l.LineGroup == "":
		return apperrors.Newf(apperrors.ErrConfiguration, "line based funding without line group", "level %s", l.Key)
	}
	return nil
}

// FormatMillicents renders a millicent amount as currency text.
func FormatMillicents(amount int64) string {
	return decimal.New(amount, -5).StringFixed(2)
}
