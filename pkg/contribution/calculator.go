package contribution

import (
	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

// Result is the growth one wager produces on one level. Residuals are the
// carry after this contribution, in 1/RateScale millicents.
type Result struct {
	PoolDelta      int64 `json:"pool_delta"`
	HiddenDelta    int64 `json:"hidden_delta"`
	Residual       int64 `json:"residual"`
	HiddenResidual int64 `json:"hidden_residual"`
}

// IsZero reports whether the result changes nothing.
func (r Result) IsZero() bool {
	return r.PoolDelta == 0 && r.HiddenDelta == 0
}

// Calculator computes the contribution of a wager to a level.
type Calculator interface {
	Contribution(level progressive.LevelView, w progressive.Wager) Result
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(level progressive.LevelView, w progressive.Wager) Result

func (f CalculatorFunc) Contribution(level progressive.LevelView, w progressive.Wager) Result {
	return f(level, w)
}

// FromBase applies the level's visible and hidden rates to base, carrying
// the level's current residuals.
func FromBase(level progressive.LevelView, base int64) Result {
	var r Result
	r.PoolDelta, r.Residual = split(base, level.IncrementRate, level.Residual)
	r.HiddenDelta, r.HiddenResidual = split(base, level.HiddenIncrementRate, level.HiddenResidual)
	return r
}

func lineMatches(level progressive.LevelView, w progressive.Wager) bool {
	return level.LineGroup != "" && w.LineOption == level.LineGroup
}

// Standard funds from the full wager.
var Standard = CalculatorFunc(func(level progressive.LevelView, w progressive.Wager) Result {
	return FromBase(level, w.Amount)
})

// Ante funds from the ante component only.
var Ante = CalculatorFunc(func(level progressive.LevelView, w progressive.Wager) Result {
	return FromBase(level, w.Ante)
})

// LineBased funds from the full wager when the line option matches.
var LineBased = CalculatorFunc(func(level progressive.LevelView, w progressive.Wager) Result {
	if !lineMatches(level, w) {
		return FromBase(level, 0)
	}
	return FromBase(level, w.Amount)
})

// LineBasedAnte funds from the ante when the line option matches.
var LineBasedAnte = CalculatorFunc(func(level progressive.LevelView, w progressive.Wager) Result {
	if !lineMatches(level, w) {
		return FromBase(level, 0)
	}
	return FromBase(level, w.Ante)
})

// None is used for BulkOnly and NotApplicable funding: wagers add nothing.
var None = CalculatorFunc(func(level progressive.LevelView, _ progressive.Wager) Result {
	return FromBase(level, 0)
})

var registry = map[progressive.FundingType]Calculator{
	progressive.FundingStandard:      Standard,
	progressive.FundingAnte:          Ante,
	progressive.FundingLineBased:     LineBased,
	progressive.FundingLineBasedAnte: LineBasedAnte,
	progressive.FundingBulkOnly:      None,
	progressive.FundingNotApplicable: None,
}

// ForFunding returns the calculator of a funding type.
func ForFunding(ft progressive.FundingType) (Calculator, error) {
	c, ok := registry[ft]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, "unknown funding type", "funding %s", ft)
	}
	return c, nil
}

// Calculate picks the calculator of the level's funding type and applies it.
func Calculate(level progressive.LevelView, w progressive.Wager) (Result, error) {
	c, err := ForFunding(level.FundingType)
	if err != nil {
		return Result{}, err
	}
	return c.Contribution(level, w), nil
}
