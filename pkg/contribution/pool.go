package contribution

import "github.com/Digital-Creators-Team/progressive-core/pkg/progressive"

// ClaimResult is what a reset took out of a level.
type ClaimResult struct {
	Amount         int64 `json:"amount"`
	Residual       int64 `json:"residual"`
	HiddenResidual int64 `json:"hidden_residual"`
}

// Apply adds a contribution result to the level. Growth past the ceiling
// goes to Overflow and OverflowTotal.
func Apply(level *progressive.Level, res Result) {
	level.Residual = res.Residual
	level.HiddenResidual = res.HiddenResidual
	level.HiddenValue += res.HiddenDelta
	AddValue(level, res.PoolDelta)
}

// AddValue grows the visible pool by amount, honoring the ceiling.
func AddValue(level *progressive.Level, amount int64) {
	if amount <= 0 {
		return
	}
	if !level.HasCeiling() {
		level.CurrentValue += amount
		return
	}
	room := level.MaximumValue - level.CurrentValue
	if room < 0 {
		room = 0
	}
	if amount <= room {
		level.CurrentValue += amount
		return
	}
	level.CurrentValue += room
	excess := amount - room
	level.Overflow += excess
	level.OverflowTotal += excess
}

// SetValue replaces the visible pool with an externally managed amount.
// Anything above the ceiling is held in Overflow.
func SetValue(level *progressive.Level, amount int64) {
	level.Overflow = 0
	if level.HasCeiling() && amount > level.MaximumValue {
		level.Overflow = amount - level.MaximumValue
		amount = level.MaximumValue
	}
	level.CurrentValue = amount
}

// Reset reads the current value and resets the level in one step. A zero
// resetValue uses the level's configured reset value. The new value seeds
// from the hidden pool and carried overflow; anything above the ceiling
// stays in Overflow. Residuals are returned and zeroed.
func Reset(level *progressive.Level, resetValue int64) ClaimResult {
	res := ClaimResult{
		Amount:         level.CurrentValue,
		Residual:       level.Residual,
		HiddenResidual: level.HiddenResidual,
	}
	if resetValue <= 0 {
		resetValue = level.ResetValue
	}

	next := resetValue + level.HiddenValue + level.Overflow
	level.HiddenValue = 0
	level.Overflow = 0
	if level.HasCeiling() && next > level.MaximumValue {
		level.Overflow = next - level.MaximumValue
		next = level.MaximumValue
	}
	level.CurrentValue = next
	level.Residual = 0
	level.HiddenResidual = 0
	return res
}
