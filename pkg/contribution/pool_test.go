package contribution

import (
	"testing"

	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

func TestClaimScenario(t *testing.T) {
	level := newLevel(progressive.FundingStandard, 50_000) // 5%
	for i := 0; i < 3; i++ {
		Apply(level, Standard.Contribution(level.View(), progressive.Wager{Amount: 300}))
	}
	if level.CurrentValue != 1045 {
		t.Fatalf("expected 1045, got %d", level.CurrentValue)
	}

	claim := Reset(level, 0)
	if claim.Amount != 1045 {
		t.Errorf("expected claim 1045, got %d", claim.Amount)
	}
	if level.CurrentValue != 1000 {
		t.Errorf("expected reset to 1000, got %d", level.CurrentValue)
	}
	if level.OverflowTotal != 0 {
		t.Errorf("expected no overflow, got %d", level.OverflowTotal)
	}
}

func TestApplyCeiling(t *testing.T) {
	level := newLevel(progressive.FundingStandard, RateScale)
	level.MaximumValue = 1_050

	Apply(level, Result{PoolDelta: 30})
	Apply(level, Result{PoolDelta: 40})

	if level.CurrentValue != 1_050 {
		t.Errorf("expected value at ceiling, got %d", level.CurrentValue)
	}
	if level.Overflow != 20 || level.OverflowTotal != 20 {
		t.Errorf("expected overflow 20/20, got %d/%d", level.Overflow, level.OverflowTotal)
	}
}

func TestResetSeedsFromOverflowAndHidden(t *testing.T) {
	tests := []struct {
		name          string
		max           int64
		overflow      int64
		hidden        int64
		resetValue    int64
		wantValue     int64
		wantOverflow  int64
		wantClaimed   int64
		overflowTotal int64
	}{
		{name: "hidden seeds next value", max: 0, hidden: 25, wantValue: 1025, wantClaimed: 1000},
		{name: "overflow carried", max: 2_000, overflow: 50, overflowTotal: 50, wantValue: 1050, wantClaimed: 1000},
		{name: "overflow clamped to ceiling", max: 1_020, overflow: 50, overflowTotal: 50, wantValue: 1020, wantOverflow: 30, wantClaimed: 1000},
		{name: "explicit reset value", max: 0, resetValue: 500, wantValue: 500, wantClaimed: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level := newLevel(progressive.FundingStandard, 0)
			level.MaximumValue = tt.max
			level.Overflow = tt.overflow
			level.OverflowTotal = tt.overflowTotal
			level.HiddenValue = tt.hidden
			level.Residual = 42

			claim := Reset(level, tt.resetValue)
			if claim.Amount != tt.wantClaimed {
				t.Errorf("expected claimed %d, got %d", tt.wantClaimed, claim.Amount)
			}
			if claim.Residual != 42 {
				t.Errorf("expected residual 42 returned, got %d", claim.Residual)
			}
			if level.CurrentValue != tt.wantValue {
				t.Errorf("expected value %d, got %d", tt.wantValue, level.CurrentValue)
			}
			if level.Overflow != tt.wantOverflow {
				t.Errorf("expected overflow %d, got %d", tt.wantOverflow, level.Overflow)
			}
			if level.OverflowTotal != tt.overflowTotal {
				t.Errorf("overflow total changed: %d", level.OverflowTotal)
			}
			if level.Residual != 0 || level.HiddenValue != 0 {
				t.Error("expected residual and hidden pool cleared")
			}
		})
	}
}

func TestAddValueIgnoresNonPositive(t *testing.T) {
	level := newLevel(progressive.FundingStandard, 0)
	AddValue(level, -5)
	AddValue(level, 0)
	if level.CurrentValue != 1000 {
		t.Errorf("expected unchanged value, got %d", level.CurrentValue)
	}
}

func TestSetValue(t *testing.T) {
	tests := []struct {
		name         string
		maximum      int64
		amount       int64
		wantValue    int64
		wantOverflow int64
	}{
		{"no ceiling", 0, 9_000, 9_000, 0},
		{"under ceiling", 5_000, 4_000, 4_000, 0},
		{"over ceiling", 5_000, 5_250, 5_000, 250},
		{"under reset", 5_000, 600, 600, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level := newLevel(progressive.FundingNotApplicable, 0)
			level.MaximumValue = tt.maximum
			level.Overflow = 70
			SetValue(level, tt.amount)
			if level.CurrentValue != tt.wantValue || level.Overflow != tt.wantOverflow {
				t.Errorf("expected %d/%d, got %d/%d", tt.wantValue, tt.wantOverflow, level.CurrentValue, level.Overflow)
			}
			if level.OverflowTotal != 0 {
				t.Errorf("linked value must not count as funded overflow, got %d", level.OverflowTotal)
			}
		})
	}
}
