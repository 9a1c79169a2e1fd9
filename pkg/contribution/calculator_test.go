package contribution

import (
	"errors"
	"testing"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

func newLevel(funding progressive.FundingType, rate int64) *progressive.Level {
	return &progressive.Level{
		Key:           progressive.LevelKey{PackName: "pack", PackID: 1, ProgressiveID: 1, GameID: 7, Denom: 1000, LevelID: 0},
		FundingType:   funding,
		CurrentValue:  1000,
		ResetValue:    1000,
		IncrementRate: rate,
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{name: "whole percent", in: "5", want: 50_000},
		{name: "fraction", in: "0.25", want: 2_500},
		{name: "smallest unit", in: "0.0001", want: 1},
		{name: "full", in: "100", want: RateScale},
		{name: "empty", in: "", want: 0},
		{name: "too fine", in: "0.00001", wantErr: true},
		{name: "negative", in: "-1", wantErr: true},
		{name: "above hundred", in: "100.5", wantErr: true},
		{name: "garbage", in: "five", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %d", tt.in, got)
				}
				if !errors.Is(err, apperrors.Configuration) {
					t.Errorf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestFormatRate(t *testing.T) {
	if got := FormatRate(50_000); got != "5" {
		t.Errorf("expected 5, got %s", got)
	}
	if got := FormatRate(2_500); got != "0.25" {
		t.Errorf("expected 0.25, got %s", got)
	}
}

func TestCalculatorsByFunding(t *testing.T) {
	wager := progressive.Wager{Amount: 1_000, Ante: 200, LineOption: "A"}

	tests := []struct {
		name      string
		funding   progressive.FundingType
		lineGroup string
		want      int64
	}{
		{name: "standard uses full wager", funding: progressive.FundingStandard, want: 100},
		{name: "ante uses ante only", funding: progressive.FundingAnte, want: 20},
		{name: "line based matching", funding: progressive.FundingLineBased, lineGroup: "A", want: 100},
		{name: "line based other line", funding: progressive.FundingLineBased, lineGroup: "B", want: 0},
		{name: "line based ante matching", funding: progressive.FundingLineBasedAnte, lineGroup: "A", want: 20},
		{name: "line based ante other line", funding: progressive.FundingLineBasedAnte, lineGroup: "B", want: 0},
		{name: "bulk only", funding: progressive.FundingBulkOnly, want: 0},
		{name: "not applicable", funding: progressive.FundingNotApplicable, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level := newLevel(tt.funding, 100_000) // 10%
			level.LineGroup = tt.lineGroup
			res, err := Calculate(level.View(), wager)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.PoolDelta != tt.want {
				t.Errorf("expected delta %d, got %d", tt.want, res.PoolDelta)
			}
		})
	}
}

func TestForFundingUnknown(t *testing.T) {
	if _, err := ForFunding(progressive.FundingType(99)); err == nil {
		t.Fatal("expected error for unknown funding type")
	}
}

func TestResidualCarry(t *testing.T) {
	// 0.3% of 100 is 0.3 millicents per wager.
	level := newLevel(progressive.FundingStandard, 3_000)
	for i := 0; i < 10; i++ {
		res := Standard.Contribution(level.View(), progressive.Wager{Amount: 100})
		Apply(level, res)
	}
	if level.CurrentValue != 1003 {
		t.Errorf("expected 1003, got %d", level.CurrentValue)
	}
	if level.Residual != 0 {
		t.Errorf("expected no residual, got %d", level.Residual)
	}
}

func TestConservation(t *testing.T) {
	level := newLevel(progressive.FundingStandard, 12_345)
	level.HiddenIncrementRate = 777
	residualBefore := level.Residual
	hiddenBefore := level.HiddenResidual
	start := level.CurrentValue

	var exact, exactHidden, applied, appliedHidden int64
	for i := int64(1); i <= 5_000; i++ {
		amount := i*37%991 + 1
		res := Standard.Contribution(level.View(), progressive.Wager{Amount: amount})
		Apply(level, res)
		exact += amount * level.IncrementRate
		exactHidden += amount * level.HiddenIncrementRate
		applied += res.PoolDelta
		appliedHidden += res.HiddenDelta
	}

	if exact+residualBefore != RateScale*applied+level.Residual {
		t.Errorf("pool leaked: exact=%d applied=%d residual=%d", exact, applied, level.Residual)
	}
	if exactHidden+hiddenBefore != RateScale*appliedHidden+level.HiddenResidual {
		t.Errorf("hidden pool leaked: exact=%d applied=%d residual=%d", exactHidden, appliedHidden, level.HiddenResidual)
	}

	claim := Reset(level, 0)
	if claim.Amount != start+applied {
		t.Errorf("expected claim %d, got %d", start+applied, claim.Amount)
	}
	if RateScale*claim.Amount+claim.Residual != RateScale*start+exact+residualBefore {
		t.Error("claimed amount plus residual does not match contributions")
	}
}

func TestLargeWagerDoesNotOverflow(t *testing.T) {
	level := newLevel(progressive.FundingStandard, RateScale)
	res := Standard.Contribution(level.View(), progressive.Wager{Amount: 4_000_000_000_000_000})
	if res.PoolDelta != 4_000_000_000_000_000 {
		t.Errorf("expected full wager at 100%%, got %d", res.PoolDelta)
	}
}
