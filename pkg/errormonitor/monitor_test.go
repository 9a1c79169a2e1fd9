package errormonitor

import (
	"context"
	"testing"

	"github.com/Digital-Creators-Team/progressive-core/db/memory"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

func key(level int) progressive.LevelKey {
	return progressive.LevelKey{PackName: "pack", PackID: 1, ProgressiveID: 1, GameID: 7, Denom: 1000, LevelID: level}
}

func setup(t *testing.T, minRTP, maxRTP int64, levels ...progressive.Level) (*Monitor, *levelstore.Store, *events.Hub) {
	t.Helper()
	hub := events.NewHub(zerolog.Nop())
	store := levelstore.New(levelstore.Config{Repository: memory.NewLevelRepository(), Hub: hub, Logger: zerolog.Nop()})
	if _, err := store.Register(context.Background(), levels); err != nil {
		t.Fatalf("register: %v", err)
	}
	return New(Config{Store: store, Hub: hub, Logger: zerolog.Nop(), MinRTP: minRTP, MaxRTP: maxRTP}), store, hub
}

func level(id int, reset, rate, baseRTP int64) progressive.Level {
	return progressive.Level{
		Key:           key(id),
		FundingType:   progressive.FundingStandard,
		ResetValue:    reset,
		IncrementRate: rate,
		BaseRTP:       baseRTP,
	}
}

func TestReportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, hub := setup(t, 0, 0, level(1, 1000, 0, 0))
	disabled := hub.GamesDisabled.Subscribe(4)
	defer disabled.Close()

	changed, err := m.ReportDisconnected(ctx, []progressive.LevelKey{key(1)})
	if err != nil || !changed {
		t.Fatalf("expected change, got %v (%v)", changed, err)
	}
	changed, _ = m.ReportDisconnected(ctx, []progressive.LevelKey{key(1)})
	if changed {
		t.Error("expected second report to be a no-op")
	}
	if !m.Blocking(key(1)) {
		t.Error("expected disconnected level to block hits")
	}
	if len(disabled.C) != 1 {
		t.Errorf("expected one disabled event, got %d", len(disabled.C))
	}
	if !m.Disabled(key(1).Group()) {
		t.Error("expected group disabled")
	}
}

func TestTimeoutFlagsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	m, _, hub := setup(t, 0, 0, level(1, 1000, 0, 0))
	disabled := hub.GamesDisabled.Subscribe(4)
	defer disabled.Close()

	if _, err := m.ReportCommitTimeout(ctx, []progressive.LevelKey{key(1)}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := m.ReportClaimTimeout(ctx, []progressive.LevelKey{key(1)}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if m.Blocking(key(1)) {
		t.Error("timeouts must not block new hits")
	}
	if len(disabled.C) != 0 {
		t.Error("timeouts must not disable the game")
	}
}

func TestGameEnabledWhenLastBlockingFlagClears(t *testing.T) {
	ctx := context.Background()
	m, _, hub := setup(t, 0, 0, level(1, 1000, 0, 0), level(2, 1000, 0, 0))
	enabled := hub.GamesEnabled.Subscribe(4)
	defer enabled.Close()

	keys := []progressive.LevelKey{key(1), key(2)}
	if _, err := m.ReportDisconnected(ctx, keys); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := m.ReportMismatch(ctx, []progressive.LevelKey{key(2)}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := m.ClearDisconnected(ctx, keys); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(enabled.C) != 0 {
		t.Fatal("game enabled while level 2 still mismatched")
	}
	if _, err := m.ClearMismatch(ctx, []progressive.LevelKey{key(2)}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	select {
	case e := <-enabled.C:
		if e.Group != key(1).Group() {
			t.Errorf("unexpected group %+v", e.Group)
		}
	default:
		t.Fatal("expected game enabled event")
	}
}

func TestCheckMinimumThreshold(t *testing.T) {
	ctx := context.Background()
	m, store, hub := setup(t, 0, 0, level(1, 1000, 0, 0))
	errs := hub.MinimumThresholdErrors.Subscribe(4)
	defer errs.Close()
	cleared := hub.MinimumThresholdsCleared.Subscribe(4)
	defer cleared.Close()

	if _, err := store.ApplyUpdates(ctx, []progressive.LevelUpdate{{Key: key(1), Amount: 900}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(errs.C) != 1 {
		t.Fatalf("expected one threshold error event, got %d", len(errs.C))
	}
	if !m.Blocking(key(1)) {
		t.Error("expected level below threshold to block")
	}

	if _, err := store.ApplyUpdates(ctx, []progressive.LevelUpdate{{Key: key(1), Amount: 1000}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(cleared.C) != 1 {
		t.Errorf("expected one cleared event, got %d", len(cleared.C))
	}
	if v, _ := store.Get(key(1)); v.Errors.Has(progressive.MinimumThresholdNotReached) {
		t.Error("expected threshold flag cleared")
	}
}

func TestCheckRTPBounds(t *testing.T) {
	tests := []struct {
		name    string
		baseRTP int64
		rates   []int64
		wantErr bool
	}{
		{name: "inside bounds", baseRTP: 880_000, rates: []int64{10_000, 20_000}, wantErr: false},
		{name: "below minimum", baseRTP: 700_000, rates: []int64{10_000}, wantErr: true},
		{name: "above maximum", baseRTP: 980_000, rates: []int64{30_000}, wantErr: true},
		{name: "no base rtp configured", baseRTP: 0, rates: []int64{10_000}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			levels := make([]progressive.Level, len(tt.rates))
			for i, r := range tt.rates {
				levels[i] = level(i+1, 1000, r, tt.baseRTP)
			}
			m, store, _ := setup(t, 750_000, 999_900, levels...)
			if err := m.CheckAll(ctx); err != nil {
				t.Fatalf("check: %v", err)
			}
			for _, v := range store.GetLevels(progressive.Filter{}) {
				if got := v.Errors.Has(progressive.ProgressiveRtpError); got != tt.wantErr {
					t.Errorf("level %s: rtp error %v, want %v", v.Key, got, tt.wantErr)
				}
			}
		})
	}
}

func TestUnknownLevelBlocks(t *testing.T) {
	m, _, _ := setup(t, 0, 0, level(1, 1000, 0, 0))
	if !m.Blocking(key(42)) {
		t.Error("unknown level must block")
	}
}
