package linked

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/db/memory"
	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/claim"
	"github.com/Digital-Creators-Team/progressive-core/pkg/errormonitor"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/payout"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

const proto = "G2S"

var grand = LevelName(proto, nil, 7, 3, 1)

type counterIDs struct{ n atomic.Int64 }

func (c *counterIDs) NextID() int64 { return c.n.Add(1) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   *levelstore.Store
	monitor *errormonitor.Monitor
	coord   *claim.Coordinator
	adapter *Adapter
	hub     *events.Hub
	clock   *fakeClock
}

func key(level int) progressive.LevelKey {
	return progressive.LevelKey{PackName: "pack", PackID: 1, ProgressiveID: 3, GameID: 7, Denom: 1000, LevelID: level}
}

func lpLevel(level int, name string) progressive.Level {
	return progressive.Level{
		Key:                   key(level),
		LevelName:             "Linked",
		LevelType:             progressive.LevelTypeLP,
		FundingType:           progressive.FundingNotApplicable,
		ResetValue:            1000,
		AssignedProgressiveID: Assignment(name),
	}
}

func newHarness(t *testing.T, levels ...progressive.Level) *harness {
	t.Helper()
	h := &harness{
		hub:   events.NewHub(zerolog.Nop()),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.store = levelstore.New(levelstore.Config{Repository: memory.NewLevelRepository(), Hub: h.hub, Logger: zerolog.Nop(), Clock: h.clock.Now})
	if _, err := h.store.Register(context.Background(), levels); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.monitor = errormonitor.New(errormonitor.Config{Store: h.store, Hub: h.hub, Logger: zerolog.Nop()})
	h.coord = claim.New(claim.Config{
		Store:   h.store,
		Monitor: h.monitor,
		Log:     memory.NewTransactionLog(),
		Payouts: payout.NewQueue(),
		Hub:     h.hub,
		IDs:     &counterIDs{},
		Logger:  zerolog.Nop(),
		Clock:   h.clock.Now,
	})
	h.adapter = h.newAdapter()
	return h
}

func (h *harness) newAdapter() *Adapter {
	return New(Config{
		Store:         h.store,
		Monitor:       h.monitor,
		Coordinator:   h.coord,
		Hub:           h.hub,
		Logger:        zerolog.Nop(),
		Clock:         h.clock.Now,
		UpdateTimeout: 30 * time.Second,
	})
}

func (h *harness) update(t *testing.T, amount int64) {
	t.Helper()
	if _, err := h.adapter.UpdateLinkedProgressiveLevels(context.Background(), proto, []LinkedLevel{{LevelName: grand, Amount: amount}}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func (h *harness) hit(t *testing.T, k progressive.LevelKey) progressive.TransactionView {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.SetState(ctx, k, nil, progressive.StateActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	tx, err := h.coord.Hit(ctx, k, claim.HitRequest{})
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	return tx
}

func (h *harness) status(t *testing.T) ClaimStatus {
	t.Helper()
	for _, l := range h.adapter.GetLinkedLevels(proto) {
		if l.LevelName == grand {
			return l.ClaimStatus
		}
	}
	t.Fatalf("linked level %q not found", grand)
	return ClaimStatus{}
}

func shortContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestLevelName(t *testing.T) {
	offset := func(gameID, _, levelID int) int { return gameID*100 + levelID }
	tests := []struct {
		name     string
		override progressive.LevelIDOverride
		want     string
	}{
		{"identity", nil, "G2S, LevelId: 1, ProgressiveGroupId: 3"},
		{"override", offset, "G2S, LevelId: 701, ProgressiveGroupId: 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LevelName(proto, tt.override, 7, 3, 1); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
	if got := protocolOf(grand); got != proto {
		t.Errorf("protocolOf = %q", got)
	}
}

func TestUpdateRejectsForeignBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand))
	h.update(t, 5000)

	sasLevel := LevelName("SAS", nil, 7, 4, 1)
	_, err := h.adapter.UpdateLinkedProgressiveLevels(ctx, "SAS", []LinkedLevel{
		{LevelName: sasLevel, Amount: 10},
		{LevelName: grand, Amount: 1},
	})
	if !errors.Is(err, apperrors.NotAuthorizedForProtocol) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if got := h.adapter.GetLinkedLevels("SAS"); len(got) != 0 {
		t.Errorf("rejected batch partially applied: %+v", got)
	}
	if level, _ := h.store.Get(key(1)); level.CurrentValue != 5000 {
		t.Errorf("foreign protocol changed value to %d", level.CurrentValue)
	}

	if _, err := h.adapter.ClaimLinkedProgressiveLevel(ctx, "SAS", grand); !errors.Is(err, apperrors.NotAuthorizedForProtocol) {
		t.Errorf("expected not authorized claim, got %v", err)
	}
	if _, err := h.adapter.AwardLinkedProgressiveLevel(ctx, "SAS", grand, 1); !errors.Is(err, apperrors.NotAuthorizedForProtocol) {
		t.Errorf("expected not authorized award, got %v", err)
	}
}

func TestUpdatePropagatesToGameLevels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand), lpLevel(2, grand))
	updates := h.hub.LinkedUpdates.Subscribe(4)

	if _, err := h.monitor.ReportDisconnected(ctx, []progressive.LevelKey{key(1)}); err != nil {
		t.Fatalf("report: %v", err)
	}
	h.update(t, 5000)

	for _, k := range []progressive.LevelKey{key(1), key(2)} {
		level, _ := h.store.Get(k)
		if level.CurrentValue != 5000 {
			t.Errorf("%s: expected 5000, got %d", k, level.CurrentValue)
		}
		if level.Errors.Has(progressive.LinkedDisconnected) {
			t.Errorf("%s: update did not clear disconnected flag", k)
		}
	}
	evt := <-updates.C
	if evt.ProtocolName != proto || len(evt.LevelNames) != 1 || evt.LevelNames[0] != grand {
		t.Errorf("unexpected update event: %+v", evt)
	}

	h.update(t, 500)
	level, _ := h.store.Get(key(1))
	if !level.Errors.Has(progressive.MinimumThresholdNotReached) {
		t.Error("expected minimum threshold flag below reset value")
	}
	if !h.monitor.Disabled(key(1).Group()) {
		t.Error("expected game group disabled")
	}
}

func TestClaimAndAwardLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand))
	claims := h.hub.LinkedClaims.Subscribe(4)
	awards := h.hub.LinkedAwards.Subscribe(4)
	h.update(t, 5000)
	hit := h.hit(t, key(1))

	if _, err := h.adapter.AwardLinkedProgressiveLevel(ctx, proto, grand, 100); err == nil {
		t.Fatal("expected award before claim to fail")
	}

	tx, err := h.adapter.ClaimLinkedProgressiveLevel(ctx, proto, grand)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if tx.TransactionID != hit.TransactionID || tx.State != progressive.TxPending || tx.ValueAmount != 5000 {
		t.Errorf("unexpected claimed transaction: %+v", tx)
	}
	if st := h.status(t); st.Status != ClaimClaimed || st.TransactionID != tx.TransactionID {
		t.Errorf("unexpected claim status: %+v", st)
	}
	if evt := <-claims.C; evt.LinkedLevel != grand || evt.ProtocolName != proto {
		t.Errorf("unexpected claim event: %+v", evt)
	}

	tx, err = h.adapter.AwardLinkedProgressiveLevel(ctx, proto, grand, 4800)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if tx.State != progressive.TxCommitted || tx.WinAmount != 4800 || tx.ProtocolName != proto {
		t.Errorf("unexpected awarded transaction: %+v", tx)
	}
	if st := h.status(t); st.Status != ClaimAwarded || st.WinAmount != 4800 {
		t.Errorf("unexpected award status: %+v", st)
	}
	if evt := <-awards.C; evt.WinAmount != 4800 {
		t.Errorf("unexpected award event: %+v", evt)
	}

	if _, err := h.coord.AcknowledgeCommit(ctx, tx.TransactionID, 0); err != nil {
		t.Fatalf("acknowledge commit: %v", err)
	}
	if st := h.status(t); st.Status != ClaimNone {
		t.Errorf("expected slot released, got %+v", st)
	}

	h.hit(t, key(1))
	if _, err := h.adapter.ClaimLinkedProgressiveLevel(shortContext(t), proto, grand); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestClaimWaitsForInFlightTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand), lpLevel(2, grand))
	h.update(t, 5000)
	first := h.hit(t, key(1))
	second := h.hit(t, key(2))

	if _, err := h.adapter.ClaimLinkedProgressiveLevel(ctx, proto, grand); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := h.adapter.ClaimLinkedProgressiveLevel(shortContext(t), proto, grand); !errors.Is(err, apperrors.LevelBusy) {
		t.Fatalf("expected busy, got %v", err)
	}

	type result struct {
		tx  progressive.TransactionView
		err error
	}
	done := make(chan result, 1)
	go func() {
		tx, err := h.adapter.ClaimLinkedProgressiveLevel(ctx, proto, grand)
		done <- result{tx, err}
	}()

	select {
	case <-done:
		t.Fatal("second claim did not wait for the first transaction")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := h.coord.Fail(ctx, first.TransactionID, progressive.ExceptionHostRejected); err != nil {
		t.Fatalf("fail: %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("second claim: %v", r.err)
		}
		if r.tx.TransactionID != second.TransactionID {
			t.Errorf("expected transaction %d, got %d", second.TransactionID, r.tx.TransactionID)
		}
	case <-time.After(time.Second):
		t.Fatal("second claim never acquired the level")
	}
}

func TestClaimWithoutHitReleasesSlot(t *testing.T) {
	h := newHarness(t, lpLevel(1, grand))
	h.update(t, 5000)

	for i := 0; i < 2; i++ {
		_, err := h.adapter.ClaimLinkedProgressiveLevel(shortContext(t), proto, grand)
		if !errors.Is(err, apperrors.TransactionNotFound) {
			t.Fatalf("attempt %d: expected no hit, got %v", i, err)
		}
	}
}

func TestClaimAndAwardRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand))
	h.update(t, 5000)
	hit := h.hit(t, key(1))

	if _, err := h.adapter.ClaimAndAwardLinkedProgressiveLevel(ctx, proto, grand, -1); err == nil {
		t.Fatal("expected negative award to fail")
	}
	stored, _ := h.coord.Get(ctx, hit.TransactionID)
	if stored.State != progressive.TxHit {
		t.Errorf("failed claim and award moved transaction to %s", stored.State)
	}
	if st := h.status(t); st.Status != ClaimNone {
		t.Errorf("claim status not rolled back: %+v", st)
	}

	tx, err := h.adapter.ClaimAndAwardLinkedProgressiveLevel(shortContext(t), proto, grand, 0)
	if err != nil {
		t.Fatalf("claim and award: %v", err)
	}
	if tx.State != progressive.TxCommitted || tx.WinAmount != 5000 {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if st := h.status(t); st.Status != ClaimAwarded {
		t.Errorf("expected awarded status, got %+v", st)
	}
}

func TestSetLinkStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand))
	group := key(1).Group()

	if err := h.adapter.SetLinkStatus(ctx, proto, false); err != nil {
		t.Fatalf("link down: %v", err)
	}
	level, _ := h.store.Get(key(1))
	if !level.Errors.Has(progressive.LinkedDisconnected) || !h.monitor.Disabled(group) {
		t.Fatal("expected disconnected and disabled")
	}
	if _, err := h.store.SetState(ctx, key(1), nil, progressive.StateActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := h.coord.Hit(ctx, key(1), claim.HitRequest{}); !errors.Is(err, apperrors.LevelFaulted) {
		t.Errorf("expected hit on disconnected level to fail, got %v", err)
	}

	if err := h.adapter.SetLinkStatus(ctx, "SAS", true); err != nil {
		t.Fatalf("other protocol up: %v", err)
	}
	if !h.monitor.Disabled(group) {
		t.Error("another protocol cleared the disconnect")
	}
	if err := h.adapter.SetLinkStatus(ctx, proto, true); err != nil {
		t.Fatalf("link up: %v", err)
	}
	if h.monitor.Disabled(group) {
		t.Error("expected game enabled after link up")
	}
}

func TestSweepTimeouts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand))
	h.update(t, 5000)

	stale, err := h.adapter.SweepTimeouts(ctx, h.clock.Now().Add(10*time.Second))
	if err != nil || len(stale) != 0 {
		t.Fatalf("unexpected early timeout: %v %v", stale, err)
	}
	h.clock.Advance(31 * time.Second)
	stale, err = h.adapter.SweepTimeouts(ctx, h.clock.Now())
	if err != nil || len(stale) != 1 || stale[0] != grand {
		t.Fatalf("expected %q stale, got %v %v", grand, stale, err)
	}
	level, _ := h.store.Get(key(1))
	if !level.Errors.Has(progressive.LinkedUpdateTimeout) {
		t.Error("expected update timeout flag")
	}
	if h.monitor.Blocking(key(1)) {
		t.Error("update timeout must not block hits")
	}

	if _, err := h.adapter.UpdateLinkedProgressiveLevels(ctx, proto, []LinkedLevel{{
		LevelName:  grand,
		Amount:     5000,
		Expiration: h.clock.Now().Add(5 * time.Second),
	}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if level, _ := h.store.Get(key(1)); level.Errors.Has(progressive.LinkedUpdateTimeout) {
		t.Error("update did not clear timeout")
	}
	stale, _ = h.adapter.SweepTimeouts(ctx, h.clock.Now().Add(6*time.Second))
	if len(stale) != 1 {
		t.Errorf("expected expired level reported, got %v", stale)
	}
}

func TestRecoverRestoresClaimSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lpLevel(1, grand), lpLevel(2, grand))
	h.update(t, 5000)
	first := h.hit(t, key(1))
	h.hit(t, key(2))
	if _, err := h.adapter.ClaimLinkedProgressiveLevel(ctx, proto, grand); err != nil {
		t.Fatalf("claim: %v", err)
	}

	h.adapter = h.newAdapter()
	restored, err := h.adapter.Recover(ctx)
	if err != nil || restored != 1 {
		t.Fatalf("expected one restored slot, got %d %v", restored, err)
	}
	if st := h.status(t); st.Status != ClaimClaimed || st.TransactionID != first.TransactionID {
		t.Errorf("unexpected recovered status: %+v", st)
	}
	if _, err := h.adapter.ClaimLinkedProgressiveLevel(shortContext(t), proto, grand); !errors.Is(err, apperrors.LevelBusy) {
		t.Errorf("expected restored slot to block, got %v", err)
	}
	if _, err := h.adapter.AwardLinkedProgressiveLevel(ctx, proto, grand, 0); err != nil {
		t.Errorf("award after recovery: %v", err)
	}
}
