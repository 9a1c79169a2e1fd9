package claim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/db/memory"
	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/errormonitor"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/payout"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

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

type recordingObserver struct {
	mu     sync.Mutex
	closed []progressive.TransactionView
}

func (o *recordingObserver) TransactionClosed(tx progressive.TransactionView) {
	o.mu.Lock()
	o.closed = append(o.closed, tx)
	o.mu.Unlock()
}

type harness struct {
	store    *levelstore.Store
	levels   *memory.LevelRepository
	log      *memory.TransactionLog
	queue    *payout.Queue
	hub      *events.Hub
	monitor  *errormonitor.Monitor
	coord    *Coordinator
	clock    *fakeClock
	ids      *counterIDs
	observer *recordingObserver
}

func key(level int) progressive.LevelKey {
	return progressive.LevelKey{PackName: "pack", PackID: 1, ProgressiveID: 1, GameID: 7, Denom: 1000, LevelID: level}
}

func sapLevel(level int) progressive.Level {
	return progressive.Level{
		Key:           key(level),
		LevelName:     "Grand",
		LevelType:     progressive.LevelTypeSap,
		FundingType:   progressive.FundingStandard,
		ResetValue:    1000,
		IncrementRate: 50_000,
	}
}

func newHarness(t *testing.T, levels ...progressive.Level) *harness {
	t.Helper()
	h := &harness{
		levels:   memory.NewLevelRepository(),
		log:      memory.NewTransactionLog(),
		queue:    payout.NewQueue(),
		hub:      events.NewHub(zerolog.Nop()),
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		ids:      &counterIDs{},
		observer: &recordingObserver{},
	}
	h.store = levelstore.New(levelstore.Config{Repository: h.levels, Hub: h.hub, Logger: zerolog.Nop(), Clock: h.clock.Now})
	if _, err := h.store.Register(context.Background(), levels); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.restart()
	return h
}

// restart builds a fresh coordinator over the same durable state.
func (h *harness) restart() {
	h.store = levelstore.New(levelstore.Config{Repository: h.levels, Hub: h.hub, Logger: zerolog.Nop(), Clock: h.clock.Now})
	if _, err := h.store.Load(context.Background()); err != nil {
		panic(err)
	}
	h.monitor = errormonitor.New(errormonitor.Config{Store: h.store, Hub: h.hub, Logger: zerolog.Nop()})
	h.coord = New(Config{
		Store:         h.store,
		Monitor:       h.monitor,
		Log:           h.log,
		Payouts:       h.queue,
		Hub:           h.hub,
		IDs:           h.ids,
		Logger:        zerolog.Nop(),
		Clock:         h.clock.Now,
		ClaimTimeout:  30 * time.Second,
		CommitTimeout: time.Minute,
	})
	h.coord.AddObserver(h.observer)
}

func (h *harness) activate(t *testing.T, k progressive.LevelKey) {
	t.Helper()
	if _, err := h.store.SetState(context.Background(), k, nil, progressive.StateActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func (h *harness) contribute(t *testing.T, k progressive.LevelKey, amounts ...int64) {
	t.Helper()
	for _, a := range amounts {
		if _, _, err := h.store.Contribute(context.Background(), k, progressive.Wager{Amount: a}); err != nil {
			t.Fatalf("contribute: %v", err)
		}
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	hits := h.hub.Hits.Subscribe(4)
	pending := h.hub.Pending.Subscribe(4)
	commits := h.hub.Commits.Subscribe(4)
	awards := h.hub.SapAwards.Subscribe(4)
	acks := h.hub.CommitAcks.Subscribe(4)

	h.activate(t, key(1))
	h.contribute(t, key(1), 300, 300, 300)

	tx, err := h.coord.Hit(ctx, key(1), HitRequest{WinLevelIndex: 0})
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if tx.ValueAmount != 1045 || tx.ValueText != "0.01" {
		t.Errorf("unexpected hit value %d (%s)", tx.ValueAmount, tx.ValueText)
	}
	level, _ := h.store.Get(key(1))
	if level.CurrentValue != 1000 || level.CurrentState != progressive.StateHit || level.LastClaimTransactionID != tx.TransactionID {
		t.Errorf("unexpected level after hit: %+v", level)
	}

	hitEvt := <-hits.C
	stored, err := h.log.Get(ctx, hitEvt.Transaction.TransactionID)
	if err != nil || stored.State != progressive.TxHit {
		t.Fatalf("hit event published before transaction was durable: %v", err)
	}

	if _, err := h.coord.Acknowledge(ctx, tx.TransactionID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	committed, err := h.coord.Commit(ctx, tx.TransactionID, CommitRequest{PayMethod: progressive.PayCredits})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.WinAmount != 1045 {
		t.Errorf("expected win 1045, got %d", committed.WinAmount)
	}
	if got := h.queue.Pending(); len(got) != 1 || got[0].Amount != 1045 {
		t.Fatalf("expected queued payout of 1045, got %+v", got)
	}

	if _, err := h.coord.AcknowledgeCommit(ctx, tx.TransactionID, 0); err != nil {
		t.Fatalf("acknowledge commit: %v", err)
	}
	final, _ := h.coord.Get(ctx, tx.TransactionID)
	if final.State != progressive.TxAcknowledged || final.PaidAmount != 1045 || final.PaidAt.IsZero() {
		t.Errorf("unexpected final transaction: %+v", final)
	}
	level, _ = h.store.Get(key(1))
	if level.CurrentState != progressive.StateReady {
		t.Errorf("expected level Ready, got %s", level.CurrentState)
	}

	if len(pending.C) != 1 || len(commits.C) != 1 || len(awards.C) != 1 || len(acks.C) != 1 {
		t.Errorf("unexpected event counts: pending=%d commit=%d award=%d ack=%d", len(pending.C), len(commits.C), len(awards.C), len(acks.C))
	}
	if len(h.observer.closed) != 1 {
		t.Errorf("expected observer notified once, got %d", len(h.observer.closed))
	}
}

func TestHitRequiresActiveLevel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))

	if _, err := h.coord.Hit(ctx, key(1), HitRequest{}); !errors.Is(err, apperrors.InvalidTransition) {
		t.Fatalf("expected invalid transition for idle level, got %v", err)
	}
	level, _ := h.store.Get(key(1))
	if level.CurrentValue != 1000 {
		t.Errorf("rejected hit changed level value: %d", level.CurrentValue)
	}
	if open, _ := h.coord.Open(ctx); len(open) != 0 {
		t.Errorf("rejected hit left a transaction: %+v", open)
	}
}

func TestOneOpenTransactionPerLevel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))

	if _, err := h.coord.Hit(ctx, key(1), HitRequest{}); err != nil {
		t.Fatalf("hit: %v", err)
	}
	if _, err := h.coord.Hit(ctx, key(1), HitRequest{}); !errors.Is(err, apperrors.LevelBusy) {
		t.Errorf("expected level busy, got %v", err)
	}
}

func TestBlockedLevelRejectsHit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	if _, err := h.monitor.ReportDisconnected(ctx, []progressive.LevelKey{key(1)}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := h.coord.Hit(ctx, key(1), HitRequest{}); !errors.Is(err, apperrors.LevelFaulted) {
		t.Errorf("expected faulted level, got %v", err)
	}
}

type failingAppendLog struct {
	*memory.TransactionLog
}

func (l failingAppendLog) Append(context.Context, *progressive.JackpotTransaction) error {
	return errors.New("ledger unavailable")
}

func TestHitFailsWhenLedgerIsDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	h.contribute(t, key(1), 300)
	hits := h.hub.Hits.Subscribe(4)

	coord := New(Config{Store: h.store, Monitor: h.monitor, Log: failingAppendLog{h.log}, Hub: h.hub, IDs: h.ids, Logger: zerolog.Nop()})
	if _, err := coord.Hit(ctx, key(1), HitRequest{}); !errors.Is(err, apperrors.Persistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	level, _ := h.store.Get(key(1))
	if level.CurrentValue != 1015 || level.CurrentState != progressive.StateActive {
		t.Errorf("level changed without durable transaction: %+v", level)
	}
	if len(hits.C) != 0 {
		t.Error("hit event published without durable transaction")
	}
}

type flakyLevels struct {
	*memory.LevelRepository
	failures atomic.Int32
}

func (r *flakyLevels) SaveLevels(ctx context.Context, levels []progressive.Level) error {
	if r.failures.Add(-1) >= 0 {
		return errors.New("level store unavailable")
	}
	return r.LevelRepository.SaveLevels(ctx, levels)
}

type flakySaveLog struct {
	*memory.TransactionLog
	failures atomic.Int32
}

func (l *flakySaveLog) Save(ctx context.Context, tx *progressive.JackpotTransaction, expected progressive.TransactionState) error {
	if l.failures.Add(-1) >= 0 {
		return errors.New("ledger unavailable")
	}
	return l.TransactionLog.Save(ctx, tx, expected)
}

// unresetHit opens a durable hit whose level reset and compensating close
// both fail.
func unresetHit(t *testing.T, h *harness) (*Coordinator, *flakySaveLog) {
	t.Helper()
	ctx := context.Background()
	h.activate(t, key(1))
	h.contribute(t, key(1), 300)

	levels := &flakyLevels{LevelRepository: h.levels}
	store := levelstore.New(levelstore.Config{Repository: levels, Hub: h.hub, Logger: zerolog.Nop(), Clock: h.clock.Now})
	if _, err := store.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	monitor := errormonitor.New(errormonitor.Config{Store: store, Hub: h.hub, Logger: zerolog.Nop()})
	log := &flakySaveLog{TransactionLog: h.log}
	coord := New(Config{Store: store, Monitor: monitor, Log: log, Payouts: h.queue, Hub: h.hub, IDs: h.ids, Logger: zerolog.Nop(), Clock: h.clock.Now})

	levels.failures.Store(1)
	log.failures.Store(1)
	if _, err := coord.Hit(ctx, key(1), HitRequest{}); !errors.Is(err, apperrors.Persistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	open, err := h.log.ListOpen(ctx)
	if err != nil || len(open) != 1 || open[0].State != progressive.TxHit {
		t.Fatalf("expected the unreset hit to stay open, got %v %v", open, err)
	}
	return coord, log
}

func TestUnresetHitFencesLevel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	coord, log := unresetHit(t, h)

	log.failures.Store(1)
	if _, err := coord.Hit(ctx, key(1), HitRequest{}); !errors.Is(err, apperrors.LevelBusy) {
		t.Fatalf("expected fenced level to reject hit, got %v", err)
	}
	open, _ := h.log.ListOpen(ctx)
	if len(open) != 1 || open[0].TransactionID != 1 {
		t.Fatalf("fenced level opened another transaction: %v", open)
	}

	tx, err := coord.Hit(ctx, key(1), HitRequest{})
	if err != nil {
		t.Fatalf("hit after ledger recovered: %v", err)
	}
	if tx.TransactionID != 2 || tx.ValueAmount != 1015 {
		t.Errorf("unexpected hit %+v", tx)
	}
	first, err := h.log.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.State != progressive.TxFailed || first.Exception != progressive.ExceptionLevelResetFailed {
		t.Errorf("unreset transaction not closed: state %s exception %s", first.State, first.Exception)
	}
	open, _ = h.log.ListOpen(ctx)
	if len(open) != 1 || open[0].TransactionID != 2 {
		t.Errorf("expected only the new transaction open, got %v", open)
	}
}

func TestRecoverAdoptsFencedHit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	coord, _ := unresetHit(t, h)

	report, err := coord.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Reconciled != 1 {
		t.Errorf("expected the level reset to be reconciled, got %+v", report)
	}
	if _, err := coord.Hit(ctx, key(1), HitRequest{}); !errors.Is(err, apperrors.LevelBusy) {
		t.Fatalf("expected busy level while the adopted hit is open, got %v", err)
	}
	tx, err := coord.Acknowledge(ctx, 1)
	if err != nil {
		t.Fatalf("acknowledge adopted hit: %v", err)
	}
	if tx.State != progressive.TxPending || tx.ValueAmount != 1015 {
		t.Errorf("unexpected adopted transaction %+v", tx)
	}
}

func TestCommitMismatchAborts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	tx, err := h.coord.Hit(ctx, key(1), HitRequest{})
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if _, err := h.coord.Acknowledge(ctx, tx.TransactionID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	changed := sapLevel(1)
	changed.ResetValue = 2000
	if _, err := h.store.UpdateLevels(ctx, "pack", 7, 1000, []progressive.Level{changed}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := h.coord.Commit(ctx, tx.TransactionID, CommitRequest{}); !errors.Is(err, apperrors.ProgressiveMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	stored, _ := h.coord.Get(ctx, tx.TransactionID)
	if stored.State != progressive.TxPending {
		t.Errorf("mismatch changed transaction state to %s", stored.State)
	}
	if len(h.queue.Pending()) != 0 {
		t.Error("mismatch queued a payout")
	}
	level, _ := h.store.Get(key(1))
	if !level.Errors.Has(progressive.ProgressiveMismatch) {
		t.Error("expected mismatch flag on level")
	}
}

func TestClaimAndCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	tx, err := h.coord.Hit(ctx, key(1), HitRequest{})
	if err != nil {
		t.Fatalf("hit: %v", err)
	}

	committed, err := h.coord.ClaimAndCommit(ctx, tx.TransactionID, CommitRequest{WinAmount: 5000, PayMethod: progressive.PayHandpay})
	if err != nil {
		t.Fatalf("claim and commit: %v", err)
	}
	if committed.State != progressive.TxCommitted || committed.WinAmount != 5000 {
		t.Errorf("unexpected transaction: %+v", committed)
	}
	if _, err := h.coord.Acknowledge(ctx, tx.TransactionID); !errors.Is(err, apperrors.InvalidTransition) {
		t.Errorf("expected invalid transition after commit, got %v", err)
	}
}

func TestCommitRetryReoffersPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	tx, _ := h.coord.Hit(ctx, key(1), HitRequest{})
	if _, err := h.coord.ClaimAndCommit(ctx, tx.TransactionID, CommitRequest{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := h.coord.Commit(ctx, tx.TransactionID, CommitRequest{}); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
	if len(h.queue.Pending()) != 1 {
		t.Errorf("expected one queued payout, got %d", len(h.queue.Pending()))
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1), sapLevel(2))
	h.activate(t, key(1))
	h.activate(t, key(2))

	pendingTx, _ := h.coord.Hit(ctx, key(1), HitRequest{})
	if _, err := h.coord.Acknowledge(ctx, pendingTx.TransactionID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	cancelled, err := h.coord.Cancel(ctx, pendingTx.TransactionID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != progressive.TxFailed || cancelled.Exception != progressive.ExceptionCancelled {
		t.Errorf("unexpected cancelled transaction: %+v", cancelled)
	}
	if cancelled.ValueAmount != pendingTx.ValueAmount {
		t.Error("failed transaction lost its claimed amount")
	}

	committedTx, _ := h.coord.Hit(ctx, key(2), HitRequest{})
	if _, err := h.coord.ClaimAndCommit(ctx, committedTx.TransactionID, CommitRequest{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := h.coord.Cancel(ctx, committedTx.TransactionID); !errors.Is(err, apperrors.CancelForbidden) {
		t.Errorf("expected cancel forbidden, got %v", err)
	}
	if _, err := h.coord.Fail(ctx, committedTx.TransactionID, progressive.ExceptionHostRejected); err != nil {
		t.Errorf("explicit failure after commit must be allowed: %v", err)
	}
}

func TestSweepTimeouts(t *testing.T) {
	ctx := context.Background()
	linked := sapLevel(2)
	linked.LevelType = progressive.LevelTypeLP
	linked.FundingType = progressive.FundingNotApplicable
	linked.IncrementRate = 0
	linked.AssignedProgressiveID = progressive.AssignableProgressiveID{Type: progressive.AssignableLinked, Key: "G2S, LevelId: 2, ProgressiveGroupId: 1"}
	h := newHarness(t, sapLevel(1), linked)
	h.activate(t, key(1))
	h.activate(t, key(2))

	sap, _ := h.coord.Hit(ctx, key(1), HitRequest{})
	if _, err := h.coord.Acknowledge(ctx, sap.TransactionID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	lp, _ := h.coord.Hit(ctx, key(2), HitRequest{})

	h.clock.Advance(45 * time.Second)
	report, err := h.coord.SweepTimeouts(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(report.ClaimTimeouts) != 1 || len(report.CommitTimeouts) != 0 {
		t.Fatalf("unexpected report after 45s: %+v", report)
	}

	h.clock.Advance(30 * time.Second)
	report, _ = h.coord.SweepTimeouts(ctx, h.clock.Now())
	if len(report.CommitTimeouts) != 1 {
		t.Fatalf("expected commit timeout after 75s: %+v", report)
	}

	l1, _ := h.store.Get(key(1))
	l2, _ := h.store.Get(key(2))
	if !l1.Errors.Has(progressive.ProgCommitTimeout) || !l2.Errors.Has(progressive.LinkedClaimTimeout) {
		t.Errorf("expected timeout flags, got %s and %s", l1.Errors, l2.Errors)
	}
	if l1.CurrentState != progressive.StatePending || l2.CurrentState != progressive.StateHit {
		t.Error("timeouts must not change state")
	}

	if _, err := h.coord.Acknowledge(ctx, lp.TransactionID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	l2, _ = h.store.Get(key(2))
	if l2.Errors.Has(progressive.LinkedClaimTimeout) {
		t.Error("expected claim timeout cleared on transition")
	}
}

func TestEventsCarrySnapshots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	hits := h.hub.Hits.Subscribe(4)
	commits := h.hub.Commits.Subscribe(4)

	tx, _ := h.coord.Hit(ctx, key(1), HitRequest{})
	hitEvt := <-hits.C
	hitEvt.Level.CurrentValue = 99
	hitEvt.Transaction.ValueAmount = 99

	if _, err := h.coord.ClaimAndCommit(ctx, tx.TransactionID, CommitRequest{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	commitEvt := <-commits.C
	if commitEvt.Transaction.ValueAmount == 99 {
		t.Error("event mutation reached the ledger")
	}
	if level, _ := h.store.Get(key(1)); level.CurrentValue == 99 {
		t.Error("event mutation reached the level")
	}
	if commitEvt.Transaction.WinSequence <= hitEvt.Transaction.ValueSequence {
		t.Error("expected win sequence after value sequence")
	}
	if hitEvt.Recovering || commitEvt.Recovering {
		t.Error("live events must not be marked recovering")
	}
}
