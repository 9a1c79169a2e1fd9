package claim

import (
	"context"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

func TestRecoverResumesPendingExactly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	h.contribute(t, key(1), 300, 300, 300)
	tx, _ := h.coord.Hit(ctx, key(1), HitRequest{})
	if _, err := h.coord.Acknowledge(ctx, tx.TransactionID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	h.restart()
	pending := h.hub.Pending.Subscribe(4)
	hits := h.hub.Hits.Subscribe(4)
	commits := h.hub.Commits.Subscribe(4)

	report, err := h.coord.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Resumed != 1 || report.Reconciled != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	evt := <-pending.C
	if !evt.Recovering || !evt.Transaction.Recovering {
		t.Error("expected recovering flag on resumed event")
	}
	if evt.Transaction.State != progressive.TxPending {
		t.Errorf("expected Pending, got %s", evt.Transaction.State)
	}
	if len(hits.C) != 0 || len(commits.C) != 0 {
		t.Error("recovery published events for other states")
	}
	level, _ := h.store.Get(key(1))
	if level.CurrentState != progressive.StatePending || level.CurrentValue != 1000 {
		t.Errorf("unexpected level after recovery: %s %d", level.CurrentState, level.CurrentValue)
	}

	stored, _ := h.coord.Get(ctx, tx.TransactionID)
	if stored.ValueAmount != 1045 || stored.State != progressive.TxPending {
		t.Errorf("recovery changed the ledger: %+v", stored)
	}
}

func TestRecoverTwiceDoesNotDuplicatePayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	tx, _ := h.coord.Hit(ctx, key(1), HitRequest{})
	if _, err := h.coord.ClaimAndCommit(ctx, tx.TransactionID, CommitRequest{}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for i := 0; i < 2; i++ {
		h.restart()
		report, err := h.coord.Recover(ctx)
		if err != nil {
			t.Fatalf("recover %d: %v", i, err)
		}
		if report.Requeued != 1 {
			t.Errorf("recover %d: expected payout re-offered, got %+v", i, report)
		}
	}

	if got := h.queue.Pending(); len(got) != 1 || got[0].TransactionID != tx.TransactionID {
		t.Fatalf("expected exactly one payout, got %+v", got)
	}
	if h.queue.Offers() != 3 {
		t.Errorf("expected 3 offers (commit and two recoveries), got %d", h.queue.Offers())
	}

	if _, err := h.coord.AcknowledgeCommit(ctx, tx.TransactionID, 0); err != nil {
		t.Fatalf("acknowledge commit: %v", err)
	}
	h.restart()
	report, _ := h.coord.Recover(ctx)
	if report.Resumed != 0 {
		t.Errorf("acknowledged transaction resumed: %+v", report)
	}
}

func TestRecoverReconcilesUnpersistedReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	h.contribute(t, key(1), 300, 300, 300)

	// Simulate a crash after the transaction was appended but before the
	// level reset was written.
	level, _ := h.store.Get(key(1))
	l := progressive.Level(level)
	tx := &progressive.JackpotTransaction{
		TransactionID:  77,
		Key:            key(1),
		ResetValue:     1000,
		ValueAmount:    level.CurrentValue,
		LevelSnapshot:  l.Config(),
		State:          progressive.TxHit,
		HitAt:          h.clock.Now(),
		StateEnteredAt: h.clock.Now(),
	}
	if err := h.log.Append(ctx, tx); err != nil {
		t.Fatalf("append: %v", err)
	}

	h.restart()
	hits := h.hub.Hits.Subscribe(4)
	report, err := h.coord.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Reconciled != 1 {
		t.Errorf("expected one reconciled level, got %+v", report)
	}
	after, _ := h.store.Get(key(1))
	if after.CurrentValue != 1000 || after.CurrentState != progressive.StateHit || after.LastClaimTransactionID != 77 {
		t.Errorf("unexpected level after reconcile: %+v", after)
	}
	if evt := <-hits.C; !evt.Recovering {
		t.Error("expected recovering hit event")
	}

	h.restart()
	report, _ = h.coord.Recover(ctx)
	if report.Reconciled != 0 {
		t.Error("second recovery reset the level again")
	}
	if again, _ := h.store.Get(key(1)); again.CurrentValue != 1000 {
		t.Errorf("second recovery changed value to %d", again.CurrentValue)
	}
}

func TestRecoverFreesLevelsOfClosedTransactions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sapLevel(1))
	h.activate(t, key(1))
	tx, _ := h.coord.Hit(ctx, key(1), HitRequest{})

	// Transaction closed in the ledger but the level state write was lost.
	closed, _ := h.log.Get(ctx, tx.TransactionID)
	closed.State = progressive.TxFailed
	closed.Exception = progressive.ExceptionHostRejected
	if err := h.log.Save(ctx, closed, progressive.TxHit); err != nil {
		t.Fatalf("save: %v", err)
	}

	h.restart()
	report, err := h.coord.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.LevelsFreed != 1 {
		t.Errorf("expected one freed level, got %+v", report)
	}
	if level, _ := h.store.Get(key(1)); level.CurrentState != progressive.StateReady {
		t.Errorf("expected Ready, got %s", level.CurrentState)
	}
}

func TestSnowflakeIDsAreUnique(t *testing.T) {
	ids, err := NewSnowflakeIDs(1)
	if err != nil {
		t.Fatalf("new ids: %v", err)
	}
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := ids.NextID()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if _, err := NewSnowflakeIDs(5000); err == nil {
		t.Error("expected out of range node id to fail")
	}
}

func TestSequenceIncreases(t *testing.T) {
	s := newSequence(time.Unix(100, 0))
	a, b := s.next(), s.next()
	if b <= a || a <= 100_000 {
		t.Errorf("unexpected sequence %d, %d", a, b)
	}
}
