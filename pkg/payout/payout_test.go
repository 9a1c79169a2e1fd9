package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

type stubPayer struct {
	fail  map[int64]bool
	calls []int64
}

func (p *stubPayer) Pay(_ context.Context, po progressive.PendingPayout) (int64, error) {
	p.calls = append(p.calls, po.TransactionID)
	if p.fail[po.TransactionID] {
		return 0, errors.New("host offline")
	}
	return po.Amount, nil
}

type stubAcker struct {
	acked map[int64]int64
	err   error
}

func (a *stubAcker) AcknowledgeCommit(_ context.Context, id int64, paid int64) (progressive.TransactionView, error) {
	if a.err != nil {
		return progressive.TransactionView{}, a.err
	}
	a.acked[id] = paid
	return progressive.TransactionView{TransactionID: id}, nil
}

func TestQueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	p := progressive.PendingPayout{TransactionID: 1, Amount: 1045}

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if got := len(q.Pending()); got != 1 {
		t.Fatalf("expected 1 pending payout, got %d", got)
	}
	if q.Offers() != 3 {
		t.Errorf("expected 3 offers, got %d", q.Offers())
	}

	q.MarkPaid(1)
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := len(q.Pending()); got != 0 {
		t.Errorf("paid payout queued again: %d pending", got)
	}
}

func TestQueueOrdersByCommitTime(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = q.Enqueue(ctx, progressive.PendingPayout{TransactionID: 2, CommittedAt: base.Add(time.Second)})
	_ = q.Enqueue(ctx, progressive.PendingPayout{TransactionID: 3, CommittedAt: base})
	_ = q.Enqueue(ctx, progressive.PendingPayout{TransactionID: 1, CommittedAt: base})

	got := q.Pending()
	if got[0].TransactionID != 1 || got[1].TransactionID != 3 || got[2].TransactionID != 2 {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestDispatcherDrain(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	_ = q.Enqueue(ctx, progressive.PendingPayout{TransactionID: 1, Amount: 100})
	_ = q.Enqueue(ctx, progressive.PendingPayout{TransactionID: 2, Amount: 200})

	payer := &stubPayer{fail: map[int64]bool{2: true}}
	acker := &stubAcker{acked: map[int64]int64{}}
	d := NewDispatcher(DispatcherConfig{Queue: q, Payer: payer, Acknowledger: acker, Logger: zerolog.Nop()})

	if n := d.Drain(ctx); n != 1 {
		t.Fatalf("expected 1 settled, got %d", n)
	}
	if acker.acked[1] != 100 {
		t.Errorf("expected transaction 1 acknowledged with 100, got %d", acker.acked[1])
	}
	if len(q.Pending()) != 1 {
		t.Fatalf("expected failed payout to stay queued")
	}

	payer.fail[2] = false
	if n := d.Drain(ctx); n != 1 {
		t.Fatalf("expected retry to settle, got %d", n)
	}
	if len(q.Pending()) != 0 {
		t.Error("expected empty queue")
	}
}

func TestDispatcherKeepsPayoutWhenAckFails(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	_ = q.Enqueue(ctx, progressive.PendingPayout{TransactionID: 1, Amount: 100})
	acker := &stubAcker{acked: map[int64]int64{}, err: apperrors.New(apperrors.ErrPersistence, "down")}
	d := NewDispatcher(DispatcherConfig{Queue: q, Payer: &stubPayer{}, Acknowledger: acker, Logger: zerolog.Nop()})

	if n := d.Drain(ctx); n != 0 {
		t.Errorf("expected nothing settled, got %d", n)
	}
	if len(q.Pending()) != 1 {
		t.Error("expected payout to stay queued")
	}

	acker.err = apperrors.New(apperrors.ErrInvalidTransition, "already acknowledged")
	if n := d.Drain(ctx); n != 1 {
		t.Errorf("expected already acknowledged payout to settle, got %d", n)
	}
}

func TestQueueDropsClosedTransactions(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		if err := q.Enqueue(ctx, progressive.PendingPayout{TransactionID: id, Amount: 100}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	q.TransactionClosed(progressive.TransactionView{TransactionID: 1, State: progressive.TxAcknowledged})
	pending := q.Pending()
	if len(pending) != 1 || pending[0].TransactionID != 2 {
		t.Fatalf("expected only payout 2 pending, got %+v", pending)
	}

	if err := q.Enqueue(ctx, progressive.PendingPayout{TransactionID: 1, Amount: 100}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if len(q.Pending()) != 1 {
		t.Error("a closed transaction must not be queued again")
	}
}
