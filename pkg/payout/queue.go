package payout

import (
	"context"
	"sort"
	"sync"

	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/samber/lo"
)

// Queue holds committed awards until they are paid. Enqueue is idempotent
// by transaction id: offering the same payout twice keeps one entry, and a
// payout already marked paid is never queued again.
type Queue struct {
	mu      sync.Mutex
	pending map[int64]progressive.PendingPayout
	paid    map[int64]struct{}
	offers  int
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make(map[int64]progressive.PendingPayout),
		paid:    make(map[int64]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (q *Queue) Enqueue(ctx context.Context, p progressive.PendingPayout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.offers++
	_, isPaid := q.paid[p.TransactionID]
	_, isPending := q.pending[p.TransactionID]
	if !isPaid && !isPending {
		q.pending[p.TransactionID] = p
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the queued payouts, oldest commit first.
func (q *Queue) Pending() []progressive.PendingPayout {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := lo.Values(q.pending)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommittedAt.Equal(out[j].CommittedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].CommittedAt.Before(out[j].CommittedAt)
	})
	return out
}

// MarkPaid removes a payout and remembers it as paid.
func (q *Queue) MarkPaid(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
	q.paid[id] = struct{}{}
}

// TransactionClosed drops the payout of a transaction that was settled or
// failed outside the dispatcher.
func (q *Queue) TransactionClosed(tx progressive.TransactionView) {
	q.MarkPaid(tx.TransactionID)
}

// Offers returns how many times Enqueue was called.
func (q *Queue) Offers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offers
}

// Ready is signalled when a payout may be waiting.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}
