package memory

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

// TransactionLog keeps jackpot transactions in a map. Records are copied on
// the way in and out.
type TransactionLog struct {
	mu  sync.RWMutex
	txs map[int64]*progressive.JackpotTransaction
}

// NewTransactionLog creates an empty log.
func NewTransactionLog() *TransactionLog {
	return &TransactionLog{txs: make(map[int64]*progressive.JackpotTransaction)}
}

func (l *TransactionLog) Append(ctx context.Context, tx *progressive.JackpotTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txs[tx.TransactionID]; ok {
		return apperrors.Newf(apperrors.ErrDuplicateTransaction, "jackpot transaction already exists", "transaction %d", tx.TransactionID)
	}
	l.txs[tx.TransactionID] = tx.Clone()
	return nil
}

func (l *TransactionLog) Save(ctx context.Context, tx *progressive.JackpotTransaction, expected progressive.TransactionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.txs[tx.TransactionID]
	if !ok {
		return apperrors.Newf(apperrors.ErrTransactionNotFound, "jackpot transaction not found", "transaction %d", tx.TransactionID)
	}
	if stored.State != expected {
		return apperrors.Newf(apperrors.ErrStaleTransaction, "jackpot transaction state changed", "transaction %d is %s, expected %s", tx.TransactionID, stored.State, expected)
	}
	l.txs[tx.TransactionID] = tx.Clone()
	return nil
}

func (l *TransactionLog) Get(ctx context.Context, id int64) (*progressive.JackpotTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.txs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrTransactionNotFound, "jackpot transaction not found", "transaction %d", id)
	}
	return tx.Clone(), nil
}

func (l *TransactionLog) ListOpen(ctx context.Context) ([]*progressive.JackpotTransaction, error) {
	return l.list(ctx, func(tx *progressive.JackpotTransaction) bool { return tx.Open() })
}

func (l *TransactionLog) ListByLevel(ctx context.Context, key progressive.LevelKey) ([]*progressive.JackpotTransaction, error) {
	return l.list(ctx, func(tx *progressive.JackpotTransaction) bool { return tx.Key == key })
}

func (l *TransactionLog) list(ctx context.Context, keep func(*progressive.JackpotTransaction) bool) ([]*progressive.JackpotTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*progressive.JackpotTransaction, 0)
	for _, tx := range l.txs {
		if keep(tx) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}
