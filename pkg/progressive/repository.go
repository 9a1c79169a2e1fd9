package progressive

import "context"

// LevelRepository persists level records keyed by LevelKey.
type LevelRepository interface {
	LoadLevels(ctx context.Context) ([]Level, error)
	// SaveLevels writes the whole batch or nothing.
	SaveLevels(ctx context.Context, levels []Level) error
	DeleteLevels(ctx context.Context, keys []LevelKey) error
}

// TransactionLog is the append-only ledger of jackpot transactions.
type TransactionLog interface {
	// Append stores a new transaction; an existing id is an error.
	Append(ctx context.Context, tx *JackpotTransaction) error
	// Save updates a transaction only if its stored state is still expected.
	Save(ctx context.Context, tx *JackpotTransaction, expected TransactionState) error
	Get(ctx context.Context, id int64) (*JackpotTransaction, error)
	ListOpen(ctx context.Context) ([]*JackpotTransaction, error)
	ListByLevel(ctx context.Context, key LevelKey) ([]*JackpotTransaction, error)
}

// PayoutQueue receives committed awards. Enqueue must be idempotent by
// transaction id so recovery can re-offer a payout safely.
type PayoutQueue interface {
	Enqueue(ctx context.Context, payout PendingPayout) error
}
