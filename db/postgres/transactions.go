package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionLog stores jackpot transactions in PostgreSQL. The full record
// is kept as JSONB next to the indexed columns used for lookups.
type TransactionLog struct {
	db *pgxpool.Pool
}

// NewTransactionLog creates a ledger on pool.
func NewTransactionLog(pool *pgxpool.Pool) *TransactionLog {
	return &TransactionLog{db: pool}
}

func (l *TransactionLog) Append(ctx context.Context, tx *progressive.JackpotTransaction) error {
	record, err := encode(tx)
	if err != nil {
		return err
	}
	tag, err := l.db.Exec(ctx, `
		INSERT INTO jackpot_transactions (transaction_id, level_key, state, record, hit_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO NOTHING
	`, tx.TransactionID, tx.Key.String(), int(tx.State), record, tx.HitAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to append jackpot transaction")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.ErrDuplicateTransaction, "jackpot transaction already exists", "transaction %d", tx.TransactionID)
	}
	return nil
}

// Save locks the row, checks the stored state and writes the new record in
// one database transaction.
func (l *TransactionLog) Save(ctx context.Context, tx *progressive.JackpotTransaction, expected progressive.TransactionState) error {
	record, err := encode(tx)
	if err != nil {
		return err
	}

	dbtx, err := l.db.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to begin ledger transaction")
	}
	defer dbtx.Rollback(ctx)

	var stored int
	err = dbtx.QueryRow(ctx, `
		SELECT state FROM jackpot_transactions WHERE transaction_id = $1 FOR UPDATE
	`, tx.TransactionID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrTransactionNotFound, "jackpot transaction not found", "transaction %d", tx.TransactionID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to lock jackpot transaction")
	}
	if progressive.TransactionState(stored) != expected {
		return apperrors.Newf(apperrors.ErrStaleTransaction, "jackpot transaction state changed",
			"transaction %d is %s, expected %s", tx.TransactionID, progressive.TransactionState(stored), expected)
	}

	_, err = dbtx.Exec(ctx, `
		UPDATE jackpot_transactions SET state = $2, record = $3, updated_at = NOW()
		WHERE transaction_id = $1
	`, tx.TransactionID, int(tx.State), record)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to save jackpot transaction")
	}
	if err := dbtx.Commit(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to commit jackpot transaction")
	}
	return nil
}

func (l *TransactionLog) Get(ctx context.Context, id int64) (*progressive.JackpotTransaction, error) {
	var record []byte
	err := l.db.QueryRow(ctx, `SELECT record FROM jackpot_transactions WHERE transaction_id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrTransactionNotFound, "jackpot transaction not found", "transaction %d", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "failed to get jackpot transaction")
	}
	return decode(record)
}

func (l *TransactionLog) ListOpen(ctx context.Context) ([]*progressive.JackpotTransaction, error) {
	return l.list(ctx, `
		SELECT record FROM jackpot_transactions WHERE state IN ($1, $2, $3) ORDER BY transaction_id
	`, int(progressive.TxHit), int(progressive.TxPending), int(progressive.TxCommitted))
}

func (l *TransactionLog) ListByLevel(ctx context.Context, key progressive.LevelKey) ([]*progressive.JackpotTransaction, error) {
	return l.list(ctx, `
		SELECT record FROM jackpot_transactions WHERE level_key = $1 ORDER BY transaction_id
	`, key.String())
}

func (l *TransactionLog) list(ctx context.Context, query string, args ...interface{}) ([]*progressive.JackpotTransaction, error) {
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "failed to list jackpot transactions")
	}
	defer rows.Close()

	out := make([]*progressive.JackpotTransaction, 0)
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "failed to scan jackpot transaction")
		}
		tx, err := decode(record)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "failed to list jackpot transactions")
	}
	return out, nil
}

func encode(tx *progressive.JackpotTransaction) ([]byte, error) {
	record, err := json.Marshal(tx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "failed to marshal jackpot transaction")
	}
	return record, nil
}

func decode(record []byte) (*progressive.JackpotTransaction, error) {
	var tx progressive.JackpotTransaction
	if err := json.Unmarshal(record, &tx); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, fmt.Sprintf("corrupt jackpot transaction record (%d bytes)", len(record)))
	}
	return &tx, nil
}
