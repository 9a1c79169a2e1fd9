package claim

import (
	"context"

	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/pkg/contribution"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Resumed     int `json:"resumed"`
	Reconciled  int `json:"reconciled"`
	Requeued    int `json:"requeued"`
	LevelsFreed int `json:"levels_freed"`
	Orphaned    int `json:"orphaned"`
}

// Recover resumes every non-terminal transaction from the state it was
// persisted in. A level whose reset did not persist before a crash is reset
// now, committed payouts are offered again (the queue is idempotent) and
// each transaction's state event is published with Recovering set. Running
// it more than once never duplicates a payout.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	open, err := c.log.ListOpen(ctx)
	if err != nil {
		return report, persistenceError(err, "failed to list open transactions")
	}

	owned := make(map[progressive.LevelKey]int64, len(open))
	for _, tx := range open {
		if err := c.recoverOne(ctx, tx, &report); err != nil {
			return report, err
		}
		owned[tx.Key] = tx.TransactionID
	}

	freed, err := c.releaseOrphanLevels(ctx, owned)
	report.LevelsFreed = freed
	if err != nil {
		return report, err
	}

	c.logger.Info().
		Int("resumed", report.Resumed).
		Int("reconciled", report.Reconciled).
		Int("requeued", report.Requeued).
		Int("levels_freed", report.LevelsFreed).
		Int("orphaned", report.Orphaned).
		Msg("Jackpot transaction recovery complete")
	return report, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, tx *progressive.JackpotTransaction, report *RecoveryReport) error {
	unlock, err := c.locks.lock(ctx, tx.Key)
	if err != nil {
		return err
	}
	defer unlock()

	logger := logging.WithTransactionID(logging.WithLevelKey(c.logger, tx.Key.String()), tx.TransactionID)
	if _, ok := c.store.Get(tx.Key); !ok {
		// The level is gone; the transaction stays open for manual resolution.
		report.Orphaned++
		logger.Error().Str("state", tx.State.String()).Msg("Open jackpot transaction for unknown level")
		return nil
	}

	want := tx.State.LevelState()
	reconciled := false
	view, err := c.store.Mutate(ctx, tx.Key, func(l *progressive.Level) error {
		if l.LastClaimTransactionID != tx.TransactionID {
			res := contribution.Reset(l, tx.ResetValue)
			l.LastClaimTransactionID = tx.TransactionID
			reconciled = true
			logger.Warn().
				Int64("ledger_amount", tx.ValueAmount).
				Int64("level_amount", res.Amount).
				Msg("Level reset was not persisted before restart, resetting now")
		}
		l.CurrentState = want
		return nil
	})
	if err != nil {
		return err
	}
	c.unfence(tx.Key, tx.TransactionID)
	if reconciled {
		report.Reconciled++
	}

	switch tx.State {
	case progressive.TxHit:
		c.publishHit(tx, view, true)
	case progressive.TxPending:
		c.publishPending(tx, view, true)
	case progressive.TxCommitted:
		if err := c.enqueue(ctx, tx); err != nil {
			return err
		}
		report.Requeued++
		c.publishCommit(tx, view, true)
	}
	report.Resumed++
	logger.Info().Str("state", tx.State.String()).Msg("Resumed jackpot transaction")
	return nil
}

// releaseOrphanLevels returns to Ready any level left in a transaction
// state whose transaction is already terminal.
func (c *Coordinator) releaseOrphanLevels(ctx context.Context, owned map[progressive.LevelKey]int64) (int, error) {
	freed := 0
	for _, l := range c.store.GetLevels(progressive.Filter{}) {
		if !l.CurrentState.InTransaction() {
			continue
		}
		if _, ok := owned[l.Key]; ok {
			continue
		}
		if _, err := c.store.Mutate(ctx, l.Key, func(level *progressive.Level) error {
			if level.CurrentState.InTransaction() {
				level.CurrentState = progressive.StateReady
			}
			return nil
		}); err != nil {
			return freed, err
		}
		freed++
		c.logger.Info().Str("level_key", l.Key.String()).Msg("Released level with closed transaction")
	}
	return freed, nil
}
