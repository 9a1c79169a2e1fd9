package claim

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/pkg/contribution"
	"github.com/Digital-Creators-Team/progressive-core/pkg/errormonitor"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	DefaultClaimTimeout  = 30 * time.Second
	DefaultCommitTimeout = 60 * time.Second
)

// TransactionObserver is told about every transaction that reached a terminal state.
type TransactionObserver interface {
	TransactionClosed(tx progressive.TransactionView)
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Store         *levelstore.Store
	Monitor       *errormonitor.Monitor
	Log           progressive.TransactionLog
	Payouts       progressive.PayoutQueue
	Hub           *events.Hub
	IDs           IDGenerator
	Logger        zerolog.Logger
	Clock         func() time.Time
	ClaimTimeout  time.Duration
	CommitTimeout time.Duration
	// AllowIdleHits accepts hits on levels that are Ready rather than Active.
	AllowIdleHits bool
}

// HitRequest describes a hit reported by the game.
type HitRequest struct {
	WinLevelIndex int
	// ResetValue overrides the level's reset value when positive.
	ResetValue int64
}

// CommitRequest finalizes an award. A zero WinAmount awards the hit value.
type CommitRequest struct {
	WinAmount int64
	PayMethod progressive.PayMethod
	// Protocol names the linked protocol that awarded the transaction.
	Protocol string
}

// Coordinator drives jackpot transactions through
// Hit -> Pending -> Committed -> Acknowledged, or Failed. Every transition
// is written to the transaction log before its event is published, and all
// transitions of one level run under that level's lock.
type Coordinator struct {
	store         *levelstore.Store
	monitor       *errormonitor.Monitor
	log           progressive.TransactionLog
	payouts       progressive.PayoutQueue
	hub           *events.Hub
	ids           IDGenerator
	logger        zerolog.Logger
	now           func() time.Time
	claimTimeout  time.Duration
	commitTimeout time.Duration
	allowIdle     bool

	locks *keyedLocks
	seq   *sequence

	obsMu     sync.RWMutex
	observers []TransactionObserver

	// fenced holds levels whose hit transaction is durable but neither
	// reset on the level nor closed in the ledger.
	fenceMu sync.Mutex
	fenced  map[progressive.LevelKey]int64
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	claimTimeout := cfg.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	commitTimeout := cfg.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = DefaultCommitTimeout
	}
	return &Coordinator{
		store:         cfg.Store,
		monitor:       cfg.Monitor,
		log:           cfg.Log,
		payouts:       cfg.Payouts,
		hub:           cfg.Hub,
		ids:           cfg.IDs,
		logger:        logging.WithComponent(cfg.Logger, "claim_coordinator"),
		now:           now,
		claimTimeout:  claimTimeout,
		commitTimeout: commitTimeout,
		allowIdle:     cfg.AllowIdleHits,
		locks:         newKeyedLocks(),
		seq:           newSequence(now()),
		fenced:        make(map[progressive.LevelKey]int64),
	}
}

// AddObserver registers an observer of closed transactions.
func (c *Coordinator) AddObserver(o TransactionObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// Hit opens a transaction on a level. The level is read and reset in one
// step and the transaction is durable before HitEvent is published.
func (c *Coordinator) Hit(ctx context.Context, key progressive.LevelKey, req HitRequest) (progressive.TransactionView, error) {
	unlock, err := c.locks.lock(ctx, key)
	if err != nil {
		return progressive.TransactionView{}, err
	}
	defer unlock()

	level, ok := c.store.Get(key)
	if !ok {
		return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrLevelNotFound, "progressive level not found", "level %s", key)
	}
	if c.monitor.Blocking(key) {
		return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrLevelFaulted, "progressive level has blocking errors", "level %s errors %s state %s", key, level.Errors, level.CurrentState)
	}
	if level.CurrentState.InTransaction() {
		return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrLevelBusy, "progressive level has an open transaction", "level %s transaction %d", key, level.LastClaimTransactionID)
	}
	if err := c.settleFence(ctx, key); err != nil {
		return progressive.TransactionView{}, err
	}

	from := []progressive.LevelState{progressive.StateActive}
	if c.allowIdle {
		from = append(from, progressive.StateReady)
	}

	id := c.ids.NextID()
	now := c.now()
	logger := logging.WithTransactionID(logging.WithLevelKey(c.logger, key.String()), id)

	var tx, appended *progressive.JackpotTransaction
	view, err := c.store.Claim(ctx, key, req.ResetValue, func(res contribution.ClaimResult, l *progressive.Level) error {
		if err := levelstore.Transition(l, from, progressive.StateHit); err != nil {
			return err
		}
		resetValue := req.ResetValue
		if resetValue <= 0 {
			resetValue = l.ResetValue
		}
		tx = &progressive.JackpotTransaction{
			TransactionID:         id,
			Key:                   key,
			LevelName:             l.LevelName,
			WinLevelIndex:         req.WinLevelIndex,
			ResetValue:            resetValue,
			ValueAmount:           res.Amount,
			ValueText:             progressive.FormatMillicents(res.Amount),
			ValueSequence:         c.seq.next(),
			Residual:              res.Residual,
			AssignedProgressiveID: l.AssignedProgressiveID,
			LevelSnapshot:         l.Config(),
			State:                 progressive.TxHit,
			HitAt:                 now,
			StateEnteredAt:        now,
		}
		if err := c.log.Append(ctx, tx); err != nil {
			return persistenceError(err, "failed to append jackpot transaction")
		}
		appended = tx
		l.LastClaimTransactionID = id
		return nil
	})
	if err != nil {
		if appended != nil {
			// The transaction is durable but the level reset is not.
			c.failUnreset(ctx, appended, logger)
		}
		logger.Error().Err(err).Msg("Progressive hit rejected")
		return progressive.TransactionView{}, err
	}

	logger.Info().
		Int64("amount", tx.ValueAmount).
		Str("level_name", tx.LevelName).
		Msg("Progressive hit")
	c.publishHit(tx, view, false)
	return tx.View(), nil
}

func (c *Coordinator) failUnreset(ctx context.Context, tx *progressive.JackpotTransaction, logger zerolog.Logger) {
	if err := c.markUnreset(ctx, tx); err != nil {
		c.fence(tx.Key, tx.TransactionID)
		logger.Error().Err(err).Msg("Failed to mark unreset transaction as failed, level fenced until it closes")
	}
}

func (c *Coordinator) markUnreset(ctx context.Context, tx *progressive.JackpotTransaction) error {
	failed := tx.Clone()
	failed.State = progressive.TxFailed
	failed.Exception = progressive.ExceptionLevelResetFailed
	failed.StateEnteredAt = c.now()
	return c.log.Save(ctx, failed, progressive.TxHit)
}

func (c *Coordinator) fence(key progressive.LevelKey, id int64) {
	c.fenceMu.Lock()
	c.fenced[key] = id
	c.fenceMu.Unlock()
}

func (c *Coordinator) unfence(key progressive.LevelKey, id int64) {
	c.fenceMu.Lock()
	if c.fenced[key] == id {
		delete(c.fenced, key)
	}
	c.fenceMu.Unlock()
}

// settleFence retries closing the unreset transaction that fenced key. The
// level stays closed to new hits until that transaction leaves Hit. The
// caller holds the level lock.
func (c *Coordinator) settleFence(ctx context.Context, key progressive.LevelKey) error {
	c.fenceMu.Lock()
	id, ok := c.fenced[key]
	c.fenceMu.Unlock()
	if !ok {
		return nil
	}
	tx, err := c.log.Get(ctx, id)
	if err == nil && tx.State == progressive.TxHit {
		err = c.markUnreset(ctx, tx)
	}
	if err != nil {
		return apperrors.Newf(apperrors.ErrLevelBusy, "progressive level has an unresolved transaction", "level %s transaction %d: %v", key, id, err)
	}
	c.unfence(key, id)
	c.logger.Info().Str("level_key", key.String()).Int64("transaction_id", id).Msg("Closed unreset transaction, level unfenced")
	return nil
}

// Acknowledge moves a hit to Pending once the awarding authority accepted it.
func (c *Coordinator) Acknowledge(ctx context.Context, id int64) (progressive.TransactionView, error) {
	tx, level, err := c.transition(ctx, id, []progressive.TransactionState{progressive.TxHit}, progressive.TxPending, nil)
	if err != nil {
		return progressive.TransactionView{}, err
	}
	c.publishPending(tx, level, false)
	return tx.View(), nil
}

// Commit finalizes the award of a Pending transaction and queues the payout.
// Committing a transaction that is already Committed re-offers its payout.
func (c *Coordinator) Commit(ctx context.Context, id int64, req CommitRequest) (progressive.TransactionView, error) {
	return c.commit(ctx, id, progressive.TxPending, req)
}

// ClaimAndCommit moves a hit straight to Committed in one durable write.
// On failure the transaction stays in Hit.
func (c *Coordinator) ClaimAndCommit(ctx context.Context, id int64, req CommitRequest) (progressive.TransactionView, error) {
	return c.commit(ctx, id, progressive.TxHit, req)
}

func (c *Coordinator) commit(ctx context.Context, id int64, from progressive.TransactionState, req CommitRequest) (progressive.TransactionView, error) {
	if req.WinAmount < 0 {
		return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrInvalidRequest, "negative win amount", "transaction %d amount %d", id, req.WinAmount)
	}

	tx, unlock, err := c.lockTransaction(ctx, id)
	if err != nil {
		return progressive.TransactionView{}, err
	}
	defer unlock()

	if tx.State == progressive.TxCommitted {
		if err := c.enqueue(ctx, tx); err != nil {
			return progressive.TransactionView{}, err
		}
		level, _ := c.store.Get(tx.Key)
		c.publishCommit(tx, level, false)
		return tx.View(), nil
	}

	next, level, err := c.apply(ctx, tx, []progressive.TransactionState{from}, progressive.TxCommitted, func(next *progressive.JackpotTransaction, level progressive.LevelView) error {
		if err := c.checkMismatch(ctx, next, level); err != nil {
			return err
		}
		amount := req.WinAmount
		if amount == 0 {
			amount = next.ValueAmount
		}
		next.WinAmount = amount
		next.WinText = progressive.FormatMillicents(amount)
		next.WinSequence = c.seq.next()
		next.PayMethod = req.PayMethod
		if req.Protocol != "" {
			next.ProtocolName = req.Protocol
		}
		return nil
	})
	if err != nil {
		return progressive.TransactionView{}, err
	}

	if err := c.enqueue(ctx, next); err != nil {
		return progressive.TransactionView{}, err
	}
	c.publishCommit(next, level, false)
	return next.View(), nil
}

// AcknowledgeCommit records the paid amount and closes the transaction.
func (c *Coordinator) AcknowledgeCommit(ctx context.Context, id int64, paidAmount int64) (progressive.TransactionView, error) {
	tx, level, err := c.transition(ctx, id, []progressive.TransactionState{progressive.TxCommitted}, progressive.TxAcknowledged, func(next *progressive.JackpotTransaction, _ progressive.LevelView) error {
		if paidAmount <= 0 {
			paidAmount = next.WinAmount
		}
		next.PaidAmount = paidAmount
		next.PaidAt = c.now()
		return nil
	})
	if err != nil {
		return progressive.TransactionView{}, err
	}
	if c.hub != nil {
		c.hub.CommitAcks.Publish(progressive.CommitAckEvent{TransactionEvent: c.txEvent(tx, level, false)})
	}
	c.closed(tx)
	return tx.View(), nil
}

// Fail closes an open transaction as failed. The claimed amount stays on
// the record for manual resolution.
func (c *Coordinator) Fail(ctx context.Context, id int64, code progressive.ExceptionCode) (progressive.TransactionView, error) {
	open := []progressive.TransactionState{progressive.TxHit, progressive.TxPending, progressive.TxCommitted}
	return c.fail(ctx, id, open, code)
}

// Cancel aborts a transaction that has not been committed yet.
func (c *Coordinator) Cancel(ctx context.Context, id int64) (progressive.TransactionView, error) {
	tx, err := c.log.Get(ctx, id)
	if err != nil {
		return progressive.TransactionView{}, err
	}
	if tx.State == progressive.TxCommitted {
		return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrCancelForbidden, "cancel forbidden after commit", "transaction %d", id)
	}
	return c.fail(ctx, id, []progressive.TransactionState{progressive.TxHit, progressive.TxPending}, progressive.ExceptionCancelled)
}

func (c *Coordinator) fail(ctx context.Context, id int64, allowed []progressive.TransactionState, code progressive.ExceptionCode) (progressive.TransactionView, error) {
	tx, level, err := c.transition(ctx, id, allowed, progressive.TxFailed, func(next *progressive.JackpotTransaction, _ progressive.LevelView) error {
		next.Exception = code
		return nil
	})
	if err != nil {
		if appErr, ok := apperrors.As(err); ok && appErr.Code == apperrors.ErrInvalidTransition && code == progressive.ExceptionCancelled {
			if cur, getErr := c.log.Get(ctx, id); getErr == nil && cur.State == progressive.TxCommitted {
				return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrCancelForbidden, "cancel forbidden after commit", "transaction %d", id)
			}
		}
		return progressive.TransactionView{}, err
	}
	c.logger.Warn().
		Int64("transaction_id", id).
		Str("exception", code.String()).
		Int64("amount", tx.ValueAmount).
		Msg("Jackpot transaction failed")
	if c.hub != nil {
		c.hub.Failures.Publish(progressive.FailedEvent{TransactionEvent: c.txEvent(tx, level, false)})
	}
	c.closed(tx)
	return tx.View(), nil
}

// Get returns a snapshot of one transaction.
func (c *Coordinator) Get(ctx context.Context, id int64) (progressive.TransactionView, error) {
	tx, err := c.log.Get(ctx, id)
	if err != nil {
		return progressive.TransactionView{}, err
	}
	return tx.View(), nil
}

// Open returns snapshots of every non-terminal transaction, oldest first.
func (c *Coordinator) Open(ctx context.Context) ([]progressive.TransactionView, error) {
	txs, err := c.log.ListOpen(ctx)
	if err != nil {
		return nil, persistenceError(err, "failed to list open transactions")
	}
	return lo.Map(txs, func(tx *progressive.JackpotTransaction, _ int) progressive.TransactionView { return tx.View() }), nil
}

// OpenByAssignment returns open transactions in state of levels bound to id, oldest first.
func (c *Coordinator) OpenByAssignment(ctx context.Context, id progressive.AssignableProgressiveID, state progressive.TransactionState) ([]progressive.TransactionView, error) {
	open, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(open, func(tx progressive.TransactionView, _ int) bool {
		return tx.AssignedProgressiveID == id && tx.State == state
	}), nil
}

// History returns every transaction of a level.
func (c *Coordinator) History(ctx context.Context, key progressive.LevelKey) ([]progressive.TransactionView, error) {
	txs, err := c.log.ListByLevel(ctx, key)
	if err != nil {
		return nil, persistenceError(err, "failed to list level transactions")
	}
	return lo.Map(txs, func(tx *progressive.JackpotTransaction, _ int) progressive.TransactionView { return tx.View() }), nil
}

type mutateFunc func(next *progressive.JackpotTransaction, level progressive.LevelView) error

// transition locks the transaction's level and applies one state change.
func (c *Coordinator) transition(ctx context.Context, id int64, allowed []progressive.TransactionState, to progressive.TransactionState, mutate mutateFunc) (*progressive.JackpotTransaction, progressive.LevelView, error) {
	tx, unlock, err := c.lockTransaction(ctx, id)
	if err != nil {
		return nil, progressive.LevelView{}, err
	}
	defer unlock()
	return c.apply(ctx, tx, allowed, to, mutate)
}

// apply persists the next transaction state and then mirrors it on the
// level. The caller holds the level lock.
func (c *Coordinator) apply(ctx context.Context, tx *progressive.JackpotTransaction, allowed []progressive.TransactionState, to progressive.TransactionState, mutate mutateFunc) (*progressive.JackpotTransaction, progressive.LevelView, error) {
	if !lo.Contains(allowed, tx.State) {
		return nil, progressive.LevelView{}, apperrors.Newf(apperrors.ErrInvalidTransition, "invalid transaction transition", "transaction %d %s -> %s", tx.TransactionID, tx.State, to)
	}
	level, _ := c.store.Get(tx.Key)

	next := tx.Clone()
	next.State = to
	next.StateEnteredAt = c.now()
	if mutate != nil {
		if err := mutate(next, level); err != nil {
			return nil, progressive.LevelView{}, err
		}
	}
	if err := c.log.Save(ctx, next, tx.State); err != nil {
		return nil, progressive.LevelView{}, persistenceError(err, "failed to save jackpot transaction")
	}

	logger := logging.WithTransactionID(c.logger, tx.TransactionID)
	logger.Info().
		Str("level_key", tx.Key.String()).
		Str("from", tx.State.String()).
		Str("to", to.String()).
		Msg("Jackpot transaction transition")

	view := c.syncLevel(ctx, next)
	c.clearTimeouts(ctx, next.Key)
	return next, view, nil
}

// syncLevel mirrors the transaction state on its level. The ledger is the
// source of truth, so a failure here is logged and repaired by recovery.
func (c *Coordinator) syncLevel(ctx context.Context, tx *progressive.JackpotTransaction) progressive.LevelView {
	want := tx.State.LevelState()
	view, err := c.store.Mutate(ctx, tx.Key, func(l *progressive.Level) error {
		if l.LastClaimTransactionID != tx.TransactionID {
			return errStaleLevel
		}
		l.CurrentState = want
		return nil
	})
	if err != nil && !errors.Is(err, errStaleLevel) {
		logger := logging.WithTransactionID(c.logger, tx.TransactionID)
		logger.Error().
			Err(err).
			Str("level_key", tx.Key.String()).
			Str("state", want.String()).
			Msg("Failed to update level state")
	}
	return view
}

var errStaleLevel = errors.New("level claimed by another transaction")

func (c *Coordinator) clearTimeouts(ctx context.Context, key progressive.LevelKey) {
	keys := []progressive.LevelKey{key}
	if _, err := c.monitor.ClearClaimTimeout(ctx, keys); err != nil {
		c.logger.Warn().Err(err).Str("level_key", key.String()).Msg("Failed to clear claim timeout")
	}
	if _, err := c.monitor.ClearCommitTimeout(ctx, keys); err != nil {
		c.logger.Warn().Err(err).Str("level_key", key.String()).Msg("Failed to clear commit timeout")
	}
}

// checkMismatch aborts a commit when the level no longer has the
// configuration captured at hit time.
func (c *Coordinator) checkMismatch(ctx context.Context, tx *progressive.JackpotTransaction, view progressive.LevelView) error {
	level := progressive.Level(view)
	if view.Key == tx.Key && level.SameConfiguration(tx.LevelSnapshot) {
		return nil
	}
	if _, err := c.monitor.ReportMismatch(ctx, []progressive.LevelKey{tx.Key}); err != nil {
		c.logger.Warn().Err(err).Str("level_key", tx.Key.String()).Msg("Failed to report mismatch")
	}
	return apperrors.Newf(apperrors.ErrProgressiveMismatch, "progressive configuration mismatch", "transaction %d level %s", tx.TransactionID, tx.Key)
}

func (c *Coordinator) enqueue(ctx context.Context, tx *progressive.JackpotTransaction) error {
	if c.payouts == nil {
		return nil
	}
	err := c.payouts.Enqueue(ctx, progressive.PendingPayout{
		TransactionID: tx.TransactionID,
		Key:           tx.Key,
		LevelName:     tx.LevelName,
		Amount:        tx.WinAmount,
		PayMethod:     tx.PayMethod,
		CommittedAt:   tx.StateEnteredAt,
	})
	if err != nil {
		logger := logging.WithTransactionID(c.logger, tx.TransactionID)
		logger.Error().Err(err).Msg("Failed to queue payout")
		return persistenceError(err, "failed to queue payout")
	}
	return nil
}

// lockTransaction finds a transaction, locks its level and re-reads it.
func (c *Coordinator) lockTransaction(ctx context.Context, id int64) (*progressive.JackpotTransaction, func(), error) {
	tx, err := c.log.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := c.locks.lock(ctx, tx.Key)
	if err != nil {
		return nil, nil, err
	}
	tx, err = c.log.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return tx, unlock, nil
}

func (c *Coordinator) closed(tx *progressive.JackpotTransaction) {
	c.obsMu.RLock()
	observers := append([]TransactionObserver(nil), c.observers...)
	c.obsMu.RUnlock()
	view := tx.View()
	for _, o := range observers {
		o.TransactionClosed(view)
	}
}

func (c *Coordinator) txEvent(tx *progressive.JackpotTransaction, level progressive.LevelView, recovering bool) progressive.TransactionEvent {
	v := tx.View()
	v.Recovering = recovering
	return progressive.TransactionEvent{
		Transaction: v,
		Level:       level,
		Recovering:  recovering,
		OccurredAt:  c.now(),
	}
}

func (c *Coordinator) publishHit(tx *progressive.JackpotTransaction, level progressive.LevelView, recovering bool) {
	if c.hub != nil {
		c.hub.Hits.Publish(progressive.HitEvent{TransactionEvent: c.txEvent(tx, level, recovering)})
	}
}

func (c *Coordinator) publishPending(tx *progressive.JackpotTransaction, level progressive.LevelView, recovering bool) {
	if c.hub != nil {
		c.hub.Pending.Publish(progressive.PendingEvent{TransactionEvent: c.txEvent(tx, level, recovering)})
	}
}

func (c *Coordinator) publishCommit(tx *progressive.JackpotTransaction, level progressive.LevelView, recovering bool) {
	if c.hub == nil {
		return
	}
	evt := c.txEvent(tx, level, recovering)
	c.hub.Commits.Publish(progressive.CommitEvent{TransactionEvent: evt})
	if !tx.Linked() && tx.LevelSnapshot.LevelType != progressive.LevelTypeLP {
		c.hub.SapAwards.Publish(progressive.SapAwardedEvent{TransactionEvent: evt})
	}
}

func persistenceError(err error, message string) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.Wrap(err, apperrors.ErrPersistence, message)
}
