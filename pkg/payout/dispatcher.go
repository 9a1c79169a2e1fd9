package payout

import (
	"context"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

// Payer hands a payout to the host payment service and returns the amount paid.
// The transaction id is the idempotency key on the host side.
type Payer interface {
	Pay(ctx context.Context, p progressive.PendingPayout) (int64, error)
}

// Acknowledger closes a committed transaction once it is paid.
type Acknowledger interface {
	AcknowledgeCommit(ctx context.Context, id int64, paidAmount int64) (progressive.TransactionView, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Queue        *Queue
	Payer        Payer
	Acknowledger Acknowledger
	Logger       zerolog.Logger
	RetryEvery   time.Duration
}

// Dispatcher drains the queue: every payout is paid and then acknowledged.
// Failed payments stay queued and are retried.
type Dispatcher struct {
	queue  *Queue
	payer  Payer
	acker  Acknowledger
	logger zerolog.Logger
	retry  time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	retry := cfg.RetryEvery
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Dispatcher{
		queue:  cfg.Queue,
		payer:  cfg.Payer,
		acker:  cfg.Acknowledger,
		logger: logging.WithComponent(cfg.Logger, "payout_dispatcher"),
		retry:  retry,
	}
}

// Run drains the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.retry)
	defer ticker.Stop()
	for {
		d.Drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-d.queue.Ready():
		case <-ticker.C:
		}
	}
}

// Drain pays every queued payout once and returns how many were settled.
func (d *Dispatcher) Drain(ctx context.Context) int {
	settled := 0
	for _, p := range d.queue.Pending() {
		if ctx.Err() != nil {
			return settled
		}
		logger := logging.WithTransactionID(d.logger, p.TransactionID)

		paid, err := d.payer.Pay(ctx, p)
		if err != nil {
			logger.Warn().Err(err).Int64("amount", p.Amount).Msg("Payout failed, will retry")
			continue
		}
		if _, err := d.acker.AcknowledgeCommit(ctx, p.TransactionID, paid); err != nil {
			if appErr, ok := apperrors.As(err); !ok || appErr.Code != apperrors.ErrInvalidTransition {
				logger.Error().Err(err).Msg("Failed to acknowledge paid payout")
				continue
			}
			// Already acknowledged elsewhere.
		}
		d.queue.MarkPaid(p.TransactionID)
		settled++
		logger.Info().Int64("amount", paid).Msg("Payout settled")
	}
	return settled
}
