package claim

import (
	"context"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

// SweepReport lists the levels flagged by one timeout sweep.
type SweepReport struct {
	ClaimTimeouts  []progressive.LevelKey
	CommitTimeouts []progressive.LevelKey
}

// SweepTimeouts flags transactions that waited too long in their state: a
// linked Hit past the claim timeout and a Pending or Committed transaction
// past the commit timeout. States are never changed here; the flags clear
// on the transaction's next transition.
func (c *Coordinator) SweepTimeouts(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	open, err := c.log.ListOpen(ctx)
	if err != nil {
		return report, persistenceError(err, "failed to list open transactions")
	}

	for _, tx := range open {
		age := now.Sub(tx.StateEnteredAt)
		switch tx.State {
		case progressive.TxHit:
			if tx.Linked() && age > c.claimTimeout {
				report.ClaimTimeouts = append(report.ClaimTimeouts, tx.Key)
			}
		case progressive.TxPending, progressive.TxCommitted:
			if age > c.commitTimeout {
				report.CommitTimeouts = append(report.CommitTimeouts, tx.Key)
			}
		}
	}

	if len(report.ClaimTimeouts) > 0 {
		if _, err := c.monitor.ReportClaimTimeout(ctx, report.ClaimTimeouts); err != nil {
			return report, err
		}
	}
	if len(report.CommitTimeouts) > 0 {
		if _, err := c.monitor.ReportCommitTimeout(ctx, report.CommitTimeouts); err != nil {
			return report, err
		}
	}
	return report, nil
}
