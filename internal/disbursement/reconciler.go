package disbursement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/observability"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Scanned int `json:"scanned"`
	Settled int `json:"settled"`
	Partial int `json:"settled_partial"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Reconciler re-drives stuck pending entries and rebuilds balances from the
// ledger. Repair is an offline operation and is never called by Submit.
type Reconciler struct {
	coord  *Coordinator
	logger *zap.Logger
}

// NewReconciler constructs a Reconciler sharing the coordinator's stores and lock.
func NewReconciler(coord *Coordinator, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{coord: coord, logger: logger}
}

// RunOnce re-drives up to batchSize pending entries that have not been touched
// within the pending retry window.
func (r *Reconciler) RunOnce(ctx context.Context, batchSize int) (ReconcileReport, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := r.coord.clock.Now().UTC()
	entries, err := r.coord.ledger.ListPending(ctx, now.Add(-r.coord.cfg.PendingRetryWindow), batchSize)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list pending: %w", err)
	}

	report := ReconcileReport{Scanned: len(entries)}
	if len(entries) > 0 {
		observability.RecordOldestPending(now.Sub(entries[0].UpdatedAt))
	} else {
		observability.RecordOldestPending(0)
	}

	var errs error
	for _, entry := range entries {
		if ctx.Err() != nil {
			errs = errors.Join(errs, ctx.Err())
			break
		}
		outcome, redriven, redriveErr := r.redrive(ctx, entry)
		if redriveErr != nil {
			report.Errored++
			errs = errors.Join(errs, fmt.Errorf("entry %s: %w", entry.ID, redriveErr))
			continue
		}
		if !redriven {
			report.Skipped++
			continue
		}
		reconcileCounter.WithLabelValues(string(outcome.Kind)).Inc()
		switch outcome.Kind {
		case domain.OutcomeSettled:
			report.Settled++
		case domain.OutcomeSettledPartial:
			report.Partial++
		case domain.OutcomeFailed:
			report.Failed++
		default:
			report.Pending++
		}
	}

	r.logger.Info("reconciliation pass complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("settled", report.Settled),
		zap.Int("pending", report.Pending),
		zap.Int("errored", report.Errored),
	)
	return report, errs
}

// redrive re-reads the entry under the user lock and retries it if it is still
// stale. It reports false when another writer got there first.
func (r *Reconciler) redrive(ctx context.Context, candidate domain.LedgerEntry) (domain.Outcome, bool, error) {
	c := r.coord
	unlock, err := c.lockUser(ctx, candidate.UserID)
	if err != nil {
		return domain.Outcome{}, false, err
	}
	defer unlock()

	current, err := c.ledger.Get(ctx, candidate.ID)
	if err != nil {
		return domain.Outcome{}, false, storageError("reload entry", err)
	}
	now := c.clock.Now().UTC()
	if current == nil || current.Status != domain.LedgerStatusPending || now.Sub(current.UpdatedAt) < c.cfg.PendingRetryWindow {
		return domain.Outcome{}, false, nil
	}

	if err := c.claim(ctx, *current, domain.LedgerStatusPending, now); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return domain.Outcome{}, false, nil
		}
		return domain.Outcome{}, false, storageError("claim entry", err)
	}
	entry := *current
	entry.UpdatedAt = now

	outcome, err := c.disburse(context.WithoutCancel(ctx), entry)
	return outcome, true, err
}

// Repair rebuilds a user's XP and token totals from the applied parts of their
// ledger entries and replaces the stored aggregate. The store does the read
// and the overwrite as one step, so a settlement from another process cannot
// fall between them.
func (r *Reconciler) Repair(ctx context.Context, userID string) (domain.UserBalance, error) {
	c := r.coord
	unlock, err := c.lockUser(ctx, userID)
	if err != nil {
		return domain.UserBalance{}, err
	}
	defer unlock()

	before, after, err := c.balances.RepairBalance(ctx, userID, c.clock.Now().UTC())
	if err != nil {
		return domain.UserBalance{}, storageError("repair balance", err)
	}
	if after.XPTotal != before.XPTotal || !after.TokenTotal.Equal(before.TokenTotal) {
		repairDriftCounter.Inc()
		r.logger.Warn("balance drift repaired",
			zap.String("user_id", userID),
			zap.Int64("xp_before", before.XPTotal),
			zap.Int64("xp_after", after.XPTotal),
			zap.String("tokens_before", before.TokenTotal.String()),
			zap.String("tokens_after", after.TokenTotal.String()),
		)
	}
	return after, nil
}

// RepairAll runs Repair for every user with ledger history.
func (r *Reconciler) RepairAll(ctx context.Context) (int, error) {
	ids, err := r.coord.ledger.ListUserIDs(ctx)
	if err != nil {
		return 0, storageError("list users", err)
	}
	repaired := 0
	var errs error
	for _, id := range ids {
		if ctx.Err() != nil {
			return repaired, errors.Join(errs, ctx.Err())
		}
		if _, err := r.Repair(ctx, id); err != nil {
			errs = errors.Join(errs, fmt.Errorf("repair %s: %w", id, err))
			continue
		}
		repaired++
	}
	return repaired, errs
}
