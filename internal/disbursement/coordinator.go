// Package disbursement turns validated activity results into settled ledger
// entries, paying tokens through the external transferer.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/idempotency"
	"example.com/rewards/internal/lock"
	"example.com/rewards/internal/observability"
	"example.com/rewards/internal/reward"
	"example.com/rewards/internal/streak"
)

// Locker serialises submissions per user.
type Locker interface {
	Lock(ctx context.Context, key string) (lock.Unlock, error)
}

// Config tunes the coordinator.
type Config struct {
	// PendingRetryWindow is how long a pending entry is assumed to be in flight.
	PendingRetryWindow time.Duration
	// TransferTimeout bounds each individual transfer attempt.
	TransferTimeout time.Duration
	// GrantXPOnTransferFailure applies XP when the token transfer is rejected.
	GrantXPOnTransferFailure bool
	Backoff                  BackoffPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PendingRetryWindow:       2 * time.Minute,
		TransferTimeout:          5 * time.Second,
		GrantXPOnTransferFailure: true,
		Backoff:                  DefaultBackoff(),
	}
}

// Deps are the coordinator's collaborators. Calculator and Locker default to
// the standard rule table and an in-process locker.
type Deps struct {
	Ledger     domain.LedgerStore
	Balances   domain.BalanceStore
	Gate       *streak.Gate
	Calculator *reward.Calculator
	Transfer   domain.TokenTransferer
	Locker     Locker
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock injects the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger injects a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConfig overrides the tuning parameters.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		def := DefaultConfig()
		if cfg.PendingRetryWindow <= 0 {
			cfg.PendingRetryWindow = def.PendingRetryWindow
		}
		if cfg.TransferTimeout <= 0 {
			cfg.TransferTimeout = def.TransferTimeout
		}
		cfg.Backoff = cfg.Backoff.withDefaults()
		c.cfg = cfg
	}
}

// Coordinator is the single writer of user balances.
type Coordinator struct {
	ledger   domain.LedgerStore
	balances domain.BalanceStore
	guard    *idempotency.Guard
	gate     *streak.Gate
	calc     *reward.Calculator
	transfer domain.TokenTransferer
	locker   Locker
	clock    clockwork.Clock
	logger   *zap.Logger
	cfg      Config
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:   deps.Ledger,
		balances: deps.Balances,
		guard:    idempotency.NewGuard(deps.Ledger),
		gate:     deps.Gate,
		calc:     deps.Calculator,
		transfer: deps.Transfer,
		locker:   deps.Locker,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		cfg:      DefaultConfig(),
	}
	if c.calc == nil {
		c.calc = reward.NewCalculator(reward.DefaultConfig())
	}
	if c.locker == nil {
		c.locker = lock.NewMemoryLocker()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is delivered by SubmitAsync.
type Result struct {
	Outcome domain.Outcome
	Err     error
}

// SubmitAsync runs Submit in the background. The channel receives exactly one
// Result and is then closed.
func (c *Coordinator) SubmitAsync(ctx context.Context, result domain.ActivityResult) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		outcome, err := c.Submit(ctx, result)
		ch <- Result{Outcome: outcome, Err: err}
	}()
	return ch
}

// Submit records an activity result and disburses its reward at most once.
func (c *Coordinator) Submit(ctx context.Context, result domain.ActivityResult) (domain.Outcome, error) {
	start := c.clock.Now()
	outcome, err := c.submit(ctx, result)
	recordSubmit(outcome, err, c.clock.Since(start))
	if err != nil {
		c.logger.Warn("submission rejected",
			zap.String("user_id", result.UserID),
			zap.String("activity_type", string(result.ActivityType)),
			zap.String("activity_id", result.ActivityID),
			zap.Error(err),
		)
	}
	return outcome, err
}

func (c *Coordinator) submit(ctx context.Context, result domain.ActivityResult) (domain.Outcome, error) {
	if err := result.Validate(); err != nil {
		return domain.Outcome{}, err
	}

	unlock, err := c.lockUser(ctx, result.UserID)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer unlock()

	now := c.clock.Now().UTC()

	var decision streak.Decision
	if result.ActivityType == domain.ActivityStreak {
		decision, err = c.gate.Evaluate(ctx, result.UserID, result.Timezone, now)
		if err != nil {
			return domain.Outcome{}, storageError("evaluate streak", err)
		}
		if !decision.Eligible {
			next := decision.NextEligibleAt
			return domain.Outcome{
				Kind:           domain.OutcomeNotYetEligible,
				Reason:         "streak already granted for this day",
				NextEligibleAt: &next,
			}, nil
		}
		result.ActivityID = decision.Day
		result = result.WithMetric(domain.MetricStreakLength, float64(decision.NewStreakLength))
	}

	bundle, diag := c.calc.Compute(result.ActivityType, result.Difficulty, result.Metrics)
	if diag != "" {
		c.logger.Warn("reward calculator diagnostic",
			zap.String("user_id", result.UserID),
			zap.String("activity_type", string(result.ActivityType)),
			zap.String("diagnostic", string(diag)),
		)
	}

	entry := domain.LedgerEntry{
		ID:           idempotency.KeyFor(result),
		UserID:       result.UserID,
		ActivityType: result.ActivityType,
		ActivityID:   result.ActivityID,
		Bundle:       bundle,
		Status:       domain.LedgerStatusPending,
		StreakLength: decision.NewStreakLength,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	reservation, err := c.guard.Reserve(ctx, entry)
	if err != nil {
		return domain.Outcome{}, storageError("reserve ledger entry", err)
	}

	// The gate found no grant for today, so today's entry (new or left over
	// from an interrupted call) has not been recorded yet.
	if result.ActivityType == domain.ActivityStreak {
		if err := c.gate.Record(ctx, result.UserID, result.Timezone, now, reservation.Entry.StreakLength); err != nil {
			return domain.Outcome{}, storageError("record streak", err)
		}
	}

	if reservation.Acquired {
		observability.RecordEntryReserved(now)
	} else {
		existing := reservation.Entry
		outcome, retry, err := c.resume(ctx, existing, now)
		if err != nil || !retry {
			return outcome, err
		}
		entry = existing
		entry.UpdatedAt = now
	}

	// The entry is reserved: finish against the store even if the caller goes away.
	return c.disburse(context.WithoutCancel(ctx), entry)
}

// resume decides what to do with an entry that already exists. It reports
// whether disbursement should be retried with that entry.
func (c *Coordinator) resume(ctx context.Context, existing domain.LedgerEntry, now time.Time) (domain.Outcome, bool, error) {
	switch existing.Status {
	case domain.LedgerStatusSettled:
		return domain.Outcome{Kind: domain.OutcomeDuplicate, EntryID: existing.ID, Bundle: existing.Bundle}, false, nil
	case domain.LedgerStatusPending:
		if now.Sub(existing.UpdatedAt) < c.cfg.PendingRetryWindow {
			return pendingOutcome(existing, "reward payment is already in progress"), false, nil
		}
		if err := c.claim(ctx, existing, domain.LedgerStatusPending, now); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				return pendingOutcome(existing, "reward payment is already in progress"), false, nil
			}
			return domain.Outcome{}, false, storageError("claim pending entry", err)
		}
		return domain.Outcome{}, true, nil
	case domain.LedgerStatusFailed:
		if err := c.claim(ctx, existing, domain.LedgerStatusFailed, now); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				return domain.Outcome{Kind: domain.OutcomeDuplicate, EntryID: existing.ID, Bundle: existing.Bundle}, false, nil
			}
			return domain.Outcome{}, false, storageError("reopen failed entry", err)
		}
		c.logger.Info("retrying failed ledger entry",
			zap.String("entry_id", existing.ID),
			zap.String("user_id", existing.UserID),
		)
		return domain.Outcome{}, true, nil
	default:
		return domain.Outcome{}, false, fmt.Errorf("ledger entry %s has unknown status %q", existing.ID, existing.Status)
	}
}

// claim moves the entry to pending with a fresh UpdatedAt, so concurrent
// reconcilers skip it. The write is conditioned on the UpdatedAt this writer
// observed: of two writers holding the same read, only one wins.
func (c *Coordinator) claim(ctx context.Context, entry domain.LedgerEntry, from domain.LedgerStatus, now time.Time) error {
	observed := entry.UpdatedAt
	return c.ledger.UpdateStatus(ctx, entry.ID, from, domain.LedgerStatusPending, domain.StatusFields{
		UpdatedAt:       now,
		ExpectUpdatedAt: &observed,
	})
}

// disburse drives a pending entry to a definitive store write.
func (c *Coordinator) disburse(ctx context.Context, entry domain.LedgerEntry) (domain.Outcome, error) {
	logger := c.logger.With(
		zap.String("entry_id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.String("activity_type", string(entry.ActivityType)),
	)

	if !entry.Bundle.HasTokens() || entry.TokensApplied {
		return c.settle(ctx, logger, entry, nil, entry.Attempts)
	}

	ref, attempts, err := c.transferWithRetry(ctx, logger, entry)
	attempts += entry.Attempts
	switch {
	case err == nil:
		return c.settle(ctx, logger, entry, &ref, attempts)
	case domain.IsRejected(err):
		return c.fail(ctx, logger, entry, err, attempts)
	default:
		reason := err.Error()
		updateErr := c.ledger.UpdateStatus(ctx, entry.ID, domain.LedgerStatusPending, domain.LedgerStatusPending, domain.StatusFields{
			FailureReason: &reason,
			Attempts:      &attempts,
			UpdatedAt:     c.clock.Now().UTC(),
		})
		if updateErr != nil {
			logger.Error("record ambiguous transfer", zap.Error(updateErr))
		}
		logger.Warn("transfer outcome unknown, leaving entry pending",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return pendingOutcome(entry, "reward payment is processing"), nil
	}
}

func (c *Coordinator) settle(ctx context.Context, logger *zap.Logger, entry domain.LedgerEntry, ref *string, attempts int) (domain.Outcome, error) {
	now := c.clock.Now().UTC()
	xp, tokens := entry.Delta(true, true)
	applied := domain.RewardBundle{XP: xp, TokenAmount: tokens, ItemGrant: entry.Bundle.ItemGrant}

	settled, err := c.balances.Settle(ctx, domain.SettleInput{
		EntryID:     entry.ID,
		ExternalRef: ref,
		Attempts:    attempts,
		SettledAt:   now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return domain.Outcome{Kind: domain.OutcomeDuplicate, EntryID: entry.ID, Bundle: entry.Bundle}, nil
		}
		if ref == nil {
			return domain.Outcome{}, storageError("settle entry", err)
		}
		// Tokens moved but the ledger did not record it. The transfer memo is the
		// entry id, so the reconciler's retry is deduplicated downstream.
		logger.Error("settle after transfer failed", zap.String("external_ref", *ref), zap.Error(err))
		return pendingOutcome(entry, "reward payment is processing"), nil
	}

	observability.RecordEntrySettled(now)
	logger.Info("ledger entry settled",
		zap.Int64("xp", applied.XP),
		zap.String("tokens", applied.TokenAmount.String()),
		zap.Int("attempts", attempts),
	)
	return domain.Outcome{Kind: domain.OutcomeSettled, EntryID: settled.ID, Bundle: applied}, nil
}

func (c *Coordinator) fail(ctx context.Context, logger *zap.Logger, entry domain.LedgerEntry, cause error, attempts int) (domain.Outcome, error) {
	reason := cause.Error()
	var transferErr *domain.TransferError
	if errors.As(cause, &transferErr) && transferErr.Reason != "" {
		reason = transferErr.Reason
	}
	grantXP := c.cfg.GrantXPOnTransferFailure && entry.Bundle.XP > 0
	applied := domain.RewardBundle{TokenAmount: decimal.Zero}
	if grantXP {
		applied.XP, _ = entry.Delta(true, false)
	}

	failed, err := c.balances.Fail(ctx, domain.FailInput{
		EntryID:  entry.ID,
		Reason:   reason,
		Attempts: attempts,
		GrantXP:  grantXP,
		FailedAt: c.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return domain.Outcome{Kind: domain.OutcomeDuplicate, EntryID: entry.ID, Bundle: entry.Bundle}, nil
		}
		logger.Error("record rejected transfer", zap.Error(err))
		return pendingOutcome(entry, "reward payment is processing"), nil
	}

	logger.Warn("token transfer rejected",
		zap.String("reason", reason),
		zap.Bool("xp_granted", grantXP),
		zap.Int64("xp_applied", applied.XP),
	)
	kind := domain.OutcomeFailed
	if grantXP {
		kind = domain.OutcomeSettledPartial
	}
	return domain.Outcome{Kind: kind, EntryID: failed.ID, Bundle: applied, Reason: reason}, nil
}

// transferWithRetry retries ambiguous failures with backoff. Rejections are
// returned immediately.
func (c *Coordinator) transferWithRetry(ctx context.Context, logger *zap.Logger, entry domain.LedgerEntry) (string, int, error) {
	policy := c.cfg.Backoff
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
		ref, err := c.transfer.Transfer(attemptCtx, entry.UserID, entry.Bundle.TokenAmount, entry.ID)
		cancel()
		if err != nil && !errors.Is(err, domain.ErrTransferRejected) && !errors.Is(err, domain.ErrTransferAmbiguous) {
			err = domain.AmbiguousTransfer(err)
		}
		recordTransfer(err)

		if err == nil || domain.IsRejected(err) || attempt >= policy.MaxAttempts {
			return ref, attempt, err
		}

		delay := policy.Delay(attempt)
		logger.Info("transfer attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if delay > 0 {
			<-c.clock.After(delay)
		}
	}
}

// QueryBalance is a pure read. Unknown users have a zero balance.
func (c *Coordinator) QueryBalance(ctx context.Context, userID string) (domain.UserBalance, error) {
	if userID == "" {
		return domain.UserBalance{}, &domain.ValidationError{Field: "user_id", Problem: "is required"}
	}
	balance, err := c.balances.GetBalance(ctx, userID)
	if err != nil {
		return domain.UserBalance{}, storageError("load balance", err)
	}
	return balance, nil
}

// Entry returns a ledger entry by id.
func (c *Coordinator) Entry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	entry, err := c.ledger.Get(ctx, id)
	if err != nil {
		return domain.LedgerEntry{}, storageError("load ledger entry", err)
	}
	if entry == nil {
		return domain.LedgerEntry{}, domain.ErrEntryNotFound
	}
	return *entry, nil
}

// Entries pages a user's ledger history, newest first.
func (c *Coordinator) Entries(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error) {
	entries, next, err := c.ledger.ListByUser(ctx, userID, cursor, limit)
	if err != nil {
		return nil, nil, storageError("list ledger entries", err)
	}
	return entries, next, nil
}

// StreakStatus returns the streak eligibility hint for userID.
func (c *Coordinator) StreakStatus(ctx context.Context, userID string) (streak.Decision, *domain.StreakState, error) {
	decision, state, err := c.gate.Status(ctx, userID, c.clock.Now().UTC())
	if err != nil {
		return streak.Decision{}, nil, storageError("load streak", err)
	}
	return decision, state, nil
}

func (c *Coordinator) lockUser(ctx context.Context, userID string) (lock.Unlock, error) {
	unlock, err := c.locker.Lock(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, storageError("lock user", err)
	}
	return unlock, nil
}

func pendingOutcome(entry domain.LedgerEntry, reason string) domain.Outcome {
	return domain.Outcome{Kind: domain.OutcomePending, EntryID: entry.ID, Bundle: entry.Bundle, Reason: reason}
}

// storageError tags err as ErrStorageUnavailable unless it already is.
func storageError(op string, err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
