package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const maxDLQDelay = time.Hour

// DLQManager moves dead-lettered reward events back into the outbox with
// exponential backoff and quarantines those that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, logger *zap.Logger, maxRetries int, baseDelay time.Duration) *DLQManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQManager{pool: pool, logger: logger, maxRetries: maxRetries, baseDelay: baseDelay}
}

// dlqEntry is an outbox_dlq row due for a decision.
type dlqEntry struct {
	ID            int64
	UserID        string
	EventType     string
	SchemaSubject string
	RetryCount    int
}

// RunOnce processes a batch of due DLQ entries and returns how many were requeued.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT dlq_id, user_id, event_type, schema_subject, retry_count
		   FROM outbox_dlq
		  WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		  ORDER BY created_at
		  LIMIT $1`, batchSize)
	if err != nil {
		return 0, err
	}
	due, err := pgx.CollectRows(rows, pgx.RowToStructByPos[dlqEntry])
	if err != nil {
		return 0, err
	}

	requeued := 0
	var errs error
	for _, entry := range due {
		ok, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			errs = errors.Join(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, procErr))
			continue
		}
		if ok {
			requeued++
		}
	}

	updateBacklogGauge(ctx, m.pool)
	if len(due) > 0 {
		m.logger.Info("dlq pass complete", zap.Int("due", len(due)), zap.Int("requeued", requeued))
	}
	return requeued, errs
}

// handleEntry quarantines, requeues or reschedules one entry. It reports
// whether the entry went back to the outbox.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (bool, error) {
	if entry.RetryCount >= m.maxRetries {
		return false, m.quarantine(ctx, entry, "retry limit reached")
	}

	if err := m.requeue(ctx, entry); err != nil {
		delay := m.backoffDelay(entry.RetryCount + 1)
		if _, schedErr := m.pool.Exec(ctx,
			`UPDATE outbox_dlq
			    SET retry_count = retry_count + 1,
			        last_attempt_at = NOW(),
			        next_retry_at = NOW() + $1::interval,
			        reason = $2
			  WHERE dlq_id = $3`,
			delay, err.Error(), entry.ID,
		); schedErr != nil {
			return false, schedErr
		}
		recordDLQAction(entry, dlqRetryScheduled)
		m.logger.Debug("dlq requeue deferred", zap.Int64("dlq_id", entry.ID), zap.Duration("delay", delay), zap.Error(err))
		return false, nil
	}

	recordDLQAction(entry, dlqRequeued)
	return true, nil
}

// requeue moves the row into the outbox in a single statement.
func (m *DLQManager) requeue(ctx context.Context, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}
	if _, ok := Lookup(entry.EventType); !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", entry.EventType)
	}

	tag, err := m.pool.Exec(ctx,
		`WITH moved AS (
		     DELETE FROM outbox_dlq WHERE dlq_id = $1 AND quarantined_at IS NULL
		     RETURNING user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
		 )
		 INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
		 SELECT user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload FROM moved`,
		entry.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dlq entry %d vanished before requeue", entry.ID)
	}
	return nil
}

func (m *DLQManager) quarantine(ctx context.Context, entry dlqEntry, reason string) error {
	if _, err := m.pool.Exec(ctx,
		`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
		reason, entry.ID,
	); err != nil {
		return err
	}
	recordDLQAction(entry, dlqQuarantined)
	m.logger.Warn("dlq entry quarantined",
		zap.Int64("dlq_id", entry.ID),
		zap.String("event_type", entry.EventType),
		zap.String("user_id", entry.UserID),
		zap.Int("retries", entry.RetryCount),
	)
	return nil
}

// backoffDelay doubles per attempt and is capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDLQDelay/2 {
			return maxDLQDelay
		}
		delay *= 2
	}
	return min(delay, maxDLQDelay)
}
