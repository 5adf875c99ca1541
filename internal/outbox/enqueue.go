package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Event is a reward event to be written to the outbox in the caller's transaction.
type Event struct {
	UserID      string
	AggregateID string
	EventType   string
	Payload     any
}

// Enqueue inserts evt into the outbox using tx, so the event commits or rolls
// back with the state change that produced it.
func Enqueue(ctx context.Context, tx pgx.Tx, evt Event) error {
	meta, ok := Lookup(evt.EventType)
	if !ok {
		return fmt.Errorf("no catalog entry for event_type=%s", evt.EventType)
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evt.EventType, err)
	}

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                  VALUES ($1, 'ledger_entry', $2, $3, $4, $5, $6, $7)`

	if _, err := tx.Exec(ctx, stmt,
		evt.UserID,
		evt.AggregateID,
		evt.EventType,
		meta.Topic,
		meta.Subject,
		evt.UserID,
		payload,
	); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
