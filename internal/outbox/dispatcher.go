// Package outbox persists and delivers reward events to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message is an outbox row claimed for delivery.
type Message struct {
	EventID       int64
	UserID        string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// deadLetter is a claimed message that could not be published.
type deadLetter struct {
	msg    Message
	reason string
}

// Dispatcher drains the outbox and publishes reward events keyed by user, so a
// user's settled and failed events keep ledger order within a topic. Messages
// that cannot be encoded or written are moved to outbox_dlq; the rest of the
// batch is still published.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	schemaIDs    sync.Map
	done         chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
	}
}

// Start runs the polling loop until ctx is done. Call it in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.done)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox batch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	claimed, err := d.claim(ctx)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	dead := d.publish(ctx, claimed)
	if len(dead) > 0 {
		d.logger.Warn("outbox messages dead-lettered",
			zap.Int("claimed", len(claimed)),
			zap.Int("dead_lettered", len(dead)),
			zap.String("first_reason", dead[0].reason),
		)
	}
	return d.finish(ctx, claimed, dead)
}

// claim selects unpublished rows with SKIP LOCKED so parallel dispatchers never
// pick up the same event.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const query = `SELECT event_id, user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}
	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var msg Message
		err := row.Scan(&msg.EventID, &msg.UserID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &msg.Payload)
		return msg, err
	})
	if err != nil || len(claimed) == 0 {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, eventIDs(claimed)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

// publish writes the batch one topic at a time and returns what failed.
func (d *Dispatcher) publish(ctx context.Context, claimed []Message) []deadLetter {
	var dead []deadLetter
	var topics []string
	pending := make(map[string][]Message)
	records := make(map[string][]kafka.Message)

	for _, msg := range claimed {
		record, err := d.encode(ctx, msg)
		if err != nil {
			dead = append(dead, deadLetter{msg: msg, reason: err.Error()})
			continue
		}
		if _, seen := records[msg.Topic]; !seen {
			topics = append(topics, msg.Topic)
		}
		records[msg.Topic] = append(records[msg.Topic], record)
		pending[msg.Topic] = append(pending[msg.Topic], msg)
	}

	for _, topic := range topics {
		if err := d.producer.WriteMessages(ctx, topic, records[topic]...); err != nil {
			reason := fmt.Sprintf("%s (topic=%s)", err, topic)
			for _, msg := range pending[topic] {
				dead = append(dead, deadLetter{msg: msg, reason: reason})
			}
			continue
		}
		recordDelivered(topic, len(records[topic]))
	}
	return dead
}

func (d *Dispatcher) encode(ctx context.Context, msg Message) (kafka.Message, error) {
	meta, ok := Lookup(msg.EventType)
	if !ok {
		return kafka.Message{}, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}
	schemaID, err := d.schemaID(ctx, msg.SchemaSubject, meta.Schema)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "user_id", Value: []byte(msg.UserID)},
			{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
			{Key: "entry_id", Value: []byte(msg.AggregateID)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(msg.EventID, 10))},
		},
	}, nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	key := subject + "::" + schema
	if cached, ok := d.schemaIDs.Load(key); ok {
		return cached.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDs.Store(key, id)
	return id, nil
}

// finish records dead letters and marks the whole claimed batch published in
// one transaction, so a crash never both replays and dead-letters a message.
func (d *Dispatcher) finish(ctx context.Context, claimed []Message, dead []deadLetter) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, dl := range dead {
		m := dl.msg
		if _, err := tx.Exec(ctx,
			`INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`,
			m.UserID, m.EventID, m.EventType, m.Topic, m.Payload, dl.reason, m.AggregateType, m.AggregateID, m.SchemaSubject, m.PartitionKey,
		); err != nil {
			return fmt.Errorf("dead-letter event %d: %w", m.EventID, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(claimed)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, dl := range dead {
		recordDeadLettered(dl.msg.Topic)
	}
	return nil
}

func eventIDs(msgs []Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.EventID
	}
	return ids
}

// encodeWireFormat applies Confluent framing: magic byte, big-endian schema id, payload.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}
