// Package consumer feeds activity completions from Kafka into the reward coordinator.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	UserID        string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// ErrPoison marks a message that can never be handled. The processor commits
// it instead of retrying.
var ErrPoison = errors.New("poison message")

// Poison wraps err so the processor treats the message as unprocessable.
func Poison(err error) error {
	return fmt.Errorf("%w: %w", ErrPoison, err)
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRetry sets how often a failing handler is retried before the message is
// left uncommitted.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		p.retryDelay = delay
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader     Reader
	handler    Handler
	logger     *zap.Logger
	attempts   int
	retryDelay time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:     reader,
		handler:    handler,
		logger:     zap.NewNop(),
		attempts:   3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("fetch error", zap.Error(err))
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Warn("decode error",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(decodeErr),
			)
			recordDecodeError(msg.Topic)
			// Commit malformed messages to avoid poison-pill loops.
			p.commit(ctx, msg)
			continue
		}

		handleErr := p.handle(ctx, event)
		switch {
		case handleErr == nil:
			if p.commit(ctx, msg) {
				recordProcessed(event)
			}
		case errors.Is(handleErr, ErrPoison):
			p.logger.Warn("dropping unprocessable message",
				zap.String("event_type", event.EventType),
				zap.String("user_id", event.UserID),
				zap.Int64("offset", event.Offset),
				zap.Error(handleErr),
			)
			recordPoison(event)
			p.commit(ctx, msg)
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("handler error",
				zap.String("event_type", event.EventType),
				zap.String("user_id", event.UserID),
				zap.Error(handleErr),
			)
			recordHandlerError(event)
		}
	}
}

func (p *Processor) handle(ctx context.Context, event Message) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err = p.handler.Handle(ctx, event)
		if err == nil || errors.Is(err, ErrPoison) || attempt == p.attempts {
			return err
		}
		if p.retryDelay > 0 {
			timer := time.NewTimer(p.retryDelay * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		p.logger.Warn("commit error", zap.Int64("offset", msg.Offset), zap.Error(err))
		return false
	}
	return true
}

// decodeMessage accepts both Confluent-framed records and bare JSON values.
func decodeMessage(msg kafka.Message) (Message, error) {
	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	userID, _ := headerValue(msg, "user_id")
	schemaSubject, _ := headerValue(msg, "schema_subject")

	var (
		schemaID int
		body     []byte
	)
	switch {
	case len(msg.Value) >= 5 && msg.Value[0] == 0:
		schemaID = int(binary.BigEndian.Uint32(msg.Value[1:5]))
		body = msg.Value[5:]
	case len(msg.Value) > 0 && json.Valid(msg.Value):
		body = msg.Value
	default:
		return Message{}, fmt.Errorf("invalid payload length: %d", len(msg.Value))
	}

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		UserID:        string(userID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      schemaID,
		Payload:       json.RawMessage(append([]byte(nil), body...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
