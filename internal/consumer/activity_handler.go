package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/events"
)

// Submitter is the subset of the disbursement coordinator the handler drives.
type Submitter interface {
	Submit(ctx context.Context, result domain.ActivityResult) (domain.Outcome, error)
}

// ActivityHandler turns activity.completed events into reward submissions.
type ActivityHandler struct {
	submitter Submitter
	logger    *zap.Logger
}

// NewActivityHandler constructs a handler that submits through s.
func NewActivityHandler(s Submitter, logger *zap.Logger) *ActivityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityHandler{submitter: s, logger: logger}
}

// Handle ignores unrelated event types. Malformed or invalid activities are
// reported as poison; storage failures are returned so the message is retried.
// Pending and failed outcomes are left to the reconciler.
func (h *ActivityHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeActivityCompleted {
		return nil
	}

	var evt events.ActivityCompleted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return Poison(fmt.Errorf("decode activity: %w", err))
	}
	if evt.UserID == "" {
		evt.UserID = msg.UserID
	}

	outcome, err := h.submitter.Submit(ctx, ToActivityResult(evt))
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return Poison(err)
		}
		return err
	}

	submitOutcomeCounter.WithLabelValues(string(outcome.Kind)).Inc()
	h.logger.Debug("activity submitted",
		zap.String("user_id", evt.UserID),
		zap.String("activity_type", evt.ActivityType),
		zap.String("entry_id", outcome.EntryID),
		zap.String("outcome", string(outcome.Kind)),
	)
	return nil
}

// ToActivityResult maps the wire event onto the domain type.
func ToActivityResult(evt events.ActivityCompleted) domain.ActivityResult {
	return domain.ActivityResult{
		UserID:       evt.UserID,
		ActivityType: domain.ActivityType(evt.ActivityType),
		ActivityID:   evt.ActivityID,
		Difficulty:   domain.Difficulty(evt.Difficulty),
		Metrics:      evt.Metrics,
		OccurredAt:   evt.OccurredAt,
		Timezone:     evt.Timezone,
	}
}
