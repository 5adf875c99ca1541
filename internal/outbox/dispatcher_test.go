package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/rewards/internal/events"
)

func newTestDispatcher(writer messageWriter, registry schemaRegistrar) *Dispatcher {
	return &Dispatcher{producer: writer, registry: registry, logger: zap.NewNop()}
}

func rewardMessage(id int64, eventType, userID, entryID string) Message {
	meta, _ := Lookup(eventType)
	return Message{
		EventID:       id,
		UserID:        userID,
		AggregateType: "ledger_entry",
		AggregateID:   entryID,
		EventType:     eventType,
		Topic:         meta.Topic,
		SchemaSubject: meta.Subject,
		PartitionKey:  userID,
		Payload:       json.RawMessage(`{"entry_id":"` + entryID + `"}`),
	}
}

func TestPublishGroupsByTopicAndFrames(t *testing.T) {
	writer := &recordingWriter{}
	registry := &countingRegistry{id: 42}
	d := newTestDispatcher(writer, registry)

	dead := d.publish(context.Background(), []Message{
		rewardMessage(1, events.TypeRewardSettled, "ana", "e-1"),
		rewardMessage(2, events.TypeRewardFailed, "ben", "e-2"),
		rewardMessage(3, events.TypeRewardSettled, "ana", "e-3"),
	})
	require.Empty(t, dead)

	require.Equal(t, []string{events.TopicRewardSettled, events.TopicRewardFailed}, writer.order)
	settled := writer.published[events.TopicRewardSettled]
	require.Len(t, settled, 2)
	require.Equal(t, "e-1", headerMap(settled[0])["entry_id"])
	require.Equal(t, "e-3", headerMap(settled[1])["entry_id"])

	msg := settled[0]
	require.Equal(t, "ana", string(msg.Key))
	require.Equal(t, byte(0), msg.Value[0])
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(msg.Value[1:5]))
	require.JSONEq(t, `{"entry_id":"e-1"}`, string(msg.Value[5:]))

	headers := headerMap(msg)
	require.Equal(t, events.TypeRewardSettled, headers["event_type"])
	require.Equal(t, "ana", headers["user_id"])
	require.Equal(t, "1", headers["event_id"])

	require.Equal(t, map[string]int{
		events.TopicRewardSettled + "-value": 1,
		events.TopicRewardFailed + "-value":  1,
	}, registry.lookups)
}

func TestPublishDeadLettersOnlyTheFailingTopic(t *testing.T) {
	writer := &recordingWriter{failTopics: map[string]error{
		events.TopicRewardFailed: errors.New("not leader for partition"),
	}}
	d := newTestDispatcher(writer, &countingRegistry{id: 5})

	dead := d.publish(context.Background(), []Message{
		rewardMessage(1, events.TypeRewardSettled, "ana", "e-1"),
		rewardMessage(2, events.TypeRewardFailed, "ana", "e-2"),
	})

	require.Len(t, dead, 1)
	require.Equal(t, int64(2), dead[0].msg.EventID)
	require.Contains(t, dead[0].reason, "not leader for partition")
	require.Contains(t, dead[0].reason, "topic="+events.TopicRewardFailed)
	require.Equal(t, 1, writer.total())
}

func TestPublishDeadLettersUnknownEventType(t *testing.T) {
	writer := &recordingWriter{}
	registry := &countingRegistry{id: 1}
	d := newTestDispatcher(writer, registry)

	unknown := rewardMessage(1, events.TypeRewardSettled, "ana", "e-1")
	unknown.EventType = "reward.unknown"

	dead := d.publish(context.Background(), []Message{unknown, rewardMessage(2, events.TypeRewardSettled, "ana", "e-2")})
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].reason, "no schema metadata for event_type=reward.unknown")
	require.Equal(t, 1, writer.total())
	require.Equal(t, 1, registry.lookups[events.TopicRewardSettled+"-value"])
}

func TestPublishDeadLettersWhenRegistryIsDown(t *testing.T) {
	writer := &recordingWriter{}
	d := newTestDispatcher(writer, &countingRegistry{down: true})

	dead := d.publish(context.Background(), []Message{rewardMessage(1, events.TypeRewardFailed, "ana", "e-1")})
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].reason, errRegistryDown.Error())
	require.Zero(t, writer.total())
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	manager := &DLQManager{baseDelay: time.Minute}

	require.Equal(t, time.Minute, manager.backoffDelay(0))
	require.Equal(t, time.Minute, manager.backoffDelay(1))
	require.Equal(t, 4*time.Minute, manager.backoffDelay(3))
	require.Equal(t, time.Hour, manager.backoffDelay(10))
	require.Equal(t, time.Hour, manager.backoffDelay(64))

	manager.baseDelay = time.Duration(1<<62 + 1)
	for attempt := 1; attempt <= 64; attempt++ {
		require.Equal(t, time.Hour, manager.backoffDelay(attempt), "attempt %d", attempt)
	}
}

func TestCatalogCoversRewardEvents(t *testing.T) {
	for _, eventType := range []string{events.TypeRewardSettled, events.TypeRewardFailed} {
		meta, ok := Lookup(eventType)
		require.True(t, ok, eventType)
		require.NotEmpty(t, meta.Topic)
		require.Equal(t, meta.Topic+"-value", meta.Subject)
		require.True(t, json.Valid([]byte(meta.Schema)), eventType)
	}
}
