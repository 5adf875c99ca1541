package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
)

// recordingWriter captures published records. Topics listed in failTopics
// reject their writes; failAll rejects every write.
type recordingWriter struct {
	mu         sync.Mutex
	failAll    error
	failTopics map[string]error
	published  map[string][]kafka.Message
	order      []string
}

func (w *recordingWriter) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failAll != nil {
		return w.failAll
	}
	if err := w.failTopics[topic]; err != nil {
		return err
	}
	if w.published == nil {
		w.published = make(map[string][]kafka.Message)
	}
	if _, seen := w.published[topic]; !seen {
		w.order = append(w.order, topic)
	}
	w.published[topic] = append(w.published[topic], msgs...)
	return nil
}

func (w *recordingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, msgs := range w.published {
		n += len(msgs)
	}
	return n
}

// countingRegistry hands out a fixed schema id and counts lookups per subject.
type countingRegistry struct {
	mu      sync.Mutex
	id      int
	down    bool
	lookups map[string]int
}

var errRegistryDown = errors.New("schema registry unreachable")

func (r *countingRegistry) EnsureSchema(_ context.Context, subject, _ string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lookups == nil {
		r.lookups = make(map[string]int)
	}
	r.lookups[subject]++
	if r.down {
		return 0, errRegistryDown
	}
	return r.id, nil
}

func headerMap(msg kafka.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
