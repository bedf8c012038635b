package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/medshield/pkg/common/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestPublishEvent(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "dispatch")

	event, err := p.PublishEvent(context.Background(), "pid-1", "action.dispatched", "medshield", map[string]interface{}{"urgency_level": "urgent"})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "pid-1", string(msg.Key))
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, "action.dispatched", string(msg.Headers[0].Value))

	var decoded models.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "urgent", decoded.Data["urgency_level"])
}

func TestPublishEventWriteFailure(t *testing.T) {
	p := NewProducerWithWriter(&fakeWriter{err: errors.New("broker down")}, "dispatch")
	_, err := p.PublishEvent(context.Background(), "", "t", "s", nil)
	assert.Error(t, err)
}

func TestConsumeCommitsHandledAndMalformed(t *testing.T) {
	good, err := json.Marshal(models.Event{ID: "e1", Type: "t"})
	require.NoError(t, err)
	failing, err := json.Marshal(models.Event{ID: "e2", Type: "t"})
	require.NoError(t, err)

	r := &fakeReader{queue: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("not json")},
		{Offset: 3, Value: failing},
	}}
	c := NewConsumerWithReader(r)

	var seen []string
	err = c.Consume(context.Background(), func(ctx context.Context, e models.Event) error {
		seen = append(seen, e.ID)
		if e.ID == "e2" {
			return errors.New("handler failed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, seen)

	var offsets []int64
	for _, m := range r.committed {
		offsets = append(offsets, m.Offset)
	}
	assert.Equal(t, []int64{1, 2}, offsets)
}
