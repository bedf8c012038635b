package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/medshield/pkg/common/kafka"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/privacy"
)

type captureWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func dispatch() Dispatch {
	age := 21
	gender := "Male"
	return Dispatch{
		PseudonymousID: "3f2b8c1e-6a0d-4f4e-9b7a-2c1d0e9f8a7b",
		Action:         models.IntentAppointment,
		RecordID:       "9d8c7b6a-5f4e-4d3c-8b2a-1f0e9d8c7b6a",
		Semantic: models.SemanticContext{
			SymptomCategory:          "respiratory",
			UrgencyLevel:             "urgent",
			RequiresSpecialist:       true,
			EstimatedDurationMinutes: 30,
		},
		Plan:             models.ExecutionPlan{Steps: []string{"Determine appropriate time slot"}, Priority: "urgent", EstimatedTime: 5},
		ScheduledForUnix: 1767225600,
		Known:            privacy.Known{Name: "Aziz Ahmed", Age: &age, Gender: &gender},
	}
}

func TestKafkaPublisherPublishesCleanDispatch(t *testing.T) {
	w := &captureWriter{}
	p := NewKafkaPublisher(kafka.NewProducerWithWriter(w, "dispatch"), privacy.MustDefault(), nil)

	require.NoError(t, p.PublishDispatch(context.Background(), dispatch()))
	require.Len(t, w.messages, 1)
	assert.Equal(t, dispatch().PseudonymousID, string(w.messages[0].Key))

	var event models.Event
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &event))
	assert.Equal(t, EventActionDispatched, event.Type)
	assert.Equal(t, "respiratory", event.Data["semantic_context"].(map[string]interface{})["symptom_category"])
	assert.NotContains(t, string(w.messages[0].Value), "Aziz")
	assert.NotContains(t, event.Data, "Known")
}

func TestKafkaPublisherBlocksLeakedName(t *testing.T) {
	w := &captureWriter{}
	p := NewKafkaPublisher(kafka.NewProducerWithWriter(w, "dispatch"), privacy.MustDefault(), nil)

	d := dispatch()
	d.Plan.Steps = []string{"Call Aziz Ahmed to confirm"}
	assert.ErrorIs(t, p.PublishDispatch(context.Background(), d), ErrBlocked)
	assert.Empty(t, w.messages)
}

func TestMonitorFlagsViolations(t *testing.T) {
	m := NewMonitor(privacy.MustDefault(), nil)
	ctx := context.Background()

	clean, err := toData(dispatch())
	require.NoError(t, err)
	require.NoError(t, m.Handle(ctx, models.Event{ID: "1", Data: clean}))
	require.NoError(t, m.Handle(ctx, models.Event{ID: "2", Data: map[string]interface{}{"patient_name": "Aziz Ahmed"}}))
	require.NoError(t, m.Handle(ctx, models.Event{ID: "3", Data: map[string]interface{}{"notes": "call 555-123-4567"}}))

	inspected, violations := m.Stats()
	assert.Equal(t, int64(3), inspected)
	assert.Equal(t, int64(2), violations)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.PublishDispatch(context.Background(), dispatch()))
	assert.NoError(t, p.Close())
}
