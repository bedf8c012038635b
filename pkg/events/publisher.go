// Package events publishes confirmed actions to downstream cloud consumers
// and checks what was published. Only pseudonymous ids and semantic context
// are ever put on the bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/synaptica-ai/medshield/pkg/common/kafka"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
	"github.com/synaptica-ai/medshield/pkg/privacy"
)

const (
	EventActionDispatched = "medshield.action.dispatched"
	SourceOrchestrator    = "medshield-orchestrator"
)

var ErrBlocked = errors.New("event blocked by privacy guard")

// Dispatch describes a confirmed action. Known is the identity the action was
// confirmed for; it is only used to check the payload and is never encoded.
type Dispatch struct {
	PseudonymousID   string                 `json:"pseudonymous_id"`
	Action           models.Intent          `json:"action"`
	RecordID         string                 `json:"record_id"`
	Semantic         models.SemanticContext `json:"semantic_context"`
	Plan             models.ExecutionPlan   `json:"plan"`
	ScheduledForUnix int64                  `json:"scheduled_for_unix,omitempty"`
	Known            privacy.Known          `json:"-"`
}

type Publisher interface {
	PublishDispatch(ctx context.Context, d Dispatch) error
	Close() error
}

// NopPublisher drops every event. Used when the bus is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishDispatch(context.Context, Dispatch) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

type KafkaPublisher struct {
	producer *kafka.Producer
	guard    *privacy.Guard
	metrics  *metrics.Metrics
}

func NewKafkaPublisher(producer *kafka.Producer, guard *privacy.Guard, m *metrics.Metrics) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, guard: guard, metrics: m}
}

func (p *KafkaPublisher) PublishDispatch(ctx context.Context, d Dispatch) error {
	data, err := toData(d)
	if err != nil {
		return err
	}

	if res := p.guard.Inspect(data, d.Known); !res.Clean {
		p.metrics.IncDispatchBlocked()
		logger.Log.WithFields(map[string]interface{}{
			"pseudonymous_id": logger.ShortID(d.PseudonymousID),
			"findings":        findingPaths(res.Findings),
		}).Error("Dispatch event blocked: payload failed privacy inspection")
		return ErrBlocked
	}

	_, err = p.producer.PublishEvent(ctx, d.PseudonymousID, EventActionDispatched, SourceOrchestrator, data)
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

func toData(d Dispatch) (map[string]interface{}, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode dispatch: %w", err)
	}
	return data, nil
}

// findingPaths reports where a finding was without echoing the value.
func findingPaths(findings []privacy.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Path+":"+f.Kind+":"+f.Type)
	}
	return out
}
