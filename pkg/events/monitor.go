package events

import (
	"context"
	"sync/atomic"

	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
	"github.com/synaptica-ai/medshield/pkg/privacy"
)

// Monitor re-inspects events after they reach the bus. It catches producers
// that bypass the publisher's guard.
type Monitor struct {
	guard      *privacy.Guard
	metrics    *metrics.Metrics
	inspected  atomic.Int64
	violations atomic.Int64
}

func NewMonitor(guard *privacy.Guard, m *metrics.Metrics) *Monitor {
	return &Monitor{guard: guard, metrics: m}
}

// Handle never fails: a violation is reported, not retried.
func (m *Monitor) Handle(ctx context.Context, event models.Event) error {
	m.inspected.Add(1)
	res := m.guard.Inspect(event.Data, privacy.Known{})
	if res.Clean {
		logger.Log.WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Debug("Event passed privacy inspection")
		return nil
	}

	m.violations.Add(1)
	m.metrics.IncDispatchBlocked()
	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"source":     event.Source,
		"findings":   findingPaths(res.Findings),
	}).Error("COMPLIANCE VIOLATION: event on the dispatch topic carries personal data")
	return nil
}

// Stats returns how many events were inspected and how many failed.
func (m *Monitor) Stats() (inspected, violations int64) {
	return m.inspected.Load(), m.violations.Load()
}
