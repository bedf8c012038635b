// Package metrics holds the Prometheus collectors for the privacy boundary.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricVaultOperationsTotal       = "medshield_vault_operations_total"
	MetricComplianceViolations       = "medshield_compliance_cloud_exposed_entries"
	MetricPatientsTotal              = "medshield_vault_patients"
	MetricConversationTransitions    = "medshield_conversation_transitions_total"
	MetricCollaboratorFailuresTotal  = "medshield_collaborator_failures_total"
	MetricCollaboratorFallbacksTotal = "medshield_collaborator_fallbacks_total"
	MetricActiveSessions             = "medshield_active_sessions"
	MetricDispatchBlockedTotal       = "medshield_dispatch_blocked_total"
)

type Metrics struct {
	vaultOperations       *prometheus.CounterVec
	complianceViolations  prometheus.Gauge
	patients              prometheus.Gauge
	transitions           *prometheus.CounterVec
	collaboratorFailures  *prometheus.CounterVec
	collaboratorFallbacks *prometheus.CounterVec
	activeSessions        prometheus.Gauge
	dispatchBlocked       prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		vaultOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVaultOperationsTotal,
				Help: "Audited identity vault operations by operation and component",
			},
			[]string{"operation", "component"},
		),
		complianceViolations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricComplianceViolations,
			Help: "Audit entries flagged cloud_exposed at the last compliance check (must be 0)",
		}),
		patients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPatientsTotal,
			Help: "Patient identities stored in the vault at the last compliance check",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricConversationTransitions,
				Help: "Conversation state machine transitions by state and outcome",
			},
			[]string{"state", "outcome"},
		),
		collaboratorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCollaboratorFailuresTotal,
				Help: "Collaborator calls that failed and surfaced as structured failures",
			},
			[]string{"collaborator"},
		),
		collaboratorFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCollaboratorFallbacksTotal,
				Help: "Collaborator outputs replaced by deterministic rule-based fallbacks",
			},
			[]string{"collaborator", "reason"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveSessions,
			Help: "Live conversation sessions after the last sweep",
		}),
		dispatchBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDispatchBlockedTotal,
			Help: "Outbound cloud events blocked by the privacy guard",
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.vaultOperations,
		m.complianceViolations,
		m.patients,
		m.transitions,
		m.collaboratorFailures,
		m.collaboratorFallbacks,
		m.activeSessions,
		m.dispatchBlocked,
	}
}

func (m *Metrics) IncVaultOperation(operation, component string) {
	if m == nil {
		return
	}
	m.vaultOperations.WithLabelValues(operation, component).Inc()
}

func (m *Metrics) ObserveCompliance(patients, cloudExposed int64) {
	if m == nil {
		return
	}
	m.patients.Set(float64(patients))
	m.complianceViolations.Set(float64(cloudExposed))
}

func (m *Metrics) IncTransition(state, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state, outcome).Inc()
}

func (m *Metrics) IncCollaboratorFailure(collaborator string) {
	if m == nil {
		return
	}
	m.collaboratorFailures.WithLabelValues(collaborator).Inc()
}

func (m *Metrics) IncFallback(collaborator, reason string) {
	if m == nil {
		return
	}
	m.collaboratorFallbacks.WithLabelValues(collaborator, reason).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) IncDispatchBlocked() {
	if m == nil {
		return
	}
	m.dispatchBlocked.Inc()
}
