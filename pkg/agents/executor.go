package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
)

const (
	ActionAppointmentScheduled = "appointment_scheduled"
	ActionFollowupScheduled    = "followup_scheduled"
	ActionSummaryGenerated     = "summary_generated"
	ActionGeneralHelp          = "general_help"

	followupInterval = 14 * 24 * time.Hour
)

const summarySystemPrompt = `Generate a medical summary using ONLY the pseudonymous patient id.
Never use names. Summarize from record types and counts.
Return ONLY a JSON object: {"summary_text": string}.`

var specialties = map[string]string{
	"respiratory":  "Pulmonology",
	"cardiac":      "Cardiology",
	"neurological": "Neurology",
	"digestive":    "Gastroenterology",
}

// SchedulingExecutor turns a confirmed plan into a concrete result. It never
// sees real identity and never writes records itself.
type SchedulingExecutor struct {
	client  *LLMClient
	now     Clock
	metrics *metrics.Metrics
}

func NewSchedulingExecutor(client *LLMClient, now Clock, m *metrics.Metrics) *SchedulingExecutor {
	if now == nil {
		now = time.Now
	}
	return &SchedulingExecutor{client: client, now: now, metrics: m}
}

func (e *SchedulingExecutor) Execute(ctx context.Context, req ExecutionRequest) (models.ExecutionResult, error) {
	switch req.Action {
	case models.IntentAppointment:
		return e.appointment(req), nil
	case models.IntentFollowup:
		return e.followup(req), nil
	case models.IntentSummary:
		return e.summary(ctx, req), nil
	case models.IntentGeneral:
		return models.ExecutionResult{
			Action:  ActionGeneralHelp,
			Summary: "I can help you with appointments, follow-ups, or medical summaries. What would you like to do?",
			Details: map[string]interface{}{
				"suggestions": []string{"Book an appointment", "Schedule a follow-up", "Generate medical summary"},
			},
		}, nil
	default:
		return models.ExecutionResult{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, req.Action)
	}
}

// AppointmentDelay is how far out an appointment lands for an urgency level.
func AppointmentDelay(urgency string) time.Duration {
	switch urgency {
	case models.UrgencyEmergency:
		return 2 * time.Hour
	case models.UrgencyUrgent:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

func Specialty(category string) string {
	if s, ok := specialties[category]; ok {
		return s
	}
	return "General Practice"
}

func (e *SchedulingExecutor) appointment(req ExecutionRequest) models.ExecutionResult {
	urgency := req.Semantic.UrgencyLevel
	if !models.ValidUrgency(urgency) {
		urgency = req.Plan.Priority
	}
	if !models.ValidUrgency(urgency) {
		urgency = models.UrgencyRoutine
	}

	at := e.now().UTC().Add(AppointmentDelay(urgency)).Truncate(time.Minute)
	duration := req.Semantic.EstimatedDurationMinutes
	if duration <= 0 {
		duration = 30
	}
	specialty := Specialty(req.Semantic.SymptomCategory)

	return models.ExecutionResult{
		Action:             ActionAppointmentScheduled,
		ScheduledFor:       &at,
		DurationMinutes:    duration,
		Priority:           urgency,
		RequiresSpecialist: req.Semantic.RequiresSpecialist || req.Plan.RequiresSpecialist,
		TreatmentPlan:      fmt.Sprintf("%s consultation (%s priority)", specialty, urgency),
		Details: map[string]interface{}{
			"recommended_specialty": specialty,
			"plan_steps":            req.Plan.Steps,
		},
	}
}

func (e *SchedulingExecutor) followup(req ExecutionRequest) models.ExecutionResult {
	at := e.now().UTC().Add(followupInterval).Truncate(time.Minute)
	priority := req.Plan.Priority
	if !models.ValidUrgency(priority) {
		priority = models.UrgencyRoutine
	}
	return models.ExecutionResult{
		Action:          ActionFollowupScheduled,
		ScheduledFor:    &at,
		DurationMinutes: 15,
		Priority:        priority,
		TreatmentPlan:   "Follow-up based on previous visit",
		Details: map[string]interface{}{
			"recommended_specialty": Specialty(req.Semantic.SymptomCategory),
			"plan_steps":            req.Plan.Steps,
		},
	}
}

func (e *SchedulingExecutor) summary(ctx context.Context, req ExecutionRequest) models.ExecutionResult {
	digest := models.RecordDigest{CountsByType: map[string]int{}}
	if req.Digest != nil {
		digest = *req.Digest
	}
	types := make([]string, 0, len(digest.CountsByType))
	for t := range digest.CountsByType {
		types = append(types, t)
	}
	sort.Strings(types)

	text := fmt.Sprintf("Patient %s has %d medical records.", logger.ShortID(req.PseudonymousID), digest.TotalRecords)
	if e.client.Enabled() {
		prompt := fmt.Sprintf("Patient id: %s\nMedical records: %d\nRecord types: %s",
			req.PseudonymousID, digest.TotalRecords, strings.Join(types, ", "))
		var out struct {
			SummaryText string `json:"summary_text"`
		}
		if err := e.client.CompleteJSON(ctx, summarySystemPrompt, prompt, &out); err == nil && strings.TrimSpace(out.SummaryText) != "" {
			text = strings.TrimSpace(out.SummaryText)
		} else {
			e.metrics.IncFallback("executor", "llm_error")
		}
	}

	return models.ExecutionResult{
		Action:   ActionSummaryGenerated,
		Priority: models.UrgencyRoutine,
		Summary:  text,
		Details: map[string]interface{}{
			"total_records":    digest.TotalRecords,
			"record_types":     types,
			"most_recent_type": digest.MostRecentType,
		},
	}
}
