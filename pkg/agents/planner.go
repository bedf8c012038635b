package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
)

const plannerSystemPrompt = `You are a clinical workflow planner. You only ever see a pseudonymous
patient id and non-identifying semantic attributes. Never ask for or invent names, ages or genders.
Return ONLY a JSON object: {"steps": [string], "priority": "routine"|"urgent"|"emergency",
"requires_specialist": boolean, "estimated_time": integer minutes}.`

// LLMPlanner asks the cloud model for a plan and falls back to fixed plans
// when the model is unavailable or answers badly.
type LLMPlanner struct {
	client  *LLMClient
	metrics *metrics.Metrics
}

func NewLLMPlanner(client *LLMClient, m *metrics.Metrics) *LLMPlanner {
	return &LLMPlanner{client: client, metrics: m}
}

func (p *LLMPlanner) Plan(ctx context.Context, pseudonymousID string, action models.Intent, semantic models.SemanticContext) (models.ExecutionPlan, error) {
	if !p.client.Enabled() {
		return FallbackPlan(action, semantic), nil
	}

	prompt := fmt.Sprintf(
		"Plan the %q action for patient %s.\nSymptom category: %s\nUrgency: %s\nRequires specialist: %t\nEstimated duration: %d minutes",
		action, pseudonymousID, semantic.SymptomCategory, semantic.UrgencyLevel, semantic.RequiresSpecialist, semantic.EstimatedDurationMinutes,
	)

	var plan models.ExecutionPlan
	if err := p.client.CompleteJSON(ctx, plannerSystemPrompt, prompt, &plan); err != nil {
		logger.Log.WithError(err).Warn("Planner model failed, using fallback plan")
		p.metrics.IncFallback("planner", "llm_error")
		return FallbackPlan(action, semantic), nil
	}

	plan.Priority = strings.ToLower(strings.TrimSpace(plan.Priority))
	if len(plan.Steps) == 0 || !models.ValidUrgency(plan.Priority) {
		p.metrics.IncFallback("planner", "invalid_plan")
		return FallbackPlan(action, semantic), nil
	}
	if plan.EstimatedTime <= 0 {
		plan.EstimatedTime = FallbackPlan(action, semantic).EstimatedTime
	}
	return plan, nil
}

// FallbackPlan is the deterministic plan for each action type.
func FallbackPlan(action models.Intent, semantic models.SemanticContext) models.ExecutionPlan {
	urgency := semantic.UrgencyLevel
	if !models.ValidUrgency(urgency) {
		urgency = models.UrgencyRoutine
	}

	switch action {
	case models.IntentFollowup:
		return models.ExecutionPlan{
			Steps: []string{
				"Retrieve previous semantic context",
				"Calculate follow-up timing",
				"Schedule follow-up appointment",
				"Update care plan",
			},
			Priority:      urgency,
			EstimatedTime: 3,
		}
	case models.IntentSummary:
		return models.ExecutionPlan{
			Steps: []string{
				"Gather semantic medical data",
				"Generate summary structure",
				"Validate medical completeness",
				"Format output",
			},
			Priority:      models.UrgencyRoutine,
			EstimatedTime: 8,
		}
	default:
		return models.ExecutionPlan{
			Steps: []string{
				"Validate pseudonymous id and semantic context",
				"Determine appropriate time slot",
				"Allocate medical resources",
				"Confirm appointment details",
			},
			Priority:           urgency,
			RequiresSpecialist: semantic.RequiresSpecialist,
			EstimatedTime:      5,
		}
	}
}
