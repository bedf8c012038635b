package models

import (
	"time"
)

// Intents recognised by the extraction step.
type Intent string

const (
	IntentAppointment Intent = "appointment"
	IntentFollowup    Intent = "followup"
	IntentSummary     Intent = "summary"
	IntentGeneral     Intent = "general"
)

func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentAppointment, IntentFollowup, IntentSummary:
		return Intent(s)
	default:
		return IntentGeneral
	}
}

// RequiresHITL reports whether the intent creates records that need a
// human-in-the-loop confirmation first.
func (i Intent) RequiresHITL() bool {
	return i == IntentAppointment || i == IntentFollowup
}

const (
	UrgencyRoutine   = "routine"
	UrgencyUrgent    = "urgent"
	UrgencyEmergency = "emergency"
)

func ValidUrgency(level string) bool {
	switch level {
	case UrgencyRoutine, UrgencyUrgent, UrgencyEmergency:
		return true
	}
	return false
}

// SemanticContext carries the non-identifying medical attributes that are
// safe to hand to cloud collaborators.
type SemanticContext struct {
	SymptomCategory          string `json:"symptom_category"`
	UrgencyLevel             string `json:"urgency_level"`
	RequiresSpecialist       bool   `json:"requires_specialist"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
}

// ExecutionPlan is produced by the planning collaborator.
type ExecutionPlan struct {
	Steps              []string `json:"steps"`
	Priority           string   `json:"priority"`
	RequiresSpecialist bool     `json:"requires_specialist"`
	EstimatedTime      int      `json:"estimated_time"`
}

// RecordDigest summarises stored records without any clinical text.
type RecordDigest struct {
	TotalRecords   int            `json:"total_records"`
	CountsByType   map[string]int `json:"counts_by_type"`
	MostRecentType string         `json:"most_recent_type,omitempty"`
}

// ExecutionResult is what the execution collaborator returns. It never
// contains real identity.
type ExecutionResult struct {
	Action             string                 `json:"action"`
	ScheduledFor       *time.Time             `json:"scheduled_for,omitempty"`
	DurationMinutes    int                    `json:"duration_minutes,omitempty"`
	Priority           string                 `json:"priority,omitempty"`
	RequiresSpecialist bool                   `json:"requires_specialist"`
	TreatmentPlan      string                 `json:"treatment_plan,omitempty"`
	Summary            string                 `json:"summary,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
}

// Chat transport models
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type ChatResponse struct {
	Success        bool                   `json:"success"`
	Message        string                 `json:"message"`
	Intent         string                 `json:"intent"`
	PseudonymousID string                 `json:"pseudonymous_id,omitempty"`
	DisplayName    string                 `json:"display_name,omitempty"`
	SessionID      string                 `json:"session_id"`
	Result         map[string]interface{} `json:"result"`
	PrivacySafe    bool                   `json:"privacy_safe"`
	WorkflowSteps  []string               `json:"workflow_steps"`
}

type ConfirmPatientRequest struct {
	SessionID string `json:"session_id"`
	FullName  string `json:"full_name"`
	Age       *int   `json:"age,omitempty"`
	Gender    string `json:"gender,omitempty"`
}

type SelectPatientRequest struct {
	SessionID      string `json:"session_id"`
	PseudonymousID string `json:"pseudonymous_id"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
