package conversation

import (
	"fmt"
	"strings"

	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/session"
)

// Response intents.
const (
	IntentAppointmentInitiated  = "appointment_initiated"
	IntentFollowupInitiated     = "followup_initiated"
	IntentCollectingInformation = "collecting_information"
	IntentAwaitingConfirmation  = "awaiting_confirmation"
	IntentAppointmentConfirmed  = "appointment_confirmed"
	IntentFollowupConfirmed     = "followup_confirmed"
	IntentCancelled             = "cancelled"
	IntentNeedsDisambiguation   = "needs_disambiguation"
	IntentNeedsConfirmation     = "needs_confirmation"
	IntentPatientSelected       = "patient_selected"
	IntentPatientCreated        = "patient_created"
	IntentSummary               = "summary"
	IntentGeneral               = "general"
	IntentNeedsPatient          = "needs_patient"
	IntentError                 = "error"
)

// States, used as metric labels.
const (
	StateIdle                 = "idle"
	StateCollecting           = "collecting_information"
	StateAwaitingConfirmation = "awaiting_confirmation"
	StateDisambiguating       = "awaiting_disambiguation"
	StateRegistering          = "awaiting_registration"
)

// Workflow steps reported to the UI.
const (
	StepSessionLoaded          = "session_loaded"
	StepContextSwitch          = "context_switch_detected"
	StepExtracted              = "pii_extracted_locally"
	StepSemanticValidated      = "semantic_context_validated"
	StepIdentityResolved       = "identity_resolved"
	StepIdentityCreated        = "identity_created"
	StepActivePatientReused    = "active_patient_reused"
	StepDisambiguationRequired = "disambiguation_required"
	StepConfirmationRequired   = "new_patient_confirmation_required"
	StepPatientSelected        = "patient_selected"
	StepPlanned                = "plan_created"
	StepQuestionsGenerated     = "questions_generated"
	StepAnswerRecorded         = "answer_recorded"
	StepAwaitingConfirmation   = "awaiting_confirmation"
	StepConfirmationReceived   = "confirmation_received"
	StepActionExecuted         = "action_executed"
	StepRecordStored           = "record_stored"
	StepDispatched             = "event_dispatched"
	StepReidentified           = "reidentified_for_display"
)

func actionNoun(intent models.Intent) string {
	switch intent {
	case models.IntentFollowup:
		return "follow-up"
	case models.IntentSummary:
		return "summary"
	default:
		return "appointment"
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func displayOrID(display, pid string) string {
	if display != "" {
		return display
	}
	return "patient " + shortID(pid)
}

func confirmationSummary(action *session.PendingAction) string {
	data := action.ActionData
	var b strings.Builder
	fmt.Fprintf(&b, "Please confirm the %s for %s (ID %s):\n",
		actionNoun(action.ActionType), displayOrID(data.DisplayName, data.PseudonymousID), shortID(data.PseudonymousID))
	fmt.Fprintf(&b, "- Symptom category: %s\n", data.Semantic.SymptomCategory)
	fmt.Fprintf(&b, "- Urgency: %s\n", data.Semantic.UrgencyLevel)
	if data.Plan != nil && data.Plan.RequiresSpecialist {
		b.WriteString("- Specialist required\n")
	}
	for _, r := range action.Responses {
		fmt.Fprintf(&b, "- %s %s\n", r.Question, r.Answer)
	}
	b.WriteString("Reply yes to confirm or no to cancel.")
	return b.String()
}

func confirmedMessage(intent models.Intent, data session.ActionData, result models.ExecutionResult, recordID string) string {
	var b strings.Builder
	noun := actionNoun(intent)
	fmt.Fprintf(&b, "%s%s confirmed for %s.", strings.ToUpper(noun[:1]), noun[1:], displayOrID(data.DisplayName, data.PseudonymousID))
	if result.ScheduledFor != nil {
		fmt.Fprintf(&b, " Scheduled for %s (%d minutes).", result.ScheduledFor.UTC().Format("Mon Jan 2 2006 15:04 MST"), result.DurationMinutes)
	}
	if result.TreatmentPlan != "" {
		fmt.Fprintf(&b, " %s.", strings.TrimSuffix(result.TreatmentPlan, "."))
	}
	fmt.Fprintf(&b, " Record %s stored for patient ID %s.", shortID(recordID), shortID(data.PseudonymousID))
	return b.String()
}

func formatResponses(responses []session.QuestionResponse) string {
	lines := make([]string, 0, len(responses))
	for _, r := range responses {
		lines = append(lines, fmt.Sprintf("Q: %s\nA: %s", r.Question, r.Answer))
	}
	return strings.Join(lines, "\n")
}
