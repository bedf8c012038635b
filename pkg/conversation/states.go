package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/medshield/pkg/agents"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/events"
	"github.com/synaptica-ai/medshield/pkg/policy"
	"github.com/synaptica-ai/medshield/pkg/privacy"
	"github.com/synaptica-ai/medshield/pkg/resolution"
	"github.com/synaptica-ai/medshield/pkg/session"
	"github.com/synaptica-ai/medshield/pkg/vault"
)

// idTokenRe finds UUID-like tokens: at least 8 hex characters, dashes allowed.
var idTokenRe = regexp.MustCompile(`[0-9a-fA-F][0-9a-fA-F-]{7,35}`)

func (o *Orchestrator) handleConfirmation(ctx context.Context, s *session.Session, text string, t *turn) error {
	action := s.PendingAction
	t.step(StepConfirmationReceived)

	answer := o.policy.Confirmation.Classify(text)
	if answer == policy.ConfirmationUnknown && !o.policy.UnknownConfirmationCancels {
		t.resp = models.ChatResponse{
			Success:        true,
			Message:        "Please reply yes to confirm or no to cancel.",
			Intent:         IntentAwaitingConfirmation,
			PseudonymousID: action.ActionData.PseudonymousID,
			DisplayName:    action.ActionData.DisplayName,
		}
		return nil
	}

	if answer != policy.ConfirmationAffirmative {
		s.ClearPendingAction()
		logger.Log.WithFields(map[string]interface{}{
			"pseudonymous_id": logger.ShortID(action.ActionData.PseudonymousID),
			"action":          action.ActionType,
			"reply":           answer.String(),
		}).Info("Pending action cancelled")
		t.resp = models.ChatResponse{
			Success:        true,
			Message:        fmt.Sprintf("Okay, the %s has been cancelled. Nothing was booked.", actionNoun(action.ActionType)),
			Intent:         IntentCancelled,
			PseudonymousID: action.ActionData.PseudonymousID,
		}
		return nil
	}

	data := action.ActionData
	plan := agents.FallbackPlan(action.ActionType, data.Semantic)
	if data.Plan != nil {
		plan = *data.Plan
	}

	result, err := o.executor.Execute(ctx, agents.ExecutionRequest{
		PseudonymousID: data.PseudonymousID,
		Action:         action.ActionType,
		Plan:           plan,
		Semantic:       data.Semantic,
	})
	if err != nil {
		return &collaboratorError{collaborator: "executor", err: err}
	}
	t.step(StepActionExecuted)

	recordID, err := o.vault.StoreRecord(ctx, data.PseudonymousID, vault.NewRecord{
		RecordType:    string(action.ActionType),
		Symptoms:      data.MedicalInfo,
		TreatmentPlan: result.TreatmentPlan,
		Notes:         formatResponses(action.Responses),
		Metadata:      recordMetadata(result, data.Semantic),
	}, ActorExecutor)
	if err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	t.step(StepRecordStored)
	s.ClearPendingAction()

	o.dispatch(ctx, events.Dispatch{
		PseudonymousID:   data.PseudonymousID,
		Action:           action.ActionType,
		RecordID:         recordID,
		Semantic:         data.Semantic,
		Plan:             plan,
		ScheduledForUnix: unixOrZero(result.ScheduledFor),
		Known:            privacy.Known{Name: data.DisplayName},
	}, t)

	intent := IntentAppointmentConfirmed
	if action.ActionType == models.IntentFollowup {
		intent = IntentFollowupConfirmed
	}
	t.resp = models.ChatResponse{
		Success:        true,
		Message:        confirmedMessage(action.ActionType, data, result, recordID),
		Intent:         intent,
		PseudonymousID: data.PseudonymousID,
		DisplayName:    data.DisplayName,
		Result:         resultPayload(result, recordID),
	}
	return nil
}

func (o *Orchestrator) handleAnswer(s *session.Session, text string, t *turn) error {
	more, err := s.AddQuestionResponse(text)
	if err != nil {
		// every question answered but the flag was never set; ask for confirmation now
		if !errors.Is(err, session.ErrNoPendingQuestion) {
			return err
		}
	}
	t.step(StepAnswerRecorded)
	action := s.PendingAction

	if more {
		q, _ := action.NextQuestion()
		t.resp = models.ChatResponse{
			Success:        true,
			Message:        fmt.Sprintf("(%d/%d) %s", len(action.Responses)+1, len(action.Questions), q),
			Intent:         IntentCollectingInformation,
			PseudonymousID: action.ActionData.PseudonymousID,
			DisplayName:    action.ActionData.DisplayName,
			Result: map[string]interface{}{
				"question":        q,
				"question_number": len(action.Responses) + 1,
				"total_questions": len(action.Questions),
			},
		}
		return nil
	}

	o.awaitConfirmation(action, t)
	return nil
}

func (o *Orchestrator) awaitConfirmation(action *session.PendingAction, t *turn) {
	action.AwaitingConfirmation = true
	t.step(StepAwaitingConfirmation)
	t.resp = models.ChatResponse{
		Success:        true,
		Message:        confirmationSummary(action),
		Intent:         IntentAwaitingConfirmation,
		PseudonymousID: action.ActionData.PseudonymousID,
		DisplayName:    action.ActionData.DisplayName,
		Result: map[string]interface{}{
			"action_type":      action.ActionType,
			"semantic_context": action.ActionData.Semantic,
			"responses":        action.Responses,
		},
	}
}

// handleSelection matches an id or id prefix against the pending candidates.
// Anything other than exactly one match leaves the state unchanged.
func (o *Orchestrator) handleSelection(ctx context.Context, s *session.Session, text string, t *turn) error {
	pending := s.PendingDisambiguation
	selected, ok := matchCandidate(text, pending.Candidates)
	if !ok {
		t.resp = models.ChatResponse{
			Success: true,
			Message: "I couldn't match that to one of the patients listed. Please reply with the patient ID shown (the first 8 characters are enough).",
			Intent:  IntentNeedsDisambiguation,
			Result: map[string]interface{}{
				"candidates":      pending.Candidates,
				"action_required": resolution.ActionSelectPatient,
			},
		}
		return nil
	}

	identity, err := o.vault.Touch(ctx, selected.PseudonymousID, nil, nil, ActorOrchestrator)
	if err != nil {
		return fmt.Errorf("touch selected identity: %w", err)
	}
	t.step(StepPatientSelected)

	s.ClearPendingDisambiguation()
	s.SetActivePatient(session.ActivePatient{PseudonymousID: identity.PseudonymousID, DisplayName: identity.FullName})

	if resumed, err := o.resumeRequest(ctx, s, identity.PseudonymousID, identity.FullName, pending.Intent, pending.MedicalInfo, pending.Semantic, t); resumed || err != nil {
		return err
	}

	t.resp = models.ChatResponse{
		Success:        true,
		Message:        fmt.Sprintf("Selected %s (ID %s). What would you like to do?", identity.FullName, shortID(identity.PseudonymousID)),
		Intent:         IntentPatientSelected,
		PseudonymousID: identity.PseudonymousID,
		DisplayName:    identity.FullName,
	}
	return nil
}

func (o *Orchestrator) handleFresh(ctx context.Context, s *session.Session, text string, t *turn) error {
	if s.ActivePatient != nil && o.policy.ContextSwitch.Detect(text, s.ActivePatient.DisplayName) {
		logger.Log.WithField("pseudonymous_id", logger.ShortID(s.ActivePatient.PseudonymousID)).Info("Context switch detected, clearing active patient")
		s.ClearActivePatient()
		t.step(StepContextSwitch)
	}

	ex, err := o.extractor.Extract(ctx, text)
	if err != nil {
		return &collaboratorError{collaborator: "extractor", err: err}
	}
	t.step(StepExtracted)

	known := privacy.Known{Name: ex.FullName, Age: ex.Age, Gender: ex.Gender}
	if res := o.guard.Inspect(ex.Semantic, known); !res.Clean {
		o.metrics.IncFallback("extractor", "pii_in_semantic_context")
		logger.Log.WithField("findings", len(res.Findings)).Warn("Extracted semantic context failed privacy inspection, using keyword classifier")
		ex.Semantic = o.policy.Semantic.Classify(ex.MedicalInfo)
	}
	t.step(StepSemanticValidated)

	var pid, display string
	if ex.FullName != "" {
		decision, err := o.resolver.Resolve(ctx, ex.FullName, ex.Age, ex.Gender, ActorOrchestrator)
		if err != nil {
			return fmt.Errorf("resolve identity: %w", err)
		}
		switch decision.Status {
		case resolution.StatusNeedsDisambiguation:
			s.SetPendingDisambiguation(session.PendingDisambiguation{
				Candidates:  toSessionCandidates(decision.Candidates),
				Intent:      ex.Intent,
				MedicalInfo: ex.MedicalInfo,
				Semantic:    ex.Semantic,
			})
			t.step(StepDisambiguationRequired)
			t.resp = models.ChatResponse{
				Success: true,
				Message: decision.Message,
				Intent:  IntentNeedsDisambiguation,
				Result: map[string]interface{}{
					"candidates":      decision.Candidates,
					"action_required": decision.ActionRequired,
				},
			}
			return nil

		case resolution.StatusNeedsConfirmation:
			s.SetPendingRegistration(session.PendingRegistration{
				FullName:    decision.FullName,
				Age:         decision.Age,
				Gender:      decision.Gender,
				Intent:      ex.Intent,
				MedicalInfo: ex.MedicalInfo,
				Semantic:    ex.Semantic,
			})
			t.step(StepConfirmationRequired)
			result := map[string]interface{}{
				"full_name":       decision.FullName,
				"action_required": decision.ActionRequired,
			}
			if decision.Age != nil {
				result["age"] = *decision.Age
			}
			if decision.Gender != nil {
				result["gender"] = *decision.Gender
			}
			t.resp = models.ChatResponse{
				Success: true,
				Message: decision.Message + " Reply yes to register them or no to cancel.",
				Intent:  IntentNeedsConfirmation,
				Result:  result,
			}
			return nil

		default:
			s.SetActivePatient(session.ActivePatient{PseudonymousID: decision.PseudonymousID, DisplayName: decision.FullName})
			pid, display = decision.PseudonymousID, decision.FullName
			t.step(StepIdentityResolved)
		}
	} else if s.ActivePatient != nil {
		pid, display = s.ActivePatient.PseudonymousID, s.ActivePatient.DisplayName
		t.step(StepActivePatientReused)
	}

	switch {
	case ex.Intent.RequiresHITL() || ex.Intent == models.IntentSummary:
		if pid == "" {
			t.resp = models.ChatResponse{
				Success: true,
				Message: fmt.Sprintf("Which patient is the %s for? Please include the patient's full name.", actionNoun(ex.Intent)),
				Intent:  IntentNeedsPatient,
			}
			return nil
		}
		if ex.Intent == models.IntentSummary {
			return o.runSummary(ctx, pid, display, ex.Semantic, t)
		}
		return o.startAction(ctx, s, pid, display, ex.Intent, ex.MedicalInfo, ex.Semantic, t)

	default:
		if pid == "" {
			pid = TemporaryID(text)
		}
		return o.runGeneral(ctx, pid, ex.Semantic, t)
	}
}

// handleRegistration answers the new-patient question of the previous turn.
// A reply that is neither yes nor no drops the question and is handled as a
// fresh message.
func (o *Orchestrator) handleRegistration(ctx context.Context, s *session.Session, text string, t *turn) error {
	answer := o.policy.Confirmation.Classify(text)
	reg, _ := s.TakePendingRegistration()
	if answer == policy.ConfirmationUnknown {
		t.state = StateIdle
		return o.handleFresh(ctx, s, text, t)
	}

	t.step(StepConfirmationReceived)
	if answer == policy.ConfirmationNegative {
		logger.Log.WithField("intent", reg.Intent).Info("New patient registration declined")
		t.resp = models.ChatResponse{
			Success: true,
			Message: fmt.Sprintf("Okay, I won't register %s. Nothing was created.", reg.FullName),
			Intent:  IntentCancelled,
		}
		return nil
	}
	return o.completeRegistration(ctx, s, reg, t)
}

// completeRegistration creates the confirmed identity, makes it the active
// patient and continues the request that triggered the question. Once the
// identity exists the turn commits, so a failure while continuing is reported
// in the response instead of being returned.
func (o *Orchestrator) completeRegistration(ctx context.Context, s *session.Session, reg session.PendingRegistration, t *turn) error {
	identity, err := o.resolver.ConfirmNewPatient(ctx, reg.FullName, reg.Age, reg.Gender, ActorOrchestrator)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	t.step(StepIdentityCreated)
	s.SetActivePatient(session.ActivePatient{PseudonymousID: identity.PseudonymousID, DisplayName: identity.FullName})

	next := "What would you like to do for them?"
	resumed, err := o.resumeRequest(ctx, s, identity.PseudonymousID, identity.FullName, reg.Intent, reg.MedicalInfo, reg.Semantic, t)
	if err != nil {
		fields := map[string]interface{}{
			"pseudonymous_id": logger.ShortID(identity.PseudonymousID),
			"intent":          reg.Intent,
		}
		var cerr *collaboratorError
		if errors.As(err, &cerr) {
			o.metrics.IncCollaboratorFailure(cerr.collaborator)
			fields["collaborator"] = cerr.collaborator
		}
		logger.Log.WithError(err).WithFields(fields).Error("Could not continue request after registering patient")
		next = fmt.Sprintf("I couldn't continue with the %s right now. Please ask again.", actionNoun(reg.Intent))
		resumed = false
	}
	if resumed {
		return nil
	}

	t.resp = models.ChatResponse{
		Success:        true,
		Message:        fmt.Sprintf("Registered %s as a new patient (ID %s). %s", identity.FullName, shortID(identity.PseudonymousID), next),
		Intent:         IntentPatientCreated,
		PseudonymousID: identity.PseudonymousID,
		DisplayName:    identity.FullName,
		Result: map[string]interface{}{
			"pseudonymous_id": identity.PseudonymousID,
			"is_new":          true,
		},
	}
	return nil
}

// resumeRequest continues a request that was parked while the patient was
// being identified. It reports whether there was anything to continue.
func (o *Orchestrator) resumeRequest(ctx context.Context, s *session.Session, pid, display string, intent models.Intent, medicalInfo string, semantic models.SemanticContext, t *turn) (bool, error) {
	switch {
	case intent.RequiresHITL():
		return true, o.startAction(ctx, s, pid, display, intent, medicalInfo, semantic, t)
	case intent == models.IntentSummary:
		return true, o.runSummary(ctx, pid, display, semantic, t)
	}
	return false, nil
}

// startAction plans the action and opens the clarification phase. Nothing is
// stored in the session until the planner has answered.
func (o *Orchestrator) startAction(ctx context.Context, s *session.Session, pid, display string, intent models.Intent, medicalInfo string, semantic models.SemanticContext, t *turn) error {
	plan, err := o.planner.Plan(ctx, pid, intent, semantic)
	if err != nil {
		return &collaboratorError{collaborator: "planner", err: err}
	}
	t.step(StepPlanned)

	questions := o.policy.Questions.Questions(semantic)
	s.SetPendingAction(session.PendingAction{
		ActionType: intent,
		ActionData: session.ActionData{
			PseudonymousID: pid,
			DisplayName:    display,
			MedicalInfo:    medicalInfo,
			Semantic:       semantic,
			Plan:           &plan,
		},
		Questions: questions,
	})
	t.step(StepQuestionsGenerated)

	if len(questions) == 0 {
		o.awaitConfirmation(s.PendingAction, t)
		return nil
	}

	intentLabel := IntentAppointmentInitiated
	if intent == models.IntentFollowup {
		intentLabel = IntentFollowupInitiated
	}
	t.resp = models.ChatResponse{
		Success: true,
		Message: fmt.Sprintf("I'll set up the %s for %s. I have %d quick question(s) first.\n\n(1/%d) %s",
			actionNoun(intent), displayOrID(display, pid), len(questions), len(questions), questions[0]),
		Intent:         intentLabel,
		PseudonymousID: pid,
		DisplayName:    display,
		Result: map[string]interface{}{
			"question":         questions[0],
			"question_number":  1,
			"total_questions":  len(questions),
			"semantic_context": semantic,
			"plan":             plan,
		},
	}
	return nil
}

// runSummary needs no confirmation: it only reads records and stores the
// generated summary.
func (o *Orchestrator) runSummary(ctx context.Context, pid, display string, semantic models.SemanticContext, t *turn) error {
	records, err := o.vault.GetRecords(ctx, pid, "", ActorOrchestrator)
	if err != nil {
		return fmt.Errorf("get records: %w", err)
	}
	digest := Digest(records)

	plan, err := o.planner.Plan(ctx, pid, models.IntentSummary, semantic)
	if err != nil {
		return &collaboratorError{collaborator: "planner", err: err}
	}
	t.step(StepPlanned)

	result, err := o.executor.Execute(ctx, agents.ExecutionRequest{
		PseudonymousID: pid,
		Action:         models.IntentSummary,
		Plan:           plan,
		Semantic:       semantic,
		Digest:         &digest,
	})
	if err != nil {
		return &collaboratorError{collaborator: "executor", err: err}
	}
	t.step(StepActionExecuted)

	recordID, err := o.vault.StoreRecord(ctx, pid, vault.NewRecord{
		RecordType: vault.RecordTypeSummary,
		Notes:      result.Summary,
		Metadata:   recordMetadata(result, semantic),
	}, ActorExecutor)
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	t.step(StepRecordStored)

	name := o.displayName(ctx, pid, display)
	t.step(StepReidentified)

	message := result.Summary
	if name != "" {
		message = fmt.Sprintf("Summary for %s: %s", name, result.Summary)
	}
	t.resp = models.ChatResponse{
		Success:        true,
		Message:        message,
		Intent:         IntentSummary,
		PseudonymousID: pid,
		DisplayName:    name,
		Result:         resultPayload(result, recordID),
	}
	return nil
}

func (o *Orchestrator) runGeneral(ctx context.Context, pid string, semantic models.SemanticContext, t *turn) error {
	result, err := o.executor.Execute(ctx, agents.ExecutionRequest{
		PseudonymousID: pid,
		Action:         models.IntentGeneral,
		Semantic:       semantic,
	})
	if err != nil {
		return &collaboratorError{collaborator: "executor", err: err}
	}
	t.step(StepActionExecuted)

	t.resp = models.ChatResponse{
		Success:        true,
		Message:        result.Summary,
		Intent:         IntentGeneral,
		PseudonymousID: pid,
		Result:         resultPayload(result, ""),
	}
	return nil
}

// displayName re-identifies pid for the outbound message only. A miss is not
// an error: the name is simply omitted.
func (o *Orchestrator) displayName(ctx context.Context, pid, fallback string) string {
	identity, found, err := o.vault.Reidentify(ctx, pid, ActorOrchestrator)
	if err != nil {
		logger.Log.WithError(err).Warn("Re-identification failed, omitting display name")
		return fallback
	}
	if !found {
		return ""
	}
	return identity.FullName
}

func (o *Orchestrator) dispatch(ctx context.Context, d events.Dispatch, t *turn) {
	if err := o.publisher.PublishDispatch(ctx, d); err != nil {
		logger.Log.WithError(err).WithField("record_id", d.RecordID).Warn("Dispatch event not published")
		return
	}
	t.step(StepDispatched)
}

// TemporaryID derives a disposable id for a message with no patient. The
// same text always yields the same id; it is never stored.
func TemporaryID(text string) string {
	return "temp-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(text)).String()
}

// Digest summarises records by type without their clinical text. Records
// are expected newest first.
func Digest(records []vault.Record) models.RecordDigest {
	d := models.RecordDigest{TotalRecords: len(records), CountsByType: map[string]int{}}
	for _, r := range records {
		d.CountsByType[r.RecordType]++
	}
	if len(records) > 0 {
		d.MostRecentType = records[0].RecordType
	}
	return d
}

func matchCandidate(text string, candidates []session.Candidate) (session.Candidate, bool) {
	for _, token := range idTokenRe.FindAllString(text, -1) {
		token = strings.ToLower(strings.Trim(token, "-"))
		if len(token) < 8 {
			continue
		}
		var hits []session.Candidate
		for _, c := range candidates {
			id := strings.ToLower(c.PseudonymousID)
			if id == token || strings.HasPrefix(id, token) {
				hits = append(hits, c)
			}
		}
		if len(hits) == 1 {
			return hits[0], true
		}
	}
	return session.Candidate{}, false
}

func toSessionCandidates(in []resolution.Candidate) []session.Candidate {
	out := make([]session.Candidate, 0, len(in))
	for _, c := range in {
		out = append(out, session.Candidate{
			PseudonymousID: c.PseudonymousID,
			FullName:       c.FullName,
			Age:            c.Age,
			Gender:         c.Gender,
			LastAccessed:   c.LastAccessed,
		})
	}
	return out
}

func recordMetadata(result models.ExecutionResult, semantic models.SemanticContext) map[string]interface{} {
	meta := map[string]interface{}{
		"action":           result.Action,
		"priority":         result.Priority,
		"symptom_category": semantic.SymptomCategory,
		"urgency_level":    semantic.UrgencyLevel,
	}
	if result.ScheduledFor != nil {
		meta["scheduled_for"] = result.ScheduledFor.UTC().Format(time.RFC3339)
		meta["duration_minutes"] = result.DurationMinutes
	}
	if s, ok := result.Details["recommended_specialty"]; ok {
		meta["recommended_specialty"] = s
	}
	return meta
}

func resultPayload(result models.ExecutionResult, recordID string) map[string]interface{} {
	out := map[string]interface{}{
		"action": result.Action,
	}
	if recordID != "" {
		out["record_id"] = recordID
	}
	if result.ScheduledFor != nil {
		out["scheduled_for"] = result.ScheduledFor.UTC().Format(time.RFC3339)
		out["duration_minutes"] = result.DurationMinutes
	}
	if result.Priority != "" {
		out["priority"] = result.Priority
	}
	if result.TreatmentPlan != "" {
		out["treatment_plan"] = result.TreatmentPlan
	}
	if result.Summary != "" {
		out["summary"] = result.Summary
	}
	for k, v := range result.Details {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
