package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/medshield/pkg/agents"
	"github.com/synaptica-ai/medshield/pkg/common/database"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/events"
	"github.com/synaptica-ai/medshield/pkg/policy"
	"github.com/synaptica-ai/medshield/pkg/resolution"
	"github.com/synaptica-ai/medshield/pkg/session"
	"github.com/synaptica-ai/medshield/pkg/vault"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type capturePublisher struct {
	mu         sync.Mutex
	dispatched []events.Dispatch
}

func (p *capturePublisher) PublishDispatch(ctx context.Context, d events.Dispatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched = append(p.dispatched, d)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) (agents.Extraction, error) {
	return agents.Extraction{}, errors.New("model unavailable")
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, agents.ExecutionRequest) (models.ExecutionResult, error) {
	return models.ExecutionResult{}, errors.New("execution backend down")
}

// leakyExtractor returns a semantic context that repeats the patient name.
type leakyExtractor struct{}

func (leakyExtractor) Extract(ctx context.Context, message string) (agents.Extraction, error) {
	return agents.Extraction{
		FullName:    "John",
		MedicalInfo: "severe cough",
		Intent:      models.IntentAppointment,
		Semantic:    models.SemanticContext{SymptomCategory: "John", UrgencyLevel: "routine"},
	}, nil
}

type failingPlanner struct{}

func (failingPlanner) Plan(context.Context, string, models.Intent, models.SemanticContext) (models.ExecutionPlan, error) {
	return models.ExecutionPlan{}, errors.New("planner offline")
}

// vanishingStore behaves as if the session was cleared between loading it
// and storing the turn.
type vanishingStore struct {
	session.Store
}

func (vanishingStore) Update(context.Context, string, func(*session.Session) error) (*session.Session, error) {
	return nil, session.ErrSessionNotFound
}

type harness struct {
	o        *Orchestrator
	v        *vault.Vault
	sessions *session.Manager
	pub      *capturePublisher
}

func newHarness(t *testing.T, customize ...func(*Dependencies)) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	v := vault.New(db)
	require.NoError(t, v.AutoMigrate())

	pol := policy.New(policy.Default())
	sessions := session.NewManager(session.NewMemoryStore(30*time.Minute), 50, nil)
	pub := &capturePublisher{}

	deps := Dependencies{
		Sessions:  sessions,
		Vault:     v,
		Resolver:  resolution.NewResolver(v),
		Extractor: agents.NewRuleExtractor(pol.Semantic),
		Planner:   agents.NewLLMPlanner(nil, nil),
		Executor:  agents.NewSchedulingExecutor(nil, func() time.Time { return fixedNow }, nil),
		Policy:    pol,
		Publisher: pub,
	}
	for _, c := range customize {
		c(&deps)
	}
	return &harness{o: New(deps), v: v, sessions: sessions, pub: pub}
}

func (h *harness) send(t *testing.T, text, sessionID string) models.ChatResponse {
	t.Helper()
	resp, err := h.o.ProcessMessage(context.Background(), text, sessionID)
	require.NoError(t, err)
	assert.True(t, resp.PrivacySafe)
	return resp
}

func (h *harness) records(t *testing.T, pid, recordType string) []vault.Record {
	t.Helper()
	recs, err := h.v.GetRecords(context.Background(), pid, recordType, "test")
	require.NoError(t, err)
	return recs
}

// walkToConfirmation books for John and answers every question.
func walkToConfirmation(t *testing.T, h *harness) (sessionID, pid string) {
	t.Helper()
	ctx := context.Background()
	pid, _, err := h.v.Pseudonymize(ctx, "John", nil, nil, "test")
	require.NoError(t, err)

	resp := h.send(t, "Book appointment for John, fever", "")
	require.Equal(t, IntentAppointmentInitiated, resp.Intent, resp.Message)
	assert.Equal(t, pid, resp.PseudonymousID)
	assert.Equal(t, 3, resp.Result["total_questions"])
	assert.Contains(t, resp.Message, "(1/3) How long have you been experiencing these symptoms?")
	sessionID = resp.SessionID

	resp = h.send(t, "Since Monday", sessionID)
	assert.Equal(t, IntentCollectingInformation, resp.Intent)
	assert.Contains(t, resp.Message, "(2/3) On a scale of 1-10")

	resp = h.send(t, "About a 6", sessionID)
	assert.Equal(t, IntentCollectingInformation, resp.Intent)
	assert.Contains(t, resp.Message, "(3/3) Have you taken any medication")

	resp = h.send(t, "Just paracetamol", sessionID)
	require.Equal(t, IntentAwaitingConfirmation, resp.Intent)
	assert.Contains(t, resp.Message, "Just paracetamol")
	assert.Contains(t, resp.Message, "Reply yes to confirm or no to cancel.")

	assert.Empty(t, h.records(t, pid, vault.RecordTypeAppointment))
	return sessionID, pid
}

func TestBookingConfirmedCreatesRecord(t *testing.T) {
	h := newHarness(t)
	sessionID, pid := walkToConfirmation(t, h)

	resp := h.send(t, "yes please", sessionID)
	require.True(t, resp.Success)
	assert.Equal(t, IntentAppointmentConfirmed, resp.Intent)
	assert.Equal(t, pid, resp.PseudonymousID)
	assert.Equal(t, "John", resp.DisplayName)
	recordID, _ := resp.Result["record_id"].(string)
	require.NotEmpty(t, recordID)
	assert.Contains(t, resp.WorkflowSteps, StepRecordStored)

	recs := h.records(t, pid, vault.RecordTypeAppointment)
	require.Len(t, recs, 1)
	assert.Equal(t, recordID, recs[0].RecordID)
	assert.Contains(t, recs[0].Notes, "A: About a 6")
	assert.Equal(t, fixedNow.Add(7*24*time.Hour).Format(time.RFC3339), recs[0].Metadata["scheduled_for"])

	s, err := h.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Nil(t, s.PendingAction)
	assert.Equal(t, pid, s.ActivePatient.PseudonymousID)

	require.Len(t, h.pub.dispatched, 1)
	assert.Equal(t, pid, h.pub.dispatched[0].PseudonymousID)
	assert.Equal(t, recordID, h.pub.dispatched[0].RecordID)
}

func TestBookingDeclinedCreatesNothing(t *testing.T) {
	for _, reply := range []string{"no", "maybe later", "I'm not sure", "no, not ok", "no thanks, I'm sure"} {
		h := newHarness(t)
		sessionID, pid := walkToConfirmation(t, h)

		resp := h.send(t, reply, sessionID)
		assert.Equal(t, IntentCancelled, resp.Intent, reply)
		assert.Empty(t, h.records(t, pid, ""), reply)
		assert.Empty(t, h.pub.dispatched)

		s, err := h.sessions.Get(context.Background(), sessionID)
		require.NoError(t, err)
		assert.Nil(t, s.PendingAction)
	}
}

func TestUnknownReplyKeepsWaitingWhenConfigured(t *testing.T) {
	cfg := policy.Default()
	cfg.Confirmation.UnknownCancels = false
	h := newHarness(t, func(d *Dependencies) { d.Policy = policy.New(cfg) })
	sessionID, pid := walkToConfirmation(t, h)

	resp := h.send(t, "hmm, let me think", sessionID)
	assert.Equal(t, IntentAwaitingConfirmation, resp.Intent)

	resp = h.send(t, "ok", sessionID)
	assert.Equal(t, IntentAppointmentConfirmed, resp.Intent)
	assert.Len(t, h.records(t, pid, vault.RecordTypeAppointment), 1)
}

func TestDisambiguationThenResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	young, err := h.v.CreateIdentity(ctx, "Aziz Ahmed", intPtr(25), nil, "test")
	require.NoError(t, err)
	old, err := h.v.CreateIdentity(ctx, "Aziz Ahmed", intPtr(45), nil, "test")
	require.NoError(t, err)

	resp := h.send(t, "Book an appointment for Aziz Ahmed, persistent cough", "")
	require.Equal(t, IntentNeedsDisambiguation, resp.Intent)
	assert.Len(t, resp.Result["candidates"], 2)
	assert.Contains(t, resp.Message, "age 25")
	assert.Contains(t, resp.Message, "age 45")
	assert.Empty(t, resp.PseudonymousID)
	sessionID := resp.SessionID

	resp = h.send(t, "the older one", sessionID)
	assert.Equal(t, IntentNeedsDisambiguation, resp.Intent)

	s, err := h.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, s.PendingDisambiguation)
	assert.Nil(t, s.ActivePatient)

	resp = h.send(t, old.PseudonymousID[:8], sessionID)
	require.Equal(t, IntentAppointmentInitiated, resp.Intent, resp.Message)
	assert.Equal(t, old.PseudonymousID, resp.PseudonymousID)
	assert.Contains(t, resp.WorkflowSteps, StepPatientSelected)
	semantic := resp.Result["semantic_context"].(models.SemanticContext)
	assert.Equal(t, "respiratory", semantic.SymptomCategory)

	s, err = h.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, s.PendingDisambiguation)
	require.NotNil(t, s.PendingAction)
	assert.Equal(t, old.PseudonymousID, s.PendingAction.ActionData.PseudonymousID)
	assert.NotEqual(t, young.PseudonymousID, s.ActivePatient.PseudonymousID)
}

func TestSelectPatientEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.v.CreateIdentity(ctx, "Sam Lee", intPtr(30), nil, "test")
	require.NoError(t, err)
	_, err = h.v.CreateIdentity(ctx, "Sam Lee", intPtr(60), nil, "test")
	require.NoError(t, err)

	resp := h.send(t, "Is patient Sam Lee doing well?", "")
	require.Equal(t, IntentNeedsDisambiguation, resp.Intent)

	resp, err = h.o.SelectPatient(ctx, resp.SessionID, a.PseudonymousID)
	require.NoError(t, err)
	assert.Equal(t, IntentPatientSelected, resp.Intent)
	assert.Equal(t, a.PseudonymousID, resp.PseudonymousID)

	resp, err = h.o.SelectPatient(ctx, resp.SessionID, a.PseudonymousID)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.PrivacySafe)
}

func (h *harness) patientsNamed(t *testing.T, name string) []vault.Identity {
	t.Helper()
	found, err := h.v.FindByName(context.Background(), name, "test")
	require.NoError(t, err)
	return found
}

func TestNewPatientRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.send(t, "Book appointment for Brand New Patient, 35 years old, fever", "")
	require.Equal(t, IntentNeedsConfirmation, resp.Intent)
	assert.Equal(t, "Brand New Patient", resp.Result["full_name"])
	assert.Equal(t, 35, resp.Result["age"])
	assert.Equal(t, resolution.ActionConfirmNewPatient, resp.Result["action_required"])
	assert.Contains(t, resp.Message, "Reply yes to register them or no to cancel.")
	assert.Empty(t, h.patientsNamed(t, "Brand New Patient"))
	sessionID := resp.SessionID

	s, err := h.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, s.PendingRegistration)
	assert.Equal(t, models.IntentAppointment, s.PendingRegistration.Intent)

	resp, err = h.o.ConfirmNewPatient(ctx, sessionID, "Brand New Patient", intPtr(35), nil)
	require.NoError(t, err)
	require.Equal(t, IntentAppointmentInitiated, resp.Intent, resp.Message)
	assert.Contains(t, resp.WorkflowSteps, StepIdentityCreated)
	require.NotEmpty(t, resp.PseudonymousID)

	found := h.patientsNamed(t, "Brand New Patient")
	require.Len(t, found, 1)
	assert.Equal(t, resp.PseudonymousID, found[0].PseudonymousID)
	require.NotNil(t, found[0].Age)
	assert.Equal(t, 35, *found[0].Age)

	s, err = h.sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, s.PendingRegistration)
	assert.Equal(t, resp.PseudonymousID, s.ActivePatient.PseudonymousID)
	require.NotNil(t, s.PendingAction)
	assert.Equal(t, models.IntentAppointment, s.PendingAction.ActionType)
	assert.Equal(t, resp.PseudonymousID, s.PendingAction.ActionData.PseudonymousID)

	_, err = h.o.ConfirmNewPatient(ctx, sessionID, "  ", nil, nil)
	assert.ErrorIs(t, err, vault.ErrInvalidName)
}

func TestRepeatedConfirmationCreatesOneIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.send(t, "Book appointment for Brand New Patient, 35 years old, fever", "")
	require.Equal(t, IntentNeedsConfirmation, resp.Intent)
	sessionID := resp.SessionID

	first, err := h.o.ConfirmNewPatient(ctx, sessionID, "Brand New Patient", intPtr(35), nil)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := h.o.ConfirmNewPatient(ctx, sessionID, "Brand New Patient", intPtr(35), nil)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, IntentError, second.Intent)
	assert.Len(t, h.patientsNamed(t, "Brand New Patient"), 1)

	resp = h.send(t, "Book appointment for Brand New Patient, fever", "")
	assert.Equal(t, IntentAppointmentInitiated, resp.Intent, resp.Message)
	assert.Equal(t, first.PseudonymousID, resp.PseudonymousID)
}

func TestConfirmWithoutPendingRegistrationCreatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.send(t, "Book appointment for Brand New Patient, fever", "")
	require.Equal(t, IntentNeedsConfirmation, resp.Intent)

	resp, err := h.o.ConfirmNewPatient(ctx, resp.SessionID, "Someone Else", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, h.patientsNamed(t, "Someone Else"))
	assert.Empty(t, h.patientsNamed(t, "Brand New Patient"))

	s, err := h.sessions.Create(ctx)
	require.NoError(t, err)
	resp, err = h.o.ConfirmNewPatient(ctx, s.ID, "Brand New Patient", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, h.patientsNamed(t, "Brand New Patient"))

	resp, err = h.o.ConfirmNewPatient(ctx, "no-such-session", "Brand New Patient", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, IntentError, resp.Intent)
}

func TestChatRepliesToRegistrationQuestion(t *testing.T) {
	t.Run("yes registers and resumes the booking", func(t *testing.T) {
		h := newHarness(t)
		resp := h.send(t, "Book appointment for Brand New Patient, 35 years old, fever", "")
		require.Equal(t, IntentNeedsConfirmation, resp.Intent)

		resp = h.send(t, "yes", resp.SessionID)
		require.Equal(t, IntentAppointmentInitiated, resp.Intent, resp.Message)
		assert.Contains(t, resp.WorkflowSteps, StepIdentityCreated)
		found := h.patientsNamed(t, "Brand New Patient")
		require.Len(t, found, 1)
		assert.Equal(t, found[0].PseudonymousID, resp.PseudonymousID)

		resp = h.send(t, "yes", resp.SessionID)
		assert.Equal(t, IntentCollectingInformation, resp.Intent)
		assert.Len(t, h.patientsNamed(t, "Brand New Patient"), 1)
	})

	t.Run("no cancels without creating", func(t *testing.T) {
		h := newHarness(t)
		resp := h.send(t, "Book appointment for Brand New Patient, fever", "")
		require.Equal(t, IntentNeedsConfirmation, resp.Intent)

		resp = h.send(t, "no thanks", resp.SessionID)
		assert.Equal(t, IntentCancelled, resp.Intent)
		assert.Empty(t, h.patientsNamed(t, "Brand New Patient"))

		s, err := h.sessions.Get(context.Background(), resp.SessionID)
		require.NoError(t, err)
		assert.Nil(t, s.PendingRegistration)
		assert.Nil(t, s.ActivePatient)
	})

	t.Run("anything else drops the question", func(t *testing.T) {
		h := newHarness(t)
		_, _, err := h.v.Pseudonymize(context.Background(), "John", nil, nil, "test")
		require.NoError(t, err)

		resp := h.send(t, "Book appointment for Brand New Patient, fever", "")
		require.Equal(t, IntentNeedsConfirmation, resp.Intent)

		resp = h.send(t, "Book appointment for John, fever", resp.SessionID)
		assert.Equal(t, IntentAppointmentInitiated, resp.Intent, resp.Message)
		assert.Empty(t, h.patientsNamed(t, "Brand New Patient"))
	})
}

func TestRegistrationSurvivesPlannerFailure(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Planner = failingPlanner{} })

	resp := h.send(t, "Book appointment for Brand New Patient, fever", "")
	require.Equal(t, IntentNeedsConfirmation, resp.Intent)
	sessionID := resp.SessionID

	resp = h.send(t, "yes", sessionID)
	assert.True(t, resp.Success)
	assert.Equal(t, IntentPatientCreated, resp.Intent)
	assert.NotContains(t, resp.Message, "planner offline")
	require.Len(t, h.patientsNamed(t, "Brand New Patient"), 1)

	s, err := h.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Nil(t, s.PendingRegistration)
	require.NotNil(t, s.ActivePatient)
	assert.Equal(t, resp.PseudonymousID, s.ActivePatient.PseudonymousID)
}

func TestSessionClearedMidTurn(t *testing.T) {
	store := session.NewMemoryStore(30 * time.Minute)
	h := newHarness(t, func(d *Dependencies) {
		d.Sessions = session.NewManager(vanishingStore{Store: store}, 50, nil)
	})

	resp, err := h.o.ProcessMessage(context.Background(), "Book appointment for John, fever", "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, IntentError, resp.Intent)
	assert.NotEmpty(t, resp.SessionID)
	assert.True(t, resp.PrivacySafe)
}

func TestActivePatientAndContextSwitch(t *testing.T) {
	ctx := context.Background()

	// default policy: a scheduling verb without the active name is a switch
	h := newHarness(t)
	_, _, err := h.v.Pseudonymize(ctx, "John", nil, nil, "test")
	require.NoError(t, err)
	first := h.send(t, "Is patient John registered?", "")
	require.Equal(t, IntentGeneral, first.Intent)

	resp := h.send(t, "Schedule a follow-up, fever", first.SessionID)
	assert.Equal(t, IntentNeedsPatient, resp.Intent)
	assert.Contains(t, resp.WorkflowSteps, StepContextSwitch)

	// heuristic disabled: the active patient carries over
	cfg := policy.Default()
	cfg.ContextSwitch.NameAbsentHeuristic = false
	h = newHarness(t, func(d *Dependencies) { d.Policy = policy.New(cfg) })
	pid, _, err := h.v.Pseudonymize(ctx, "John", nil, nil, "test")
	require.NoError(t, err)
	first = h.send(t, "Is patient John registered?", "")

	resp = h.send(t, "Schedule a follow-up, fever", first.SessionID)
	assert.Equal(t, IntentFollowupInitiated, resp.Intent)
	assert.Equal(t, pid, resp.PseudonymousID)
	assert.Contains(t, resp.WorkflowSteps, StepActivePatientReused)

	resp = h.send(t, "Let's talk about a different patient instead", first.SessionID)
	assert.Equal(t, IntentCollectingInformation, resp.Intent, "pending questions take priority over context switches")
}

func TestSummaryRunsWithoutConfirmation(t *testing.T) {
	h := newHarness(t)
	sessionID, pid := walkToConfirmation(t, h)
	h.send(t, "yes", sessionID)

	resp := h.send(t, "Give me a summary for John", sessionID)
	require.Equal(t, IntentSummary, resp.Intent, resp.Message)
	assert.Equal(t, "John", resp.DisplayName)
	assert.Contains(t, resp.Message, "Summary for John")
	assert.Contains(t, resp.Message, "has 1 medical records")
	assert.Contains(t, resp.WorkflowSteps, StepReidentified)

	assert.Len(t, h.records(t, pid, vault.RecordTypeSummary), 1)
}

func TestGeneralMessageUsesTemporaryID(t *testing.T) {
	h := newHarness(t)

	resp := h.send(t, "hello there", "")
	assert.Equal(t, IntentGeneral, resp.Intent)
	assert.Equal(t, TemporaryID("hello there"), resp.PseudonymousID)
	assert.True(t, strings.HasPrefix(resp.PseudonymousID, "temp-"))
	assert.NotEqual(t, TemporaryID("hello there"), TemporaryID("hello again"))

	found, err := h.v.ComplianceReport(context.Background())
	require.NoError(t, err)
	assert.Zero(t, found.TotalPatients)
}

func TestConversationContextRecordsBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.send(t, "hello there", "")
	text, err := h.o.ConversationContext(ctx, resp.SessionID, 10)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "User: hello there\nAssistant: "), text)

	text, err = h.o.ConversationContext(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, session.NoPriorConversation, text)
}

func TestBookingWithoutPatientAsksForOne(t *testing.T) {
	h := newHarness(t)
	resp := h.send(t, "I need to book an appointment, fever", "")
	assert.Equal(t, IntentNeedsPatient, resp.Intent)

	s, err := h.sessions.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Nil(t, s.PendingAction)
}

func TestExtractorFailureIsStructured(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Extractor = failingExtractor{} })

	resp, err := h.o.ProcessMessage(context.Background(), "Book appointment for John, fever", "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.PrivacySafe)
	assert.Equal(t, IntentError, resp.Intent)
	assert.NotContains(t, resp.Message, "model unavailable")

	s, err := h.sessions.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Nil(t, s.PendingAction)
	assert.Empty(t, s.History)
}

func TestExecutorFailureKeepsPendingAction(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Executor = failingExecutor{} })
	sessionID, pid := walkToConfirmation(t, h)

	resp := h.send(t, "yes", sessionID)
	assert.False(t, resp.Success)
	assert.Equal(t, IntentError, resp.Intent)
	assert.Empty(t, h.records(t, pid, ""))

	s, err := h.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, s.PendingAction)
	assert.True(t, s.PendingAction.AwaitingConfirmation)
}

func TestLeakySemanticContextIsReplaced(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Extractor = leakyExtractor{} })
	_, _, err := h.v.Pseudonymize(context.Background(), "John", nil, nil, "test")
	require.NoError(t, err)

	resp := h.send(t, "anything", "")
	require.Equal(t, IntentAppointmentInitiated, resp.Intent)
	semantic := resp.Result["semantic_context"].(models.SemanticContext)
	assert.Equal(t, "respiratory", semantic.SymptomCategory)
	assert.Equal(t, models.UrgencyEmergency, semantic.UrgencyLevel)
}

func TestConcurrentMessagesInOneSessionAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pid, _, err := h.v.Pseudonymize(ctx, "John", nil, nil, "test")
	require.NoError(t, err)

	s, err := h.sessions.Create(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	intents := make([]string, 2)
	for i := range intents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.o.ProcessMessage(ctx, "Book appointment for John, fever", s.ID)
			assert.NoError(t, err)
			intents[i] = resp.Intent
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{IntentAppointmentInitiated, IntentCollectingInformation}, intents)

	got, err := h.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingAction)
	assert.Len(t, got.PendingAction.Responses, 1)
	assert.Equal(t, pid, got.PendingAction.ActionData.PseudonymousID)
}

func TestEmptyMessage(t *testing.T) {
	h := newHarness(t)
	resp, err := h.o.ProcessMessage(context.Background(), "   ", "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.SessionID)
}

func TestDigest(t *testing.T) {
	d := Digest([]vault.Record{
		{RecordType: vault.RecordTypeFollowup},
		{RecordType: vault.RecordTypeAppointment},
		{RecordType: vault.RecordTypeAppointment},
	})
	assert.Equal(t, 3, d.TotalRecords)
	assert.Equal(t, 2, d.CountsByType[vault.RecordTypeAppointment])
	assert.Equal(t, vault.RecordTypeFollowup, d.MostRecentType)
}

func TestMatchCandidate(t *testing.T) {
	candidates := []session.Candidate{
		{PseudonymousID: "3f2b8c1e-6a0d-4f4e-9b7a-2c1d0e9f8a7b"},
		{PseudonymousID: "3f2b8c1f-0000-4000-8000-000000000000"},
	}
	c, ok := matchCandidate("it's 3F2B8C1E please", candidates)
	assert.True(t, ok)
	assert.Equal(t, candidates[0].PseudonymousID, c.PseudonymousID)

	_, ok = matchCandidate("3f2b8c1", candidates)
	assert.False(t, ok, "too short")

	_, ok = matchCandidate("the first one", candidates)
	assert.False(t, ok)

	c, ok = matchCandidate("3f2b8c1f-0000-4000-8000-000000000000", candidates)
	assert.True(t, ok)
	assert.Equal(t, candidates[1].PseudonymousID, c.PseudonymousID)
}

func intPtr(i int) *int { return &i }
