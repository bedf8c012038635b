// Package conversation drives the per-session state machine: identity
// resolution, clarification questions and the final yes/no confirmation that
// gates every record-creating action.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/medshield/pkg/agents"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/common/models"
	"github.com/synaptica-ai/medshield/pkg/events"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
	"github.com/synaptica-ai/medshield/pkg/policy"
	"github.com/synaptica-ai/medshield/pkg/privacy"
	"github.com/synaptica-ai/medshield/pkg/resolution"
	"github.com/synaptica-ai/medshield/pkg/session"
	"github.com/synaptica-ai/medshield/pkg/vault"
)

// Components named in audit rows.
const (
	ActorOrchestrator = "conversation_orchestrator"
	ActorExecutor     = "execution_agent"
)

// ErrInternal marks failures that are not a business outcome. The wrapped
// cause is logged, never returned to the user.
var ErrInternal = errors.New("internal error")

// Vault is the part of the identity vault the orchestrator uses.
type Vault interface {
	Touch(ctx context.Context, pseudonymousID string, age *int, gender *string, actor string) (vault.Identity, error)
	Reidentify(ctx context.Context, pseudonymousID, actor string) (vault.Identity, bool, error)
	StoreRecord(ctx context.Context, pseudonymousID string, rec vault.NewRecord, actor string) (string, error)
	GetRecords(ctx context.Context, pseudonymousID, recordType, actor string) ([]vault.Record, error)
	ComplianceReport(ctx context.Context) (vault.ComplianceReport, error)
}

type Resolver interface {
	Resolve(ctx context.Context, fullName string, age *int, gender *string, actor string) (resolution.Decision, error)
	ConfirmNewPatient(ctx context.Context, fullName string, age *int, gender *string, actor string) (vault.Identity, error)
}

// Dependencies are the collaborators an Orchestrator is built from. Guard,
// Publisher and Metrics are optional.
type Dependencies struct {
	Sessions  *session.Manager
	Vault     Vault
	Resolver  Resolver
	Extractor agents.Extractor
	Planner   agents.Planner
	Executor  agents.Executor
	Policy    *policy.Policy
	Guard     *privacy.Guard
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

type Orchestrator struct {
	sessions  *session.Manager
	vault     Vault
	resolver  Resolver
	extractor agents.Extractor
	planner   agents.Planner
	executor  agents.Executor
	policy    *policy.Policy
	guard     *privacy.Guard
	publisher events.Publisher
	metrics   *metrics.Metrics
}

func New(deps Dependencies) *Orchestrator {
	o := &Orchestrator{
		sessions:  deps.Sessions,
		vault:     deps.Vault,
		resolver:  deps.Resolver,
		extractor: deps.Extractor,
		planner:   deps.Planner,
		executor:  deps.Executor,
		policy:    deps.Policy,
		guard:     deps.Guard,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
	}
	if o.policy == nil {
		o.policy = policy.New(policy.Default())
	}
	if o.guard == nil {
		o.guard = privacy.MustDefault()
	}
	if o.publisher == nil {
		o.publisher = events.NopPublisher{}
	}
	return o
}

// collaboratorError is a failed extraction, planning or execution call. It
// becomes a structured failure response and discards the session changes of
// the turn.
type collaboratorError struct {
	collaborator string
	err          error
}

func (e *collaboratorError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.collaborator, e.err)
}

func (e *collaboratorError) Unwrap() error { return e.err }

// turn accumulates the response for one inbound message.
type turn struct {
	resp  models.ChatResponse
	state string
}

func (t *turn) step(name string) {
	t.resp.WorkflowSteps = append(t.resp.WorkflowSteps, name)
}

// ProcessMessage handles one user message. Business outcomes (ambiguity,
// cancellation, missing patient, collaborator failure) come back as a
// response with a nil error; only internal failures return ErrInternal.
func (o *Orchestrator) ProcessMessage(ctx context.Context, text, sessionID string) (models.ChatResponse, error) {
	text = strings.TrimSpace(text)

	sess, created, err := o.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return o.internalFailure(sessionID, "load session", err)
	}
	if created && sessionID != "" {
		logger.Log.WithField("session_id", logger.ShortID(sessionID)).Info("Session missing or expired, started a new one")
	}

	if text == "" {
		return models.ChatResponse{
			Success:     false,
			Message:     "Please type a message.",
			Intent:      IntentError,
			SessionID:   sess.ID,
			PrivacySafe: true,
		}, nil
	}

	var t turn
	_, err = o.sessions.Update(ctx, sess.ID, func(s *session.Session) error {
		t = turn{}
		t.step(StepSessionLoaded)
		if err := o.route(ctx, s, text, &t); err != nil {
			return err
		}
		now := o.sessions.Now()
		s.AddToHistory(session.RoleUser, text, now, o.sessions.HistoryLimit())
		s.AddToHistory(session.RoleAssistant, t.resp.Message, now, o.sessions.HistoryLimit())
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		logger.Log.WithField("session_id", logger.ShortID(sess.ID)).Warn("Session disappeared while processing message")
		return o.expired(sess.ID), nil
	}
	if err != nil {
		var cerr *collaboratorError
		if errors.As(err, &cerr) {
			return o.collaboratorFailure(sess.ID, t.state, cerr), nil
		}
		return o.internalFailure(sess.ID, "process message", err)
	}

	o.metrics.IncTransition(t.state, t.resp.Intent)
	return o.finish(sess.ID, t.resp), nil
}

// route applies the first matching state, in priority order.
func (o *Orchestrator) route(ctx context.Context, s *session.Session, text string, t *turn) error {
	switch {
	case s.PendingAction != nil && s.PendingAction.AwaitingConfirmation:
		t.state = StateAwaitingConfirmation
		return o.handleConfirmation(ctx, s, text, t)
	case s.PendingAction != nil:
		t.state = StateCollecting
		return o.handleAnswer(s, text, t)
	case s.PendingDisambiguation != nil:
		t.state = StateDisambiguating
		return o.handleSelection(ctx, s, text, t)
	case s.PendingRegistration != nil:
		t.state = StateRegistering
		return o.handleRegistration(ctx, s, text, t)
	default:
		t.state = StateIdle
		return o.handleFresh(ctx, s, text, t)
	}
}

// ConfirmNewPatient answers yes to the new-patient question of an earlier
// turn and continues the request that raised it. The name must match the
// pending registration, which is consumed, so a repeated call creates nothing.
func (o *Orchestrator) ConfirmNewPatient(ctx context.Context, sessionID, fullName string, age *int, gender *string) (models.ChatResponse, error) {
	if strings.TrimSpace(fullName) == "" {
		return models.ChatResponse{}, vault.ErrInvalidName
	}

	var t turn
	_, err := o.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		t = turn{state: StateRegistering}
		t.step(StepSessionLoaded)
		pending := s.PendingRegistration
		if pending == nil || vault.NormalizeName(pending.FullName) != vault.NormalizeName(fullName) {
			t.resp = models.ChatResponse{
				Success: false,
				Message: "There is no pending registration for that patient in this conversation.",
				Intent:  IntentError,
			}
			return nil
		}

		reg, _ := s.TakePendingRegistration()
		reg.FullName = fullName
		if age != nil {
			reg.Age = age
		}
		if gender != nil {
			reg.Gender = gender
		}
		t.step(StepConfirmationReceived)
		if err := o.completeRegistration(ctx, s, reg, &t); err != nil {
			return err
		}
		s.AddToHistory(session.RoleAssistant, t.resp.Message, o.sessions.Now(), o.sessions.HistoryLimit())
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		return o.expired(sessionID), nil
	}
	if err != nil {
		if errors.Is(err, vault.ErrInvalidName) {
			return models.ChatResponse{}, err
		}
		return o.internalFailure(sessionID, "confirm new patient", err)
	}

	o.metrics.IncTransition(t.state, t.resp.Intent)
	return o.finish(sessionID, t.resp), nil
}

// SelectPatient resolves a pending disambiguation from an explicit id or id
// prefix. It is the same transition a chat reply with the id would trigger.
func (o *Orchestrator) SelectPatient(ctx context.Context, sessionID, token string) (models.ChatResponse, error) {
	var t turn
	_, err := o.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		t = turn{state: StateDisambiguating}
		t.step(StepSessionLoaded)
		if s.PendingDisambiguation == nil {
			t.resp = models.ChatResponse{
				Success: false,
				Message: "There is no patient selection pending in this conversation.",
				Intent:  IntentError,
			}
			return nil
		}
		if err := o.handleSelection(ctx, s, token, &t); err != nil {
			return err
		}
		s.AddToHistory(session.RoleAssistant, t.resp.Message, o.sessions.Now(), o.sessions.HistoryLimit())
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		return o.expired(sessionID), nil
	}
	if err != nil {
		var cerr *collaboratorError
		if errors.As(err, &cerr) {
			return o.collaboratorFailure(sessionID, t.state, cerr), nil
		}
		return o.internalFailure(sessionID, "select patient", err)
	}

	o.metrics.IncTransition(t.state, t.resp.Intent)
	return o.finish(sessionID, t.resp), nil
}

func (o *Orchestrator) ClearSession(ctx context.Context, sessionID string) error {
	return o.sessions.Clear(ctx, sessionID)
}

// ConversationContext renders the last limit turns of a session for the local
// UI. It never leaves the trusted boundary.
func (o *Orchestrator) ConversationContext(ctx context.Context, sessionID string, limit int) (string, error) {
	return o.sessions.ConversationContext(ctx, sessionID, limit)
}

func (o *Orchestrator) ComplianceReport(ctx context.Context) (vault.ComplianceReport, error) {
	return o.vault.ComplianceReport(ctx)
}

func (o *Orchestrator) finish(sessionID string, resp models.ChatResponse) models.ChatResponse {
	resp.SessionID = sessionID
	resp.PrivacySafe = true
	if resp.Result == nil {
		resp.Result = map[string]interface{}{}
	}
	if resp.WorkflowSteps == nil {
		resp.WorkflowSteps = []string{}
	}
	return resp
}

// expired answers a request whose session was cleared or timed out before
// the turn could be stored.
func (o *Orchestrator) expired(sessionID string) models.ChatResponse {
	return o.finish(sessionID, models.ChatResponse{
		Success: false,
		Message: "This conversation was cleared or has expired. Please start again.",
		Intent:  IntentError,
	})
}

func (o *Orchestrator) collaboratorFailure(sessionID, state string, cerr *collaboratorError) models.ChatResponse {
	o.metrics.IncCollaboratorFailure(cerr.collaborator)
	o.metrics.IncTransition(state, IntentError)
	logger.Log.WithError(cerr.err).WithFields(map[string]interface{}{
		"session_id":   logger.ShortID(sessionID),
		"collaborator": cerr.collaborator,
		"state":        state,
	}).Error("Collaborator failed, returning structured failure")

	return o.finish(sessionID, models.ChatResponse{
		Success: false,
		Message: "Sorry, I couldn't complete that request right now. Please try again.",
		Intent:  IntentError,
		Result:  map[string]interface{}{"failed_component": cerr.collaborator},
	})
}

func (o *Orchestrator) internalFailure(sessionID, op string, err error) (models.ChatResponse, error) {
	logger.Log.WithError(err).WithFields(map[string]interface{}{
		"session_id": logger.ShortID(sessionID),
		"operation":  op,
	}).Error("Conversation processing failed")

	return o.finish(sessionID, models.ChatResponse{
		Success: false,
		Message: "An internal error occurred. Please try again later.",
		Intent:  IntentError,
	}), fmt.Errorf("%s: %w", op, ErrInternal)
}
