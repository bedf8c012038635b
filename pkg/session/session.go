// Package session keeps per-conversation state: the active patient, pending
// disambiguation, the pending HITL action and a rolling history.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/medshield/pkg/common/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrLockTimeout       = errors.New("timed out waiting for session lock")
	ErrNoPendingQuestion = errors.New("no pending clarification question")
)

// NoPriorConversation is returned by ConversationContext for an empty
// history. It is not an error.
const NoPriorConversation = "No prior conversation."

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ActivePatient struct {
	PseudonymousID string `json:"pseudonymous_id"`
	DisplayName    string `json:"display_name"`
}

type Candidate struct {
	PseudonymousID string    `json:"pseudonymous_id"`
	FullName       string    `json:"full_name"`
	Age            *int      `json:"age,omitempty"`
	Gender         *string   `json:"gender,omitempty"`
	LastAccessed   time.Time `json:"last_accessed"`
}

// PendingDisambiguation holds the candidates shown to the user plus the
// request that triggered the lookup, so it can resume after a selection.
type PendingDisambiguation struct {
	Candidates  []Candidate            `json:"candidates"`
	Intent      models.Intent          `json:"intent,omitempty"`
	MedicalInfo string                 `json:"medical_info,omitempty"`
	Semantic    models.SemanticContext `json:"semantic"`
}

// PendingRegistration is a new-patient registration the user was asked to
// confirm, together with the request that triggered it.
type PendingRegistration struct {
	FullName    string                 `json:"full_name"`
	Age         *int                   `json:"age,omitempty"`
	Gender      *string                `json:"gender,omitempty"`
	Intent      models.Intent          `json:"intent,omitempty"`
	MedicalInfo string                 `json:"medical_info,omitempty"`
	Semantic    models.SemanticContext `json:"semantic"`
}

// ActionData is everything the execution step needs once the user confirms.
type ActionData struct {
	PseudonymousID string                 `json:"pseudonymous_id"`
	DisplayName    string                 `json:"display_name,omitempty"`
	MedicalInfo    string                 `json:"medical_info,omitempty"`
	Semantic       models.SemanticContext `json:"semantic"`
	Plan           *models.ExecutionPlan  `json:"plan,omitempty"`
}

type QuestionResponse struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type PendingAction struct {
	ActionType           models.Intent      `json:"action_type"`
	ActionData           ActionData         `json:"action_data"`
	Questions            []string           `json:"questions"`
	Responses            []QuestionResponse `json:"responses"`
	AwaitingConfirmation bool               `json:"awaiting_confirmation"`
}

// NextQuestion returns the first unanswered question.
func (p *PendingAction) NextQuestion() (string, bool) {
	if p == nil || len(p.Responses) >= len(p.Questions) {
		return "", false
	}
	return p.Questions[len(p.Responses)], true
}

type HistoryEntry struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	ID                    string                 `json:"id"`
	ActivePatient         *ActivePatient         `json:"active_patient,omitempty"`
	PendingDisambiguation *PendingDisambiguation `json:"pending_disambiguation,omitempty"`
	PendingRegistration   *PendingRegistration   `json:"pending_registration,omitempty"`
	PendingAction         *PendingAction         `json:"pending_action,omitempty"`
	History               []HistoryEntry         `json:"conversation_history"`
	CreatedAt             time.Time              `json:"created_at"`
	LastActivityAt        time.Time              `json:"last_activity_at"`
}

func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActivityAt) > timeout
}

func (s *Session) SetActivePatient(p ActivePatient) {
	s.ActivePatient = &p
}

func (s *Session) ClearActivePatient() {
	s.ActivePatient = nil
}

// SetPendingDisambiguation replaces any other pending state: only one kind of
// pending state may exist at a time.
func (s *Session) SetPendingDisambiguation(d PendingDisambiguation) {
	s.PendingAction = nil
	s.PendingRegistration = nil
	s.PendingDisambiguation = &d
}

func (s *Session) ClearPendingDisambiguation() {
	s.PendingDisambiguation = nil
}

// SetPendingRegistration replaces any other pending state.
func (s *Session) SetPendingRegistration(r PendingRegistration) {
	s.PendingAction = nil
	s.PendingDisambiguation = nil
	s.PendingRegistration = &r
}

// TakePendingRegistration returns the pending registration and clears it, so
// it can be acted on at most once.
func (s *Session) TakePendingRegistration() (PendingRegistration, bool) {
	if s.PendingRegistration == nil {
		return PendingRegistration{}, false
	}
	r := *s.PendingRegistration
	s.PendingRegistration = nil
	return r, true
}

// SetPendingAction replaces any other pending state.
func (s *Session) SetPendingAction(a PendingAction) {
	s.PendingDisambiguation = nil
	s.PendingRegistration = nil
	s.PendingAction = &a
}

// AddQuestionResponse answers the next open question and reports whether
// more remain.
func (s *Session) AddQuestionResponse(answer string) (bool, error) {
	q, ok := s.PendingAction.NextQuestion()
	if !ok {
		return false, ErrNoPendingQuestion
	}
	s.PendingAction.Responses = append(s.PendingAction.Responses, QuestionResponse{Question: q, Answer: answer})
	_, more := s.PendingAction.NextQuestion()
	return more, nil
}

func (s *Session) ClearPendingAction() {
	s.PendingAction = nil
}

// AddToHistory appends a turn and keeps at most limit entries.
func (s *Session) AddToHistory(role, message string, at time.Time, limit int) {
	s.History = append(s.History, HistoryEntry{Role: role, Message: message, Timestamp: at})
	if limit > 0 && len(s.History) > limit {
		s.History = append([]HistoryEntry(nil), s.History[len(s.History)-limit:]...)
	}
}

// ConversationContext renders the last limit turns, oldest first.
func (s *Session) ConversationContext(limit int) string {
	if len(s.History) == 0 {
		return NoPriorConversation
	}
	entries := s.History
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", roleLabel(e.Role), e.Message)
	}
	return b.String()
}

func roleLabel(role string) string {
	switch role {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	default:
		return role
	}
}
