package session

import (
	"context"
	"errors"
	"time"

	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
)

const defaultHistoryLimit = 50

// Manager is the session API used by the orchestrator. A conversation turn
// mutates the session inside one Update call; the named mutators serve
// callers acting outside a turn, each as a single atomic Update on the
// underlying store.
type Manager struct {
	store        Store
	historyLimit int
	now          func() time.Time
	metrics      *metrics.Metrics
}

func NewManager(store Store, historyLimit int, m *metrics.Metrics) *Manager {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Manager{store: store, historyLimit: historyLimit, now: time.Now, metrics: m}
}

func (m *Manager) HistoryLimit() int { return m.historyLimit }

func (m *Manager) Now() time.Time { return m.now().UTC() }

func (m *Manager) Create(ctx context.Context) (*Session, error) {
	s, err := m.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	logger.Log.WithField("session_id", logger.ShortID(s.ID)).Info("Created session")
	return s, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// GetOrCreate returns the live session for id, or a new one when id is
// empty, unknown or expired.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id != "" {
		s, err := m.store.Get(ctx, id)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, false, err
		}
	}
	s, err := m.Create(ctx)
	return s, true, err
}

func (m *Manager) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	return m.store.Update(ctx, id, fn)
}

func (m *Manager) SetActivePatient(ctx context.Context, id string, p ActivePatient) error {
	return m.mutate(ctx, id, func(s *Session) { s.SetActivePatient(p) })
}

func (m *Manager) ClearActivePatient(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *Session) { s.ClearActivePatient() })
}

func (m *Manager) SetPendingDisambiguation(ctx context.Context, id string, d PendingDisambiguation) error {
	return m.mutate(ctx, id, func(s *Session) { s.SetPendingDisambiguation(d) })
}

func (m *Manager) ClearPendingDisambiguation(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *Session) { s.ClearPendingDisambiguation() })
}

func (m *Manager) SetPendingRegistration(ctx context.Context, id string, r PendingRegistration) error {
	return m.mutate(ctx, id, func(s *Session) { s.SetPendingRegistration(r) })
}

func (m *Manager) ClearPendingRegistration(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *Session) { s.PendingRegistration = nil })
}

func (m *Manager) SetPendingAction(ctx context.Context, id string, a PendingAction) error {
	return m.mutate(ctx, id, func(s *Session) { s.SetPendingAction(a) })
}

func (m *Manager) AddQuestionResponse(ctx context.Context, id, answer string) (bool, error) {
	var more bool
	_, err := m.store.Update(ctx, id, func(s *Session) error {
		var err error
		more, err = s.AddQuestionResponse(answer)
		return err
	})
	return more, err
}

func (m *Manager) ClearPendingAction(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *Session) { s.ClearPendingAction() })
}

func (m *Manager) AddToHistory(ctx context.Context, id, role, message string) error {
	at := m.Now()
	return m.mutate(ctx, id, func(s *Session) { s.AddToHistory(role, message, at, m.historyLimit) })
}

// ConversationContext renders recent turns for prompting. A missing session
// reads as no prior conversation.
func (m *Manager) ConversationContext(ctx context.Context, id string, limit int) (string, error) {
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return NoPriorConversation, nil
	}
	if err != nil {
		return "", err
	}
	return s.ConversationContext(limit), nil
}

func (m *Manager) Clear(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	logger.Log.WithField("session_id", logger.ShortID(id)).Info("Cleared session")
	return nil
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(*Session)) error {
	_, err := m.store.Update(ctx, id, func(s *Session) error {
		fn(s)
		return nil
	})
	return err
}

// Sweep removes expired sessions and refreshes the active sessions gauge.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed, err := m.store.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	live, err := m.store.Count(ctx)
	if err != nil {
		return removed, err
	}
	m.metrics.SetActiveSessions(live)
	if removed > 0 {
		logger.Log.WithField("removed", removed).Info("Expired sessions swept")
	}
	return removed, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				logger.Log.WithError(err).Warn("Session sweep failed")
			}
		}
	}
}
