package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/medshield/pkg/common/keylock"
)

// Store persists sessions. Update is the only write path for existing
// sessions and is atomic per session id: fn sees the latest state, and an
// error from fn discards its changes. Every successful Update stamps
// LastActivityAt.
type Store interface {
	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
	Sweep(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock overrides the time source used for activity stamps and expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) { o.now = now }
}

func buildOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newSession(now time.Time) *Session {
	return &Session{
		ID:             uuid.New().String(),
		History:        []HistoryEntry{},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// MemoryStore keeps sessions in process. Expired sessions are treated as
// absent on read and removed by Sweep.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
	locks    *keylock.Map
	timeout  time.Duration
	now      func() time.Time
}

func NewMemoryStore(timeout time.Duration, opts ...StoreOption) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		sessions: make(map[string][]byte),
		locks:    keylock.New(),
		timeout:  timeout,
		now:      o.now,
	}
}

func (m *MemoryStore) Create(ctx context.Context) (*Session, error) {
	s := newSession(m.now().UTC())
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = raw
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(id)
}

// load decodes a fresh copy so callers never share state. Caller holds m.mu.
func (m *MemoryStore) load(id string) (*Session, error) {
	raw, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.expired(m.now(), m.timeout) {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	s, err := m.load(id)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := fn(s); err != nil {
		return nil, err
	}
	s.LastActivityAt = m.now().UTC()

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.sessions[id] = raw
	}
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id := range m.sessions {
		if _, err := m.load(id); err == ErrSessionNotFound {
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}
