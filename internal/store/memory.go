package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Seednode/partysync/internal/model"
)

// MemoryStore is the in-process Store used by tests and by the relay
// when no data directory is configured.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]model.Session
	codes        map[string]string // join code -> session id
	participants map[string]map[string]model.Participant
	log          map[string][]model.ActionLogEntry
	snapshots    map[string]model.GameStateSnapshot
	watchers     map[string]map[chan Change]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]model.Session),
		codes:        make(map[string]string),
		participants: make(map[string]map[string]model.Participant),
		log:          make(map[string][]model.ActionLogEntry),
		snapshots:    make(map[string]model.GameStateSnapshot),
		watchers:     make(map[string]map[chan Change]struct{}),
	}
}

func (m *MemoryStore) PutSession(_ context.Context, s model.Session) error {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.codes[s.Code] = s.ID
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeSession, SessionID: s.ID})
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetSessionByCode(_ context.Context, code string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	s := m.sessions[id]
	if s.IsDeleted {
		return model.Session{}, ErrHostGone
	}
	return s, nil
}

func (m *MemoryStore) PutParticipant(_ context.Context, p model.Participant) error {
	m.mu.Lock()
	byID, ok := m.participants[p.SessionID]
	if !ok {
		byID = make(map[string]model.Participant)
		m.participants[p.SessionID] = byID
	}
	byID[p.ID] = p
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeParticipant, SessionID: p.SessionID})
	return nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, sessionID string) ([]model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID := m.participants[sessionID]
	out := make([]model.Participant, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, e model.ActionLogEntry) error {
	m.mu.Lock()
	m.log[e.SessionID] = append(m.log[e.SessionID], e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListLogSince(_ context.Context, sessionID string, since time.Time) ([]model.ActionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ActionLogEntry
	for _, e := range m.log[sessionID] {
		if e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) PutSnapshot(_ context.Context, s model.GameStateSnapshot) error {
	m.mu.Lock()
	m.snapshots[s.SessionID] = s
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeState, SessionID: s.SessionID})
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, sessionID string) (model.GameStateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[sessionID]
	if !ok {
		return model.GameStateSnapshot{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Watch(ctx context.Context, sessionID string) (<-chan Change, error) {
	ch := make(chan Change, 16)

	m.mu.Lock()
	set, ok := m.watchers[sessionID]
	if !ok {
		set = make(map[chan Change]struct{})
		m.watchers[sessionID] = set
	}
	set[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers[sessionID], ch)
		m.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// notify fans a change out to every watcher of the session. Sends never
// block; a watcher with a full buffer misses the event and catches up
// on its next poll.
func (m *MemoryStore) notify(c Change) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for ch := range m.watchers[c.SessionID] {
		select {
		case ch <- c:
		default:
		}
	}
}

func (m *MemoryStore) Close() error {
	return nil
}
