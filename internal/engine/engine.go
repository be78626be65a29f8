/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package engine is the coordination core: it loads session,
// participants and state, dispatches actions through the pure rule
// module, persists results, detects quorums, advances turns, and keeps
// a degraded-mode polling fallback alive when the channel drops.
//
// There is no arbiter. Every client runs this same engine against the
// shared store and channel, so everything here must stay correct under
// arbitrary interleaving across clients: snapshot writes are
// last-write-wins, and every fact that matters (turn ownership, vote
// tallies, eliminations) is recomputed from the append-only log and the
// participant table, never from the snapshot alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Seednode/partysync/internal/game"
	"github.com/Seednode/partysync/internal/model"
	"github.com/Seednode/partysync/internal/pubsub"
	"github.com/Seednode/partysync/internal/store"
)

const logDate string = `2006-01-02T15:04:05.000-07:00`

// Config carries the engine's tunables. Zero values fall back to the
// defaults below.
type Config struct {
	// PollInterval is how often the store is polled while the channel
	// is down.
	PollInterval time.Duration

	// SafetyPollInterval is the slower poll that runs even while
	// connected and playing, because broadcasts are not guaranteed
	// delivery.
	SafetyPollInterval time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int

	Verbose bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.SafetyPollInterval <= 0 {
		out.SafetyPollInterval = 3 * time.Second
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 10
	}
	return out
}

// Engine is one client's view of one session.
type Engine struct {
	store store.Store
	dial  pubsub.Dialer
	cfg   Config

	mu           sync.Mutex
	session      model.Session
	participants []model.Participant
	snapshot     model.GameStateSnapshot
	module       game.Module
	self         model.Participant

	// dispatchMu serializes this client's own log writes; one at a
	// time, awaited. Cross-client ordering is timestamps only.
	dispatchMu sync.Mutex

	// resolved is the single-flight latch for quorum resolution, keyed
	// by session id and turn number. Local-process only: it stops this
	// client from double-resolving a quorum it detected twice, not two
	// clients from both resolving. Resolution itself is idempotent.
	resolvedMu sync.Mutex
	resolved   map[string]bool

	conn connTracker
}

func New(st store.Store, dial pubsub.Dialer, cfg Config) *Engine {
	return &Engine{
		store:    st,
		dial:     dial,
		cfg:      cfg.withDefaults(),
		resolved: make(map[string]bool),
	}
}

func (e *Engine) logf(format string, args ...any) {
	if !e.cfg.Verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// LoadSession resolves a join code. A soft-deleted session reports
// "host left" rather than a plain not-found.
func (e *Engine) LoadSession(ctx context.Context, code string) (model.Session, error) {
	s, err := e.store.GetSessionByCode(ctx, code)
	if err != nil {
		return model.Session{}, err
	}

	e.mu.Lock()
	e.session = s
	e.mu.Unlock()

	return s, nil
}

// LoadParticipants reloads the full participant list from the store,
// ordered by join time. This is the reconciliation read: it is trusted
// over any in-memory delta, including the engine's own optimistic
// updates.
func (e *Engine) LoadParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	parts, err := e.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.participants = parts
	for _, p := range parts {
		if p.ID == e.self.ID {
			e.self = p
		}
	}
	e.mu.Unlock()

	return parts, nil
}

// Host opens a new match: a fresh session in waiting status with this
// client as its first participant and host.
func (e *Engine) Host(ctx context.Context, gameType, nickname string, maxParticipants int) (model.Session, error) {
	mod, err := game.New(gameType)
	if err != nil {
		return model.Session{}, err
	}

	now := time.Now()
	hostID := model.NewID()

	s := model.Session{
		ID:              model.NewID(),
		Code:            model.NewJoinCode(),
		HostID:          hostID,
		GameType:        gameType,
		Status:          model.StatusWaiting,
		MaxParticipants: maxParticipants,
		UpdatedAt:       now,
	}
	if err := e.store.PutSession(ctx, s); err != nil {
		return model.Session{}, fmt.Errorf("persist session: %w", err)
	}

	p := model.Participant{
		ID:        hostID,
		SessionID: s.ID,
		Nickname:  nickname,
		IsAlive:   true,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	if err := e.store.PutParticipant(ctx, p); err != nil {
		return model.Session{}, fmt.Errorf("persist host participant: %w", err)
	}

	snap := model.GameStateSnapshot{
		SessionID: s.ID,
		State:     mod.InitialState(),
		UpdatedAt: now,
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return model.Session{}, fmt.Errorf("persist initial state: %w", err)
	}

	e.mu.Lock()
	e.session = s
	e.module = mod
	e.self = p
	e.participants = []model.Participant{p}
	e.snapshot = snap
	e.mu.Unlock()

	e.logf("HOST: %q opened session %s (%s)", nickname, s.Code, gameType)

	return s, nil
}

// Join attaches this engine to the session behind code as a new
// participant and loads the current state.
func (e *Engine) Join(ctx context.Context, code, nickname string) (model.Participant, error) {
	s, err := e.LoadSession(ctx, code)
	if err != nil {
		return model.Participant{}, err
	}

	parts, err := e.store.ListParticipants(ctx, s.ID)
	if err != nil {
		return model.Participant{}, err
	}
	if s.MaxParticipants > 0 && len(parts) >= s.MaxParticipants {
		return model.Participant{}, errors.New("session is full")
	}

	mod, err := game.New(s.GameType)
	if err != nil {
		return model.Participant{}, err
	}

	now := time.Now()
	p := model.Participant{
		ID:        model.NewID(),
		SessionID: s.ID,
		Nickname:  nickname,
		IsAlive:   true,
		TurnOrder: len(parts),
		JoinedAt:  now,
		UpdatedAt: now,
	}

	if err := e.store.PutParticipant(ctx, p); err != nil {
		return model.Participant{}, err
	}

	e.mu.Lock()
	e.module = mod
	e.self = p
	e.mu.Unlock()

	if _, err := e.LoadParticipants(ctx, s.ID); err != nil {
		return model.Participant{}, err
	}
	if snap, err := e.store.GetSnapshot(ctx, s.ID); err == nil {
		e.mu.Lock()
		e.snapshot = snap
		e.mu.Unlock()
	}

	e.logf("JOIN: %q joined session %s as %s", nickname, s.Code, p.ID)

	return p, nil
}

// Resume attaches this engine to a session it already has a
// participant in, after a reload.
func (e *Engine) Resume(ctx context.Context, code, participantID string) error {
	s, err := e.LoadSession(ctx, code)
	if err != nil {
		return err
	}

	mod, err := game.New(s.GameType)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.module = mod
	e.self = model.Participant{ID: participantID, SessionID: s.ID}
	e.mu.Unlock()

	if _, err := e.LoadParticipants(ctx, s.ID); err != nil {
		return err
	}
	if snap, err := e.store.GetSnapshot(ctx, s.ID); err == nil {
		e.mu.Lock()
		e.snapshot = snap
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) Session() model.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) Participants() []model.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Participant, len(e.participants))
	copy(out, e.participants)
	return out
}

func (e *Engine) Snapshot() model.GameStateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

func (e *Engine) Self() model.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Dispatch runs one action through the rule module and persists the
// outcome. The session must be playing; anything else is a no-op.
//
// Persistence is deliberately non-transactional: the snapshot
// overwrite, the participant mutations and the log append can each
// fail independently. Partial failure is recoverable drift, corrected
// by the next reconciliation read, never rolled back.
func (e *Engine) Dispatch(ctx context.Context, action model.ActionLogEntry) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	session := e.session
	parts := make([]model.Participant, len(e.participants))
	copy(parts, e.participants)
	state := e.snapshot.State
	mod := e.module
	prevSnapshot := e.snapshot
	e.mu.Unlock()

	if session.Status != model.StatusPlaying || mod == nil {
		return nil
	}

	recent, err := e.store.ListLogSince(ctx, session.ID, session.UpdatedAt)
	if err != nil {
		// degrade to an empty round view; the module treats the action
		// on its own merits and the next poll reconciles
		recent = nil
	}

	res := mod.Apply(action, parts, state, recent)

	// Optimistic local update, rolled back only if the snapshot write
	// itself fails.
	now := time.Now()
	newSnap := model.GameStateSnapshot{
		SessionID: session.ID,
		State:     res.NewState,
		UpdatedAt: now,
	}
	e.mu.Lock()
	e.snapshot = newSnap
	e.mu.Unlock()

	if err := e.store.PutSnapshot(ctx, newSnap); err != nil {
		e.mu.Lock()
		e.snapshot = prevSnapshot
		e.mu.Unlock()
		return fmt.Errorf("persist snapshot: %w", err)
	}

	e.persistMutations(ctx, parts, res.Mutations)

	if err := e.store.AppendLog(ctx, action); err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	e.advanceTurn(ctx, session, res)

	if res.Broadcast != nil {
		e.publish(ctx, *res.Broadcast)
	}

	return e.settle(ctx, session.ID)
}

// persistMutations writes participant changes in parallel,
// best-effort. No cross-row transaction exists, so one sibling
// succeeding while another fails is tolerated and logged; the next
// LoadParticipants read straightens it out.
func (e *Engine) persistMutations(ctx context.Context, parts []model.Participant, muts []game.Mutation) {
	if len(muts) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, m := range muts {
		p, found := findByID(parts, m.ParticipantID)
		if !found {
			continue
		}

		if m.SetAlive != nil {
			p.IsAlive = *m.SetAlive
		}
		if m.SetReady != nil {
			p.IsReady = *m.SetReady
		}
		p.Score += m.AddScore
		p.UpdatedAt = time.Now()

		wg.Add(1)
		go func(p model.Participant) {
			defer wg.Done()
			if err := e.store.PutParticipant(ctx, p); err != nil {
				e.logf("ENGINE: participant write failed for %s: %v", p.ID, err)
			}
		}(p)
	}
	wg.Wait()
}

// advanceTurn persists the session turn pointer when the module moved
// it. Touching the session row also bumps UpdatedAt, which starts the
// next round epoch and retires all older log entries from quorum
// counting.
func (e *Engine) advanceTurn(ctx context.Context, session model.Session, res game.Result) {
	if res.TurnParticipantID == nil && res.TurnIndex == nil {
		return
	}

	if res.TurnIndex != nil {
		session.TurnIndex = *res.TurnIndex
	}
	if res.TurnParticipantID != nil {
		session.TurnParticipantID = *res.TurnParticipantID
	}
	session.UpdatedAt = time.Now()

	if err := e.store.PutSession(ctx, session); err != nil {
		e.logf("ENGINE: turn advance write failed for %s: %v", session.ID, err)
		return
	}

	e.mu.Lock()
	e.session = session
	e.mu.Unlock()
}

// settle reloads participants from the store (never from the mutation
// list) and finishes the session when the variant says the game is
// over.
func (e *Engine) settle(ctx context.Context, sessionID string) error {
	parts, err := e.LoadParticipants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reconcile participants: %w", err)
	}

	e.mu.Lock()
	session := e.session
	state := e.snapshot.State
	mod := e.module
	self := e.self
	e.mu.Unlock()

	if session.Status != model.StatusPlaying || mod == nil {
		return nil
	}
	if !mod.IsTerminal(parts, state) {
		return nil
	}

	session.Status = model.StatusFinished
	session.UpdatedAt = time.Now()
	if err := e.store.PutSession(ctx, session); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.mu.Unlock()

	winnerID := ""
	for _, p := range parts {
		if p.IsAlive {
			winnerID = p.ID
			break
		}
	}

	e.publish(ctx, model.Message{
		Kind:            model.MsgGameEnd,
		SessionID:       session.ID,
		ParticipantID:   self.ID,
		ParticipantName: self.Nickname,
		Timestamp:       time.Now(),
		WinnerID:        winnerID,
	})

	e.logf("ENGINE: session %s finished, winner=%s", session.Code, winnerID)

	return nil
}

func findByID(parts []model.Participant, id string) (model.Participant, bool) {
	for _, p := range parts {
		if p.ID == id {
			return p, true
		}
	}
	return model.Participant{}, false
}
