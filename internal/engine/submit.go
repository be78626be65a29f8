package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Seednode/partysync/internal/game"
	"github.com/Seednode/partysync/internal/model"
)

// The Submit* wrappers apply an optimistic local update before the
// store round-trip and roll it back only if persistence reports
// failure. A later reconciliation read disagreeing is not a failure;
// the read wins.

// SubmitReady toggles this client's ready flag.
func (e *Engine) SubmitReady(ctx context.Context, ready bool) error {
	e.mu.Lock()
	prev := e.self
	session := e.session
	next := e.self
	next.IsReady = ready
	next.UpdatedAt = time.Now()
	e.self = next
	for i := range e.participants {
		if e.participants[i].ID == next.ID {
			e.participants[i] = next
		}
	}
	e.mu.Unlock()

	if err := e.store.PutParticipant(ctx, next); err != nil {
		e.mu.Lock()
		e.self = prev
		for i := range e.participants {
			if e.participants[i].ID == prev.ID {
				e.participants[i] = prev
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("persist ready toggle: %w", err)
	}

	e.publish(ctx, model.Message{
		Kind:            model.MsgPlayerReady,
		SessionID:       session.ID,
		ParticipantID:   next.ID,
		ParticipantName: next.Nickname,
		Timestamp:       next.UpdatedAt,
	})

	return nil
}

func (e *Engine) newEntry(t model.ActionType, payload any, turnNumber int) (model.ActionLogEntry, error) {
	e.mu.Lock()
	session := e.session
	self := e.self
	e.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return model.ActionLogEntry{}, err
	}

	return model.ActionLogEntry{
		ID:            model.NewID(),
		SessionID:     session.ID,
		ParticipantID: self.ID,
		Type:          t,
		Payload:       data,
		TurnNumber:    turnNumber,
		CreatedAt:     time.Now(),
	}, nil
}

// SubmitStatements puts this client's three statements on trial.
func (e *Engine) SubmitStatements(ctx context.Context, statements []string, lieIndex int) error {
	turn := e.Session().TurnIndex
	entry, err := e.newEntry(model.ActionStatementsSubmitted, game.TrialStatements{
		Statements: statements,
		LieIndex:   lieIndex,
	}, turn)
	if err != nil {
		return err
	}
	return e.Dispatch(ctx, entry)
}

// SubmitVote casts this client's vote for the lie, then checks whether
// that vote completed the quorum.
func (e *Engine) SubmitVote(ctx context.Context, statementIndex int) error {
	session := e.Session()
	entry, err := e.newEntry(model.ActionVoteCast, game.TrialVote{
		StatementIndex: statementIndex,
	}, session.TurnIndex)
	if err != nil {
		return err
	}
	if err := e.Dispatch(ctx, entry); err != nil {
		return err
	}
	return e.CheckQuorum(ctx, session.ID, session.TurnParticipantID, session.TurnIndex)
}

// SubmitNumber claims the next run of integers in the counting game.
func (e *Engine) SubmitNumber(ctx context.Context, call game.NumbersCall) error {
	entry, err := e.newEntry(model.ActionNumberCalled, call, 0)
	if err != nil {
		return err
	}
	return e.Dispatch(ctx, entry)
}

// SubmitRaise raises the shared counter by 1-3.
func (e *Engine) SubmitRaise(ctx context.Context, increment int) error {
	entry, err := e.newEntry(model.ActionCounterRaised, game.CounterRaise{
		Increment: increment,
	}, 0)
	if err != nil {
		return err
	}
	return e.Dispatch(ctx, entry)
}

// DeclareDefeat eliminates this client and ends the game immediately.
func (e *Engine) DeclareDefeat(ctx context.Context) error {
	entry, err := e.newEntry(model.ActionDefeatDeclared, struct{}{}, 0)
	if err != nil {
		return err
	}
	return e.Dispatch(ctx, entry)
}

// StartGame transitions the session to playing once the variant's
// start predicate holds. The session write stamps the first round
// epoch.
func (e *Engine) StartGame(ctx context.Context) error {
	e.mu.Lock()
	session := e.session
	parts := make([]model.Participant, len(e.participants))
	copy(parts, e.participants)
	state := e.snapshot.State
	mod := e.module
	self := e.self
	e.mu.Unlock()

	if mod == nil {
		return errors.New("no game module loaded")
	}
	if session.Status != model.StatusWaiting {
		return nil
	}
	if !mod.CanStart(parts, state) {
		return errors.New("not all participants are ready")
	}

	now := time.Now()
	newState := mod.OnStart(parts, state)
	snap := model.GameStateSnapshot{
		SessionID: session.ID,
		State:     newState,
		UpdatedAt: now,
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist start state: %w", err)
	}

	session.Status = model.StatusPlaying
	session.TurnIndex = 1
	session.TurnParticipantID = ""
	for _, p := range parts {
		if p.IsAlive {
			session.TurnParticipantID = p.ID
			break
		}
	}
	session.UpdatedAt = now

	if err := e.store.PutSession(ctx, session); err != nil {
		return fmt.Errorf("persist session start: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.snapshot = snap
	e.mu.Unlock()

	e.publish(ctx, model.Message{
		Kind:            model.MsgGameStart,
		SessionID:       session.ID,
		ParticipantID:   self.ID,
		ParticipantName: self.Nickname,
		Timestamp:       now,
		TurnNumber:      1,
	})

	e.logf("ENGINE: session %s started (%s)", session.Code, session.GameType)

	return nil
}

// ResetGame returns a finished session to the lobby: fresh state,
// everybody alive again, scores kept.
func (e *Engine) ResetGame(ctx context.Context) error {
	e.mu.Lock()
	session := e.session
	parts := make([]model.Participant, len(e.participants))
	copy(parts, e.participants)
	mod := e.module
	self := e.self
	e.mu.Unlock()

	if mod == nil {
		return errors.New("no game module loaded")
	}

	now := time.Now()
	snap := model.GameStateSnapshot{
		SessionID: session.ID,
		State:     mod.OnReset(parts),
		UpdatedAt: now,
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist reset state: %w", err)
	}

	for _, p := range parts {
		p.IsAlive = true
		p.IsReady = false
		p.UpdatedAt = now
		if err := e.store.PutParticipant(ctx, p); err != nil {
			e.logf("ENGINE: revive write failed for %s: %v", p.ID, err)
		}
	}

	session.Status = model.StatusWaiting
	session.TurnIndex = 0
	session.TurnParticipantID = ""
	session.UpdatedAt = now
	if err := e.store.PutSession(ctx, session); err != nil {
		return fmt.Errorf("persist session reset: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.snapshot = snap
	e.mu.Unlock()

	if _, err := e.LoadParticipants(ctx, session.ID); err != nil {
		return err
	}

	e.publish(ctx, model.Message{
		Kind:            model.MsgGameReset,
		SessionID:       session.ID,
		ParticipantID:   self.ID,
		ParticipantName: self.Nickname,
		Timestamp:       now,
	})

	return nil
}

// Abandon soft-deletes the session. Host only; other clients see the
// distinct "host left" error on their next load and exit gracefully.
func (e *Engine) Abandon(ctx context.Context) error {
	e.mu.Lock()
	session := e.session
	self := e.self
	e.mu.Unlock()

	if session.HostID != self.ID {
		return errors.New("only the host can abandon a session")
	}

	session.IsDeleted = true
	session.UpdatedAt = time.Now()
	if err := e.store.PutSession(ctx, session); err != nil {
		return fmt.Errorf("abandon session: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.mu.Unlock()

	return nil
}
