package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/Seednode/partysync/internal/game"
	"github.com/Seednode/partysync/internal/model"
)

// CheckQuorum re-reads the round-start marker, reconstructs the vote
// set for the given turn from the action log, and resolves the round
// once enough votes are in.
//
// The latch is in-memory and per-process: it stops this client from
// resolving the same quorum twice when two vote arrivals both cross
// the threshold concurrently. It cannot stop another client from
// independently resolving the same quorum, which is why Resolve is
// idempotent over the same committed vote set.
func (e *Engine) CheckQuorum(ctx context.Context, sessionID, onTrialID string, turnNumber int) error {
	e.mu.Lock()
	mod := e.module
	e.mu.Unlock()

	resolver, ok := mod.(game.QuorumResolver)
	if !ok {
		return nil
	}

	// Authoritative reads, not the local cache: the marker and the
	// participant table may have moved under us.
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	if session.Status != model.StatusPlaying {
		return nil
	}

	parts, err := e.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reload participants: %w", err)
	}

	roundStart := session.UpdatedAt
	entries, err := e.store.ListLogSince(ctx, sessionID, roundStart)
	if err != nil {
		return fmt.Errorf("reload log: %w", err)
	}

	// Stale-round filtering is two-fold: the turn number must match
	// AND the entry must postdate the round-start marker, so leftover
	// votes from a previous game in the same session with a matching
	// numeric turn are discarded.
	votes := lo.Filter(entries, func(entry model.ActionLogEntry, _ int) bool {
		if entry.Type != model.ActionVoteCast || entry.TurnNumber != turnNumber {
			return false
		}
		if !entry.CreatedAt.After(roundStart) {
			return false
		}
		if entry.ParticipantID == onTrialID {
			return false
		}
		p, found := findByID(parts, entry.ParticipantID)
		return found && p.IsAlive
	})

	voters := lo.UniqBy(votes, func(entry model.ActionLogEntry) string {
		return entry.ParticipantID
	})

	expected := resolver.ExpectedVotes(parts)
	if expected <= 0 || len(voters) < expected {
		return nil
	}

	if !e.tryLatch(sessionID, turnNumber) {
		return nil
	}

	snap, err := e.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reload snapshot: %w", err)
	}

	res := resolver.Resolve(votes, parts, snap.State)

	newSnap := model.GameStateSnapshot{
		SessionID: sessionID,
		State:     res.NewState,
		UpdatedAt: time.Now(),
	}
	if err := e.store.PutSnapshot(ctx, newSnap); err != nil {
		return fmt.Errorf("persist resolved state: %w", err)
	}

	e.mu.Lock()
	e.snapshot = newSnap
	e.mu.Unlock()

	e.persistMutations(ctx, parts, res.Mutations)
	e.advanceTurn(ctx, session, res)

	if res.Broadcast != nil {
		e.publish(ctx, *res.Broadcast)
	}

	e.logf("ENGINE: quorum resolved for session %s turn %d (%d votes)", sessionID, turnNumber, len(voters))

	return e.settle(ctx, sessionID)
}

// tryLatch marks a (session, turn) quorum as resolved by this process.
// Returns false if it already fired.
func (e *Engine) tryLatch(sessionID string, turnNumber int) bool {
	key := fmt.Sprintf("%s/%d", sessionID, turnNumber)

	e.resolvedMu.Lock()
	defer e.resolvedMu.Unlock()

	if e.resolved[key] {
		return false
	}
	e.resolved[key] = true
	return true
}
