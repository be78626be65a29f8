/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package game holds the per-variant rule modules. Every client runs
// the same module against the same inputs, so each Apply must be a pure
// function of its arguments: no I/O, no clock reads beyond the
// timestamps carried by the action log itself.
package game

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/Seednode/partysync/internal/model"
)

// Result is what a module hands back from Apply: the replacement
// snapshot blob, participant mutations for the engine to persist, and
// an optional broadcast for the channel.
type Result struct {
	NewState  json.RawMessage
	Mutations []Mutation
	Broadcast *model.Message

	// TurnIndex and TurnParticipantID, when set, tell the engine to
	// move the session's turn pointer. Only turn-rotating variants use
	// them; the session write that carries them also starts the next
	// round epoch.
	TurnIndex         *int
	TurnParticipantID *string
}

// Mutation describes one participant change. Nil pointers leave the
// field untouched.
type Mutation struct {
	ParticipantID string
	SetAlive      *bool
	SetReady      *bool
	AddScore      int
}

// Module is the rule contract implemented once per game variant. New
// variants register themselves in the lookup table; the coordination
// engine never changes per variant.
//
// Apply receives, alongside the action, the round-scoped slice of log
// entries (everything since the round-start marker). Variants that
// resolve races across actors, like the collision window, express them
// as queries over that slice rather than over arrival order.
type Module interface {
	GameType() string
	MinParticipants() int
	InitialState() json.RawMessage
	CanStart(participants []model.Participant, state json.RawMessage) bool
	OnStart(participants []model.Participant, state json.RawMessage) json.RawMessage
	Apply(action model.ActionLogEntry, participants []model.Participant, state json.RawMessage, recent []model.ActionLogEntry) Result
	IsTerminal(participants []model.Participant, state json.RawMessage) bool
	OnReset(participants []model.Participant) json.RawMessage
}

// QuorumResolver is implemented by variants that resolve a round only
// once a threshold of responses is in. The engine calls ExpectedVotes
// to decide when the quorum is complete, and Resolve with the filtered
// vote set. Resolve must be idempotent over the same committed votes.
type QuorumResolver interface {
	ExpectedVotes(participants []model.Participant) int
	Resolve(votes []model.ActionLogEntry, participants []model.Participant, state json.RawMessage) Result
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Module)
)

func Register(gameType string, factory func() Module) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[gameType]; ok {
		panic("game: duplicate registration for " + gameType)
	}
	registry[gameType] = factory
}

func New(gameType string) (Module, error) {
	registryMu.RLock()
	factory, ok := registry[gameType]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("game: unknown game type %q", gameType)
	}
	return factory(), nil
}

func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	return lo.Keys(registry)
}

// unchanged is the Result for silently rejected actions: wrong actor,
// wrong value, duplicate submission. Rejecting loudly would need a
// reliable back-channel that does not exist.
func unchanged(state json.RawMessage) Result {
	return Result{NewState: state}
}

func aliveCount(participants []model.Participant) int {
	return lo.CountBy(participants, func(p model.Participant) bool {
		return p.IsAlive
	})
}

// nextAlive scans circularly from the participant after fromID and
// returns the first alive participant, skipping eliminated ones. The
// participant slice must be in join order.
func nextAlive(participants []model.Participant, fromID string) (model.Participant, bool) {
	if len(participants) == 0 {
		return model.Participant{}, false
	}

	start := 0
	for i, p := range participants {
		if p.ID == fromID {
			start = i
			break
		}
	}

	for i := 1; i <= len(participants); i++ {
		next := participants[(start+i)%len(participants)]
		if next.IsAlive {
			return next, true
		}
	}
	return model.Participant{}, false
}

// othersReady reports whether every non-host participant is ready. The
// host is whoever joined first, so in a join-ordered slice that is
// index zero.
func othersReady(participants []model.Participant) bool {
	if len(participants) == 0 {
		return false
	}
	return lo.EveryBy(participants[1:], func(p model.Participant) bool {
		return p.IsReady
	})
}

func eliminate(id string) Mutation {
	return Mutation{ParticipantID: id, SetAlive: lo.ToPtr(false)}
}

func findParticipant(participants []model.Participant, id string) (model.Participant, bool) {
	for _, p := range participants {
		if p.ID == id {
			return p, true
		}
	}
	return model.Participant{}, false
}

func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if len(raw) == 0 {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

func encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// state types are all marshalable structs; this cannot fire
		panic(err)
	}
	return data
}
