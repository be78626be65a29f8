package game

import (
	"encoding/json"
	"time"

	"github.com/Seednode/partysync/internal/model"
)

// Numbers is the collision-elimination variant: everybody races to
// claim the next integers in sequence, clapping on multiples of the
// clap divisor instead of speaking them. Two claims of the same integer
// landing inside the collision window eliminate every collider and
// reset the count to zero. Illegal claims (wrong integer, wrong clap
// count, repeating the previous actor's cardinality) eliminate the
// actor outright with no collision check.
//
// The window is measured against CreatedAt of the logged claims, never
// wall-clock at receipt, so every client reaches the same verdict
// regardless of when the broadcast arrived.
const (
	GameTypeNumbers = "numbers"

	// collisionWindow is strict: a delta of exactly 500ms is NOT a
	// collision.
	collisionWindow = 500 * time.Millisecond

	clapDivisor = 3
	maxCallRun  = 3
)

type numbersState struct {
	CurrentNumber   int    `json:"current_number"`
	LastActorID     string `json:"last_actor_id,omitempty"`
	LastCardinality int    `json:"last_cardinality,omitempty"`
	RoundCount      int    `json:"round_count"`
	MissionCount    int    `json:"mission_count"`
	Started         bool   `json:"started"`
}

// NumbersCall is the payload of a number-called log entry. Count is the
// cardinality of the run: the actor claims CurrentNumber+1 through
// CurrentNumber+Count, with Number naming the final integer.
type NumbersCall struct {
	Number int `json:"number"`
	Count  int `json:"count"`
	Claps  int `json:"claps"`
}

type numbersModule struct{}

func init() {
	Register(GameTypeNumbers, func() Module { return numbersModule{} })
}

func (numbersModule) GameType() string {
	return GameTypeNumbers
}

func (numbersModule) MinParticipants() int {
	return 3
}

func (numbersModule) InitialState() json.RawMessage {
	return encode(numbersState{})
}

func (numbersModule) CanStart(participants []model.Participant, _ json.RawMessage) bool {
	return len(participants) >= 3 && othersReady(participants)
}

func (numbersModule) OnStart(_ []model.Participant, state json.RawMessage) json.RawMessage {
	s, _ := decode[numbersState](state)
	s.CurrentNumber = 0
	s.LastActorID = ""
	s.LastCardinality = 0
	s.Started = true
	return encode(s)
}

func (numbersModule) OnReset(_ []model.Participant) json.RawMessage {
	return encode(numbersState{})
}

// clapsFor counts how many integers in (from, to] are multiples of the
// clap divisor.
func clapsFor(from, to int) int {
	claps := 0
	for n := from + 1; n <= to; n++ {
		if n%clapDivisor == 0 {
			claps++
		}
	}
	return claps
}

func (numbersModule) Apply(action model.ActionLogEntry, participants []model.Participant, state json.RawMessage, recent []model.ActionLogEntry) Result {
	if action.Type != model.ActionNumberCalled {
		return unchanged(state)
	}

	s, ok := decode[numbersState](state)
	if !ok || !s.Started {
		return unchanged(state)
	}

	call, ok := decode[NumbersCall](action.Payload)
	if !ok {
		return unchanged(state)
	}

	actor, found := findParticipant(participants, action.ParticipantID)
	if !found || !actor.IsAlive {
		return unchanged(state)
	}

	// Collision check first: another alive actor claimed the same
	// integer inside the window. Both (or all) colliders go out and the
	// count resets, but round and mission counters persist.
	var colliders []string
	for _, e := range recent {
		if e.Type != model.ActionNumberCalled || e.ParticipantID == action.ParticipantID {
			continue
		}
		prev, ok := decode[NumbersCall](e.Payload)
		if !ok || prev.Number != call.Number {
			continue
		}
		delta := action.CreatedAt.Sub(e.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta < collisionWindow {
			colliders = append(colliders, e.ParticipantID)
		}
	}

	if len(colliders) > 0 {
		s.CurrentNumber = 0
		s.LastActorID = ""
		s.LastCardinality = 0
		s.RoundCount++

		muts := []Mutation{eliminate(action.ParticipantID)}
		for _, id := range colliders {
			muts = append(muts, eliminate(id))
		}

		return Result{
			NewState:  encode(s),
			Mutations: muts,
			Broadcast: &model.Message{
				Kind:            model.MsgPlayerEliminated,
				SessionID:       action.SessionID,
				ParticipantID:   action.ParticipantID,
				ParticipantName: actor.Nickname,
				Timestamp:       action.CreatedAt,
				Number:          call.Number,
				Reason:          "collision",
			},
		}
	}

	// A claim at or below the current number outside the window is a
	// stale duplicate, not an offence: someone else already claimed it.
	// Likewise claiming twice in a row is a wrong-actor violation.
	// Both are rejected silently.
	if call.Number <= s.CurrentNumber || s.LastActorID == action.ParticipantID {
		return unchanged(state)
	}

	// Legality checks. Any failure eliminates the actor immediately,
	// with no collision check.
	legal := call.Count >= 1 && call.Count <= maxCallRun &&
		call.Number == s.CurrentNumber+call.Count &&
		call.Claps == clapsFor(s.CurrentNumber, call.Number) &&
		!(s.LastActorID != "" && call.Count == s.LastCardinality)

	if !legal {
		s.CurrentNumber = 0
		s.LastActorID = ""
		s.LastCardinality = 0
		s.RoundCount++

		return Result{
			NewState:  encode(s),
			Mutations: []Mutation{eliminate(action.ParticipantID)},
			Broadcast: &model.Message{
				Kind:            model.MsgPlayerEliminated,
				SessionID:       action.SessionID,
				ParticipantID:   action.ParticipantID,
				ParticipantName: actor.Nickname,
				Timestamp:       action.CreatedAt,
				Number:          call.Number,
				Reason:          "illegal call",
			},
		}
	}

	s.CurrentNumber = call.Number
	s.LastActorID = action.ParticipantID
	s.LastCardinality = call.Count
	s.MissionCount++

	return Result{
		NewState: encode(s),
		Broadcast: &model.Message{
			Kind:            model.MsgNumberCalled,
			SessionID:       action.SessionID,
			ParticipantID:   action.ParticipantID,
			ParticipantName: actor.Nickname,
			Timestamp:       action.CreatedAt,
			Number:          call.Number,
		},
	}
}

func (numbersModule) IsTerminal(participants []model.Participant, state json.RawMessage) bool {
	s, ok := decode[numbersState](state)
	if !ok || !s.Started {
		return false
	}
	return aliveCount(participants) <= 1
}
