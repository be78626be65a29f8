package game

import (
	"encoding/json"

	"github.com/Seednode/partysync/internal/model"
)

// ThirtyOne is the forbidden-number variant: actors take turns raising
// a shared counter by 1-3. Landing on a forbidden multiple, or choosing
// the same increment count as the immediately preceding actor,
// eliminates the current actor. The turn passes to the next alive actor
// in a fixed rotation either way.
const (
	GameTypeThirtyOne = "thirtyone"

	forbiddenMultiple = 31
	maxIncrement      = 3
)

type thirtyOneState struct {
	Counter       int    `json:"counter"`
	CurrentActor  string `json:"current_actor,omitempty"`
	LastActorID   string `json:"last_actor_id,omitempty"`
	LastIncrement int    `json:"last_increment,omitempty"`
	Started       bool   `json:"started"`
}

// CounterRaise is the payload of a counter-raised log entry.
type CounterRaise struct {
	Increment int `json:"increment"`
}

type thirtyOneModule struct{}

func init() {
	Register(GameTypeThirtyOne, func() Module { return thirtyOneModule{} })
}

func (thirtyOneModule) GameType() string {
	return GameTypeThirtyOne
}

func (thirtyOneModule) MinParticipants() int {
	return 2
}

func (thirtyOneModule) InitialState() json.RawMessage {
	return encode(thirtyOneState{})
}

func (thirtyOneModule) CanStart(participants []model.Participant, _ json.RawMessage) bool {
	return len(participants) >= 2 && othersReady(participants)
}

func (thirtyOneModule) OnStart(participants []model.Participant, state json.RawMessage) json.RawMessage {
	s, _ := decode[thirtyOneState](state)
	s.Counter = 0
	s.LastActorID = ""
	s.LastIncrement = 0
	s.Started = true
	for _, p := range participants {
		if p.IsAlive {
			s.CurrentActor = p.ID
			break
		}
	}
	return encode(s)
}

func (thirtyOneModule) OnReset(_ []model.Participant) json.RawMessage {
	return encode(thirtyOneState{})
}

func (thirtyOneModule) Apply(action model.ActionLogEntry, participants []model.Participant, state json.RawMessage, _ []model.ActionLogEntry) Result {
	if action.Type != model.ActionCounterRaised {
		return unchanged(state)
	}

	s, ok := decode[thirtyOneState](state)
	if !ok || !s.Started {
		return unchanged(state)
	}

	raise, ok := decode[CounterRaise](action.Payload)
	if !ok || raise.Increment < 1 || raise.Increment > maxIncrement {
		return unchanged(state)
	}

	actor, found := findParticipant(participants, action.ParticipantID)
	if !found || !actor.IsAlive {
		return unchanged(state)
	}

	// Fixed rotation: out-of-turn raises are silently dropped.
	if s.CurrentActor != "" && s.CurrentActor != action.ParticipantID {
		return unchanged(state)
	}

	next, _ := nextAlive(participants, action.ParticipantID)

	repeated := s.LastActorID != "" && raise.Increment == s.LastIncrement
	s.Counter += raise.Increment
	forbidden := s.Counter%forbiddenMultiple == 0

	s.LastActorID = action.ParticipantID
	s.LastIncrement = raise.Increment
	s.CurrentActor = next.ID

	if repeated || forbidden {
		reason := "repeated increment"
		if forbidden {
			reason = "forbidden number"
		}

		return Result{
			NewState:  encode(s),
			Mutations: []Mutation{eliminate(action.ParticipantID)},
			Broadcast: &model.Message{
				Kind:            model.MsgPlayerEliminated,
				SessionID:       action.SessionID,
				ParticipantID:   action.ParticipantID,
				ParticipantName: actor.Nickname,
				Timestamp:       action.CreatedAt,
				Number:          s.Counter,
				Reason:          reason,
			},
		}
	}

	return Result{
		NewState: encode(s),
		Broadcast: &model.Message{
			Kind:            model.MsgNumberCalled,
			SessionID:       action.SessionID,
			ParticipantID:   action.ParticipantID,
			ParticipantName: actor.Nickname,
			Timestamp:       action.CreatedAt,
			Number:          s.Counter,
		},
	}
}

func (thirtyOneModule) IsTerminal(participants []model.Participant, state json.RawMessage) bool {
	s, ok := decode[thirtyOneState](state)
	if !ok || !s.Started {
		return false
	}
	return aliveCount(participants) <= 1
}
