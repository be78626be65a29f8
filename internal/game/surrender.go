package game

import (
	"encoding/json"

	"github.com/Seednode/partysync/internal/model"
)

// Surrender is the single-declaration variant: any alive actor may
// unilaterally declare defeat, which eliminates them and ends the game
// on the spot.
const GameTypeSurrender = "surrender"

type surrenderState struct {
	DeclaredID string `json:"declared_id,omitempty"`
	Started    bool   `json:"started"`
}

type surrenderModule struct{}

func init() {
	Register(GameTypeSurrender, func() Module { return surrenderModule{} })
}

func (surrenderModule) GameType() string {
	return GameTypeSurrender
}

func (surrenderModule) MinParticipants() int {
	return 2
}

func (surrenderModule) InitialState() json.RawMessage {
	return encode(surrenderState{})
}

func (surrenderModule) CanStart(participants []model.Participant, _ json.RawMessage) bool {
	return len(participants) >= 2 && othersReady(participants)
}

func (surrenderModule) OnStart(_ []model.Participant, state json.RawMessage) json.RawMessage {
	s, _ := decode[surrenderState](state)
	s.DeclaredID = ""
	s.Started = true
	return encode(s)
}

func (surrenderModule) OnReset(_ []model.Participant) json.RawMessage {
	return encode(surrenderState{})
}

func (surrenderModule) Apply(action model.ActionLogEntry, participants []model.Participant, state json.RawMessage, _ []model.ActionLogEntry) Result {
	if action.Type != model.ActionDefeatDeclared {
		return unchanged(state)
	}

	s, ok := decode[surrenderState](state)
	if !ok || !s.Started || s.DeclaredID != "" {
		return unchanged(state)
	}

	actor, found := findParticipant(participants, action.ParticipantID)
	if !found || !actor.IsAlive {
		return unchanged(state)
	}

	s.DeclaredID = action.ParticipantID

	return Result{
		NewState:  encode(s),
		Mutations: []Mutation{eliminate(action.ParticipantID)},
		Broadcast: &model.Message{
			Kind:            model.MsgPlayerEliminated,
			SessionID:       action.SessionID,
			ParticipantID:   action.ParticipantID,
			ParticipantName: actor.Nickname,
			Timestamp:       action.CreatedAt,
			Reason:          "declared defeat",
		},
	}
}

func (surrenderModule) IsTerminal(participants []model.Participant, state json.RawMessage) bool {
	s, ok := decode[surrenderState](state)
	if !ok || !s.Started {
		return false
	}
	return s.DeclaredID != "" || aliveCount(participants) <= 1
}
