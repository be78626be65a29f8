package game

import (
	"encoding/json"
	"sort"

	"github.com/samber/lo"

	"github.com/Seednode/partysync/internal/model"
)

// TwoTruths is the quorum-vote variant. One participant is on trial
// each turn and submits three statements, one of them a lie. Every
// other alive participant casts exactly one vote naming the lie. The
// round resolves only once expectedVotes = aliveCount-1 votes are in,
// and only a strict plurality on the true lie index eliminates the
// on-trial participant: any tie for the maximum acquits.
//
// Votes are never tallied from the snapshot. The engine reconstructs
// the vote set from the action log, filtered by turn number and by the
// session's round-start marker, and hands it to Resolve. Resolve is
// idempotent over the same committed votes: once the turn advances, a
// second resolution of the old vote set is a no-op.
const (
	GameTypeTwoTruths = "twotruths"

	statementCount = 3
)

type twoTruthsState struct {
	OnTrialID    string   `json:"on_trial_id,omitempty"`
	TurnNumber   int      `json:"turn_number"`
	Statements   []string `json:"statements,omitempty"`
	LieIndex     int      `json:"lie_index"`
	StatementsIn bool     `json:"statements_in"`
	Started      bool     `json:"started"`
}

// TrialStatements is the payload of a statements-submitted log entry.
type TrialStatements struct {
	Statements []string `json:"statements"`
	LieIndex   int      `json:"lie_index"`
}

// TrialVote is the payload of a vote-cast log entry.
type TrialVote struct {
	StatementIndex int `json:"statement_index"`
}

type twoTruthsModule struct{}

func init() {
	Register(GameTypeTwoTruths, func() Module { return twoTruthsModule{} })
}

func (twoTruthsModule) GameType() string {
	return GameTypeTwoTruths
}

func (twoTruthsModule) MinParticipants() int {
	return 3
}

func (twoTruthsModule) InitialState() json.RawMessage {
	return encode(twoTruthsState{})
}

func (twoTruthsModule) CanStart(participants []model.Participant, _ json.RawMessage) bool {
	return len(participants) >= 3 && othersReady(participants)
}

func (twoTruthsModule) OnStart(participants []model.Participant, state json.RawMessage) json.RawMessage {
	s, _ := decode[twoTruthsState](state)
	s.Started = true
	s.TurnNumber = 1
	s.Statements = nil
	s.StatementsIn = false
	for _, p := range participants {
		if p.IsAlive {
			s.OnTrialID = p.ID
			break
		}
	}
	return encode(s)
}

func (twoTruthsModule) OnReset(_ []model.Participant) json.RawMessage {
	return encode(twoTruthsState{})
}

func (twoTruthsModule) Apply(action model.ActionLogEntry, participants []model.Participant, state json.RawMessage, recent []model.ActionLogEntry) Result {
	s, ok := decode[twoTruthsState](state)
	if !ok || !s.Started {
		return unchanged(state)
	}

	actor, found := findParticipant(participants, action.ParticipantID)
	if !found || !actor.IsAlive {
		return unchanged(state)
	}

	switch action.Type {
	case model.ActionStatementsSubmitted:
		if action.ParticipantID != s.OnTrialID || s.StatementsIn {
			return unchanged(state)
		}

		ts, ok := decode[TrialStatements](action.Payload)
		if !ok || len(ts.Statements) != statementCount ||
			ts.LieIndex < 0 || ts.LieIndex >= statementCount {
			return unchanged(state)
		}

		s.Statements = ts.Statements
		s.LieIndex = ts.LieIndex
		s.StatementsIn = true

		return Result{
			NewState: encode(s),
			Broadcast: &model.Message{
				Kind:            model.MsgStatementsSubmitted,
				SessionID:       action.SessionID,
				ParticipantID:   action.ParticipantID,
				ParticipantName: actor.Nickname,
				Timestamp:       action.CreatedAt,
				TurnNumber:      s.TurnNumber,
			},
		}

	case model.ActionVoteCast:
		// The on-trial participant does not vote, statements must be in
		// first, and one vote per participant per turn: an earlier vote
		// by the same actor in the round log makes this a duplicate.
		if action.ParticipantID == s.OnTrialID || !s.StatementsIn {
			return unchanged(state)
		}

		vote, ok := decode[TrialVote](action.Payload)
		if !ok || vote.StatementIndex < 0 || vote.StatementIndex >= statementCount {
			return unchanged(state)
		}
		if action.TurnNumber != s.TurnNumber {
			return unchanged(state)
		}

		for _, e := range recent {
			if e.Type == model.ActionVoteCast &&
				e.ParticipantID == action.ParticipantID &&
				e.TurnNumber == s.TurnNumber &&
				e.ID != action.ID {
				return unchanged(state)
			}
		}

		return Result{
			NewState: encode(s),
			Broadcast: &model.Message{
				Kind:            model.MsgVoteCast,
				SessionID:       action.SessionID,
				ParticipantID:   action.ParticipantID,
				ParticipantName: actor.Nickname,
				Timestamp:       action.CreatedAt,
				TurnNumber:      s.TurnNumber,
			},
		}
	}

	return unchanged(state)
}

func (twoTruthsModule) ExpectedVotes(participants []model.Participant) int {
	return aliveCount(participants) - 1
}

// Resolve tallies a committed vote set and settles the turn. The vote
// set must already be filtered to the current round by the caller;
// Resolve re-checks the turn number so that resolving an old vote set
// after the turn advanced is a no-op.
func (twoTruthsModule) Resolve(votes []model.ActionLogEntry, participants []model.Participant, state json.RawMessage) Result {
	s, ok := decode[twoTruthsState](state)
	if !ok || !s.Started || !s.StatementsIn {
		return unchanged(state)
	}

	votes = lo.Filter(votes, func(e model.ActionLogEntry, _ int) bool {
		return e.Type == model.ActionVoteCast && e.TurnNumber == s.TurnNumber
	})
	if len(votes) == 0 {
		return unchanged(state)
	}

	// One vote per participant: earliest wins.
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].CreatedAt.Before(votes[j].CreatedAt)
	})

	tally := make(map[int]int, statementCount)
	seen := make(map[string]struct{}, len(votes))
	for _, v := range votes {
		if _, dup := seen[v.ParticipantID]; dup {
			continue
		}
		if v.ParticipantID == s.OnTrialID {
			continue
		}
		if p, found := findParticipant(participants, v.ParticipantID); !found || !p.IsAlive {
			continue
		}
		seen[v.ParticipantID] = struct{}{}

		tv, ok := decode[TrialVote](v.Payload)
		if !ok || tv.StatementIndex < 0 || tv.StatementIndex >= statementCount {
			continue
		}
		tally[tv.StatementIndex]++
	}

	// Strict plurality: exactly one index holds the unique maximum.
	maxVotes, topIndex, topCount := 0, -1, 0
	for idx, n := range tally {
		switch {
		case n > maxVotes:
			maxVotes, topIndex, topCount = n, idx, 1
		case n == maxVotes:
			topCount++
		}
	}
	caught := topCount == 1 && topIndex == s.LieIndex

	onTrial := s.OnTrialID
	onTrialName := ""
	if p, found := findParticipant(participants, onTrial); found {
		onTrialName = p.Nickname
	}

	resolvedTurn := s.TurnNumber

	next, _ := nextAlive(participants, onTrial)
	s.OnTrialID = next.ID
	s.TurnNumber++
	s.Statements = nil
	s.LieIndex = 0
	s.StatementsIn = false

	res := Result{
		NewState:          encode(s),
		TurnIndex:         lo.ToPtr(s.TurnNumber),
		TurnParticipantID: lo.ToPtr(s.OnTrialID),
	}

	if caught {
		res.Mutations = []Mutation{eliminate(onTrial)}
		res.Broadcast = &model.Message{
			Kind:            model.MsgPlayerEliminated,
			SessionID:       votes[0].SessionID,
			ParticipantID:   onTrial,
			ParticipantName: onTrialName,
			Timestamp:       votes[len(votes)-1].CreatedAt,
			TurnNumber:      resolvedTurn,
			Reason:          "lie found",
		}
	} else {
		res.Broadcast = &model.Message{
			Kind:            model.MsgTurnRevealed,
			SessionID:       votes[0].SessionID,
			ParticipantID:   onTrial,
			ParticipantName: onTrialName,
			Timestamp:       votes[len(votes)-1].CreatedAt,
			TurnNumber:      resolvedTurn,
			Reason:          "survived the vote",
		}
	}

	return res
}

func (twoTruthsModule) IsTerminal(participants []model.Participant, state json.RawMessage) bool {
	s, ok := decode[twoTruthsState](state)
	if !ok || !s.Started {
		return false
	}
	return aliveCount(participants) <= 1
}
