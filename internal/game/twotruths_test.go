package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Seednode/partysync/internal/model"
)

func trialParticipants() []model.Participant {
	now := time.Now()
	return []model.Participant{
		{ID: "a", SessionID: "s1", Nickname: "Ara", IsAlive: true, JoinedAt: now},
		{ID: "b", SessionID: "s1", Nickname: "Bin", IsAlive: true, JoinedAt: now.Add(time.Second)},
		{ID: "c", SessionID: "s1", Nickname: "Cho", IsAlive: true, JoinedAt: now.Add(2 * time.Second)},
		{ID: "d", SessionID: "s1", Nickname: "Dae", IsAlive: true, JoinedAt: now.Add(3 * time.Second)},
	}
}

func trialState(t *testing.T, onTrial string, lieIndex int) []byte {
	t.Helper()

	s := twoTruthsState{
		OnTrialID:    onTrial,
		TurnNumber:   1,
		Statements:   []string{"one", "two", "three"},
		LieIndex:     lieIndex,
		StatementsIn: true,
		Started:      true,
	}
	return encode(s)
}

func voteEntry(id, participant string, index, turn int, at time.Time) model.ActionLogEntry {
	return model.ActionLogEntry{
		ID:            id,
		SessionID:     "s1",
		ParticipantID: participant,
		Type:          model.ActionVoteCast,
		Payload:       encode(TrialVote{StatementIndex: index}),
		TurnNumber:    turn,
		CreatedAt:     at,
	}
}

func TestTwoTruthsUniqueMaxOnLieEliminates(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	base := time.Now()

	votes := []model.ActionLogEntry{
		voteEntry("v1", "b", 2, 1, base),
		voteEntry("v2", "c", 2, 1, base.Add(10*time.Millisecond)),
		voteEntry("v3", "d", 0, 1, base.Add(20*time.Millisecond)),
	}

	res := mod.Resolve(votes, parts, trialState(t, "a", 2))

	require.Len(t, res.Mutations, 1)
	require.Equal(t, "a", res.Mutations[0].ParticipantID)
	require.False(t, *res.Mutations[0].SetAlive)

	require.NotNil(t, res.Broadcast)
	require.Equal(t, model.MsgPlayerEliminated, res.Broadcast.Kind)

	// Turn advanced to the next alive participant.
	require.NotNil(t, res.TurnParticipantID)
	require.Equal(t, "b", *res.TurnParticipantID)
	require.NotNil(t, res.TurnIndex)
	require.Equal(t, 2, *res.TurnIndex)
}

func TestTwoTruthsThreeWayTieNeverEliminates(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	base := time.Now()

	// 1-1-1, one of the tied indices is the true lie.
	votes := []model.ActionLogEntry{
		voteEntry("v1", "b", 0, 1, base),
		voteEntry("v2", "c", 1, 1, base.Add(10*time.Millisecond)),
		voteEntry("v3", "d", 2, 1, base.Add(20*time.Millisecond)),
	}

	res := mod.Resolve(votes, parts, trialState(t, "a", 2))

	require.Empty(t, res.Mutations)
	require.Equal(t, model.MsgTurnRevealed, res.Broadcast.Kind)
}

func TestTwoTruthsUniqueMaxOffLieAcquits(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	base := time.Now()

	votes := []model.ActionLogEntry{
		voteEntry("v1", "b", 0, 1, base),
		voteEntry("v2", "c", 0, 1, base.Add(10*time.Millisecond)),
		voteEntry("v3", "d", 2, 1, base.Add(20*time.Millisecond)),
	}

	res := mod.Resolve(votes, parts, trialState(t, "a", 2))

	require.Empty(t, res.Mutations)
}

func TestTwoTruthsResolveIsIdempotent(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	base := time.Now()

	votes := []model.ActionLogEntry{
		voteEntry("v1", "b", 2, 1, base),
		voteEntry("v2", "c", 2, 1, base.Add(10*time.Millisecond)),
		voteEntry("v3", "d", 2, 1, base.Add(20*time.Millisecond)),
	}

	first := mod.Resolve(votes, parts, trialState(t, "a", 2))
	require.Len(t, first.Mutations, 1)

	// Re-running the same committed vote set against the advanced state
	// changes nothing: the turn number no longer matches.
	second := mod.Resolve(votes, parts, first.NewState)
	require.Empty(t, second.Mutations)
	require.Nil(t, second.Broadcast)
	require.JSONEq(t, string(first.NewState), string(second.NewState))
}

func TestTwoTruthsDuplicateVotesCountOnce(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	base := time.Now()

	// b votes twice for the lie; a single honest vote elsewhere. The
	// duplicate must not manufacture a plurality of 2.
	votes := []model.ActionLogEntry{
		voteEntry("v1", "b", 2, 1, base),
		voteEntry("v2", "b", 2, 1, base.Add(5*time.Millisecond)),
		voteEntry("v3", "c", 0, 1, base.Add(10*time.Millisecond)),
		voteEntry("v4", "d", 0, 1, base.Add(20*time.Millisecond)),
	}

	res := mod.Resolve(votes, parts, trialState(t, "a", 2))

	// 0 has two votes, 2 has one: unique max off the lie, acquitted.
	require.Empty(t, res.Mutations)
}

func TestTwoTruthsDeadVotersAreIgnored(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	parts[3].IsAlive = false
	base := time.Now()

	votes := []model.ActionLogEntry{
		voteEntry("v1", "b", 0, 1, base),
		voteEntry("v2", "c", 2, 1, base.Add(10*time.Millisecond)),
		voteEntry("v3", "d", 2, 1, base.Add(20*time.Millisecond)),
	}

	res := mod.Resolve(votes, parts, trialState(t, "a", 2))

	// Without d's vote it is 1-1: a tie, no elimination.
	require.Empty(t, res.Mutations)
}

func TestTwoTruthsExpectedVotes(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()

	require.Equal(t, 3, mod.ExpectedVotes(parts))

	parts[1].IsAlive = false
	require.Equal(t, 2, mod.ExpectedVotes(parts))
}

func TestTwoTruthsApplyRejectsWrongTurnVote(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	state := trialState(t, "a", 2)

	res := mod.Apply(voteEntry("v1", "b", 1, 7, time.Now()), parts, state, nil)

	require.Nil(t, res.Broadcast)
	require.JSONEq(t, string(state), string(res.NewState))
}

func TestTwoTruthsApplyRejectsOnTrialVote(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	state := trialState(t, "a", 2)

	res := mod.Apply(voteEntry("v1", "a", 1, 1, time.Now()), parts, state, nil)

	require.Nil(t, res.Broadcast)
}

func TestTwoTruthsApplyRejectsDuplicateVote(t *testing.T) {
	mod := twoTruthsModule{}
	parts := trialParticipants()
	state := trialState(t, "a", 2)
	base := time.Now()

	prior := voteEntry("v1", "b", 1, 1, base)
	dup := voteEntry("v2", "b", 2, 1, base.Add(time.Second))

	res := mod.Apply(dup, parts, state, []model.ActionLogEntry{prior})

	require.Nil(t, res.Broadcast)
}

func TestRotationSkipsEliminated(t *testing.T) {
	now := time.Now()
	parts := []model.Participant{
		{ID: "a", IsAlive: false, JoinedAt: now},
		{ID: "b", IsAlive: true, JoinedAt: now.Add(time.Second)},
		{ID: "c", IsAlive: true, JoinedAt: now.Add(2 * time.Second)},
	}

	next, ok := nextAlive(parts, "a")
	require.True(t, ok)
	require.Equal(t, "b", next.ID)

	// Wraps around past the dead participant.
	next, ok = nextAlive(parts, "c")
	require.True(t, ok)
	require.Equal(t, "b", next.ID)
}
