package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Seednode/partysync/internal/model"
)

func TestSurrenderDeclarationEliminatesAndEndsGame(t *testing.T) {
	mod := surrenderModule{}
	parts := numbersParticipants()
	state := mod.OnStart(parts, mod.InitialState())

	entry := model.ActionLogEntry{
		ID:            "e1",
		SessionID:     "s1",
		ParticipantID: "b",
		Type:          model.ActionDefeatDeclared,
		CreatedAt:     time.Now(),
	}

	res := mod.Apply(entry, parts, state, nil)

	require.Len(t, res.Mutations, 1)
	require.Equal(t, "b", res.Mutations[0].ParticipantID)
	require.True(t, mod.IsTerminal(parts, res.NewState))
}

func TestSurrenderSecondDeclarationIsRejected(t *testing.T) {
	mod := surrenderModule{}
	parts := numbersParticipants()
	state := mod.OnStart(parts, mod.InitialState())

	first := model.ActionLogEntry{
		ID: "e1", SessionID: "s1", ParticipantID: "b",
		Type: model.ActionDefeatDeclared, CreatedAt: time.Now(),
	}
	res := mod.Apply(first, parts, state, nil)

	second := model.ActionLogEntry{
		ID: "e2", SessionID: "s1", ParticipantID: "c",
		Type: model.ActionDefeatDeclared, CreatedAt: time.Now(),
	}
	again := mod.Apply(second, parts, res.NewState, nil)

	require.Empty(t, again.Mutations)
	require.JSONEq(t, string(res.NewState), string(again.NewState))
}

func TestRegistryKnowsAllVariants(t *testing.T) {
	for _, gameType := range []string{GameTypeNumbers, GameTypeThirtyOne, GameTypeTwoTruths, GameTypeSurrender} {
		mod, err := New(gameType)
		require.NoError(t, err)
		require.Equal(t, gameType, mod.GameType())
	}

	_, err := New("does-not-exist")
	require.Error(t, err)
}
