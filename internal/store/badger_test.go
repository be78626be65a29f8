package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Seednode/partysync/internal/model"
)

func openTestBadger(t *testing.T) *BadgerStore {
	t.Helper()

	st, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

func TestBadgerSessionRoundTrip(t *testing.T) {
	st := openTestBadger(t)
	ctx := context.Background()

	s := model.Session{
		ID:        "s1",
		Code:      "ABCDEFGH",
		HostID:    "h1",
		GameType:  "thirtyone",
		Status:    model.StatusPlaying,
		TurnIndex: 3,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, st.PutSession(ctx, s))

	got, err := st.GetSessionByCode(ctx, "ABCDEFGH")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
	require.Equal(t, 3, got.TurnIndex)

	_, err = st.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	s.IsDeleted = true
	require.NoError(t, st.PutSession(ctx, s))
	_, err = st.GetSessionByCode(ctx, "ABCDEFGH")
	require.ErrorIs(t, err, ErrHostGone)
}

func TestBadgerParticipantsListInJoinOrder(t *testing.T) {
	st := openTestBadger(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"first", "mid", "late"} {
		require.NoError(t, st.PutParticipant(ctx, model.Participant{
			ID:        id,
			SessionID: "s1",
			JoinedAt:  now.Add(time.Duration(i) * time.Second),
		}))
	}

	// Another session's participants must not leak into the listing.
	require.NoError(t, st.PutParticipant(ctx, model.Participant{
		ID: "other", SessionID: "s2", JoinedAt: now,
	}))

	parts, err := st.ListParticipants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, "first", parts[0].ID)
	require.Equal(t, "mid", parts[1].ID)
	require.Equal(t, "late", parts[2].ID)

	// Rewriting with the same join time overwrites in place.
	require.NoError(t, st.PutParticipant(ctx, model.Participant{
		ID: "mid", SessionID: "s1", JoinedAt: now.Add(time.Second), IsAlive: true,
	}))
	parts, err = st.ListParticipants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.True(t, parts[1].IsAlive)
}

func TestBadgerLogSince(t *testing.T) {
	st := openTestBadger(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.AppendLog(ctx, model.ActionLogEntry{
			ID:        id,
			SessionID: "s1",
			Type:      model.ActionNumberCalled,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := st.ListLogSince(ctx, "s1", base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].ID)
	require.Equal(t, "c", entries[1].ID)

	entries, err = st.ListLogSince(ctx, "s1", base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBadgerSnapshotRoundTrip(t *testing.T) {
	st := openTestBadger(t)
	ctx := context.Background()

	snap := model.GameStateSnapshot{
		SessionID: "s1",
		State:     json.RawMessage(`{"current_number":7}`),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, st.PutSnapshot(ctx, snap))

	got, err := st.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, string(snap.State), string(got.State))

	_, err = st.GetSnapshot(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerWatchDeliversChanges(t *testing.T) {
	st := openTestBadger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := st.Watch(ctx, "s1")
	require.NoError(t, err)

	// The subscription attaches asynchronously; keep writing until a
	// change comes through.
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, st.PutSession(ctx, model.Session{ID: "s1", Code: "ABCDEFGH", UpdatedAt: time.Now()}))

		select {
		case c := <-ch:
			require.Equal(t, ChangeSession, c.Kind)
			require.Equal(t, "s1", c.SessionID)
			return
		case <-deadline:
			t.Fatal("no change delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
