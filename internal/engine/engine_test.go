package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Seednode/partysync/internal/game"
	"github.com/Seednode/partysync/internal/model"
	"github.com/Seednode/partysync/internal/store"
)

// hostAndJoin opens a session with one host engine and one joiner
// engine per nickname, all sharing st. Joiners are marked ready so the
// host can start immediately.
func hostAndJoin(t *testing.T, st store.Store, gameType string, joiners ...string) (*Engine, []*Engine) {
	t.Helper()

	ctx := context.Background()

	host := New(st, nil, Config{})
	session, err := host.Host(ctx, gameType, "Hana", 8)
	require.NoError(t, err)

	others := make([]*Engine, 0, len(joiners))
	for _, name := range joiners {
		e := New(st, nil, Config{})
		_, err := e.Join(ctx, session.Code, name)
		require.NoError(t, err)
		require.NoError(t, e.SubmitReady(ctx, true))
		others = append(others, e)
	}

	_, err = host.LoadParticipants(ctx, session.ID)
	require.NoError(t, err)

	return host, others
}

// resync refreshes an engine's local session, participants and
// snapshot from the store, the way the subscription loop would.
func resync(t *testing.T, e *Engine) {
	t.Helper()

	session := e.Session()
	require.NoError(t, e.Resume(context.Background(), session.Code, e.Self().ID))
}

func TestDispatchIsNoOpWhileWaiting(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	host, _ := hostAndJoin(t, st, game.GameTypeNumbers, "Bora", "Chul")
	session := host.Session()

	// Not started yet: the call is swallowed, nothing is logged.
	require.NoError(t, host.SubmitNumber(ctx, game.NumbersCall{Number: 1, Count: 1}))

	entries, err := st.ListLogSince(ctx, session.ID, time.Time{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStartGameRequiresEveryoneReady(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	host, others := hostAndJoin(t, st, game.GameTypeNumbers, "Bora", "Chul")

	require.NoError(t, others[1].SubmitReady(ctx, false))
	_, err := host.LoadParticipants(ctx, host.Session().ID)
	require.NoError(t, err)

	require.Error(t, host.StartGame(ctx))
	require.Equal(t, model.StatusWaiting, host.Session().Status)

	require.NoError(t, others[1].SubmitReady(ctx, true))
	_, err = host.LoadParticipants(ctx, host.Session().ID)
	require.NoError(t, err)

	require.NoError(t, host.StartGame(ctx))
	require.Equal(t, model.StatusPlaying, host.Session().Status)
	require.Equal(t, 1, host.Session().TurnIndex)
	require.Equal(t, host.Self().ID, host.Session().TurnParticipantID)
}

func TestCollisionEndsGameForLastSurvivor(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	host, others := hostAndJoin(t, st, game.GameTypeNumbers, "Bora", "Chul")
	bora := others[0]

	require.NoError(t, host.StartGame(ctx))

	// Alternate legal claims up to 4.
	require.NoError(t, host.SubmitNumber(ctx, game.NumbersCall{Number: 1, Count: 1}))

	resync(t, bora)
	require.NoError(t, bora.SubmitNumber(ctx, game.NumbersCall{Number: 4, Count: 3, Claps: 1}))

	// Host and Bora both grab 5 within the collision window.
	resync(t, host)
	require.NoError(t, host.SubmitNumber(ctx, game.NumbersCall{Number: 5, Count: 1}))

	resync(t, bora)
	require.NoError(t, bora.SubmitNumber(ctx, game.NumbersCall{Number: 5, Count: 1}))

	// Both colliders are out; Chul alone survives and the game is over.
	require.Equal(t, model.StatusFinished, bora.Session().Status)

	parts, err := st.ListParticipants(ctx, host.Session().ID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.False(t, parts[0].IsAlive)
	require.False(t, parts[1].IsAlive)
	require.True(t, parts[2].IsAlive)
}

func TestAbandonReportsHostGoneToOtherClients(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	host, others := hostAndJoin(t, st, game.GameTypeNumbers, "Bora", "Chul")
	code := host.Session().Code

	// Only the host may abandon.
	require.Error(t, others[0].Abandon(ctx))
	require.NoError(t, host.Abandon(ctx))

	late := New(st, nil, Config{})
	_, err := late.LoadSession(ctx, code)
	require.ErrorIs(t, err, store.ErrHostGone)
}

func TestResetRevivesParticipants(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	host, others := hostAndJoin(t, st, game.GameTypeSurrender, "Bora", "Chul")
	require.NoError(t, host.StartGame(ctx))

	resync(t, others[0])
	require.NoError(t, others[0].DeclareDefeat(ctx))
	require.Equal(t, model.StatusFinished, others[0].Session().Status)

	resync(t, host)
	require.NoError(t, host.ResetGame(ctx))

	require.Equal(t, model.StatusWaiting, host.Session().Status)
	for _, p := range host.Participants() {
		require.True(t, p.IsAlive)
		require.False(t, p.IsReady)
	}
}

// flakyStore wraps a Store and refuses selected writes on demand.
type flakyStore struct {
	store.Store

	mu            sync.Mutex
	failParts     bool
	failSnapshots bool
}

func (f *flakyStore) PutParticipant(ctx context.Context, p model.Participant) error {
	f.mu.Lock()
	fail := f.failParts
	f.mu.Unlock()

	if fail {
		return errors.New("participant write refused")
	}
	return f.Store.PutParticipant(ctx, p)
}

func (f *flakyStore) PutSnapshot(ctx context.Context, s model.GameStateSnapshot) error {
	f.mu.Lock()
	fail := f.failSnapshots
	f.mu.Unlock()

	if fail {
		return errors.New("snapshot write refused")
	}
	return f.Store.PutSnapshot(ctx, s)
}

func (f *flakyStore) set(parts, snapshots bool) {
	f.mu.Lock()
	f.failParts = parts
	f.failSnapshots = snapshots
	f.mu.Unlock()
}

func TestSubmitReadyRollsBackOnPersistFailure(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore()}
	ctx := context.Background()

	eng := New(flaky, nil, Config{})
	_, err := eng.Host(ctx, game.GameTypeNumbers, "Hana", 8)
	require.NoError(t, err)

	flaky.set(true, false)
	require.Error(t, eng.SubmitReady(ctx, true))
	require.False(t, eng.Self().IsReady)

	flaky.set(false, false)
	require.NoError(t, eng.SubmitReady(ctx, true))
	require.True(t, eng.Self().IsReady)
}

func TestDispatchRollsBackSnapshotOnPersistFailure(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore()}
	ctx := context.Background()

	host := New(flaky, nil, Config{})
	session, err := host.Host(ctx, game.GameTypeNumbers, "Hana", 8)
	require.NoError(t, err)

	for _, name := range []string{"Bora", "Chul"} {
		e := New(flaky, nil, Config{})
		_, err := e.Join(ctx, session.Code, name)
		require.NoError(t, err)
		require.NoError(t, e.SubmitReady(ctx, true))
	}
	_, err = host.LoadParticipants(ctx, session.ID)
	require.NoError(t, err)
	require.NoError(t, host.StartGame(ctx))

	before := host.Snapshot()

	flaky.set(false, true)
	require.Error(t, host.SubmitNumber(ctx, game.NumbersCall{Number: 1, Count: 1}))

	// The optimistic update was undone.
	require.JSONEq(t, string(before.State), string(host.Snapshot().State))
}
