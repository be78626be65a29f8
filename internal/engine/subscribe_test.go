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
	"github.com/Seednode/partysync/internal/pubsub"
	"github.com/Seednode/partysync/internal/store"
)

func fastConfig() Config {
	return Config{
		PollInterval:       5 * time.Millisecond,
		SafetyPollInterval: 10 * time.Millisecond,
		BackoffBase:        time.Millisecond,
		BackoffCap:         2 * time.Millisecond,
		MaxRetries:         3,
	}
}

// captureDialer wraps a Broker and records every dialed channel so
// tests can kill the transport out from under the engine.
type captureDialer struct {
	broker *pubsub.Broker

	mu    sync.Mutex
	count int
	last  *pubsub.MemoryChannel
}

func (d *captureDialer) dial(ctx context.Context, sessionID string) (pubsub.Channel, error) {
	ch, err := d.broker.Dial(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.count++
	d.last = ch.(*pubsub.MemoryChannel)
	d.mu.Unlock()

	return ch, nil
}

func (d *captureDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *captureDialer) lastChannel() *pubsub.MemoryChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// watchlessStore hides the store's change feed so tests can isolate
// the broadcast and polling paths.
type watchlessStore struct {
	store.Store
}

func (watchlessStore) Watch(_ context.Context, _ string) (<-chan store.Change, error) {
	return nil, errors.New("watch unsupported")
}

func TestRunFallsBackToPollingAfterRetryBudget(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refused := func(_ context.Context, _ string) (pubsub.Channel, error) {
		return nil, errors.New("relay unreachable")
	}

	eng := New(st, refused, fastConfig())
	session, err := eng.Host(ctx, game.GameTypeNumbers, "Hana", 8)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return eng.ConnectionState() == StateExhausted
	}, 2*time.Second, 5*time.Millisecond)

	// The retry budget is spent, but the engine keeps polling: a status
	// change written by another client still gets picked up.
	session.Status = model.StatusFinished
	session.UpdatedAt = time.Now()
	require.NoError(t, st.PutSession(ctx, session))

	require.Eventually(t, func() bool {
		return eng.Session().Status == model.StatusFinished
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunReconnectsAfterChannelFailure(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &captureDialer{broker: pubsub.NewBroker()}

	eng := New(st, dialer.dial, fastConfig())
	_, err := eng.Host(ctx, game.GameTypeNumbers, "Hana", 8)
	require.NoError(t, err)

	go func() { _ = eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return eng.ConnectionState() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	dialer.lastChannel().Fail(errors.New("transport died"))

	require.Eventually(t, func() bool {
		return dialer.dials() >= 2 && eng.ConnectionState() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcastTriggersReconciliation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := pubsub.NewBroker()
	dialer := &captureDialer{broker: broker}

	// No change feed and glacial polling: only a broadcast can move
	// this engine's view forward.
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	cfg.SafetyPollInterval = time.Hour

	eng := New(watchlessStore{st}, dialer.dial, cfg)
	session, err := eng.Host(ctx, game.GameTypeNumbers, "Hana", 8)
	require.NoError(t, err)

	go func() { _ = eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return eng.ConnectionState() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	session.Status = model.StatusFinished
	session.UpdatedAt = time.Now()
	require.NoError(t, st.PutSession(ctx, session))

	// Another client's broadcast is only a hint; the engine re-reads
	// the store and lands on the written status.
	peer, err := broker.Dial(ctx, session.ID)
	require.NoError(t, err)
	require.NoError(t, peer.Publish(ctx, model.Message{
		Kind:      model.MsgGameEnd,
		SessionID: session.ID,
		Timestamp: time.Now(),
	}))

	require.Eventually(t, func() bool {
		return eng.Session().Status == model.StatusFinished
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunAnnouncesPresence(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := pubsub.NewBroker()
	dialer := &captureDialer{broker: broker}

	eng := New(st, dialer.dial, fastConfig())
	_, err := eng.Host(ctx, game.GameTypeNumbers, "Hana", 8)
	require.NoError(t, err)

	go func() { _ = eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		if eng.ConnectionState() != StateConnected {
			return false
		}
		ch := dialer.lastChannel()
		if ch == nil {
			return false
		}
		for _, entry := range ch.Presence() {
			if entry.ID == eng.Self().ID && entry.Nickname == "Hana" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnStateStrings(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "exhausted", StateExhausted.String())
}
