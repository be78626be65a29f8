package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Seednode/partysync/internal/model"
	"github.com/Seednode/partysync/internal/pubsub"
	"github.com/Seednode/partysync/internal/store"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateExhausted
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type connTracker struct {
	state atomic.Int32

	mu      sync.Mutex
	channel pubsub.Channel
}

func (e *Engine) setState(s ConnState) {
	old := ConnState(e.conn.state.Swap(int32(s)))
	if old != s {
		e.logf("CONN: %s -> %s", old, s)
	}
}

// ConnectionState reports where the subscription state machine
// currently sits.
func (e *Engine) ConnectionState() ConnState {
	return ConnState(e.conn.state.Load())
}

func (e *Engine) setChannel(ch pubsub.Channel) {
	e.conn.mu.Lock()
	e.conn.channel = ch
	e.conn.mu.Unlock()
}

// publish sends a broadcast on the current channel, if any. Broadcasts
// are fire-and-forget: no channel, or a failed send, is not an error
// worth surfacing, because every receiver reconciles against the store
// anyway.
func (e *Engine) publish(ctx context.Context, msg model.Message) {
	e.conn.mu.Lock()
	ch := e.conn.channel
	e.conn.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.Publish(ctx, msg); err != nil {
		e.logf("CONN: publish failed: %v", err)
	}
}

// Run drives the subscription lifecycle until ctx is cancelled:
//
//	connecting -> connected -> disconnected -> connecting (retry)
//	           -> connected | exhausted
//
// Reconnects back off exponentially from BackoffBase up to BackoffCap
// for at most MaxRetries attempts. While disconnected the store is
// polled every PollInterval; exhausting the retry budget does not stop
// the engine, it permanently prefers polling until a manual reload.
func (e *Engine) Run(ctx context.Context) error {
	sessionID := e.Session().ID

	changes, err := e.store.Watch(ctx, sessionID)
	if err != nil {
		e.logf("CONN: store watch unavailable: %v", err)
		changes = nil
	}

	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.setState(StateConnecting)

		ch, err := e.dial(ctx, sessionID)
		if err != nil {
			e.logf("CONN: dial failed: %v", err)
		} else {
			attempts = 0
			e.setState(StateConnected)
			e.setChannel(ch)
			e.announce(ch)

			e.consume(ctx, ch, changes)

			e.setChannel(nil)
			_ = ch.Close()

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		e.setState(StateDisconnected)

		attempts++
		if attempts >= e.cfg.MaxRetries {
			e.setState(StateExhausted)
			e.pollForever(ctx)
			return ctx.Err()
		}

		e.waitBackoff(ctx, attempts)
	}
}

func (e *Engine) announce(ch pubsub.Channel) {
	self := e.Self()
	_ = ch.Announce(model.PresenceEntry{
		ID:       self.ID,
		Nickname: self.Nickname,
		IsAlive:  self.IsAlive,
		OnlineAt: time.Now(),
	})
}

// consume pumps channel events and store change notifications until
// the channel dies or ctx is cancelled. A safety-net poll runs
// alongside while the session is playing, because broadcast delivery
// is not guaranteed and the store read is the authoritative
// reconciliation.
func (e *Engine) consume(ctx context.Context, ch pubsub.Channel, changes <-chan store.Change) {
	safety := time.NewTicker(e.cfg.SafetyPollInterval)
	defer safety.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-ch.Err():
			e.logf("CONN: channel error: %v", err)
			return

		case msg, ok := <-ch.Events():
			if !ok {
				return
			}
			e.handleMessage(ctx, msg)

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			e.reconcile(ctx)

		case <-safety.C:
			if e.Session().Status == model.StatusPlaying {
				e.reconcile(ctx)
			}
		}
	}
}

// handleMessage reacts to a broadcast. The payload is only a hint:
// every path re-reads the store rather than trusting the message.
func (e *Engine) handleMessage(ctx context.Context, msg model.Message) {
	switch msg.Kind {
	case model.MsgVoteCast:
		session := e.Session()
		if err := e.CheckQuorum(ctx, session.ID, session.TurnParticipantID, msg.TurnNumber); err != nil {
			e.logf("CONN: quorum check failed: %v", err)
		}
	default:
		e.reconcile(ctx)
	}
}

// reconcile re-derives the local view from the store: session status
// and turn pointer, the full participant list, and the snapshot. It
// also re-runs the quorum check for turn-rotating variants, which
// covers vote broadcasts this client never received.
func (e *Engine) reconcile(ctx context.Context) {
	e.mu.Lock()
	sessionID := e.session.ID
	e.mu.Unlock()

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		e.logf("CONN: reconcile session read failed: %v", err)
		return
	}

	e.mu.Lock()
	e.session = session
	e.mu.Unlock()

	if _, err := e.LoadParticipants(ctx, sessionID); err != nil {
		e.logf("CONN: reconcile participant read failed: %v", err)
		return
	}

	if snap, err := e.store.GetSnapshot(ctx, sessionID); err == nil {
		e.mu.Lock()
		e.snapshot = snap
		e.mu.Unlock()
	}

	if session.Status == model.StatusPlaying && session.TurnParticipantID != "" {
		if err := e.CheckQuorum(ctx, sessionID, session.TurnParticipantID, session.TurnIndex); err != nil {
			e.logf("CONN: quorum check failed: %v", err)
		}
	}
}

// waitBackoff sleeps out the exponential backoff for the given attempt
// while keeping the polling fallback ticking.
func (e *Engine) waitBackoff(ctx context.Context, attempt int) {
	delay := e.cfg.BackoffBase << (attempt - 1)
	if delay > e.cfg.BackoffCap || delay <= 0 {
		delay = e.cfg.BackoffCap
	}

	deadline := time.NewTimer(delay)
	defer deadline.Stop()

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-poll.C:
			e.reconcile(ctx)
		}
	}
}

// pollForever is the degraded mode after the retry budget is spent.
func (e *Engine) pollForever(ctx context.Context) {
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			e.reconcile(ctx)
		}
	}
}
