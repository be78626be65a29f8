package pubsub

import (
	"context"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Seednode/partysync/internal/model"
)

// Frame is the wire format between a WSChannel and the relay. One frame
// kind per concern: broadcast payloads, a client announcing itself, and
// the relay pushing the current presence roster.
type Frame struct {
	Kind    string                `json:"kind"` // "broadcast", "announce", "presence"
	Message *model.Message        `json:"message,omitempty"`
	Entry   *model.PresenceEntry  `json:"entry,omitempty"`
	Roster  []model.PresenceEntry `json:"roster,omitempty"`
}

// WSChannel is a Channel backed by a websocket connection to the relay.
type WSChannel struct {
	conn   *websocket.Conn
	send   chan Frame
	events chan model.Message
	errs   chan error
	done   chan struct{}

	mu     sync.RWMutex
	roster []model.PresenceEntry

	closeOnce sync.Once
}

// NewWSDialer returns a Dialer that connects session topics through a
// relay at base, e.g. ws://host:port.
func NewWSDialer(base string) Dialer {
	base = strings.TrimSuffix(base, "/")
	return func(ctx context.Context, sessionID string) (Channel, error) {
		return DialWS(ctx, base+"/topics/"+sessionID+"/ws")
	}
}

// DialWS connects to a relay websocket URL for one session topic, e.g.
// ws://host:port/topics/<sessionid>/ws.
func DialWS(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &WSChannel{
		conn:   conn,
		send:   make(chan Frame, 8),
		events: make(chan model.Message, 32),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

func (c *WSChannel) readPump() {
	// events is owned by this goroutine; nobody else closes it.
	defer close(c.events)
	defer c.teardown()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}

		switch f.Kind {
		case "broadcast":
			if f.Message == nil {
				continue
			}
			select {
			case c.events <- *f.Message:
			default:
			}
		case "presence":
			c.mu.Lock()
			c.roster = f.Roster
			c.mu.Unlock()
		default:
			// ignore unknown frames
		}
	}
}

func (c *WSChannel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := c.conn.WriteJSON(f); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *WSChannel) Publish(_ context.Context, msg model.Message) error {
	select {
	case <-c.done:
	case c.send <- Frame{Kind: "broadcast", Message: &msg}:
	default:
		// full send buffer: fire-and-forget drops rather than blocks
	}
	return nil
}

func (c *WSChannel) Events() <-chan model.Message {
	return c.events
}

func (c *WSChannel) Announce(entry model.PresenceEntry) error {
	select {
	case <-c.done:
	case c.send <- Frame{Kind: "announce", Entry: &entry}:
	default:
	}
	return nil
}

func (c *WSChannel) Presence() []model.PresenceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.PresenceEntry, len(c.roster))
	copy(out, c.roster)
	return out
}

func (c *WSChannel) Err() <-chan error {
	return c.errs
}

func (c *WSChannel) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
	c.teardown()
}

func (c *WSChannel) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *WSChannel) Close() error {
	c.teardown()
	return nil
}
