package pubsub

import (
	"context"
	"sync"

	"github.com/Seednode/partysync/internal/model"
)

// Broker is an in-process topic fanout keyed by session id, one
// MemoryChannel per subscriber. Sends never block: a subscriber with a
// full buffer misses the message, exactly the delivery contract the
// engine is built to tolerate.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*MemoryChannel]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[*MemoryChannel]struct{}),
	}
}

// Dial subscribes a new channel to the session topic.
func (b *Broker) Dial(_ context.Context, sessionID string) (Channel, error) {
	c := &MemoryChannel{
		broker:    b,
		sessionID: sessionID,
		events:    make(chan model.Message, 32),
		errs:      make(chan error, 1),
	}

	b.mu.Lock()
	subs, ok := b.topics[sessionID]
	if !ok {
		subs = make(map[*MemoryChannel]struct{})
		b.topics[sessionID] = subs
	}
	subs[c] = struct{}{}
	b.mu.Unlock()

	return c, nil
}

func (b *Broker) publish(sessionID string, msg model.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.topics[sessionID] {
		select {
		case c.events <- msg:
		default:
		}
	}
}

func (b *Broker) presence(sessionID string) []model.PresenceEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.PresenceEntry
	for c := range b.topics[sessionID] {
		c.mu.Lock()
		if c.entry.ID != "" {
			out = append(out, c.entry)
		}
		c.mu.Unlock()
	}
	return out
}

func (b *Broker) drop(c *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[c.sessionID]
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	close(c.events)
}

type MemoryChannel struct {
	broker    *Broker
	sessionID string
	events    chan model.Message
	errs      chan error

	mu    sync.Mutex
	entry model.PresenceEntry
}

func (c *MemoryChannel) Publish(_ context.Context, msg model.Message) error {
	c.broker.publish(c.sessionID, msg)
	return nil
}

func (c *MemoryChannel) Events() <-chan model.Message {
	return c.events
}

func (c *MemoryChannel) Announce(entry model.PresenceEntry) error {
	c.mu.Lock()
	c.entry = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryChannel) Presence() []model.PresenceEntry {
	return c.broker.presence(c.sessionID)
}

func (c *MemoryChannel) Err() <-chan error {
	return c.errs
}

// Fail simulates transport death, for reconnection tests.
func (c *MemoryChannel) Fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
	c.broker.drop(c)
}

func (c *MemoryChannel) Close() error {
	c.broker.drop(c)
	return nil
}
