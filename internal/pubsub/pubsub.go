/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package pubsub provides the per-session broadcast channel: fire and
// forget publish, topic subscription, and a presence protocol. Nothing
// here guarantees delivery; the store read is always the authoritative
// reconciliation.
package pubsub

import (
	"context"

	"github.com/Seednode/partysync/internal/model"
)

// Channel is one client's handle on a session's broadcast topic.
type Channel interface {
	// Publish sends a message to every subscriber of the topic,
	// including this client. Best-effort.
	Publish(ctx context.Context, msg model.Message) error

	// Events yields messages as they arrive. Closed when the channel
	// dies or is closed.
	Events() <-chan model.Message

	// Announce advertises this client on the presence protocol.
	Announce(entry model.PresenceEntry) error

	// Presence lists who is currently connected to the topic.
	Presence() []model.PresenceEntry

	// Err reports a fatal transport error, at most once.
	Err() <-chan error

	Close() error
}

// Dialer opens a Channel for a session topic. The engine redials
// through this on every reconnect attempt.
type Dialer func(ctx context.Context, sessionID string) (Channel, error)
