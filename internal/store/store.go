/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store provides the shared state store every client reads and
// writes: sessions, participants, the append-only action log, and the
// per-session snapshot, plus row-level change notifications.
//
// No caller holds a lock across operations. Session and snapshot writes
// are unconditional overwrites; the action log is the only append-only,
// never-overwritten record kind, which is why all cross-client
// coordination is recomputed from it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Seednode/partysync/internal/model"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrHostGone marks a session that was soft-deleted by its host.
	// Distinct from ErrNotFound so clients exit instead of retrying.
	ErrHostGone = errors.New("host left the session")
)

type ChangeKind string

const (
	ChangeSession     ChangeKind = "session"
	ChangeParticipant ChangeKind = "participant"
	ChangeState       ChangeKind = "state"
)

// Change is a row-level notification. It names what moved, not the new
// value; watchers re-read the store.
type Change struct {
	Kind      ChangeKind
	SessionID string
}

type Store interface {
	PutSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)

	// GetSessionByCode returns ErrHostGone for a soft-deleted session
	// and ErrNotFound when the code does not resolve.
	GetSessionByCode(ctx context.Context, code string) (model.Session, error)

	PutParticipant(ctx context.Context, p model.Participant) error

	// ListParticipants returns every participant of the session ordered
	// by join time.
	ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error)

	// AppendLog writes an immutable log entry. Implementations must
	// never overwrite an existing entry.
	AppendLog(ctx context.Context, e model.ActionLogEntry) error

	// ListLogSince returns log entries for the session with
	// CreatedAt >= since, ordered by CreatedAt.
	ListLogSince(ctx context.Context, sessionID string, since time.Time) ([]model.ActionLogEntry, error)

	PutSnapshot(ctx context.Context, s model.GameStateSnapshot) error
	GetSnapshot(ctx context.Context, sessionID string) (model.GameStateSnapshot, error)

	// Watch delivers change notifications for one session until ctx is
	// cancelled. Delivery is best-effort; slow consumers miss events
	// and are expected to reconcile by polling.
	Watch(ctx context.Context, sessionID string) (<-chan Change, error)

	Close() error
}
