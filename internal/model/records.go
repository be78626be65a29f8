/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package model

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusWaiting  SessionStatus = "waiting"
	StatusPlaying  SessionStatus = "playing"
	StatusFinished SessionStatus = "finished"
)

// Session is one match/room instance. UpdatedAt doubles as the
// round-start marker: it is bumped on every status or turn change, and
// log entries older than it are never counted toward the current round.
type Session struct {
	ID                string        `json:"id"`
	Code              string        `json:"code"`
	HostID            string        `json:"host_id"`
	GameType          string        `json:"game_type"`
	Status            SessionStatus `json:"status"`
	MaxParticipants   int           `json:"max_participants"`
	TurnIndex         int           `json:"turn_index"`
	TurnParticipantID string        `json:"turn_participant_id,omitempty"`
	IsDeleted         bool          `json:"is_deleted"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Participant is one joined client within a session. Elimination flips
// IsAlive rather than deleting the row, so turn rotation and the log
// stay consistent for the whole match.
type Participant struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	IsAlive   bool      `json:"is_alive"`
	IsReady   bool      `json:"is_ready"`
	Score     int       `json:"score"`
	TurnOrder int       `json:"turn_order"`
	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ActionType string

const (
	ActionStatementsSubmitted ActionType = "statements-submitted"
	ActionVoteCast            ActionType = "vote-cast"
	ActionNumberCalled        ActionType = "number-called"
	ActionCounterRaised       ActionType = "counter-raised"
	ActionDefeatDeclared      ActionType = "defeat-declared"
	ActionPlayerEliminated    ActionType = "player-eliminated"
	ActionReadyToggled        ActionType = "ready-toggled"
)

// ActionLogEntry is append-only and immutable once written. It is the
// source of truth for "who already acted this round" and for quorum
// counts; CreatedAt must be checked against the session's round-start
// marker before an entry is counted, since entries from a prior round
// survive in the same session.
type ActionLogEntry struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	ParticipantID string          `json:"participant_id"`
	Type          ActionType      `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TurnNumber    int             `json:"turn_number,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// GameStateSnapshot is the compacted "current state" blob, one per
// session, overwritten wholesale on every accepted action. It is a
// cache over the log, never a ledger: two near-simultaneous writers can
// race and the later write silently wins.
type GameStateSnapshot struct {
	SessionID string          `json:"session_id"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewID() string {
	return uuid.NewString()
}

// NewJoinCode generates a crypto-random 8-char join code, rejection
// sampled to avoid modulo bias.
func NewJoinCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))
	const n = 8

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}
