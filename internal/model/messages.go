package model

import "time"

type MessageKind string

const (
	MsgStatementsSubmitted MessageKind = "statements_submitted"
	MsgVoteCast            MessageKind = "vote_cast"
	MsgTurnRevealed        MessageKind = "turn_revealed"
	MsgGameStart           MessageKind = "game_start"
	MsgGameReset           MessageKind = "game_reset"
	MsgGameEnd             MessageKind = "game_end"
	MsgPlayerEliminated    MessageKind = "player_eliminated"
	MsgPlayerReady         MessageKind = "player_ready"
	MsgNumberCalled        MessageKind = "number_called"
)

// Message is one broadcast frame on a session's channel. Delivery is
// fire-and-forget; receivers treat it as a hint and reconcile against
// the store.
type Message struct {
	Kind            MessageKind `json:"type"`
	SessionID       string      `json:"session_id"`
	ParticipantID   string      `json:"participantId"`
	ParticipantName string      `json:"participantName"`
	Timestamp       time.Time   `json:"timestamp"`

	TurnNumber int    `json:"turnNumber,omitempty"`
	WinnerID   string `json:"winnerId,omitempty"`
	Number     int    `json:"number,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// PresenceEntry is what each connected client advertises on the channel.
type PresenceEntry struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	IsAlive  bool      `json:"isAlive"`
	OnlineAt time.Time `json:"onlineAt"`
}
