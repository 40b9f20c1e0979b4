package realtime

import (
	"time"

	"tangled.org/arabica.social/murmur/internal/events"
)

// Control message types sent by the gateway in addition to bus event types
const (
	MessageWelcome = "Welcome"
	MessageJoined  = "Joined"
	MessageLeft    = "Left"
	MessageResync  = "Resync"
	MessageError   = "Error"
	MessagePong    = "Pong"
)

// Message is one frame sent from the gateway to a session
type Message struct {
	Type      string    `json:"type"`
	PostID    string    `json:"post_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WelcomePayload is sent after a connect or resume
type WelcomePayload struct {
	SessionID string   `json:"session_id"`
	Resumed   bool     `json:"resumed"`
	Groups    []string `json:"groups,omitempty"`
}

// JoinedPayload carries the group's current typers
type JoinedPayload struct {
	Typers []TypingIndicator `json:"typers"`
}

// ResyncPayload tells a resumed session its backlog overflowed and the
// listed groups must be refetched
type ResyncPayload struct {
	Groups  []string `json:"groups"`
	LastSeq uint64   `json:"last_seq"`
}

// ErrorPayload reports a rejected client action
type ErrorPayload struct {
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

// Client actions accepted over the websocket transport
const (
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ActionTypingStart = "typing_start"
	ActionTypingStop  = "typing_stop"
	ActionPing        = "ping"
)

// ClientMessage is one frame received from a session
type ClientMessage struct {
	Action   string  `json:"action"`
	PostID   string  `json:"post_id,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

func messageFromEvent(e events.Event) Message {
	return Message{
		Type:      string(e.Type),
		PostID:    e.PostID,
		Seq:       e.Seq,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}
