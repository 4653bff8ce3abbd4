// Package protocol defines the message shapes shared by the HTTP API and the
// live-connection channel. Live events are JSON objects with a "type"
// discriminator; the same MessageView shape is returned by the REST endpoints
// and pushed to connected receivers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypePing = "ping"
)

// Server -> Client event types.
const (
	TypeGetOnlineUsers  = "getOnlineUsers"
	TypeNewMessage      = "newMessage"
	TypeForceDisconnect = "forceDisconnect"
	TypeError           = "error"
	TypePong            = "pong"
)

// ReasonNewLogin is sent with forceDisconnect when another connection for the
// same user supersedes this one.
const ReasonNewLogin = "New login detected"

// ---------------------------------------------------------------------------
// Message view
// ---------------------------------------------------------------------------

// MessageView is a decrypted message as returned to a participant.
type MessageView struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Message     string    `json:"message"`
	IsEncrypted bool      `json:"isEncrypted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// OnlineUsersMsg carries the full list of online user IDs. It is broadcast to
// every connection on each presence transition.
type OnlineUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// NewMessageMsg pushes a freshly sent message to its receiver.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

// ForceDisconnectMsg tells a connection it has been superseded and is about
// to be closed by the server.
type ForceDisconnectMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw bytes into a typed client event. It returns
// the event type, the decoded struct, and an error for unknown or server-only
// types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypePing:
		var m PingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

// NewServerMessage creates a JSON-encoded server event. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// OnlineUsers builds a getOnlineUsers event. A nil list is sent as [].
func OnlineUsers(users []string) ([]byte, error) {
	if users == nil {
		users = []string{}
	}
	return NewServerMessage(TypeGetOnlineUsers, OnlineUsersMsg{Users: users})
}

// NewMessage builds a newMessage event for view.
func NewMessage(view MessageView) ([]byte, error) {
	return NewServerMessage(TypeNewMessage, NewMessageMsg{Message: view})
}

// ForceDisconnect builds a forceDisconnect event with the given reason.
func ForceDisconnect(reason string) ([]byte, error) {
	return NewServerMessage(TypeForceDisconnect, ForceDisconnectMsg{Reason: reason})
}
