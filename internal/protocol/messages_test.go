package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid ping
// ---------------------------------------------------------------------------

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown or server-only type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	cases := []string{
		`{"type":"unknown_type","data":"something"}`,
		`{"type":"newMessage","message":{}}`,
		`{"type":"forceDisconnect"}`,
	}

	for _, input := range cases {
		msgType, msg, err := ParseClientMessage([]byte(input))
		if err == nil {
			t.Fatalf("%s: expected an error, got nil", input)
		}
		if msg != nil {
			t.Errorf("%s: expected nil message, got %v", input, msg)
		}
		if msgType == "" {
			t.Errorf("%s: expected the parsed type to be returned", input)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Server events carry their type and payload
// ---------------------------------------------------------------------------

func TestOnlineUsers(t *testing.T) {
	data, err := OnlineUsers([]string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded OnlineUsersMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeGetOnlineUsers {
		t.Errorf("expected type %q, got %q", TypeGetOnlineUsers, decoded.Type)
	}
	if len(decoded.Users) != 2 || decoded.Users[0] != "a" || decoded.Users[1] != "b" {
		t.Errorf("unexpected users: %v", decoded.Users)
	}
}

func TestOnlineUsers_NilIsEmptyArray(t *testing.T) {
	data, err := OnlineUsers(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	users, ok := raw["users"].([]interface{})
	if !ok {
		t.Fatalf("expected users to be an array, got %T", raw["users"])
	}
	if len(users) != 0 {
		t.Errorf("expected empty array, got %v", users)
	}
}

func TestNewMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	view := MessageView{
		ID:          "m1",
		SenderID:    "a",
		ReceiverID:  "b",
		Message:     "hi",
		IsEncrypted: true,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	data, err := NewMessage(view)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded NewMessageMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeNewMessage {
		t.Errorf("expected type %q, got %q", TypeNewMessage, decoded.Type)
	}
	if decoded.Message.Message != "hi" || decoded.Message.SenderID != "a" || !decoded.Message.IsEncrypted {
		t.Errorf("unexpected message payload: %+v", decoded.Message)
	}
	if !decoded.Message.CreatedAt.Equal(ts) {
		t.Errorf("expected createdAt %v, got %v", ts, decoded.Message.CreatedAt)
	}
}

func TestForceDisconnect(t *testing.T) {
	data, err := ForceDisconnect(ReasonNewLogin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ForceDisconnectMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeForceDisconnect || decoded.Reason != ReasonNewLogin {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestMessageViewJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(MessageView{ID: "m1", SenderID: "a", ReceiverID: "b", Message: "hi", IsEncrypted: true})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	for _, key := range []string{"id", "senderId", "receiverId", "message", "isEncrypted", "createdAt", "updatedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing JSON field %q", key)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
