// Package store provides PostgreSQL-backed persistence for conversations and
// their messages. It is the single source of truth for message history; every
// other view of a conversation (cache entries, live pushes) is a projection of
// what is stored here.
//
// Conversations are keyed by the unordered pair of participants. The pair is
// stored sorted (user_low < user_high) under a UNIQUE constraint, so at most
// one conversation can exist per pair no matter which side sends first.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSameParticipant is returned when a conversation is requested between a
// user and themself.
var ErrSameParticipant = errors.New("store: conversation requires two distinct participants")

// Conversation is a direct conversation between two users.
type Conversation struct {
	ID        string
	UserLow   string // lexicographically smaller participant ID
	UserHigh  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participants returns both participant IDs.
func (c *Conversation) Participants() [2]string {
	return [2]string{c.UserLow, c.UserHigh}
}

// IsParticipant reports whether userID is part of this conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID == c.UserLow || userID == c.UserHigh
}

// Message is a persisted, encrypted message. Only ciphertext is stored.
type Message struct {
	ID             string
	Seq            int64 // insertion order within the store
	ConversationID string
	SenderID       string
	ReceiverID     string
	Ciphertext     string
	IsEncrypted    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store manages conversations and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// validID reports whether id can name a row; IDs are UUIDs.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// canonicalPair returns a and b in canonical lowercase UUID form, sorted, so
// the same pair always maps to the same row regardless of input casing.
func canonicalPair(a, b string) (string, string, bool) {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA != nil || errB != nil {
		return "", "", false
	}
	low, high := orderPair(ua.String(), ub.String())
	return low, high, true
}

// orderPair returns the two IDs sorted lexicographically.
func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// FindOrCreateConversation returns the conversation between a and b, creating
// it if absent. Concurrent first sends between the same pair are resolved by
// the unique constraint: the losing insert is a no-op and both callers read
// back the same row.
func (s *Store) FindOrCreateConversation(ctx context.Context, a, b string) (Conversation, error) {
	low, high, ok := canonicalPair(a, b)
	if !ok {
		return Conversation{}, fmt.Errorf("store: invalid participant id %q/%q", a, b)
	}
	if low == high {
		return Conversation{}, ErrSameParticipant
	}

	const insert = `
		INSERT INTO conversations (id, user_low, user_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, uuid.NewString(), low, high); err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation: %w", err)
	}

	conv, err := s.FindConversation(ctx, a, b)
	if err != nil {
		return Conversation{}, err
	}
	if conv == nil {
		return Conversation{}, fmt.Errorf("store: conversation %s/%s missing after insert", low, high)
	}
	return *conv, nil
}

// FindConversation returns the conversation between a and b, or nil if none
// exists. It never creates one.
func (s *Store) FindConversation(ctx context.Context, a, b string) (*Conversation, error) {
	low, high, ok := canonicalPair(a, b)
	if !ok {
		return nil, nil
	}

	const query = `
		SELECT id, user_low, user_high, created_at, updated_at
		FROM conversations
		WHERE user_low = $1 AND user_high = $2`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, low, high).Scan(
		&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversation: %w", err)
	}
	return &c, nil
}

// AppendMessage persists msg in the given conversation and bumps the
// conversation's updated_at. Both writes commit together before the call
// returns. The returned message carries its assigned ID, sequence number and
// timestamps.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = conversationID
	msg.IsEncrypted = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insert = `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, ciphertext, is_encrypted)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq, created_at, updated_at`

	err = tx.QueryRowContext(ctx, insert,
		msg.ID,
		conversationID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Ciphertext,
		msg.IsEncrypted,
	).Scan(&msg.Seq, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}

	const touch = `UPDATE conversations SET updated_at = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, touch, conversationID, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("store: touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("store: commit append: %w", err)
	}
	return msg, nil
}

// ListMessages returns the messages of a conversation in insertion order. An
// unknown conversation yields an empty slice.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if !validID(conversationID) {
		return []Message{}, nil
	}

	const query = `
		SELECT id, seq, conversation_id, sender_id, receiver_id, ciphertext, is_encrypted, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Ciphertext, &m.IsEncrypted, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return messages, nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
