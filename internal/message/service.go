// Package message implements the send and history paths: encrypting a body
// for the sender/receiver pair, persisting it, invalidating the cached
// history and pushing it live, and reading a conversation back through the
// cache with per-message decryption.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/cache"
	"github.com/whisper/securechat/internal/cipher"
	"github.com/whisper/securechat/internal/metrics"
	"github.com/whisper/securechat/internal/protocol"
	"github.com/whisper/securechat/internal/store"
	"github.com/whisper/securechat/internal/user"
)

var log = logrus.WithField("component", "message")

// DecryptFailedPlaceholder replaces the body of a stored message that cannot
// be decrypted, so one bad record never hides the rest of a history.
const DecryptFailedPlaceholder = "[Decryption failed]"

var (
	// ErrInvalidMessage is returned for bodies that fail validation.
	ErrInvalidMessage = errors.New("message: invalid message")

	// ErrReceiverNotFound is returned when the receiver does not exist.
	ErrReceiverNotFound = errors.New("message: receiver not found")

	// ErrSenderNotFound is returned when the authenticated sender no longer
	// exists.
	ErrSenderNotFound = errors.New("message: sender not found")

	// ErrCipher is returned when a body cannot be encrypted for the pair.
	ErrCipher = errors.New("message: encryption failed")
)

// ConversationStore persists conversations and encrypted messages.
type ConversationStore interface {
	FindOrCreateConversation(ctx context.Context, a, b string) (store.Conversation, error)
	FindConversation(ctx context.Context, a, b string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg store.Message) (store.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
}

// UserDirectory resolves users and their key material.
type UserDirectory interface {
	Get(ctx context.Context, id string) (*user.User, error)
}

// HistoryCache is the read-through cache for decrypted history. PutHistory
// must drop the write when an Invalidate ran after Generation returned gen.
type HistoryCache interface {
	GetHistory(ctx context.Context, conversationKey string) ([]protocol.MessageView, bool)
	Generation(ctx context.Context, conversationKey string) (int64, bool)
	PutHistory(ctx context.Context, conversationKey string, views []protocol.MessageView, ttl time.Duration, gen int64)
	Invalidate(ctx context.Context, conversationKey string) error
}

// Deliverer pushes a sent message to the receiver's live connection.
type Deliverer interface {
	Deliver(ctx context.Context, receiverID string, view protocol.MessageView) error
}

// Service runs the send and history paths.
type Service struct {
	store   ConversationStore
	users   UserDirectory
	cipher  *cipher.Manager
	cache   HistoryCache
	deliver Deliverer
}

// NewService wires a Service. cache and deliver may be nil, in which case
// history is always read from the store and nothing is pushed live.
func NewService(st ConversationStore, users UserDirectory, cm *cipher.Manager, hc HistoryCache, d Deliverer) *Service {
	return &Service{store: st, users: users, cipher: cm, cache: hc, deliver: d}
}

// Send encrypts text for the sender/receiver pair, persists it, invalidates
// the pair's cached history and pushes it to the receiver if connected. The
// returned view carries the plaintext.
//
// Persistence and invalidation are sequential with no rollback: if the
// invalidation fails the send still succeeds and the stale entry lives until
// the history TTL expires.
func (s *Service) Send(ctx context.Context, senderID, receiverID, text string) (protocol.MessageView, error) {
	start := time.Now()
	defer func() { metrics.SendLatency.Observe(time.Since(start).Seconds()) }()

	view, err := s.send(ctx, senderID, receiverID, text)
	switch {
	case err == nil:
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrReceiverNotFound), errors.Is(err, ErrSenderNotFound):
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
	}
	return view, err
}

func (s *Service) send(ctx context.Context, senderID, receiverID, text string) (protocol.MessageView, error) {
	if err := ValidateText(text); err != nil {
		return protocol.MessageView{}, err
	}
	senderID, ok := canonicalID(senderID)
	if !ok {
		return protocol.MessageView{}, ErrSenderNotFound
	}
	receiverID, ok = canonicalID(receiverID)
	if !ok {
		return protocol.MessageView{}, ErrReceiverNotFound
	}
	if senderID == receiverID {
		return protocol.MessageView{}, fmt.Errorf("%w: cannot send a message to yourself", ErrInvalidMessage)
	}

	receiver, err := s.users.Get(ctx, receiverID)
	if errors.Is(err, user.ErrNotFound) {
		return protocol.MessageView{}, ErrReceiverNotFound
	}
	if err != nil {
		return protocol.MessageView{}, fmt.Errorf("message: lookup receiver: %w", err)
	}

	sender, err := s.users.Get(ctx, senderID)
	if errors.Is(err, user.ErrNotFound) {
		return protocol.MessageView{}, ErrSenderNotFound
	}
	if err != nil {
		return protocol.MessageView{}, fmt.Errorf("message: lookup sender: %w", err)
	}

	ciphertext, err := s.cipher.SealFor(sender.Keys, receiver.Keys, text)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"sender_id":   senderID,
			"receiver_id": receiverID,
		}).Error("encrypt failed")
		return protocol.MessageView{}, fmt.Errorf("%w: %v", ErrCipher, err)
	}

	conv, err := s.store.FindOrCreateConversation(ctx, senderID, receiverID)
	if err != nil {
		return protocol.MessageView{}, fmt.Errorf("message: conversation: %w", err)
	}

	stored, err := s.store.AppendMessage(ctx, conv.ID, store.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return protocol.MessageView{}, fmt.Errorf("message: append: %w", err)
	}

	key := cache.ConversationKey(senderID, receiverID)
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, key); err != nil {
			metrics.CacheInvalidateFailures.Inc()
			log.WithError(err).WithField("conversation", key).Error("history invalidation failed, entry stale until TTL")
		}
	}

	view := viewOf(stored, text)

	if s.deliver != nil {
		if err := s.deliver.Deliver(ctx, receiverID, view); err != nil {
			log.WithError(err).WithField("receiver_id", receiverID).Debug("live delivery failed")
		}
	}

	return view, nil
}

// History returns the conversation between readerID and otherID in send
// order, decrypted. It reads through the cache; on a miss the store is
// consulted and the result cached. A pair with no conversation yields an
// empty slice, as does an ID that is not a user ID.
func (s *Service) History(ctx context.Context, readerID, otherID string) ([]protocol.MessageView, error) {
	readerID, okReader := canonicalID(readerID)
	otherID, okOther := canonicalID(otherID)
	if !okReader || !okOther {
		return []protocol.MessageView{}, nil
	}
	key := cache.ConversationKey(readerID, otherID)

	var (
		gen       int64
		cacheable bool
	)
	if s.cache != nil {
		if views, ok := s.cache.GetHistory(ctx, key); ok {
			return views, nil
		}
		gen, cacheable = s.cache.Generation(ctx, key)
	}

	conv, err := s.store.FindConversation(ctx, readerID, otherID)
	if err != nil {
		return nil, fmt.Errorf("message: find conversation: %w", err)
	}
	if conv == nil {
		return []protocol.MessageView{}, nil
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}

	reader, err := s.users.Get(ctx, readerID)
	if err != nil {
		return nil, fmt.Errorf("message: lookup reader: %w", err)
	}
	other, err := s.users.Get(ctx, otherID)
	if err != nil {
		return nil, fmt.Errorf("message: lookup peer: %w", err)
	}

	views := make([]protocol.MessageView, 0, len(msgs))
	for _, m := range msgs {
		text, err := s.cipher.OpenFor(reader.Keys, other.Keys, m.Ciphertext)
		if err != nil {
			metrics.DecryptFailures.Inc()
			log.WithError(err).WithField("message_id", m.ID).Warn("decrypt failed, using placeholder")
			text = DecryptFailedPlaceholder
		}
		views = append(views, viewOf(m, text))
	}

	if cacheable {
		s.cache.PutHistory(ctx, key, views, 0, gen)
	}
	return views, nil
}

// canonicalID returns the lowercase hyphenated form of a user ID, so cache
// keys and live lookups agree however the caller spelled it.
func canonicalID(id string) (string, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return u.String(), true
}

func viewOf(m store.Message, text string) protocol.MessageView {
	return protocol.MessageView{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Message:     text,
		IsEncrypted: m.IsEncrypted,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
