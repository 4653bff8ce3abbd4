// Package messaging provides a NATS client wrapper for pub/sub between chat
// server instances. It carries live deliveries to whichever instance holds
// the receiver's connection, and bind notices so that a login on one instance
// supersedes the same user's connection on another.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/protocol"
)

var log = logrus.WithField("component", "nats")

// NATS subject patterns used between chat server instances.
const (
	SubjectDeliver      = "deliver"       // + .<user_id>
	SubjectPresenceBind = "presence.bind" // a user bound a connection somewhere
)

// DeliveryEvent is published to deliver.<receiver_id> when the receiver is not
// connected to the publishing instance.
type DeliveryEvent struct {
	ReceiverID string               `json:"receiverId"`
	Message    protocol.MessageView `json:"message"`
	Origin     string               `json:"origin"`
}

// BindEvent announces that UserID bound a new connection on Origin.
type BindEvent struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
	Origin string `json:"origin"`
	Ts     int64  `json:"ts"`
}

// DeliverSubject returns the delivery subject for a user.
func DeliverSubject(userID string) string {
	return SubjectDeliver + "." + userID
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	origin string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as the event origin
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "securechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected")
			} else {
				log.Info("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.WithField("url", nc.ConnectedUrl()).Info("connected")

	return &NATSClient{
		conn:   nc,
		origin: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Origin returns the name this client stamps on published events.
func (c *NATSClient) Origin() string {
	return c.origin
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject under key and stores
// the subscription for later cleanup. An existing subscription under the same
// key is replaced.
func (c *NATSClient) Subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

// PublishDelivery publishes view to the receiver's delivery subject.
func (c *NATSClient) PublishDelivery(receiverID string, view protocol.MessageView) error {
	data, err := json.Marshal(DeliveryEvent{
		ReceiverID: receiverID,
		Message:    view,
		Origin:     c.origin,
	})
	if err != nil {
		return fmt.Errorf("nats: marshal delivery: %w", err)
	}
	return c.Publish(DeliverSubject(receiverID), data)
}

// SubscribeDeliveries subscribes to deliver.<userID>. It is called when the
// user binds a connection on this instance.
func (c *NATSClient) SubscribeDeliveries(userID string, handler func(DeliveryEvent)) error {
	return c.Subscribe("deliver:"+userID, DeliverSubject(userID), func(msg *nats.Msg) {
		var ev DeliveryEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.WithError(err).WithField("subject", msg.Subject).Warn("bad delivery event")
			return
		}
		handler(ev)
	})
}

// UnsubscribeDeliveries drops the user's delivery subscription.
func (c *NATSClient) UnsubscribeDeliveries(userID string) error {
	return c.unsubscribe("deliver:" + userID)
}

// PublishBind announces that userID bound connID on this instance.
func (c *NATSClient) PublishBind(userID, connID string) error {
	data, err := json.Marshal(BindEvent{
		UserID: userID,
		ConnID: connID,
		Origin: c.origin,
		Ts:     time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("nats: marshal bind: %w", err)
	}
	return c.Publish(SubjectPresenceBind, data)
}

// SubscribeBinds subscribes to bind notices from other instances. Notices
// published by this client are filtered out.
func (c *NATSClient) SubscribeBinds(handler func(BindEvent)) error {
	return c.Subscribe(SubjectPresenceBind, SubjectPresenceBind, func(msg *nats.Msg) {
		var ev BindEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.WithError(err).Warn("bad bind event")
			return
		}
		if ev.Origin == c.origin {
			return
		}
		handler(ev)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithField("key", key).Warn("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.WithError(err).Warn("connection drain failed")
	}

	log.Info("client closed")
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
