// Package realtime connects live connections to the presence registry. It
// binds and unbinds users as connections come and go, broadcasts the online
// list on every transition, and pushes freshly sent messages to receivers,
// locally or through NATS to the instance that holds them.
package realtime

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/messaging"
	"github.com/whisper/securechat/internal/metrics"
	"github.com/whisper/securechat/internal/presence"
	"github.com/whisper/securechat/internal/protocol"
)

var log = logrus.WithField("component", "realtime")

// mirrorTimeout bounds each write of the online-user mirror.
const mirrorTimeout = 2 * time.Second

// Bus is the cross-instance channel. *messaging.NATSClient implements it.
type Bus interface {
	PublishDelivery(receiverID string, view protocol.MessageView) error
	SubscribeDeliveries(userID string, handler func(messaging.DeliveryEvent)) error
	UnsubscribeDeliveries(userID string) error
	PublishBind(userID, connID string) error
	SubscribeBinds(handler func(messaging.BindEvent)) error
}

// OnlineMirror stores a best-effort copy of the online list. *cache.Cache
// implements it.
type OnlineMirror interface {
	CacheOnlineUsers(ctx context.Context, users []string)
	GetCachedOnlineUsers(ctx context.Context) ([]string, bool)
}

// Hub owns the presence registry and the delivery channel.
type Hub struct {
	registry *presence.Registry
	bus      Bus
	mirror   OnlineMirror
}

// NewHub creates a Hub. bus and mirror may be nil: without a bus delivery is
// local only, without a mirror the online list is not copied to the cache.
func NewHub(registry *presence.Registry, bus Bus, mirror OnlineMirror) *Hub {
	return &Hub{registry: registry, bus: bus, mirror: mirror}
}

// Start subscribes to bind notices from other instances.
func (h *Hub) Start() error {
	if h.bus == nil {
		return nil
	}
	return h.bus.SubscribeBinds(h.handleRemoteBind)
}

// Registry returns the presence registry.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Connect binds conn as userID's active connection. A previous connection for
// the same user is told it was superseded and closed before the new binding
// takes its place.
func (h *Hub) Connect(userID string, conn presence.Conn) {
	h.registry.Bind(userID, conn, func(prev presence.Conn) {
		log.WithFields(logrus.Fields{
			"user_id":  userID,
			"old_conn": prev.ID(),
			"new_conn": conn.ID(),
		}).Info("superseding connection")
		supersede(prev)
	})

	if h.bus != nil {
		if err := h.bus.SubscribeDeliveries(userID, h.handleRemoteDelivery); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("subscribe deliveries failed")
		}
		if err := h.bus.PublishBind(userID, conn.ID()); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("publish bind failed")
		}
	}

	h.broadcastOnline()
}

// Disconnect unbinds conn if it is still userID's active connection and
// broadcasts the new online list. The close of an already superseded
// connection changes nothing.
func (h *Hub) Disconnect(userID string, conn presence.Conn) {
	if !h.registry.Unbind(userID, conn) {
		return
	}

	if h.bus != nil {
		if err := h.bus.UnsubscribeDeliveries(userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Debug("unsubscribe deliveries failed")
		}
		// A new connection may have bound between Unbind and Unsubscribe.
		if _, ok := h.registry.Lookup(userID); ok {
			if err := h.bus.SubscribeDeliveries(userID, h.handleRemoteDelivery); err != nil {
				log.WithError(err).WithField("user_id", userID).Warn("resubscribe deliveries failed")
			}
		}
	}

	h.broadcastOnline()
}

// Deliver pushes view to receiverID's live connection. When the receiver is
// not connected here and a bus is configured, the message is published for
// the instance that holds the receiver. A receiver connected nowhere is a
// silent no-op: the message is already persisted. Nothing is retried.
func (h *Hub) Deliver(ctx context.Context, receiverID string, view protocol.MessageView) error {
	if conn, ok := h.registry.Lookup(receiverID); ok {
		return pushMessage(conn, view)
	}

	if h.bus == nil {
		metrics.DeliveriesTotal.WithLabelValues("offline").Inc()
		return nil
	}

	if err := h.bus.PublishDelivery(receiverID, view); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.DeliveriesTotal.WithLabelValues("remote").Inc()
	return nil
}

// OnlineUsers returns the users connected to this instance, falling back to
// the cached mirror when the registry is empty (for example right after a
// restart, before anyone has reconnected).
func (h *Hub) OnlineUsers(ctx context.Context) []string {
	users := h.registry.Snapshot()
	if len(users) > 0 || h.mirror == nil {
		return users
	}
	if cached, ok := h.mirror.GetCachedOnlineUsers(ctx); ok && cached != nil {
		return cached
	}
	return users
}

// handleRemoteDelivery pushes a delivery published by another instance. If
// the receiver has meanwhile left, the event is dropped.
func (h *Hub) handleRemoteDelivery(ev messaging.DeliveryEvent) {
	conn, ok := h.registry.Lookup(ev.ReceiverID)
	if !ok {
		return
	}
	if err := pushMessage(conn, ev.Message); err != nil {
		log.WithError(err).WithField("user_id", ev.ReceiverID).Debug("remote delivery push failed")
	}
}

// handleRemoteBind supersedes the local connection of a user who just bound
// a connection on another instance.
func (h *Hub) handleRemoteBind(ev messaging.BindEvent) {
	conn, ok := h.registry.Lookup(ev.UserID)
	if !ok {
		return
	}
	log.WithFields(logrus.Fields{
		"user_id": ev.UserID,
		"origin":  ev.Origin,
	}).Info("user bound elsewhere, superseding local connection")
	supersede(conn)
}

// broadcastOnline sends the full online list to every bound connection and
// refreshes the mirror. It runs outside the registry lock.
func (h *Hub) broadcastOnline() {
	users := h.registry.Snapshot()
	metrics.OnlineUsers.Set(float64(len(users)))

	data, err := protocol.OnlineUsers(users)
	if err != nil {
		log.WithError(err).Warn("failed to build online users event")
		return
	}
	for _, c := range h.registry.Conns() {
		if err := c.Send(data); err != nil {
			log.WithError(err).WithField("conn_id", c.ID()).Debug("online broadcast failed")
		}
	}

	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		h.mirror.CacheOnlineUsers(ctx, users)
		cancel()
	}
}

func pushMessage(conn presence.Conn, view protocol.MessageView) error {
	data, err := protocol.NewMessage(view)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}
	if err := conn.Send(data); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.DeliveriesTotal.WithLabelValues("local").Inc()
	return nil
}

// supersede tells conn it was replaced by a newer login and closes it.
func supersede(conn presence.Conn) {
	if data, err := protocol.ForceDisconnect(protocol.ReasonNewLogin); err == nil {
		if err := conn.Send(data); err != nil {
			log.WithError(err).WithField("conn_id", conn.ID()).Debug("forceDisconnect send failed")
		}
	}
	if err := conn.Close(); err != nil {
		log.WithError(err).WithField("conn_id", conn.ID()).Debug("close superseded connection failed")
	}
}
