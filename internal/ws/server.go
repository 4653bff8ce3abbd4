// Package ws handles the live-connection transport: upgrading authenticated
// HTTP requests to WebSocket, multiplexing reads through epoll and a bounded
// worker pool, and reporting connect, message and disconnect events to the
// application layer.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/metrics"
)

var log = logrus.WithField("component", "ws")

// ErrInvalidIdentity is returned by an Authenticator when the request does not
// carry a usable user identity.
var ErrInvalidIdentity = errors.New("ws: invalid identity")

// Authenticator resolves the user a live-connection request is made for.
type Authenticator func(r *http.Request) (userID string, err error)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ValidIdentity reports whether id can be bound to a connection. Empty values
// and the "undefined"/"null" strings browsers produce for unset variables are
// rejected.
func ValidIdentity(id string) bool {
	switch id {
	case "", "undefined", "null":
		return false
	}
	return true
}

// QueryIdentity is an Authenticator that trusts the userId query parameter.
// It is meant for tests and local tooling only.
func QueryIdentity(r *http.Request) (string, error) {
	return r.URL.Query().Get("userId"), nil
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for readiness notifications, and dispatches ready connections to a
// bounded worker pool for frame reading. It does not own an HTTP listener;
// HandleUpgrade is mounted on the application's router.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	authenticate Authenticator
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onConnect    func(c *Connection)
	onMessage    func(c *Connection, data []byte)
	onDisconnect func(c *Connection)
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. authenticate resolves the user for each upgrade
// request; onMessage is called from a worker goroutine whenever a complete
// text frame is received.
func NewServer(config ServerConfig, authenticate Authenticator, onMessage func(c *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if authenticate == nil {
		authenticate = QueryIdentity
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		authenticate: authenticate,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection has been
// authenticated and registered.
func (s *Server) SetOnConnect(fn func(c *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed, whether by read error, heartbeat timeout, close frame or Close.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance and starts the event loop and the
// heartbeat monitor in the background.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.WithFields(logrus.Fields{
		"workers":   s.config.WorkerPoolSize,
		"max_conns": s.config.MaxConnections,
	}).Info("server started")
	return nil
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection. The
// request's identity is resolved first; a request with an invalid identity is
// still upgraded but closed immediately, so it never becomes Online.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, authErr := s.authenticate(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.WithError(err).Warn("upgrade failed")
		return
	}

	if authErr != nil || !ValidIdentity(userID) {
		log.WithError(authErr).WithField("user_id", userID).Info("rejecting connection with invalid identity")
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "invalid identity")))
		conn.Close()
		return
	}

	c := newConnection(s, uuid.New().String(), userID, conn)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	log.WithFields(logrus.Fields{
		"conn_id": c.id,
		"user_id": userID,
		"fd":      c.fd,
		"total":   s.conns.Count(),
	}).Info("new connection")

	// onConnect runs before the socket is polled, so a close frame sent right
	// after the handshake is only read once the connection is bound and its
	// removal can unbind it.
	if s.onConnect != nil {
		s.onConnect(c)
	}

	// Superseded or shut down while onConnect ran.
	if s.conns.Get(c.id) == nil {
		return
	}

	if err := s.epoll.Add(conn); err != nil {
		log.WithError(err).WithField("conn_id", c.id).Warn("epoll add failed")
		s.RemoveConnection(c)
	}
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.WithError(err).Warn("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager, closes it, and invokes the disconnect callback on the calling
// goroutine. Concurrent removals of the same connection (read error racing a
// heartbeat timeout) run the callback once.
func (s *Server) RemoveConnection(c *Connection) {
	s.removeConnection(c, false)
}

func (s *Server) removeConnection(c *Connection, async bool) {
	// Deregister before closing so the fd cannot be reused underneath epoll.
	if s.epoll != nil {
		_ = s.epoll.Remove(c.conn)
	}

	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	log.WithFields(logrus.Fields{
		"conn_id": c.id,
		"user_id": c.userID,
		"total":   s.conns.Count(),
	}).Info("connection closed")

	if s.onDisconnect != nil {
		if async {
			go s.onDisconnect(c)
		} else {
			s.onDisconnect(c)
		}
	}
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	return s.conns.Count()
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop and heartbeat, closes every live connection
// without running the disconnect callback, and releases the epoll instance.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		log.Info("shutting down server")
		close(s.done)

		for _, c := range s.conns.All() {
			if s.epoll != nil {
				_ = s.epoll.Remove(c.conn)
			}
			if s.conns.Remove(c.id) {
				metrics.ConnectionsTotal.Dec()
			}
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		log.Info("server stopped, all connections closed")
	})
	return nil
}
