package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is a single authenticated live connection. It carries the user it
// was opened for and a write mutex for serializing outbound frames, and it
// satisfies presence.Conn.
type Connection struct {
	id           string
	userID       string
	conn         net.Conn
	fd           int
	createdAt    time.Time
	lastSeen     atomic.Int64 // unix nanos of the last inbound frame
	writeTimeout time.Duration
	server       *Server
	writeMu      sync.Mutex
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(s *Server, id, userID string, conn net.Conn) *Connection {
	now := time.Now()
	c := &Connection{
		id:        id,
		userID:    userID,
		conn:      conn,
		fd:        socketFD(conn),
		createdAt: now,
		server:    s,
	}
	if s != nil {
		c.writeTimeout = s.config.WriteTimeout
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID returns the connection ID (a UUID assigned at upgrade).
func (c *Connection) ID() string { return c.id }

// UserID returns the identity the connection was authenticated as.
func (c *Connection) UserID() string { return c.userID }

// CreatedAt returns when the connection was established.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Touch records inbound activity.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last inbound activity.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Send writes a WebSocket text frame. The write mutex ensures that concurrent
// goroutines do not interleave frame bytes; the write deadline is cleared
// afterwards so it does not affect heartbeat pings.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Close evicts the connection from its server and closes it. The server's
// disconnect callback runs on its own goroutine, so Close may be called while
// holding locks that the callback needs.
func (c *Connection) Close() error {
	if c.server == nil {
		return c.closeConn()
	}
	c.server.removeConnection(c, true)
	return nil
}

func (c *Connection) closeConn() error {
	return c.conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections indexed by
// connection ID and by the underlying net.Conn, which is what the poller
// hands back when a socket becomes readable.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.id] = c
	cm.byConn[c.conn] = c
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.conn)
	}
	cm.mu.Unlock()

	if ok {
		c.closeConn()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	c := cm.byID[id]
	cm.mu.RUnlock()
	return c
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(nc net.Conn) *Connection {
	cm.mu.RLock()
	c := cm.byConn[nc]
	cm.mu.RUnlock()
	return c
}

// Count returns the current number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
