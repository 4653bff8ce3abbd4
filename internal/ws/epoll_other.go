//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. This fallback
// allows developers on macOS/Windows to run the server without the epoll
// optimization.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // channel that receives connections with pending data
	done    chan struct{}
}

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// pollInterval is how often the fallback offers each connection to the
// worker pool.
const pollInterval = 50 * time.Millisecond

// Add registers a connection and starts a goroutine that periodically offers
// it to Wait. Nothing is read here: a net.Conn cannot be peeked, so the
// worker's deadline-bounded read decides whether data was actually pending.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor offers conn to the ready channel until it is removed or the
// poller is closed. Duplicate offers are dropped by the server's
// per-connection processing guard.
func (e *Epoll) monitor(conn net.Conn) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for e.registered(conn) {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case <-ticker.C:
		case <-e.done:
			return
		}
	}
}

func (e *Epoll) registered(conn net.Conn) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.conns[conn]
	return ok
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading or the
// poller is closed. It collects all currently ready connections from the
// channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms; connections are indexed by
// net.Conn, not by descriptor.
func socketFD(conn net.Conn) int {
	return -1
}

// isEINTR is always false: the fallback Wait never makes a system call.
func isEINTR(err error) bool {
	return false
}
