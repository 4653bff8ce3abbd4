// Package presence tracks which users currently hold a live connection on this
// instance. The Registry is the only owner of the user-to-connection map;
// every lookup, bind, unbind and enumeration goes through its mutex so a rapid
// reconnect can never leave a stale or duplicate entry.
package presence

import (
	"sort"
	"sync"
)

// Conn is the capability the registry needs from a live connection.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Registry maps user IDs to their single active connection.
type Registry struct {
	mu    sync.Mutex
	users map[string]Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]Conn)}
}

// Lookup returns the connection bound to userID, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	c, ok := r.users[userID]
	r.mu.Unlock()
	return c, ok
}

// Bind makes conn the active connection for userID. If another connection was
// bound, onSupersede is called with it while the lock is still held and before
// the entry is overwritten, so no caller can observe two connections for one
// user. onSupersede must not call back into the Registry.
//
// Bind reports whether a previous connection was superseded.
func (r *Registry) Bind(userID string, conn Conn, onSupersede func(prev Conn)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.users[userID]
	superseded := ok && prev != conn
	if superseded && onSupersede != nil {
		onSupersede(prev)
	}
	r.users[userID] = conn
	return superseded
}

// Unbind removes the entry for userID only if it still points at conn. A late
// close of a superseded connection therefore never evicts its replacement.
// It reports whether an entry was removed.
func (r *Registry) Unbind(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.users[userID]
	if !ok || cur != conn {
		return false
	}
	delete(r.users, userID)
	return true
}

// Snapshot returns the sorted IDs of all bound users.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Conns returns every bound connection. The slice is safe to iterate without
// holding the lock.
func (r *Registry) Conns() []Conn {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.users))
	for _, c := range r.users {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	return conns
}

// Count returns the number of bound users.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.users)
	r.mu.Unlock()
	return n
}
