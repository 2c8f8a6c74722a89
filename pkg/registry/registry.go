// Package registry maps the connections held by this process to the
// sessions they are bound to.
package registry

import (
	"sort"
	"sync"
)

// Conn is a client connection that can receive frames.
type Conn interface {
	ID() string

	// Send queues frame for delivery. It must not block.
	Send(frame any) error

	Close() error
}

// Registry tracks local connections and their sessions. A connection is
// bound to at most one session; a session may have many connections.
type Registry interface {
	Register(conn Conn)

	// Bind associates a registered connection with sessionID, replacing any
	// previous binding. It returns false for unknown connections.
	Bind(connID, sessionID string) bool

	// Unregister forgets the connection and returns it.
	Unregister(connID string) (Conn, bool)

	// Lookup returns the connections bound to sessionID.
	Lookup(sessionID string) []Conn

	SessionOf(connID string) (string, bool)
	Len() int
}

type record struct {
	conn      Conn
	sessionID string
}

// LocalRegistry is an in-process Registry.
type LocalRegistry struct {
	mu        sync.RWMutex
	conns     map[string]*record
	bySession map[string]map[string]Conn
}

var _ Registry = (*LocalRegistry)(nil)

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		conns:     make(map[string]*record),
		bySession: make(map[string]map[string]Conn),
	}
}

// Register adds conn without a session. Registering an id again replaces
// the connection and drops its binding.
func (r *LocalRegistry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[conn.ID()]; ok {
		r.unbindLocked(conn.ID(), old.sessionID)
	}
	r.conns[conn.ID()] = &record{conn: conn}
}

func (r *LocalRegistry) Bind(connID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[connID]
	if !ok {
		return false
	}
	if rec.sessionID == sessionID {
		return true
	}
	r.unbindLocked(connID, rec.sessionID)
	rec.sessionID = sessionID
	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[string]Conn)
		r.bySession[sessionID] = set
	}
	set[connID] = rec.conn
	return true
}

func (r *LocalRegistry) unbindLocked(connID, sessionID string) {
	if sessionID == "" {
		return
	}
	set := r.bySession[sessionID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.bySession, sessionID)
	}
}

func (r *LocalRegistry) Unregister(connID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	r.unbindLocked(connID, rec.sessionID)
	delete(r.conns, connID)
	return rec.conn, true
}

// Lookup returns the bound connections ordered by id.
func (r *LocalRegistry) Lookup(sessionID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySession[sessionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *LocalRegistry) SessionOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[connID]
	if !ok || rec.sessionID == "" {
		return "", false
	}
	return rec.sessionID, true
}

func (r *LocalRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sessions returns the number of sessions with at least one connection.
func (r *LocalRegistry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
