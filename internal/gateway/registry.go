package gateway

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the ConnectionRegistry: it holds connId → Connection and whisperId →
// set<connId>, and is the single source of truth for "does this whisperId have a live
// socket right now". Single-active-device is enforced one layer up (by AuthService
// displacing the prior session on proof success); the registry itself tolerates transient
// overlap of two connections for the same whisperId during that displacement window,
// serving both until the old one closes.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[string]*Conn
	byWhisper map[string]map[string]*Conn
	log       zerolog.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		byConn:    make(map[string]*Conn),
		byWhisper: make(map[string]map[string]*Conn),
		log:       log.With().Str("component", "gateway.registry").Logger(),
	}
}

// addUnauthenticated tracks conn before it has a whisperId, so ClientCount and shutdown
// fanout see it immediately on accept.
func (r *Registry) addUnauthenticated(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.id] = c
}

// Bind associates conn with whisperID once auth succeeds. A connection may only be bound
// once; rebinding (e.g. after a resume-like flow) is not supported by this protocol.
func (r *Registry) Bind(c *Conn, whisperID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConn[c.id] = c
	c.setWhisperID(whisperID)

	set, ok := r.byWhisper[whisperID]
	if !ok {
		set = make(map[string]*Conn)
		r.byWhisper[whisperID] = set
	}
	set[c.id] = c
}

// Unbind removes conn from both maps. Safe to call on an unauthenticated connection.
func (r *Registry) Unbind(c *Conn) (whisperID string, lastForWhisper bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byConn, c.id)

	whisperID = c.WhisperID()
	if whisperID == "" {
		return "", false
	}

	set, ok := r.byWhisper[whisperID]
	if !ok {
		return whisperID, false
	}
	delete(set, c.id)
	if len(set) == 0 {
		delete(r.byWhisper, whisperID)
		return whisperID, true
	}
	return whisperID, false
}

// SendTo hands frame to every live connection bound to whisperID. Satisfies the Delivery /
// Notifier interface shared by account, message, group, call, and presence. Returns true if
// at least one connection accepted the frame.
func (r *Registry) SendTo(whisperID string, frame []byte) bool {
	r.mu.RLock()
	set, ok := r.byWhisper[whisperID]
	if !ok || len(set) == 0 {
		r.mu.RUnlock()
		return false
	}
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sent := false
	for _, c := range conns {
		if c.enqueue(frame) {
			sent = true
		}
	}
	return sent
}

// IsLive reports whether whisperID currently has at least one bound connection.
func (r *Registry) IsLive(whisperID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byWhisper[whisperID]
	return ok && len(set) > 0
}

// Count returns the number of tracked connections, authenticated or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// All returns a snapshot of every tracked connection, used by Shutdown to fan out a final
// close to everyone.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	return conns
}
