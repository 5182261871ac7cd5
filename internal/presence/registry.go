package presence

import "sync"

// connState is everything the registry tracks per live connection.
type connState struct {
	identity string
	openPeer string
}

// Registry tracks which identities are connected and which conversation
// each connection currently has open. State is process-local and lost on
// restart; nothing here is durable. All operations are in-memory,
// non-blocking and infallible.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connState          // connection id -> state
	rooms map[string]map[string]struct{} // identity -> connection ids
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connState),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Identify binds a connection to an identity. Re-identifying moves the
// connection between rooms; it is an update, not an error.
func (r *Registry) Identify(connID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bind(connID, identity)
}

// OpenConversation records that a connection is viewing the conversation
// with peer. The identity binding is established if missing.
func (r *Registry) OpenConversation(connID, identity, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.bind(connID, identity)
	c.openPeer = peer
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[identity]) > 0
}

// IsConversationOpen reports whether any of identity's connections
// currently has the conversation with peer open.
func (r *Registry) IsConversationOpen(identity, peer string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID := range r.rooms[identity] {
		if c := r.conns[connID]; c != nil && c.openPeer == peer {
			return true
		}
	}
	return false
}

// Disconnect removes a connection. Unknown connection ids are ignored.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	r.unbindRoom(connID, c.identity)
}

// ConnectionCount returns the number of live connections (for metrics).
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// bind attaches connID to identity under the write lock, moving it out of
// a previous room if re-identified.
func (r *Registry) bind(connID, identity string) *connState {
	c, ok := r.conns[connID]
	if !ok {
		c = &connState{identity: identity}
		r.conns[connID] = c
	} else if c.identity != identity {
		r.unbindRoom(connID, c.identity)
		c.identity = identity
		c.openPeer = ""
	}
	room, ok := r.rooms[identity]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[identity] = room
	}
	room[connID] = struct{}{}
	return c
}

func (r *Registry) unbindRoom(connID, identity string) {
	room := r.rooms[identity]
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, identity)
	}
}
