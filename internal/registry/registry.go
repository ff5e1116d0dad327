package registry

import (
	"log"
	"sync"
)

// Status of a logical client.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
)

// ConnRef is the tagged link to one physical connection: either not yet
// identified on that channel, or linked to a concrete transport connection id.
type ConnRef struct {
	ID     uint64
	Linked bool
}

// ClientProfile correlates a client's two physical connections into one
// logical identity.
type ClientProfile struct {
	UniqueID string
	Name     string

	Control ConnRef
	Bulk    ConnRef

	Status   Status
	PlayerID string
}

// FullyConnected reports whether both channels have identified and the client
// has not dropped.
func (p ClientProfile) FullyConnected() bool {
	return p.Status == StatusConnected && p.Control.Linked && p.Bulk.Linked
}

// Registry is the authoritative table of known clients. All methods are safe
// under concurrent calls from both channels' callback goroutines. Lookups
// return value copies so callers never share mutable profile state.
type Registry struct {
	mu sync.RWMutex

	profiles  map[string]*ClientProfile // unique id -> profile
	byControl map[uint64]string         // control conn id -> unique id
	byBulk    map[uint64]string         // bulk conn id -> unique id
	byPlayer  map[string]string         // player id -> unique id

	// Bulk connections that identified before the control channel did.
	// pendingByConn is the reverse index so a pending entry can be cleared
	// in O(1) when its connection drops before control ever identifies.
	pendingBulk   map[string]uint64 // unique id -> bulk conn id
	pendingByConn map[uint64]string // bulk conn id -> unique id

	log *log.Logger
}

func New(logger *log.Logger) *Registry {
	return &Registry{
		profiles:      make(map[string]*ClientProfile),
		byControl:     make(map[uint64]string),
		byBulk:        make(map[uint64]string),
		byPlayer:      make(map[string]string),
		pendingBulk:   make(map[string]uint64),
		pendingByConn: make(map[uint64]string),
		log:           logger,
	}
}

// IdentifyControl records a control-channel identification, creating the
// profile on first contact. A bulk connection that identified earlier is
// adopted from the side table. Returns the updated profile.
func (r *Registry) IdentifyControl(uniqueID, name string, connID uint64) ClientProfile {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[uniqueID]
	if !ok {
		p = &ClientProfile{UniqueID: uniqueID, Status: StatusConnected}
		r.profiles[uniqueID] = p
	}
	if name != "" {
		p.Name = name
	}
	p.Status = StatusConnected
	if p.Control.Linked && p.Control.ID != connID {
		delete(r.byControl, p.Control.ID)
	}
	p.Control = ConnRef{ID: connID, Linked: true}
	r.byControl[connID] = uniqueID

	if bulkID, ok := r.pendingBulk[uniqueID]; ok {
		delete(r.pendingBulk, uniqueID)
		delete(r.pendingByConn, bulkID)
		p.Bulk = ConnRef{ID: bulkID, Linked: true}
		r.byBulk[bulkID] = uniqueID
	}
	return *p
}

// IdentifyBulk records a bulk-channel identification. If the control side has
// not identified yet the connection waits in a side table until it does.
// The second return reports whether a profile exists yet.
func (r *Registry) IdentifyBulk(uniqueID string, connID uint64) (ClientProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[uniqueID]
	if !ok {
		if old, ok := r.pendingBulk[uniqueID]; ok {
			delete(r.pendingByConn, old)
		}
		r.pendingBulk[uniqueID] = connID
		r.pendingByConn[connID] = uniqueID
		return ClientProfile{}, false
	}
	if p.Bulk.Linked && p.Bulk.ID != connID {
		delete(r.byBulk, p.Bulk.ID)
	}
	p.Bulk = ConnRef{ID: connID, Linked: true}
	r.byBulk[connID] = uniqueID
	return *p, true
}

func (r *Registry) ByUniqueID(uniqueID string) (ClientProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[uniqueID]
	if !ok {
		return ClientProfile{}, false
	}
	return *p, true
}

func (r *Registry) ByControlConn(connID uint64) (ClientProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byControl[connID]
	if !ok {
		return ClientProfile{}, false
	}
	p, ok := r.profiles[id]
	if !ok {
		return ClientProfile{}, false
	}
	return *p, true
}

func (r *Registry) ByBulkConn(connID uint64) (ClientProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byBulk[connID]
	if !ok {
		return ClientProfile{}, false
	}
	p, ok := r.profiles[id]
	if !ok {
		return ClientProfile{}, false
	}
	return *p, true
}

func (r *Registry) ByPlayer(playerID string) (ClientProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPlayer[playerID]
	if !ok {
		return ClientProfile{}, false
	}
	p, ok := r.profiles[id]
	if !ok {
		return ClientProfile{}, false
	}
	return *p, true
}

// SetPlayer links a player entity id to the profile.
func (r *Registry) SetPlayer(uniqueID, playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[uniqueID]
	if !ok {
		return
	}
	if p.PlayerID != "" {
		delete(r.byPlayer, p.PlayerID)
	}
	p.PlayerID = playerID
	if playerID != "" {
		r.byPlayer[playerID] = uniqueID
	}
}

// MarkDisconnected transitions the profile owning the given connection to
// DISCONNECTED and unlinks both channels. Idempotent: a second call for the
// same client (the other channel dropping) returns the profile with ok=false
// so disconnect handling runs once.
func (r *Registry) MarkDisconnected(kind string, connID uint64) (ClientProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var uniqueID string
	var ok bool
	switch kind {
	case "control":
		uniqueID, ok = r.byControl[connID]
	case "bulk":
		uniqueID, ok = r.byBulk[connID]
		if !ok {
			// The connection may still be waiting in the side table; the
			// entry must die with it or a later control identify would
			// adopt a dead connection.
			if pid, pending := r.pendingByConn[connID]; pending {
				delete(r.pendingByConn, connID)
				delete(r.pendingBulk, pid)
			}
		}
	}
	if !ok {
		return ClientProfile{}, false
	}
	p := r.profiles[uniqueID]
	first := p.Status == StatusConnected
	p.Status = StatusDisconnected
	if p.Control.Linked {
		delete(r.byControl, p.Control.ID)
		p.Control = ConnRef{}
	}
	if p.Bulk.Linked {
		delete(r.byBulk, p.Bulk.ID)
		p.Bulk = ConnRef{}
	}
	return *p, first
}

// Remove garbage-collects a disconnected profile and all its index entries.
func (r *Registry) Remove(uniqueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[uniqueID]
	if !ok {
		return
	}
	if p.Control.Linked {
		delete(r.byControl, p.Control.ID)
	}
	if p.Bulk.Linked {
		delete(r.byBulk, p.Bulk.ID)
	}
	if p.PlayerID != "" {
		delete(r.byPlayer, p.PlayerID)
	}
	if connID, ok := r.pendingBulk[uniqueID]; ok {
		delete(r.pendingByConn, connID)
		delete(r.pendingBulk, uniqueID)
	}
	delete(r.profiles, uniqueID)
}

// FullyConnected snapshots every client with both channels linked.
func (r *Registry) FullyConnected() []ClientProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if p.FullyConnected() {
			out = append(out, *p)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
