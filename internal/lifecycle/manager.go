package lifecycle

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/jaymcole/curly-octo-adventure-sub002/internal/metrics"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/registry"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/world"
)

// Client assignment states. UNIDENTIFIED clients have no profile yet and
// TERMINATED ones no longer appear in the table, so only the middle two states
// are stored.
const (
	StateAwaitingWorld = "AWAITING_WORLD"
	StateAssigned      = "ASSIGNED"
)

// ControlSender is the slice of the control channel the manager needs.
type ControlSender interface {
	Send(connID uint64, payload []byte) error
	Broadcast(payload []byte)
}

// TransferStarter is the bulk transfer engine's contract.
type TransferStarter interface {
	BeginTransfer(bulkConnID uint64, art *world.Artifact) error
}

// Coordinator is the regeneration coordinator's contract as seen from the
// lifecycle side.
type Coordinator interface {
	// CurrentArtifact returns the authoritative world, if one exists yet.
	CurrentArtifact() (*world.Artifact, bool)
	// DeferAssignment queues the client's assignment while an epoch is
	// active. Reports whether the assignment was deferred.
	DeferAssignment(uniqueID string) bool
	// EnsureInitialWorld kicks off initial generation when no world exists.
	EnsureInitialWorld()
	// Forget drops the client from pending/ready bookkeeping.
	Forget(uniqueID string)
}

// PlayerEntity is the authoritative avatar state for one client.
type PlayerEntity struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`

	lastSeq uint64
}

// Manager drives player entities through identify, world delivery, assignment
// and disconnect. It guarantees a client never receives PlayerAssignment
// before a complete world transfer.
type Manager struct {
	mu       sync.Mutex
	entities map[string]*PlayerEntity // player id -> entity
	states   map[string]string        // unique id -> assignment state

	reg     *registry.Registry
	control ControlSender
	engine  TransferStarter
	coord   Coordinator

	log *log.Logger
	met *metrics.Metrics
}

func NewManager(reg *registry.Registry, control ControlSender, engine TransferStarter, logger *log.Logger, met *metrics.Metrics) *Manager {
	return &Manager{
		entities: make(map[string]*PlayerEntity),
		states:   make(map[string]string),
		reg:      reg,
		control:  control,
		engine:   engine,
		log:      logger,
		met:      met,
	}
}

// SetCoordinator wires the regeneration coordinator after construction; the
// two components reference each other.
func (m *Manager) SetCoordinator(c Coordinator) { m.coord = c }

// HandleIdentified runs once a client is fully connected on both channels.
// The entity exists from this point on; the world transfer and the assignment
// run off the callback goroutine.
func (m *Manager) HandleIdentified(p registry.ClientProfile) {
	m.mu.Lock()
	if _, exists := m.states[p.UniqueID]; exists {
		m.mu.Unlock()
		return
	}
	ent := &PlayerEntity{ID: uuid.NewString(), OwnerID: p.UniqueID}
	m.entities[ent.ID] = ent
	m.states[p.UniqueID] = StateAwaitingWorld
	m.mu.Unlock()

	m.reg.SetPlayer(p.UniqueID, ent.ID)
	if m.met != nil {
		m.met.ConnectedClients.Set(float64(len(m.reg.FullyConnected())))
	}
	m.log.Printf("client %s (%s) identified, player=%s", p.UniqueID, p.Name, ent.ID)

	if _, ok := m.coord.CurrentArtifact(); !ok {
		m.coord.EnsureInitialWorld()
	}
	if m.coord.DeferAssignment(p.UniqueID) {
		// A regeneration is in flight; this client receives the new epoch's
		// world during distribution, never the outgoing one.
		return
	}
	// Load the artifact only after the defer decision: an epoch completing
	// between the two calls must hand this client its world, not the one
	// that was current when the client identified.
	art, ok := m.coord.CurrentArtifact()
	if !ok {
		m.log.Printf("client %s: no world after initial generation", p.UniqueID)
		return
	}

	go m.transferAndAssign(p.UniqueID, p.Bulk.ID, art)
}

func (m *Manager) transferAndAssign(uniqueID string, bulkConnID uint64, art *world.Artifact) {
	if err := m.engine.BeginTransfer(bulkConnID, art); err != nil {
		// The client stays AWAITING_WORLD; its own state machine detects the
		// stall and reconnects. Other clients are unaffected.
		m.log.Printf("client %s: world transfer failed: %v", uniqueID, err)
		return
	}
	m.CompleteAssignment(uniqueID)
}

// CompleteAssignment sends PlayerAssignment. Callers must only invoke it after
// a TransferComplete has been sent to the client for some world version; the
// direct path and the coordinator's deferred flush both satisfy this.
func (m *Manager) CompleteAssignment(uniqueID string) {
	p, ok := m.reg.ByUniqueID(uniqueID)
	if !ok || !p.FullyConnected() || p.PlayerID == "" {
		return
	}

	raw, _ := json.Marshal(protocol.PlayerAssignmentMsg{
		Type:            protocol.TypePlayerAssignment,
		ProtocolVersion: protocol.Version,
		PlayerID:        p.PlayerID,
	})
	if err := m.control.Send(p.Control.ID, raw); err != nil {
		m.log.Printf("client %s: assignment send failed: %v", uniqueID, err)
		return
	}

	m.mu.Lock()
	m.states[uniqueID] = StateAssigned
	m.mu.Unlock()
}

// HandleDisconnect tears down a client after either channel drops. Idempotent
// and safe to run concurrently with in-flight transfers for the same client.
func (m *Manager) HandleDisconnect(kind string, connID uint64) {
	p, first := m.reg.MarkDisconnected(kind, connID)
	if !first {
		return
	}

	m.mu.Lock()
	if p.PlayerID != "" {
		delete(m.entities, p.PlayerID)
	}
	delete(m.states, p.UniqueID)
	m.mu.Unlock()

	if m.coord != nil {
		m.coord.Forget(p.UniqueID)
	}
	m.reg.Remove(p.UniqueID)
	if m.met != nil {
		m.met.ConnectedClients.Set(float64(len(m.reg.FullyConnected())))
	}
	m.log.Printf("client %s disconnected (%s channel)", p.UniqueID, kind)

	if p.PlayerID != "" {
		raw, _ := json.Marshal(protocol.PlayerDisconnectMsg{
			Type:            protocol.TypePlayerDisconnect,
			ProtocolVersion: protocol.Version,
			PlayerID:        p.PlayerID,
		})
		m.control.Broadcast(raw)
	}
}

// HandleUpdate applies a position update from the owning connection and fans
// it out to the other assigned clients. Last-writer-wins per client, with the
// seq guard dropping reordered stale updates.
func (m *Manager) HandleUpdate(connID uint64, msg protocol.PlayerUpdateMsg) error {
	p, ok := m.reg.ByControlConn(connID)
	if !ok {
		return fmt.Errorf("position update from unidentified conn %d", connID)
	}
	if p.PlayerID == "" || p.PlayerID != msg.PlayerID {
		return fmt.Errorf("client %s: position update for foreign player %q", p.UniqueID, msg.PlayerID)
	}

	m.mu.Lock()
	ent, ok := m.entities[p.PlayerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("client %s: no entity for player %s", p.UniqueID, p.PlayerID)
	}
	if msg.Seq != 0 && msg.Seq <= ent.lastSeq {
		m.mu.Unlock()
		return nil // stale reordering, drop silently
	}
	if msg.Seq != 0 {
		ent.lastSeq = msg.Seq
	}
	ent.X, ent.Y, ent.Z = msg.X, msg.Y, msg.Z
	ent.Yaw, ent.Pitch = msg.Yaw, msg.Pitch
	m.mu.Unlock()

	if m.met != nil {
		m.met.PositionUpdates.Inc()
	}

	raw, _ := json.Marshal(msg)
	for _, other := range m.reg.FullyConnected() {
		if other.UniqueID == p.UniqueID || !m.IsAssigned(other.UniqueID) {
			continue
		}
		_ = m.control.Send(other.Control.ID, raw)
	}
	return nil
}

// ResetPlayer moves the entity to a spawn point and notifies its owner.
// Called by the regeneration coordinator during the reset step.
func (m *Manager) ResetPlayer(playerID string, sp world.SpawnPoint) {
	m.mu.Lock()
	ent, ok := m.entities[playerID]
	if ok {
		ent.X, ent.Y, ent.Z = sp.X, sp.Y, sp.Z
		ent.Yaw = sp.Yaw
		ent.Pitch = 0
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	p, ok := m.reg.ByPlayer(playerID)
	if !ok || !p.Control.Linked {
		return
	}
	raw, _ := json.Marshal(protocol.PlayerResetMsg{
		Type:            protocol.TypePlayerReset,
		ProtocolVersion: protocol.Version,
		PlayerID:        playerID,
		Position:        [3]float64{sp.X, sp.Y, sp.Z},
		Yaw:             sp.Yaw,
	})
	if err := m.control.Send(p.Control.ID, raw); err != nil {
		m.log.Printf("player %s: reset send failed: %v", playerID, err)
	}
}

// Entity returns a copy of the authoritative entity state.
func (m *Manager) Entity(playerID string) (PlayerEntity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[playerID]
	if !ok {
		return PlayerEntity{}, false
	}
	return *ent, true
}

// Players snapshots every live entity; consumed by render/physics layers.
func (m *Manager) Players() []PlayerEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlayerEntity, 0, len(m.entities))
	for _, ent := range m.entities {
		out = append(out, *ent)
	}
	return out
}

func (m *Manager) IsAssigned(uniqueID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[uniqueID] == StateAssigned
}

func (m *Manager) State(uniqueID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[uniqueID]
	return s, ok
}
