package lifecycle

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/registry"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/world"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeControl struct {
	mu         sync.Mutex
	sent       map[uint64][][]byte
	broadcasts [][]byte
}

func newFakeControl() *fakeControl { return &fakeControl{sent: make(map[uint64][][]byte)} }

func (f *fakeControl) Send(connID uint64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID] = append(f.sent[connID], payload)
	return nil
}

func (f *fakeControl) Broadcast(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
}

func (f *fakeControl) sentTo(connID uint64) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent[connID]))
	copy(out, f.sent[connID])
	return out
}

func (f *fakeControl) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

type fakeEngine struct {
	mu        sync.Mutex
	transfers []uint64
	arts      []*world.Artifact
	fail      bool
}

func (f *fakeEngine) BeginTransfer(bulkConnID uint64, art *world.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transfer failed")
	}
	f.transfers = append(f.transfers, bulkConnID)
	f.arts = append(f.arts, art)
	return nil
}

func (f *fakeEngine) lastArtifact() *world.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.arts) == 0 {
		return nil
	}
	return f.arts[len(f.arts)-1]
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

type fakeCoord struct {
	mu       sync.Mutex
	art      *world.Artifact
	deferAll bool
	deferred []string
	initial  int
	forgot   []string

	// When set, DeferAssignment swaps the current artifact before declining,
	// imitating an epoch that completes while the identify is in flight.
	swapOnDefer *world.Artifact
}

func (f *fakeCoord) CurrentArtifact() (*world.Artifact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.art, f.art != nil
}

func (f *fakeCoord) DeferAssignment(uniqueID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swapOnDefer != nil {
		f.art = f.swapOnDefer
		f.swapOnDefer = nil
	}
	if !f.deferAll {
		return false
	}
	f.deferred = append(f.deferred, uniqueID)
	return true
}

func (f *fakeCoord) EnsureInitialWorld() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initial++
}

func (f *fakeCoord) Forget(uniqueID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, uniqueID)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func identify(reg *registry.Registry, id string, controlConn, bulkConn uint64) registry.ClientProfile {
	reg.IdentifyControl(id, id, controlConn)
	p, _ := reg.IdentifyBulk(id, bulkConn)
	return p
}

func TestIdentified_TransferThenAssignment(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	engine := &fakeEngine{}
	coord := &fakeCoord{art: world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})}

	m := NewManager(reg, control, engine, testLogger(), nil)
	m.SetCoordinator(coord)

	p := identify(reg, "u1", 10, 20)
	m.HandleIdentified(p)

	eventually(t, func() bool { return m.IsAssigned("u1") }, "client assigned")
	assert.Equal(t, []uint64{20}, engine.transfers, "transfer goes to the bulk connection")

	msgs := control.sentTo(10)
	require.Len(t, msgs, 1)
	var assign protocol.PlayerAssignmentMsg
	require.NoError(t, json.Unmarshal(msgs[0], &assign))
	assert.Equal(t, protocol.TypePlayerAssignment, assign.Type)
	assert.NotEmpty(t, assign.PlayerID)

	ent, ok := m.Entity(assign.PlayerID)
	require.True(t, ok)
	assert.Equal(t, "u1", ent.OwnerID)
}

func TestIdentified_NoAssignmentWhenTransferFails(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	engine := &fakeEngine{fail: true}
	coord := &fakeCoord{art: world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})}

	m := NewManager(reg, control, engine, testLogger(), nil)
	m.SetCoordinator(coord)
	m.HandleIdentified(identify(reg, "u1", 10, 20))

	// The client stays AWAITING_WORLD; no assignment may reach it.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, m.IsAssigned("u1"))
	assert.Empty(t, control.sentTo(10))
	state, ok := m.State("u1")
	require.True(t, ok)
	assert.Equal(t, StateAwaitingWorld, state)
}

func TestIdentified_DeferredDuringRegeneration(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	engine := &fakeEngine{}
	coord := &fakeCoord{
		art:      world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2}),
		deferAll: true,
	}

	m := NewManager(reg, control, engine, testLogger(), nil)
	m.SetCoordinator(coord)
	m.HandleIdentified(identify(reg, "u1", 10, 20))

	// Entity exists immediately, but no transfer and no assignment yet.
	p, _ := reg.ByUniqueID("u1")
	assert.NotEmpty(t, p.PlayerID)
	assert.Equal(t, []string{"u1"}, coord.deferred)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, engine.count())
	assert.Empty(t, control.sentTo(10))

	// The coordinator's flush path later completes the assignment.
	m.CompleteAssignment("u1")
	assert.True(t, m.IsAssigned("u1"))
}

func TestIdentified_EpochCompletingMidJoinUsesNewWorld(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	engine := &fakeEngine{}
	oldWorld := world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})
	newWorld := world.Generate(2, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})
	coord := &fakeCoord{art: oldWorld, swapOnDefer: newWorld}

	m := NewManager(reg, control, engine, testLogger(), nil)
	m.SetCoordinator(coord)
	m.HandleIdentified(identify(reg, "u1", 10, 20))

	// The epoch finished while the identify was in flight: the client must be
	// handed the world that epoch produced, not the one it replaced.
	eventually(t, func() bool { return m.IsAssigned("u1") }, "client assigned")
	require.NotNil(t, engine.lastArtifact())
	assert.Equal(t, newWorld.MapID, engine.lastArtifact().MapID)
}

func TestIdentified_NoWorldTriggersInitialGeneration(t *testing.T) {
	reg := registry.New(testLogger())
	coord := &fakeCoord{deferAll: true} // no artifact yet
	m := NewManager(reg, newFakeControl(), &fakeEngine{}, testLogger(), nil)
	m.SetCoordinator(coord)

	m.HandleIdentified(identify(reg, "u1", 10, 20))
	assert.Equal(t, 1, coord.initial)
	assert.Equal(t, []string{"u1"}, coord.deferred)
}

func TestDisconnect_CleansUpAndBroadcasts(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	engine := &fakeEngine{}
	coord := &fakeCoord{art: world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})}

	m := NewManager(reg, control, engine, testLogger(), nil)
	m.SetCoordinator(coord)
	m.HandleIdentified(identify(reg, "u1", 10, 20))
	eventually(t, func() bool { return m.IsAssigned("u1") }, "client assigned")

	p, _ := reg.ByUniqueID("u1")
	playerID := p.PlayerID

	m.HandleDisconnect("control", 10)

	_, ok := reg.ByUniqueID("u1")
	assert.False(t, ok, "profile garbage-collected")
	_, ok = m.Entity(playerID)
	assert.False(t, ok, "entity destroyed")
	assert.Equal(t, []string{"u1"}, coord.forgot)

	require.Equal(t, 1, control.broadcastCount())
	var disc protocol.PlayerDisconnectMsg
	require.NoError(t, json.Unmarshal(control.broadcasts[0], &disc))
	assert.Equal(t, playerID, disc.PlayerID)

	// Second drop of the other channel is a no-op.
	m.HandleDisconnect("bulk", 20)
	assert.Equal(t, 1, control.broadcastCount())
}

func TestUpdate_LastWriterWinsWithSeqGuard(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	coord := &fakeCoord{art: world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})}

	m := NewManager(reg, control, &fakeEngine{}, testLogger(), nil)
	m.SetCoordinator(coord)
	m.HandleIdentified(identify(reg, "u1", 10, 20))
	eventually(t, func() bool { return m.IsAssigned("u1") }, "client assigned")

	p, _ := reg.ByUniqueID("u1")
	upd := protocol.PlayerUpdateMsg{
		Type: protocol.TypePlayerUpdate, ProtocolVersion: protocol.Version,
		PlayerID: p.PlayerID, Seq: 5, X: 1, Y: 2, Z: 3, Yaw: 45, Pitch: -5,
	}
	require.NoError(t, m.HandleUpdate(10, upd))

	ent, _ := m.Entity(p.PlayerID)
	assert.Equal(t, 1.0, ent.X)

	// A reordered stale update must not roll the position back.
	stale := upd
	stale.Seq = 4
	stale.X = -99
	require.NoError(t, m.HandleUpdate(10, stale))
	ent, _ = m.Entity(p.PlayerID)
	assert.Equal(t, 1.0, ent.X)

	// Unidentified connections and foreign player ids are rejected.
	require.Error(t, m.HandleUpdate(999, upd))
	foreign := upd
	foreign.PlayerID = "someone-else"
	require.Error(t, m.HandleUpdate(10, foreign))
}

func TestUpdate_FansOutToOtherAssignedClients(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	coord := &fakeCoord{art: world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})}

	m := NewManager(reg, control, &fakeEngine{}, testLogger(), nil)
	m.SetCoordinator(coord)
	m.HandleIdentified(identify(reg, "u1", 10, 20))
	m.HandleIdentified(identify(reg, "u2", 11, 21))
	eventually(t, func() bool { return m.IsAssigned("u1") && m.IsAssigned("u2") }, "both assigned")

	p1, _ := reg.ByUniqueID("u1")
	before := len(control.sentTo(11))
	require.NoError(t, m.HandleUpdate(10, protocol.PlayerUpdateMsg{
		Type: protocol.TypePlayerUpdate, ProtocolVersion: protocol.Version,
		PlayerID: p1.PlayerID, Seq: 1, X: 7,
	}))

	// u2 sees the update; u1 does not get its own echo.
	assert.Len(t, control.sentTo(11), before+1)
	for _, raw := range control.sentTo(10) {
		base, _ := protocol.DecodeBase(raw)
		assert.NotEqual(t, protocol.TypePlayerUpdate, base.Type)
	}
}

func TestResetPlayer_MovesEntityAndNotifiesOwner(t *testing.T) {
	reg := registry.New(testLogger())
	control := newFakeControl()
	coord := &fakeCoord{art: world.Generate(1, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 2})}

	m := NewManager(reg, control, &fakeEngine{}, testLogger(), nil)
	m.SetCoordinator(coord)
	m.HandleIdentified(identify(reg, "u1", 10, 20))
	eventually(t, func() bool { return m.IsAssigned("u1") }, "client assigned")

	p, _ := reg.ByUniqueID("u1")
	before := len(control.sentTo(10))
	m.ResetPlayer(p.PlayerID, world.SpawnPoint{X: 100, Y: 0, Z: 200, Yaw: 90})

	ent, _ := m.Entity(p.PlayerID)
	assert.Equal(t, 100.0, ent.X)
	assert.Equal(t, 200.0, ent.Z)
	assert.Equal(t, 90.0, ent.Yaw)

	msgs := control.sentTo(10)
	require.Len(t, msgs, before+1)
	var reset protocol.PlayerResetMsg
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &reset))
	assert.Equal(t, [3]float64{100, 0, 200}, reset.Position)
}
