package regen

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
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
	broadcasts [][]byte
}

func (f *fakeControl) Broadcast(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
}

func (f *fakeControl) starts() []protocol.RegenerationStartMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.RegenerationStartMsg
	for _, raw := range f.broadcasts {
		base, err := protocol.DecodeBase(raw)
		if err != nil || base.Type != protocol.TypeRegenerationStart {
			continue
		}
		var msg protocol.RegenerationStartMsg
		if json.Unmarshal(raw, &msg) == nil {
			out = append(out, msg)
		}
	}
	return out
}

type fakeEngine struct {
	mu          sync.Mutex
	prepared    []*world.Artifact
	transfers   []uint64
	prepareErr  error
	transferErr map[uint64]error
}

func (f *fakeEngine) Prepare(art *world.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return f.prepareErr
	}
	f.prepared = append(f.prepared, art)
	return nil
}

func (f *fakeEngine) BeginTransfer(bulkConnID uint64, art *world.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.transferErr[bulkConnID]; err != nil {
		return err
	}
	f.transfers = append(f.transfers, bulkConnID)
	return nil
}

func (f *fakeEngine) transferred() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.transfers))
	copy(out, f.transfers)
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	assigned []string
	resets   map[string]world.SpawnPoint
}

func newFakeSink() *fakeSink { return &fakeSink{resets: make(map[string]world.SpawnPoint)} }

func (f *fakeSink) CompleteAssignment(uniqueID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, uniqueID)
}

func (f *fakeSink) ResetPlayer(playerID string, sp world.SpawnPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[playerID] = sp
}

func (f *fakeSink) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

func (f *fakeSink) assignedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.assigned))
	copy(out, f.assigned)
	return out
}

func smallGen(seed int64) (*world.Artifact, error) {
	return world.Generate(seed, world.GenConfig{Width: 16, Depth: 16, SpawnPoints: 4}), nil
}

func newTestCoordinator(t *testing.T, gen Generator, reg *registry.Registry, eng *fakeEngine, control *fakeControl) (*Coordinator, *fakeSink) {
	t.Helper()
	c := NewCoordinator(gen, world.NewSerializedCache(), reg, eng, control, Options{
		ReadyTimeout: 200 * time.Millisecond,
		JoinTimeout:  time.Second,
	}, testLogger(), nil)
	sink := newFakeSink()
	c.SetPlayers(sink)
	return c, sink
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("coordinator never returned to idle (state=%s)", c.State())
}

func join(reg *registry.Registry, id string, controlConn, bulkConn uint64, playerID string) {
	reg.IdentifyControl(id, id, controlConn)
	reg.IdentifyBulk(id, bulkConn)
	reg.SetPlayer(id, playerID)
}

func TestRegenerate_FullCycle(t *testing.T) {
	reg := registry.New(testLogger())
	join(reg, "u1", 10, 20, "p1")
	join(reg, "u2", 11, 21, "p2")

	control := &fakeControl{}
	eng := &fakeEngine{}
	c, sink := newTestCoordinator(t, GeneratorFunc(smallGen), reg, eng, control)

	require.NoError(t, c.Regenerate(42, "admin request"))
	require.NoError(t, c.ConfirmReady("u1", 1))
	// u2 never confirms; the ready wait must expire rather than hang.
	waitIdle(t, c)

	starts := control.starts()
	require.Len(t, starts, 1)
	assert.Equal(t, int64(1), starts[0].Epoch)
	assert.Equal(t, int64(42), starts[0].Seed)
	assert.False(t, starts[0].IsInitial)

	assert.ElementsMatch(t, []uint64{20, 21}, eng.transferred(), "both clients get the new world")
	assert.Equal(t, 2, sink.resetCount(), "both players repositioned")
	assert.Equal(t, int64(1), c.Epoch())

	art, ok := c.CurrentArtifact()
	require.True(t, ok)
	assert.Equal(t, int64(42), art.Seed)
}

func TestRegenerate_SingleFlight(t *testing.T) {
	reg := registry.New(testLogger())
	control := &fakeControl{}
	eng := &fakeEngine{}
	release := make(chan struct{})
	gen := GeneratorFunc(func(seed int64) (*world.Artifact, error) {
		<-release
		return smallGen(seed)
	})
	c, _ := newTestCoordinator(t, gen, reg, eng, control)

	require.NoError(t, c.Regenerate(1, "first"))
	err := c.Regenerate(2, "second")
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int64(1), c.Epoch(), "rejected call must not advance the epoch")

	close(release)
	waitIdle(t, c)
	assert.Equal(t, int64(1), c.Epoch())
	require.Len(t, control.starts(), 1, "exactly one cycle announced")
}

func TestRegenerate_GenerationFailureLeavesIdle(t *testing.T) {
	reg := registry.New(testLogger())
	join(reg, "u1", 10, 20, "p1")
	control := &fakeControl{}
	eng := &fakeEngine{}
	gen := GeneratorFunc(func(int64) (*world.Artifact, error) { return nil, errors.New("boom") })
	c, sink := newTestCoordinator(t, gen, reg, eng, control)

	require.NoError(t, c.Regenerate(7, "doomed"))
	waitIdle(t, c)

	_, ok := c.CurrentArtifact()
	assert.False(t, ok, "failed cycle publishes no world")
	assert.Empty(t, eng.transferred())
	assert.Zero(t, sink.resetCount())

	// The coordinator is not stuck: the next cycle runs normally.
	c2gen := GeneratorFunc(smallGen)
	c.gen = c2gen
	require.NoError(t, c.Regenerate(8, "retry"))
	waitIdle(t, c)
	art, ok := c.CurrentArtifact()
	require.True(t, ok)
	assert.Equal(t, int64(8), art.Seed)
	assert.Equal(t, int64(2), c.Epoch())
}

func TestRegenerate_SerializationFailureLeavesIdle(t *testing.T) {
	reg := registry.New(testLogger())
	control := &fakeControl{}
	eng := &fakeEngine{prepareErr: errors.New("encode failed")}
	c, _ := newTestCoordinator(t, GeneratorFunc(smallGen), reg, eng, control)

	require.NoError(t, c.Regenerate(7, "doomed"))
	waitIdle(t, c)
	_, ok := c.CurrentArtifact()
	assert.False(t, ok)
	assert.Empty(t, eng.transferred())
}

func TestRegenerate_PerClientTransferFailureDoesNotAbortCycle(t *testing.T) {
	reg := registry.New(testLogger())
	join(reg, "u1", 10, 20, "p1")
	join(reg, "u2", 11, 21, "p2")
	control := &fakeControl{}
	eng := &fakeEngine{transferErr: map[uint64]error{20: errors.New("conn gone")}}
	c, _ := newTestCoordinator(t, GeneratorFunc(smallGen), reg, eng, control)

	require.NoError(t, c.Regenerate(3, "one client down"))
	require.NoError(t, c.ConfirmReady("u2", 1))
	waitIdle(t, c)

	assert.Equal(t, []uint64{21}, eng.transferred(), "healthy client still served")
	art, ok := c.CurrentArtifact()
	require.True(t, ok)
	assert.Equal(t, int64(3), art.Seed)
}

func TestDeferAssignment_FlushedAfterDistribution(t *testing.T) {
	reg := registry.New(testLogger())
	control := &fakeControl{}
	eng := &fakeEngine{}
	entered := make(chan struct{})
	release := make(chan struct{})
	gen := GeneratorFunc(func(seed int64) (*world.Artifact, error) {
		close(entered)
		<-release
		return smallGen(seed)
	})
	c, sink := newTestCoordinator(t, gen, reg, eng, control)

	require.NoError(t, c.Regenerate(5, "swap"))
	<-entered

	// A client identifies mid-cycle: its assignment is queued, and it gets the
	// new epoch's world during the flush, never the outgoing one.
	join(reg, "late", 30, 40, "p-late")
	require.True(t, c.DeferAssignment("late"))

	close(release)
	waitIdle(t, c)

	assert.Contains(t, eng.transferred(), uint64(40))
	assert.Equal(t, []string{"late"}, sink.assignedIDs())

	// Once idle, identification takes the direct path.
	assert.False(t, c.DeferAssignment("late"))
}

func TestRegenerate_FailedEpochStillFlushesPending(t *testing.T) {
	reg := registry.New(testLogger())
	control := &fakeControl{}
	eng := &fakeEngine{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var failNext atomic.Bool
	gen := GeneratorFunc(func(seed int64) (*world.Artifact, error) {
		if !failNext.Load() {
			return smallGen(seed)
		}
		close(entered)
		<-release
		return nil, errors.New("boom")
	})
	c, sink := newTestCoordinator(t, gen, reg, eng, control)

	require.NoError(t, c.Regenerate(1, "baseline"))
	waitIdle(t, c)
	failNext.Store(true)

	require.NoError(t, c.Regenerate(2, "doomed"))
	<-entered

	// A client identifies and defers into the epoch that is about to fail.
	join(reg, "late", 30, 40, "p-late")
	require.True(t, c.DeferAssignment("late"))

	close(release)
	waitIdle(t, c)

	// The failed epoch must not strand the deferred client: it is handed the
	// surviving world and assigned.
	assert.Contains(t, eng.transferred(), uint64(40))
	assert.Equal(t, []string{"late"}, sink.assignedIDs())
	art, ok := c.CurrentArtifact()
	require.True(t, ok)
	assert.Equal(t, int64(1), art.Seed, "the pre-failure world survives")
}

func TestWaitReady_ConfirmationWakesWorker(t *testing.T) {
	reg := registry.New(testLogger())
	join(reg, "u1", 10, 20, "p1")
	control := &fakeControl{}
	eng := &fakeEngine{}
	// A deliberately long deadline: the cycle may only finish quickly if the
	// confirmation itself releases the wait.
	c := NewCoordinator(GeneratorFunc(smallGen), world.NewSerializedCache(), reg, eng, control, Options{
		ReadyTimeout: 10 * time.Second,
		JoinTimeout:  time.Second,
	}, testLogger(), nil)
	c.SetPlayers(newFakeSink())

	require.NoError(t, c.Regenerate(4, "wake test"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = c.ConfirmReady("u1", 1)
	}()
	start := time.Now()
	waitIdle(t, c)
	assert.Less(t, time.Since(start), 5*time.Second, "confirmation must release the wait before the deadline")
}

func TestConfirmReady_StaleEpochRejected(t *testing.T) {
	reg := registry.New(testLogger())
	join(reg, "u1", 10, 20, "p1")
	control := &fakeControl{}
	c, _ := newTestCoordinator(t, GeneratorFunc(smallGen), reg, &fakeEngine{}, control)

	require.NoError(t, c.Regenerate(1, "first"))
	require.NoError(t, c.ConfirmReady("u1", 1))
	waitIdle(t, c)

	err := c.ConfirmReady("u1", 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.ErrStaleEpoch)

	err = c.ConfirmReady("u1", 0)
	require.Error(t, err)
}

func TestEnsureInitialWorld_SingleEpochAcrossCallers(t *testing.T) {
	reg := registry.New(testLogger())
	control := &fakeControl{}
	// The generator holds the cycle open until every caller has been through
	// EnsureInitialWorld, so all of them observe the same active epoch.
	callersDone := make(chan struct{})
	gen := GeneratorFunc(func(seed int64) (*world.Artifact, error) {
		<-callersDone
		return smallGen(seed)
	})
	c, _ := newTestCoordinator(t, gen, reg, &fakeEngine{}, control)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.EnsureInitialWorld()
		}()
	}
	wg.Wait()
	close(callersDone)
	waitIdle(t, c)

	_, ok := c.CurrentArtifact()
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Epoch(), "concurrent callers collapse into one epoch")

	starts := control.starts()
	require.Len(t, starts, 1)
	assert.True(t, starts[0].IsInitial)

	// A world already exists: further calls are no-ops.
	c.EnsureInitialWorld()
	waitIdle(t, c)
	assert.Equal(t, int64(1), c.Epoch())
}

func TestForget_DropsPendingAndReady(t *testing.T) {
	reg := registry.New(testLogger())
	control := &fakeControl{}
	eng := &fakeEngine{}
	entered := make(chan struct{})
	release := make(chan struct{})
	gen := GeneratorFunc(func(seed int64) (*world.Artifact, error) {
		close(entered)
		<-release
		return smallGen(seed)
	})
	c, sink := newTestCoordinator(t, gen, reg, eng, control)

	require.NoError(t, c.Regenerate(5, "swap"))
	<-entered

	join(reg, "ghost", 30, 40, "p-ghost")
	require.True(t, c.DeferAssignment("ghost"))
	c.Forget("ghost")
	reg.Remove("ghost")

	close(release)
	waitIdle(t, c)
	assert.Empty(t, sink.assignedIDs(), "forgotten client never assigned")
	assert.NotContains(t, eng.transferred(), uint64(40))
}
