package regen

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/jaymcole/curly-octo-adventure-sub002/internal/metrics"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/registry"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/world"
)

// Coordinator states.
const (
	StateIdle         = "IDLE"
	StateRegenerating = "REGENERATING"
	StateDistributing = "DISTRIBUTING"
	StateResetting    = "RESETTING"
)

// ErrBusy is returned when a regeneration is requested while one is active.
var ErrBusy = errors.New("regeneration already in progress")

// Generator is the world-generation collaborator. May be slow; called only
// from the coordinator's background worker.
type Generator interface {
	Generate(seed int64) (*world.Artifact, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(seed int64) (*world.Artifact, error)

func (f GeneratorFunc) Generate(seed int64) (*world.Artifact, error) { return f(seed) }

// ControlSender is the slice of the control channel the coordinator needs.
type ControlSender interface {
	Broadcast(payload []byte)
}

// Transferer is the bulk transfer engine's contract.
type Transferer interface {
	Prepare(art *world.Artifact) error
	BeginTransfer(bulkConnID uint64, art *world.Artifact) error
}

// PlayerSink is the lifecycle manager's contract as seen from the coordinator.
type PlayerSink interface {
	CompleteAssignment(uniqueID string)
	ResetPlayer(playerID string, sp world.SpawnPoint)
}

// Observer is notified after each cycle finishes; used for audit trails and
// the epoch history index.
type Observer interface {
	EpochFinished(epoch, seed int64, mapID, reason string, clients int, outcome string)
}

// Options bounds the coordinator's waits.
type Options struct {
	// ReadyTimeout caps the best-effort wait for client readiness
	// confirmations. On expiry the cycle proceeds anyway.
	ReadyTimeout time.Duration
	// JoinTimeout caps the wait for a previous regeneration worker before a
	// new cycle may start.
	JoinTimeout time.Duration
}

func (o *Options) fill() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
}

// Coordinator orchestrates a world swap across all clients: announce, apply,
// redistribute, reposition, resume. At most one epoch is active at a time and
// the whole workflow runs on a single background worker, never on transport
// callback goroutines.
type Coordinator struct {
	mu       sync.Mutex
	state    string
	active   bool
	flushed  bool // pending-assignment queue drained for the active epoch
	prevDone chan struct{}

	epoch   atomic.Int64
	current atomic.Pointer[world.Artifact]

	gen     Generator
	cache   *world.SerializedCache
	reg     *registry.Registry
	engine  Transferer
	control ControlSender
	players PlayerSink
	obs     Observer

	// Clients that identified while an epoch was active; their assignments
	// flush in one pass once distribution completes.
	pending cmap.ConcurrentMap[string, struct{}]
	// Best-effort readiness confirmations for the active epoch. readyCh
	// wakes the waiting worker whenever the set (or the client population)
	// changes; capacity 1, sends never block.
	ready   cmap.ConcurrentMap[string, struct{}]
	readyCh chan struct{}

	opts Options
	log  *log.Logger
	met  *metrics.Metrics
}

func NewCoordinator(gen Generator, cache *world.SerializedCache, reg *registry.Registry, engine Transferer, control ControlSender, opts Options, logger *log.Logger, met *metrics.Metrics) *Coordinator {
	opts.fill()
	return &Coordinator{
		state:   StateIdle,
		gen:     gen,
		cache:   cache,
		reg:     reg,
		engine:  engine,
		control: control,
		pending: cmap.New[struct{}](),
		ready:   cmap.New[struct{}](),
		readyCh: make(chan struct{}, 1),
		opts:    opts,
		log:     logger,
		met:     met,
	}
}

// SetPlayers wires the lifecycle manager after construction; the two
// components reference each other.
func (c *Coordinator) SetPlayers(p PlayerSink) { c.players = p }

// SetObserver wires the audit sink. Must be called before the first cycle.
func (c *Coordinator) SetObserver(obs Observer) { c.obs = obs }

// Regenerate starts a new epoch. A call while one is active is a logged no-op
// returning ErrBusy; the epoch id and ready set are untouched by it.
func (c *Coordinator) Regenerate(seed int64, reason string) error {
	return c.regenerate(seed, reason, false)
}

// EnsureInitialWorld triggers the very first generation if no world exists.
// Safe to call from any goroutine; concurrent calls collapse into one epoch.
func (c *Coordinator) EnsureInitialWorld() {
	if c.current.Load() != nil {
		return
	}
	if err := c.regenerate(rand.Int63(), "initial world", true); err != nil && !errors.Is(err, ErrBusy) {
		c.log.Printf("initial generation: %v", err)
	}
}

func (c *Coordinator) regenerate(seed int64, reason string, isInitial bool) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		c.log.Printf("regenerate rejected: cycle already in progress (reason=%q)", reason)
		if c.met != nil {
			c.met.RegenerationsTotal.WithLabelValues("rejected").Inc()
		}
		return ErrBusy
	}
	prev := c.prevDone
	c.mu.Unlock()

	// Bounded join on the previous worker so two cycles never race on the
	// shared cache or the current artifact.
	if prev != nil {
		select {
		case <-prev:
		case <-time.After(c.opts.JoinTimeout):
			c.log.Printf("previous regeneration worker not finished after %s, proceeding", c.opts.JoinTimeout)
		}
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		if c.met != nil {
			c.met.RegenerationsTotal.WithLabelValues("rejected").Inc()
		}
		return ErrBusy
	}
	done := make(chan struct{})
	c.active = true
	c.flushed = false
	c.state = StateRegenerating
	c.prevDone = done
	epoch := c.epoch.Add(1)
	c.mu.Unlock()

	go c.run(epoch, seed, reason, isInitial, done)
	return nil
}

func (c *Coordinator) run(epoch, seed int64, reason string, isInitial bool, done chan struct{}) {
	outcome := "failed"
	mapID := ""
	clients := 0
	defer func() {
		// A failed cycle must not strand clients that deferred into it: hand
		// them the surviving world directly, or drop the queue if none
		// exists yet (they stay AWAITING_WORLD and reconnect).
		if outcome != "complete" {
			if art := c.current.Load(); art != nil {
				c.flushPending(epoch, art, make(map[string]registry.ClientProfile))
			} else {
				c.mu.Lock()
				c.flushed = true
				c.mu.Unlock()
				for uniqueID := range c.pending.Items() {
					c.pending.Remove(uniqueID)
					c.log.Printf("epoch %d: failed with no world, dropping pending assignment for %s", epoch, uniqueID)
				}
			}
		}
		// Guaranteed cleanup: whatever happened above, the coordinator is
		// never left stuck with the in-progress flag set.
		c.mu.Lock()
		c.state = StateIdle
		c.active = false
		c.mu.Unlock()
		close(done)
		if c.met != nil {
			c.met.RegenerationsTotal.WithLabelValues(outcome).Inc()
		}
		if c.obs != nil {
			c.obs.EpochFinished(epoch, seed, mapID, reason, clients, outcome)
		}
	}()

	c.log.Printf("epoch %d: regenerating (seed=%d reason=%q initial=%v)", epoch, seed, reason, isInitial)
	c.ready.Clear()

	start, _ := json.Marshal(protocol.RegenerationStartMsg{
		Type:            protocol.TypeRegenerationStart,
		ProtocolVersion: protocol.Version,
		Epoch:           epoch,
		Seed:            seed,
		Reason:          reason,
		IsInitial:       isInitial,
	})
	c.control.Broadcast(start)

	c.cache.Clear()
	art, err := c.gen.Generate(seed)
	if err != nil {
		c.log.Printf("epoch %d: generation failed: %v", epoch, err)
		return
	}
	if err := c.engine.Prepare(art); err != nil {
		c.log.Printf("epoch %d: serialization failed: %v", epoch, err)
		return
	}
	c.current.Store(art)
	mapID = art.MapID
	if c.met != nil {
		c.met.CurrentEpoch.Set(float64(epoch))
	}

	c.setState(StateDistributing)
	distributed := make(map[string]registry.ClientProfile)
	for _, p := range c.reg.FullyConnected() {
		if err := c.engine.BeginTransfer(p.Bulk.ID, art); err != nil {
			c.log.Printf("epoch %d: distribute to %s failed: %v", epoch, p.UniqueID, err)
			continue
		}
		distributed[p.UniqueID] = p
	}

	c.flushPending(epoch, art, distributed)
	c.waitReady(epoch, distributed)

	c.setState(StateResetting)
	c.resetPlayers(art)

	c.log.Printf("epoch %d: complete (%d clients)", epoch, len(distributed))
	clients = len(distributed)
	outcome = "complete"
}

// flushPending drains the queued assignments in one pass. Clients that
// identified after the distribution snapshot get their own transfer first so
// the assignment ordering guarantee holds for them too.
func (c *Coordinator) flushPending(epoch int64, art *world.Artifact, distributed map[string]registry.ClientProfile) {
	c.mu.Lock()
	c.flushed = true
	c.mu.Unlock()

	for uniqueID := range c.pending.Items() {
		c.pending.Remove(uniqueID)
		p, ok := c.reg.ByUniqueID(uniqueID)
		if !ok || !p.FullyConnected() {
			continue
		}
		if _, got := distributed[uniqueID]; !got {
			if err := c.engine.BeginTransfer(p.Bulk.ID, art); err != nil {
				c.log.Printf("epoch %d: late transfer to %s failed: %v", epoch, uniqueID, err)
				continue
			}
			distributed[uniqueID] = p
		}
		if c.players != nil {
			c.players.CompleteAssignment(uniqueID)
		}
	}
}

// waitReady blocks until every distributed client confirmed the epoch or the
// timeout expires. Best-effort: on timeout it logs and proceeds; regeneration
// never deadlocks on an unresponsive client.
func (c *Coordinator) waitReady(epoch int64, distributed map[string]registry.ClientProfile) {
	if len(distributed) == 0 {
		return
	}
	deadline := time.NewTimer(c.opts.ReadyTimeout)
	defer deadline.Stop()

	for {
		missing := 0
		for uniqueID := range distributed {
			if _, ok := c.reg.ByUniqueID(uniqueID); !ok {
				continue // dropped mid-cycle, stop waiting on it
			}
			if _, ok := c.ready.Get(uniqueID); !ok {
				missing++
			}
		}
		if missing == 0 {
			return
		}
		select {
		case <-deadline.C:
			c.log.Printf("epoch %d: ready wait timed out with %d client(s) unconfirmed, proceeding", epoch, missing)
			return
		case <-c.readyCh:
		}
	}
}

// wakeReady nudges a waiting worker; drops the signal if one is already queued.
func (c *Coordinator) wakeReady() {
	select {
	case c.readyCh <- struct{}{}:
	default:
	}
}

// resetPlayers computes per-client spawns from the new world's hints,
// round-robin when clients outnumber spawn points.
func (c *Coordinator) resetPlayers(art *world.Artifact) {
	spawns := art.SpawnPoints()
	if len(spawns) == 0 || c.players == nil {
		return
	}
	i := 0
	for _, p := range c.reg.FullyConnected() {
		if p.PlayerID == "" {
			continue
		}
		c.players.ResetPlayer(p.PlayerID, spawns[i%len(spawns)])
		i++
	}
}

// DeferAssignment queues a client's assignment while the active epoch has not
// yet flushed. Reports whether the assignment was deferred; false means the
// caller should take the direct transfer-then-assign path.
func (c *Coordinator) DeferAssignment(uniqueID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.flushed {
		return false
	}
	c.pending.Set(uniqueID, struct{}{})
	return true
}

// ConfirmReady records a client's readiness confirmation. Confirmations tagged
// with a non-current epoch are dropped.
func (c *Coordinator) ConfirmReady(uniqueID string, epoch int64) error {
	cur := c.epoch.Load()
	if epoch != cur {
		c.log.Printf("client %s: stale ready for epoch %d (current %d), dropped", uniqueID, epoch, cur)
		return fmt.Errorf("%s: ready epoch %d, current %d", protocol.ErrStaleEpoch, epoch, cur)
	}
	c.ready.Set(uniqueID, struct{}{})
	c.wakeReady()
	return nil
}

// Forget drops a client from pending/ready bookkeeping on disconnect. Also
// wakes the ready waiter: a departed client no longer counts as unconfirmed.
func (c *Coordinator) Forget(uniqueID string) {
	c.pending.Remove(uniqueID)
	c.ready.Remove(uniqueID)
	c.wakeReady()
}

// CurrentArtifact returns the authoritative world, if one exists yet.
func (c *Coordinator) CurrentArtifact() (*world.Artifact, bool) {
	art := c.current.Load()
	return art, art != nil
}

func (c *Coordinator) Epoch() int64 { return c.epoch.Load() }

func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ReadyCount reports confirmations for the active epoch; observability only.
func (c *Coordinator) ReadyCount() int { return c.ready.Count() }
