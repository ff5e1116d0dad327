package transfer

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/jaymcole/curly-octo-adventure-sub002/internal/metrics"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/world"
)

const DefaultChunkSize = 8 * 1024

// Sender is the slice of the bulk channel the engine needs.
type Sender interface {
	Send(connID uint64, payload []byte) error
}

// Observer is notified after each transfer attempt; used for audit trails.
type Observer interface {
	TransferFinished(bulkConnID uint64, mapID string, chunks, bytes int, status string)
}

// Session tracks one chunked transfer in flight to one recipient.
type Session struct {
	MapID       string `json:"map_id"`
	TotalChunks int    `json:"total_chunks"`
	TotalBytes  int    `json:"total_bytes"`
	ChunksSent  int    `json:"chunks_sent"`
	BytesSent   int    `json:"bytes_sent"`
}

// Options tunes chunking and pacing.
type Options struct {
	ChunkSize int
	// PaceEvery inserts PaceDelay after every PaceEvery chunks so a slow
	// recipient's ingress buffer is not overrun. Zero disables pacing.
	PaceEvery int
	PaceDelay time.Duration
}

func (o *Options) fill() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
}

// Engine serializes world artifacts (content-addressed cache) and drives the
// TransferBegin / Chunk* / TransferComplete sequence per recipient.
type Engine struct {
	send  Sender
	cache *world.SerializedCache
	opts  Options
	log   *log.Logger
	met   *metrics.Metrics

	sessions cmap.ConcurrentMap[string, *Session] // "<conn>/<map>" -> session
	obs      Observer

	// encode is world.Encode; a seam so serialization faults are testable.
	encode func(*world.Artifact) ([]byte, error)
}

func NewEngine(send Sender, cache *world.SerializedCache, opts Options, logger *log.Logger, met *metrics.Metrics) *Engine {
	opts.fill()
	return &Engine{
		send:     send,
		cache:    cache,
		opts:     opts,
		log:      logger,
		met:      met,
		sessions: cmap.New[*Session](),
		encode:   world.Encode,
	}
}

// SetObserver wires the audit sink. Must be called before the first transfer.
func (e *Engine) SetObserver(obs Observer) { e.obs = obs }

// BeginTransfer ships the artifact to the recipient's bulk connection. The
// payload is serialized at most once per world content; a cache hit skips
// serialization entirely. No TransferBegin is sent if serialization fails.
// A send failure mid-stream is returned to the caller; the session is
// abandoned, never resumed.
func (e *Engine) BeginTransfer(bulkConnID uint64, art *world.Artifact) error {
	payload, err := e.serialized(art)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", art.MapID, err)
	}

	chunkSize := e.opts.ChunkSize
	totalChunks := (len(payload) + chunkSize - 1) / chunkSize

	key := sessionKey(bulkConnID, art.MapID)
	sess := &Session{MapID: art.MapID, TotalChunks: totalChunks, TotalBytes: len(payload)}
	e.sessions.Set(key, sess)
	defer e.sessions.Remove(key)

	if e.met != nil {
		e.met.ActiveTransfers.Inc()
		defer e.met.ActiveTransfers.Dec()
	}

	begin, _ := json.Marshal(protocol.TransferBeginMsg{
		Type:            protocol.TypeTransferBegin,
		ProtocolVersion: protocol.Version,
		MapID:           art.MapID,
		TotalChunks:     totalChunks,
		TotalBytes:      len(payload),
	})
	if err := e.send.Send(bulkConnID, begin); err != nil {
		e.fail(bulkConnID, sess, err)
		return err
	}

	for i := 0; i < totalChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk, _ := json.Marshal(protocol.ChunkMsg{
			Type:            protocol.TypeChunk,
			ProtocolVersion: protocol.Version,
			MapID:           art.MapID,
			Index:           i,
			TotalChunks:     totalChunks,
			Payload:         payload[start:end],
		})
		if err := e.send.Send(bulkConnID, chunk); err != nil {
			e.fail(bulkConnID, sess, err)
			return err
		}
		sess.ChunksSent++
		sess.BytesSent += end - start
		if e.met != nil {
			e.met.ChunksSent.Inc()
			e.met.BytesSent.Add(float64(end - start))
		}

		if e.opts.PaceEvery > 0 && e.opts.PaceDelay > 0 && (i+1)%e.opts.PaceEvery == 0 {
			time.Sleep(e.opts.PaceDelay)
		}
	}

	complete, _ := json.Marshal(protocol.TransferCompleteMsg{
		Type:            protocol.TypeTransferComplete,
		ProtocolVersion: protocol.Version,
		MapID:           art.MapID,
	})
	if err := e.send.Send(bulkConnID, complete); err != nil {
		e.fail(bulkConnID, sess, err)
		return err
	}

	if e.met != nil {
		e.met.TransfersTotal.WithLabelValues("complete").Inc()
	}
	if e.obs != nil {
		e.obs.TransferFinished(bulkConnID, art.MapID, sess.ChunksSent, sess.BytesSent, "complete")
	}
	return nil
}

func (e *Engine) fail(connID uint64, sess *Session, err error) {
	e.log.Printf("transfer %s to conn %d aborted: %v", sess.MapID, connID, err)
	if e.met != nil {
		e.met.TransfersTotal.WithLabelValues("aborted").Inc()
	}
	if e.obs != nil {
		e.obs.TransferFinished(connID, sess.MapID, sess.ChunksSent, sess.BytesSent, "aborted")
	}
}

// Prepare serializes the artifact into the cache without sending anything.
// The regeneration coordinator calls it once per cycle so a serialization
// fault aborts the cycle before any client sees a TransferBegin.
func (e *Engine) Prepare(art *world.Artifact) error {
	_, err := e.serialized(art)
	return err
}

// serialized returns the cached payload for the artifact's content, encoding
// and caching it on first use.
func (e *Engine) serialized(art *world.Artifact) ([]byte, error) {
	if art == nil {
		return nil, fmt.Errorf("nil artifact")
	}
	digest := art.Digest()
	if payload, ok := e.cache.Get(digest); ok {
		return payload, nil
	}
	payload, err := e.encode(art)
	if err != nil {
		return nil, err
	}
	e.cache.Put(digest, payload)
	return payload, nil
}

// ActiveSessions snapshots in-flight transfers, newest-first not guaranteed.
func (e *Engine) ActiveSessions() []Session {
	out := make([]Session, 0, e.sessions.Count())
	for _, s := range e.sessions.Items() {
		out = append(out, *s)
	}
	return out
}

func sessionKey(connID uint64, mapID string) string {
	return fmt.Sprintf("%d/%s", connID, mapID)
}
