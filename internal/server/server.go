// Package server wires the transport channels, routers, registry, transfer
// engine, lifecycle manager and regeneration coordinator into one process.
package server

import (
	"encoding/json"
	"fmt"
	"log"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/jaymcole/curly-octo-adventure-sub002/internal/config"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/lifecycle"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/metrics"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/persistence/indexdb"
	auditlog "github.com/jaymcole/curly-octo-adventure-sub002/internal/persistence/log"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/regen"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/registry"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/router"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/transfer"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/transport/ws"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/world"
)

// ControlChannel is the slice of the control transport the server needs.
type ControlChannel interface {
	Send(connID uint64, payload []byte) error
	Broadcast(payload []byte)
	Close(connID uint64)
}

// BulkChannel is the slice of the bulk transport the server needs.
type BulkChannel interface {
	Send(connID uint64, payload []byte) error
	Close(connID uint64)
}

// Deps carries the optional collaborators. Any of them may be nil.
type Deps struct {
	Validator *protocol.Validator
	Audit     *auditlog.AuditLogger
	Index     *indexdb.SQLiteIndex
	Metrics   *metrics.Metrics
}

// Server owns the message plumbing between the two channels and the world
// synchronization core.
type Server struct {
	cfg config.Config
	log *log.Logger
	met *metrics.Metrics

	reg     *registry.Registry
	control ControlChannel
	bulk    BulkChannel

	controlRouter *router.Router
	bulkRouter    *router.Router

	cache   *world.SerializedCache
	engine  *transfer.Engine
	players *lifecycle.Manager
	coord   *regen.Coordinator

	validator *protocol.Validator
	audit     *auditlog.AuditLogger
	index     *indexdb.SQLiteIndex

	// Protocol violations per connection, keyed "<channel>/<conn>". At the
	// strike limit the connection is closed.
	strikes cmap.ConcurrentMap[string, int]
}

func New(cfg config.Config, control ControlChannel, bulk BulkChannel, logger *log.Logger, deps Deps) *Server {
	reg := registry.New(logger)
	cache := world.NewSerializedCache()

	engine := transfer.NewEngine(bulk, cache, transfer.Options{
		ChunkSize: cfg.ChunkSizeBytes,
		PaceEvery: cfg.PaceEveryChunks,
		PaceDelay: cfg.PaceDelay(),
	}, logger, deps.Metrics)

	gen := regen.GeneratorFunc(func(seed int64) (*world.Artifact, error) {
		return world.Generate(seed, world.GenConfig{
			Width:           cfg.WorldGen.Width,
			Depth:           cfg.WorldGen.Depth,
			BiomeRegionSize: cfg.WorldGen.BiomeRegionSize,
			SpawnPoints:     cfg.WorldGen.SpawnPoints,
		}), nil
	})

	players := lifecycle.NewManager(reg, control, engine, logger, deps.Metrics)
	coord := regen.NewCoordinator(gen, cache, reg, engine, control, regen.Options{
		ReadyTimeout: cfg.ReadyTimeout(),
		JoinTimeout:  cfg.WorkerJoinTimeout(),
	}, logger, deps.Metrics)
	players.SetCoordinator(coord)
	coord.SetPlayers(players)

	s := &Server{
		cfg:           cfg,
		log:           logger,
		met:           deps.Metrics,
		reg:           reg,
		control:       control,
		bulk:          bulk,
		controlRouter: router.New(logger),
		bulkRouter:    router.New(logger),
		cache:         cache,
		engine:        engine,
		players:       players,
		coord:         coord,
		validator:     deps.Validator,
		audit:         deps.Audit,
		index:         deps.Index,
		strikes:       cmap.New[int](),
	}
	engine.SetObserver(s)
	coord.SetObserver(s)
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.controlRouter.Register(protocol.TypeIdentify, s.handleControlIdentify)
	s.controlRouter.Register(protocol.TypePlayerUpdate, s.handlePlayerUpdate)
	s.controlRouter.Register(protocol.TypeClientReady, s.handleClientReady)
	s.bulkRouter.Register(protocol.TypeIdentify, s.handleBulkIdentify)
}

// ControlHandlers binds the server to a control channel endpoint.
func (s *Server) ControlHandlers() ws.Handlers {
	return ws.Handlers{
		OnConnect: func(connID uint64) {
			s.writeAudit(auditlog.Entry{Event: auditlog.EventConnect, Channel: protocol.ChannelControl, ConnID: connID})
		},
		OnMessage: func(connID uint64, raw []byte) {
			s.inbound(protocol.ChannelControl, connID, raw, s.controlRouter)
		},
		OnDisconnect: func(connID uint64) { s.disconnect(protocol.ChannelControl, connID) },
	}
}

// BulkHandlers binds the server to a bulk channel endpoint.
func (s *Server) BulkHandlers() ws.Handlers {
	return ws.Handlers{
		OnConnect: func(connID uint64) {
			s.writeAudit(auditlog.Entry{Event: auditlog.EventConnect, Channel: protocol.ChannelBulk, ConnID: connID})
		},
		OnMessage: func(connID uint64, raw []byte) {
			s.inbound(protocol.ChannelBulk, connID, raw, s.bulkRouter)
		},
		OnDisconnect: func(connID uint64) { s.disconnect(protocol.ChannelBulk, connID) },
	}
}

// inbound runs the shared envelope checks before routing: a parseable type,
// an acceptable protocol version, and the message's JSON schema.
func (s *Server) inbound(channel string, connID uint64, raw []byte, r *router.Router) {
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type == "" {
		s.violation(channel, connID, protocol.ErrProtoBadRequest, "unparseable message")
		return
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		s.violation(channel, connID, protocol.ErrProtoBadRequest,
			fmt.Sprintf("protocol version %q not supported", base.ProtocolVersion))
		return
	}
	if err := s.validator.Validate(base.Type, raw); err != nil {
		s.violation(channel, connID, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	r.Dispatch(connID, raw)
}

func (s *Server) handleControlIdentify(connID uint64, raw []byte) {
	var msg protocol.IdentifyMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ClientUniqueID == "" {
		s.violation(protocol.ChannelControl, connID, protocol.ErrProtoBadRequest, "bad identify")
		return
	}
	s.clearStrikes(protocol.ChannelControl, connID)
	p := s.reg.IdentifyControl(msg.ClientUniqueID, msg.ClientName, connID)
	s.writeAudit(auditlog.Entry{
		Event: auditlog.EventIdentify, Channel: protocol.ChannelControl,
		ConnID: connID, UniqueID: p.UniqueID,
	})
	s.index.RecordSession(indexdb.SessionRow{
		UniqueID: p.UniqueID, Name: msg.ClientName, Event: auditlog.EventIdentify,
		Detail: protocol.ChannelControl,
	})
	if p.FullyConnected() {
		s.players.HandleIdentified(p)
	}
}

func (s *Server) handleBulkIdentify(connID uint64, raw []byte) {
	var msg protocol.IdentifyMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ClientUniqueID == "" {
		s.violation(protocol.ChannelBulk, connID, protocol.ErrProtoBadRequest, "bad identify")
		return
	}
	s.clearStrikes(protocol.ChannelBulk, connID)
	p, linked := s.reg.IdentifyBulk(msg.ClientUniqueID, connID)
	s.writeAudit(auditlog.Entry{
		Event: auditlog.EventIdentify, Channel: protocol.ChannelBulk,
		ConnID: connID, UniqueID: msg.ClientUniqueID,
	})
	if linked && p.FullyConnected() {
		s.players.HandleIdentified(p)
	}
}

func (s *Server) handlePlayerUpdate(connID uint64, raw []byte) {
	if _, ok := s.reg.ByControlConn(connID); !ok {
		s.violation(protocol.ChannelControl, connID, protocol.ErrUnidentified, "position update before identify")
		return
	}
	var msg protocol.PlayerUpdateMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.violation(protocol.ChannelControl, connID, protocol.ErrProtoBadRequest, "bad position update")
		return
	}
	if err := s.players.HandleUpdate(connID, msg); err != nil {
		s.violation(protocol.ChannelControl, connID, protocol.ErrProtoBadRequest, err.Error())
		return
	}
	s.clearStrikes(protocol.ChannelControl, connID)
}

func (s *Server) handleClientReady(connID uint64, raw []byte) {
	p, ok := s.reg.ByControlConn(connID)
	if !ok {
		s.violation(protocol.ChannelControl, connID, protocol.ErrUnidentified, "ready before identify")
		return
	}
	var msg protocol.ClientReadyMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.violation(protocol.ChannelControl, connID, protocol.ErrProtoBadRequest, "bad ready")
		return
	}
	s.clearStrikes(protocol.ChannelControl, connID)
	if err := s.coord.ConfirmReady(p.UniqueID, msg.Epoch); err != nil {
		// Stale confirmations are dropped with a reply, not a strike; a slow
		// client straddling two epochs is expected, not hostile.
		s.sendError(protocol.ChannelControl, connID, protocol.ErrStaleEpoch, err.Error())
	}
}

func (s *Server) disconnect(channel string, connID uint64) {
	s.strikes.Remove(strikeKey(channel, connID))
	var p registry.ClientProfile
	if channel == protocol.ChannelBulk {
		p, _ = s.reg.ByBulkConn(connID)
	} else {
		p, _ = s.reg.ByControlConn(connID)
	}
	s.players.HandleDisconnect(channel, connID)
	s.writeAudit(auditlog.Entry{
		Event: auditlog.EventDisconnect, Channel: channel, ConnID: connID,
		UniqueID: p.UniqueID, PlayerID: p.PlayerID,
	})
	if p.UniqueID != "" {
		s.index.RecordSession(indexdb.SessionRow{
			UniqueID: p.UniqueID, Name: p.Name, PlayerID: p.PlayerID,
			Event: auditlog.EventDisconnect, Detail: channel,
		})
	}
	if s.met != nil {
		s.met.ConnectedClients.Set(float64(len(s.reg.FullyConnected())))
	}
}

// clearStrikes resets the fault counter; strikes only count consecutive
// faults, so any message the server accepts wipes the slate.
func (s *Server) clearStrikes(channel string, connID uint64) {
	s.strikes.Remove(strikeKey(channel, connID))
}

// violation replies with an error, counts a strike, and closes the connection
// once the limit is reached. Malformed traffic never kills the server, but a
// peer that keeps sending it loses its connection.
func (s *Server) violation(channel string, connID uint64, code, detail string) {
	s.log.Printf("%s conn %d: %s: %s", channel, connID, code, detail)
	if s.met != nil {
		s.met.ProtocolFaults.WithLabelValues(code).Inc()
	}
	s.writeAudit(auditlog.Entry{
		Event: auditlog.EventViolation, Channel: channel, ConnID: connID, Detail: code + ": " + detail,
	})
	s.sendError(channel, connID, code, detail)

	n := s.strikes.Upsert(strikeKey(channel, connID), 1, func(exist bool, cur, nw int) int {
		if exist {
			return cur + nw
		}
		return nw
	})
	if n >= s.cfg.ProtocolStrikeLimit {
		s.log.Printf("%s conn %d: strike limit reached, closing", channel, connID)
		s.writeAudit(auditlog.Entry{Event: auditlog.EventKick, Channel: channel, ConnID: connID})
		s.closeConn(channel, connID)
	}
}

func (s *Server) sendError(channel string, connID uint64, code, message string) {
	raw, _ := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	if channel == protocol.ChannelBulk {
		_ = s.bulk.Send(connID, raw)
		return
	}
	_ = s.control.Send(connID, raw)
}

func (s *Server) closeConn(channel string, connID uint64) {
	if channel == protocol.ChannelBulk {
		s.bulk.Close(connID)
		return
	}
	s.control.Close(connID)
}

func (s *Server) writeAudit(e auditlog.Entry) {
	if err := s.audit.Write(e); err != nil {
		s.log.Printf("audit write: %v", err)
	}
}

// TransferFinished implements transfer.Observer.
func (s *Server) TransferFinished(bulkConnID uint64, mapID string, chunks, bytes int, status string) {
	uniqueID := ""
	if p, ok := s.reg.ByBulkConn(bulkConnID); ok {
		uniqueID = p.UniqueID
	}
	event := auditlog.EventTransferDone
	if status != "complete" {
		event = auditlog.EventTransferFail
	}
	s.writeAudit(auditlog.Entry{Event: event, UniqueID: uniqueID, ConnID: bulkConnID, MapID: mapID})
	s.index.RecordTransfer(indexdb.TransferRow{
		UniqueID: uniqueID, MapID: mapID, Chunks: chunks, Bytes: int64(bytes), Status: status,
	})
}

// EpochFinished implements regen.Observer.
func (s *Server) EpochFinished(epoch, seed int64, mapID, reason string, clients int, outcome string) {
	event := auditlog.EventEpochComplete
	if outcome != "complete" {
		event = auditlog.EventEpochFailed
	}
	s.writeAudit(auditlog.Entry{Event: event, Epoch: epoch, MapID: mapID, Detail: reason})
	s.index.RecordEpoch(indexdb.EpochRow{
		Epoch: epoch, Seed: seed, MapID: mapID, Reason: reason, Clients: clients, Outcome: outcome,
	})
}

// Regenerate starts a new epoch; surface for the admin endpoint.
func (s *Server) Regenerate(seed int64, reason string) error {
	return s.coord.Regenerate(seed, reason)
}

// State is the admin observability snapshot.
type State struct {
	Epoch           int64                    `json:"epoch"`
	CoordState      string                   `json:"coordinator_state"`
	MapID           string                   `json:"map_id,omitempty"`
	Clients         int                      `json:"clients"`
	ReadyCount      int                      `json:"ready_count"`
	ActiveTransfers []transfer.Session       `json:"active_transfers,omitempty"`
	Players         []lifecycle.PlayerEntity `json:"players,omitempty"`
}

func (s *Server) StateSnapshot() State {
	st := State{
		Epoch:           s.coord.Epoch(),
		CoordState:      s.coord.State(),
		Clients:         s.reg.Count(),
		ReadyCount:      s.coord.ReadyCount(),
		ActiveTransfers: s.engine.ActiveSessions(),
		Players:         s.players.Players(),
	}
	if art, ok := s.coord.CurrentArtifact(); ok {
		st.MapID = art.MapID
	}
	return st
}

// EpochHistory exposes the index's epoch table for the admin surface.
func (s *Server) EpochHistory(limit int) ([]indexdb.EpochRow, error) {
	return s.index.Epochs(limit)
}

func (s *Server) Registry() *registry.Registry    { return s.reg }
func (s *Server) Coordinator() *regen.Coordinator { return s.coord }

func strikeKey(channel string, connID uint64) string {
	return fmt.Sprintf("%s/%d", channel, connID)
}
