// A scriptable test client: connects on both channels, receives the world,
// confirms readiness, and wanders around sending position updates.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/world"
)

type bot struct {
	log      *log.Logger
	uniqueID string
	name     string

	control *websocket.Conn

	mu       sync.Mutex
	playerID string
	epoch    int64
	x, y, z  float64
	yaw      float64
	seq      uint64

	asm assembler
}

func main() {
	var (
		controlURL = flag.String("control_url", "ws://localhost:8080/v1/control", "control channel ws url")
		bulkURL    = flag.String("bulk_url", "ws://localhost:8081/v1/bulk", "bulk channel ws url")
		name       = flag.String("name", "bot", "client name")
		hz         = flag.Float64("hz", 5, "position update rate")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	b := &bot{log: logger, uniqueID: uuid.NewString(), name: *name}

	control, _, err := websocket.DefaultDialer.Dial(*controlURL, nil)
	if err != nil {
		logger.Fatalf("dial control: %v", err)
	}
	defer control.Close()
	b.control = control

	bulk, _, err := websocket.DefaultDialer.Dial(*bulkURL, nil)
	if err != nil {
		logger.Fatalf("dial bulk: %v", err)
	}
	defer bulk.Close()

	if err := b.identify(control, protocol.ChannelControl); err != nil {
		logger.Fatalf("identify control: %v", err)
	}
	if err := b.identify(bulk, protocol.ChannelBulk); err != nil {
		logger.Fatalf("identify bulk: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	done := make(chan struct{})
	defer close(done)

	go b.bulkLoop(bulk)
	go b.wander(*hz, done)

	for {
		select {
		case <-stop:
			return
		default:
		}
		_, msg, err := control.ReadMessage()
		if err != nil {
			return
		}
		b.handleControl(msg)
	}
}

func (b *bot) identify(conn *websocket.Conn, channel string) error {
	return conn.WriteJSON(protocol.IdentifyMsg{
		Type:            protocol.TypeIdentify,
		ProtocolVersion: protocol.Version,
		ClientUniqueID:  b.uniqueID,
		ClientName:      b.name,
		Channel:         channel,
	})
}

func (b *bot) handleControl(msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypePlayerAssignment:
		var m protocol.PlayerAssignmentMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		b.mu.Lock()
		b.playerID = m.PlayerID
		b.mu.Unlock()
		b.log.Printf("assigned player_id=%s", m.PlayerID)

	case protocol.TypeRegenerationStart:
		var m protocol.RegenerationStartMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		b.mu.Lock()
		b.epoch = m.Epoch
		b.mu.Unlock()
		b.log.Printf("regeneration epoch=%d seed=%d reason=%q", m.Epoch, m.Seed, m.Reason)

	case protocol.TypePlayerReset:
		var m protocol.PlayerResetMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		b.mu.Lock()
		b.x, b.y, b.z = m.Position[0], m.Position[1], m.Position[2]
		b.yaw = m.Yaw
		b.mu.Unlock()
		b.log.Printf("reset to %.1f,%.1f,%.1f", m.Position[0], m.Position[1], m.Position[2])

	case protocol.TypePlayerUpdate:
		// other players' traffic, ignored

	case protocol.TypePlayerDisconnect:
		var m protocol.PlayerDisconnectMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		b.log.Printf("player %s left", m.PlayerID)

	case protocol.TypeError:
		var m protocol.ErrorMsg
		if json.Unmarshal(msg, &m) != nil {
			return
		}
		b.log.Printf("server error %s: %s", m.Code, m.Message)
	}
}

func (b *bot) bulkLoop(bulk *websocket.Conn) {
	for {
		_, msg, err := bulk.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeTransferBegin:
			var m protocol.TransferBeginMsg
			if json.Unmarshal(msg, &m) != nil {
				continue
			}
			b.mu.Lock()
			b.asm.begin(m)
			b.mu.Unlock()
			b.log.Printf("transfer begin map=%s chunks=%d bytes=%d", m.MapID, m.TotalChunks, m.TotalBytes)

		case protocol.TypeChunk:
			var m protocol.ChunkMsg
			if json.Unmarshal(msg, &m) != nil {
				continue
			}
			b.mu.Lock()
			b.asm.chunk(m)
			b.mu.Unlock()

		case protocol.TypeTransferComplete:
			var m protocol.TransferCompleteMsg
			if json.Unmarshal(msg, &m) != nil {
				continue
			}
			b.mu.Lock()
			payload, ok := b.asm.complete(m)
			epoch := b.epoch
			b.mu.Unlock()
			if !ok {
				b.log.Printf("transfer for map %s superseded or incomplete, waiting for the next one", m.MapID)
				continue
			}
			b.applyWorld(payload, epoch)
		}
	}
}

// applyWorld decodes the reassembled artifact and confirms the current epoch
// on the control channel.
func (b *bot) applyWorld(payload []byte, epoch int64) {
	art, err := world.Decode(payload)
	if err != nil {
		b.log.Printf("decode world: %v", err)
		return
	}
	b.log.Printf("world applied map=%s %dx%d seed=%d", art.MapID, art.Width, art.Depth, art.Seed)

	_ = b.control.WriteJSON(protocol.ClientReadyMsg{
		Type:            protocol.TypeClientReady,
		ProtocolVersion: protocol.Version,
		Epoch:           epoch,
	})
}

// wander sends position updates on a slow random walk once assigned.
func (b *bot) wander(hz float64, done <-chan struct{}) {
	if hz <= 0 {
		hz = 5
	}
	tick := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer tick.Stop()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-done:
			return
		case <-tick.C:
		}

		b.mu.Lock()
		if b.playerID == "" {
			b.mu.Unlock()
			continue
		}
		b.yaw += (r.Float64() - 0.5) * 30
		b.x += math.Cos(b.yaw * math.Pi / 180)
		b.z += math.Sin(b.yaw * math.Pi / 180)
		b.seq++
		msg := protocol.PlayerUpdateMsg{
			Type:            protocol.TypePlayerUpdate,
			ProtocolVersion: protocol.Version,
			PlayerID:        b.playerID,
			Seq:             b.seq,
			X:               b.x,
			Y:               b.y,
			Z:               b.z,
			Yaw:             b.yaw,
		}
		b.mu.Unlock()

		_ = b.control.WriteJSON(msg)
	}
}
