package ws

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Kind selects the buffer profile of a channel endpoint.
type Kind string

const (
	KindControl Kind = "control"
	KindBulk    Kind = "bulk"
)

var ErrConnClosed = errors.New("ws: connection closed")

// Options sizes one channel endpoint.
type Options struct {
	Kind            Kind
	ReadBufferSize  int
	WriteBufferSize int
	OutQueue        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

func (o *Options) fill() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4 * 1024
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = o.ReadBufferSize
	}
	if o.OutQueue <= 0 {
		o.OutQueue = 256
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 120 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Handlers receives transport events. OnMessage runs on the connection's
// reader goroutine; handlers must be fast or hand off to their own queue.
type Handlers struct {
	OnConnect    func(connID uint64)
	OnMessage    func(connID uint64, raw []byte)
	OnDisconnect func(connID uint64)
}

type conn struct {
	id  uint64
	ws  *websocket.Conn
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Channel is one listening websocket endpoint accepting many concurrent
// connections. It carries no application logic; it raises connect, message and
// disconnect events and guarantees per-connection delivery order.
type Channel struct {
	opts     Options
	log      *log.Logger
	upgrader websocket.Upgrader

	nextID   atomic.Uint64
	conns    cmap.ConcurrentMap[string, *conn]
	handlers Handlers
}

func NewChannel(opts Options, logger *log.Logger) *Channel {
	opts.fill()
	return &Channel{
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		conns: cmap.New[*conn](),
	}
}

// SetHandlers configures event callbacks. Must be called before the endpoint
// starts serving.
func (ch *Channel) SetHandlers(h Handlers) {
	ch.handlers = h
}

func (ch *Channel) Kind() Kind { return ch.opts.Kind }

func (ch *Channel) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsConn, err := ch.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}

		c := &conn{
			id:   ch.nextID.Add(1),
			ws:   wsConn,
			out:  make(chan []byte, ch.opts.OutQueue),
			done: make(chan struct{}),
		}
		ch.conns.Set(connKey(c.id), c)

		if ch.handlers.OnConnect != nil {
			ch.handlers.OnConnect(c.id)
		}

		// Writer goroutine: sole writer on the socket.
		go func() {
			for {
				select {
				case <-c.done:
					return
				case b := <-c.out:
					_ = c.ws.SetWriteDeadline(time.Now().Add(ch.opts.WriteTimeout))
					if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
						ch.log.Printf("%s conn %d: write: %v", ch.opts.Kind, c.id, err)
						ch.drop(c)
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = c.ws.SetReadDeadline(time.Now().Add(ch.opts.ReadTimeout))
			_, msg, err := c.ws.ReadMessage()
			if err != nil {
				break
			}
			if ch.handlers.OnMessage != nil {
				ch.handlers.OnMessage(c.id, msg)
			}
		}

		ch.drop(c)
	}
}

// drop tears a connection down exactly once and raises the disconnect event.
func (ch *Channel) drop(c *conn) {
	if _, ok := ch.conns.Pop(connKey(c.id)); !ok {
		return
	}
	c.close()
	if ch.handlers.OnDisconnect != nil {
		ch.handlers.OnDisconnect(c.id)
	}
}

// Send enqueues one message for a connection. Blocks while the writer drains a
// full queue; returns ErrConnClosed once the connection is gone so a mid-
// transfer disconnect surfaces as a send failure rather than a hang.
func (ch *Channel) Send(connID uint64, payload []byte) error {
	c, ok := ch.conns.Get(connKey(connID))
	if !ok {
		return ErrConnClosed
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// Broadcast enqueues a message for every live connection. Best-effort: a
// connection with a saturated queue is skipped rather than stalling the rest.
func (ch *Channel) Broadcast(payload []byte) {
	for _, c := range ch.conns.Items() {
		select {
		case c.out <- payload:
		case <-c.done:
		default:
			ch.log.Printf("%s conn %d: broadcast dropped (queue full)", ch.opts.Kind, c.id)
		}
	}
}

// Close disconnects one connection. Used when a peer exceeds the protocol
// violation limit.
func (ch *Channel) Close(connID uint64) {
	if c, ok := ch.conns.Get(connKey(connID)); ok {
		ch.drop(c)
	}
}

// CloseAll disconnects everything; used during shutdown.
func (ch *Channel) CloseAll() {
	for _, c := range ch.conns.Items() {
		ch.drop(c)
	}
}

func (ch *Channel) ConnCount() int { return ch.conns.Count() }

func connKey(id uint64) string { return strconv.FormatUint(id, 10) }
