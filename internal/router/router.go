package router

import (
	"log"
	"sync"

	"github.com/tidwall/gjson"
)

// Handler processes one raw message from a connection. Handlers run
// synchronously on the transport reader goroutine.
type Handler func(connID uint64, raw []byte)

// Router maps a message type to an ordered list of handlers. It decouples the
// transport channels from application logic: channels only know how to hand
// raw bytes here.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *log.Logger
}

func New(logger *log.Logger) *Router {
	return &Router{
		handlers: make(map[string][]Handler),
		log:      logger,
	}
}

// Register appends a handler for the given message type. Registration order is
// dispatch order.
func (r *Router) Register(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], h)
}

// Dispatch routes one raw message by its JSON "type" field. A type with no
// handlers is a logged drop, not an error. A panicking handler does not stop
// dispatch to the remaining handlers for the same message.
func (r *Router) Dispatch(connID uint64, raw []byte) {
	msgType := gjson.GetBytes(raw, "type").String()
	if msgType == "" {
		r.log.Printf("conn %d: message without type, dropped", connID)
		return
	}

	r.mu.RLock()
	hs := r.handlers[msgType]
	r.mu.RUnlock()

	if len(hs) == 0 {
		r.log.Printf("conn %d: no handler for %s, dropped", connID, msgType)
		return
	}
	for _, h := range hs {
		r.dispatchOne(h, connID, raw, msgType)
	}
}

func (r *Router) dispatchOne(h Handler, connID uint64, raw []byte, msgType string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Printf("conn %d: handler panic on %s: %v", connID, msgType, rec)
		}
	}()
	h(connID, raw)
}
