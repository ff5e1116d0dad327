package router

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDispatch_OrderedHandlers(t *testing.T) {
	r := New(testLogger())
	var order []string
	r.Register("PING", func(connID uint64, raw []byte) { order = append(order, "first") })
	r.Register("PING", func(connID uint64, raw []byte) { order = append(order, "second") })

	r.Dispatch(1, []byte(`{"type":"PING"}`))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatch_NoHandlerIsDrop(t *testing.T) {
	r := New(testLogger())
	// Should not panic or error.
	r.Dispatch(1, []byte(`{"type":"UNKNOWN"}`))
	r.Dispatch(1, []byte(`not json`))
	r.Dispatch(1, []byte(`{"no_type":true}`))
}

func TestDispatch_PanicIsolatedPerHandler(t *testing.T) {
	r := New(testLogger())
	var reached bool
	r.Register("BOOM", func(connID uint64, raw []byte) { panic("handler exploded") })
	r.Register("BOOM", func(connID uint64, raw []byte) { reached = true })

	r.Dispatch(7, []byte(`{"type":"BOOM"}`))
	assert.True(t, reached, "second handler must still run after a panic")
}

func TestDispatch_PassesConnAndPayload(t *testing.T) {
	r := New(testLogger())
	var gotConn uint64
	var gotRaw []byte
	r.Register("DATA", func(connID uint64, raw []byte) {
		gotConn = connID
		gotRaw = raw
	})

	msg := []byte(`{"type":"DATA","value":42}`)
	r.Dispatch(99, msg)
	assert.Equal(t, uint64(99), gotConn)
	assert.Equal(t, msg, gotRaw)
}
