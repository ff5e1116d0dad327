package main

import (
	"github.com/jaymcole/curly-octo-adventure-sub002/internal/protocol"
)

// assembler reassembles one chunked transfer at a time. The in-flight transfer
// is keyed by map id: when a regeneration's distribution overlaps a join-path
// transfer, late chunks of the superseded map must not land in the new map's
// slots, so messages carrying any other map id are dropped.
type assembler struct {
	mapID      string
	chunks     [][]byte
	totalBytes int
}

func (a *assembler) begin(m protocol.TransferBeginMsg) {
	a.mapID = m.MapID
	a.chunks = make([][]byte, m.TotalChunks)
	a.totalBytes = m.TotalBytes
}

func (a *assembler) chunk(m protocol.ChunkMsg) {
	if a.chunks == nil || m.MapID != a.mapID {
		return
	}
	if m.Index >= 0 && m.Index < len(a.chunks) {
		a.chunks[m.Index] = m.Payload
	}
}

// complete returns the reassembled payload. ok is false when the completion
// belongs to another map or any chunk is missing; the caller waits for the
// next transfer instead of decoding garbage.
func (a *assembler) complete(m protocol.TransferCompleteMsg) ([]byte, bool) {
	if a.chunks == nil || m.MapID != a.mapID {
		return nil, false
	}
	payload := make([]byte, 0, a.totalBytes)
	for _, c := range a.chunks {
		if c == nil {
			return nil, false
		}
		payload = append(payload, c...)
	}
	a.chunks = nil
	return payload, true
}
