package world

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// SerializedCache maps an artifact's content digest to its encoded payload so
// that repeated transfers of the same world skip serialization entirely.
// Read-mostly; the regeneration step is the single writer that clears it.
type SerializedCache struct {
	entries cmap.ConcurrentMap[string, []byte]
}

func NewSerializedCache() *SerializedCache {
	return &SerializedCache{entries: cmap.New[[]byte]()}
}

func (c *SerializedCache) Get(digest string) ([]byte, bool) {
	return c.entries.Get(digest)
}

func (c *SerializedCache) Put(digest string, payload []byte) {
	c.entries.Set(digest, payload)
}

// Clear drops every cached payload. Called when the world is regenerated and
// the old payloads can never be requested again.
func (c *SerializedCache) Clear() {
	c.entries.Clear()
}

func (c *SerializedCache) Len() int {
	return c.entries.Count()
}
