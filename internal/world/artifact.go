package world

// Artifact is the authoritative output of one world generation. The sync layer
// treats its contents as opaque beyond the spawn hints; it only serializes and
// ships it.
type Artifact struct {
	MapID string `json:"map_id"`
	Seed  int64  `json:"seed"`

	Width int `json:"width"`
	Depth int `json:"depth"`

	// Tiles is a Width*Depth row-major grid of palette indices.
	Tiles []uint16 `json:"tiles"`

	Spawns []SpawnPoint `json:"spawns"`
}

// SpawnPoint is a candidate player spawn on the generated world.
type SpawnPoint struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	Yaw float64 `json:"yaw"`
}

// SpawnPoints returns the spawn hints in generation order. Callers that have
// more players than spawns round-robin over the slice.
func (a *Artifact) SpawnPoints() []SpawnPoint {
	return a.Spawns
}
