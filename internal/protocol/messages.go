package protocol

// IDENTIFY (client -> server, sent on each channel after connecting).
// The unique id is client-generated and stable across reconnects within a
// session; it is used only to correlate the two connections, never for auth.
type IdentifyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientUniqueID  string `json:"client_unique_id"`
	ClientName      string `json:"client_name,omitempty"`
	Channel         string `json:"channel,omitempty"` // "control" | "bulk"
}

// TRANSFER_BEGIN (server -> client, bulk channel).
type TransferBeginMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	MapID           string `json:"map_id"`
	TotalChunks     int    `json:"total_chunks"`
	TotalBytes      int    `json:"total_bytes"`
}

// CHUNK (server -> client, bulk channel). Payload length never exceeds the
// engine's chunk size; indices are contiguous 0..total_chunks-1 and the
// original byte sequence is the concatenation in index order.
type ChunkMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	MapID           string `json:"map_id"`
	Index           int    `json:"index"`
	TotalChunks     int    `json:"total_chunks"`
	Payload         []byte `json:"payload"`
}

// TRANSFER_COMPLETE (server -> client, bulk channel).
type TransferCompleteMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	MapID           string `json:"map_id"`
}

// PLAYER_ASSIGNMENT (server -> client, control channel). Never sent before at
// least one complete world transfer has been delivered to the client.
type PlayerAssignmentMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
}

// PLAYER_DISCONNECT (server -> remaining clients, control channel).
type PlayerDisconnectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
}

// PLAYER_UPDATE (bidirectional, control channel). Fire-and-forget position
// traffic; Seq is client-assigned and monotonic so stale reorderings can be
// dropped instead of visibly rolling a player back.
type PlayerUpdateMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	PlayerID        string  `json:"player_id"`
	Seq             uint64  `json:"seq,omitempty"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Z               float64 `json:"z"`
	Yaw             float64 `json:"yaw"`
	Pitch           float64 `json:"pitch"`
}

// REGENERATION_START (server -> all clients, control channel).
type RegenerationStartMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Epoch           int64  `json:"epoch"`
	Seed            int64  `json:"seed"`
	Reason          string `json:"reason,omitempty"`
	IsInitial       bool   `json:"is_initial,omitempty"`
}

// PLAYER_RESET (server -> client, control channel). Repositions the player on
// the freshly generated world.
type PlayerResetMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	PlayerID        string     `json:"player_id"`
	Position        [3]float64 `json:"position"`
	Yaw             float64    `json:"yaw"`
}

// ERROR (server -> client, either channel). Code is one of the E_* constants.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// CLIENT_READY (client -> server, control channel). Best-effort confirmation
// that the client has applied the world for the given epoch. Stale epoch ids
// are dropped.
type ClientReadyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Epoch           int64  `json:"epoch"`
}
