package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeIdentify          = "IDENTIFY"
	TypeTransferBegin     = "TRANSFER_BEGIN"
	TypeChunk             = "CHUNK"
	TypeTransferComplete  = "TRANSFER_COMPLETE"
	TypePlayerAssignment  = "PLAYER_ASSIGNMENT"
	TypePlayerDisconnect  = "PLAYER_DISCONNECT"
	TypePlayerUpdate      = "PLAYER_UPDATE"
	TypeRegenerationStart = "REGENERATION_START"
	TypePlayerReset       = "PLAYER_RESET"
	TypeClientReady       = "CLIENT_READY"
	TypeError             = "ERROR"
)

// Channel names as they appear on the wire and in logs.
const (
	ChannelControl = "control"
	ChannelBulk    = "bulk"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
