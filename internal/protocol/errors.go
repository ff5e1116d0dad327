package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnidentified    = "E_UNIDENTIFIED"
	ErrStaleEpoch      = "E_STALE_EPOCH"

	// Transfer layer.
	ErrTransferAborted = "E_TRANSFER_ABORTED"
	ErrChunkOutOfOrder = "E_CHUNK_OUT_OF_ORDER"

	// Coordinator layer.
	ErrRegenBusy = "E_REGEN_BUSY"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnidentified:    {},
	ErrStaleEpoch:      {},
	ErrTransferAborted: {},
	ErrChunkOutOfOrder: {},
	ErrRegenBusy:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
