package protocol

// CloseReason is the single-byte code carried in a WebSocket close
// payload or an outer CLOSE/EXIT frame. Values are part of the wire
// contract and must not be renumbered.
type CloseReason byte

const (
	ReasonClosed CloseReason = iota
	ReasonAlreadyConnected
	ReasonInvalidMessage
	ReasonInvalidID
	ReasonInvalidFlags
	ReasonInvalidConnectionType
	ReasonInvalidUsername
	ReasonNotFound
	ReasonShardClosed
)

func (r CloseReason) String() string {
	switch r {
	case ReasonClosed:
		return "CLOSED"
	case ReasonAlreadyConnected:
		return "ALREADY_CONNECTED"
	case ReasonInvalidMessage:
		return "INVALID_MESSAGE"
	case ReasonInvalidID:
		return "INVALID_ID"
	case ReasonInvalidFlags:
		return "INVALID_FLAGS"
	case ReasonInvalidConnectionType:
		return "INVALID_CONNECTION_TYPE"
	case ReasonInvalidUsername:
		return "INVALID_USERNAME"
	case ReasonNotFound:
		return "NOT_FOUND"
	case ReasonShardClosed:
		return "SHARD_CLOSED"
	}
	return "UNKNOWN"
}

// ClosePayload renders the reason as a one-byte frame payload.
func ClosePayload(r CloseReason) []byte {
	return []byte{byte(r)}
}

// ReasonFromPayload extracts a reason from a CLOSE/EXIT payload,
// falling back to the supplied default for empty payloads.
func ReasonFromPayload(b []byte, fallback CloseReason) CloseReason {
	if len(b) > 0 {
		return CloseReason(b[0])
	}
	return fallback
}
