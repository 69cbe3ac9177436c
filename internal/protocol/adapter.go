package protocol

import "openfms/atlgateway/internal/stream"

// FrameDecoder handles packet boundary detection from TCP stream
type FrameDecoder interface {
	// Decode extracts at most one complete frame from the head of buf.
	// On success the whole envelope is consumed and the payload returned;
	// otherwise nothing is consumed and ok is false.
	Decode(buf *stream.Buffer) (payload []byte, ok bool)
}

// ProtocolAdapter translates between device payloads and standard message format
type ProtocolAdapter interface {
	// Decode translates a stripped payload to standard message
	Decode(payload []byte) (*StandardMessage, error)

	// Encode translates standard command to wire bytes
	Encode(cmd StandardCommand) ([]byte, error)

	// IsHeartbeat checks if payload is a heartbeat
	IsHeartbeat(payload []byte) bool

	// GenerateHeartbeatAck creates heartbeat acknowledgment, nil when the
	// device expects none
	GenerateHeartbeatAck(payload []byte) ([]byte, error)

	// Protocol returns protocol identifier
	Protocol() string
}

// Detector identifies protocol type from initial bytes
type Detector interface {
	// Match detects protocol from header bytes
	// Returns adapter, its frame decoder and true if matched
	Match(headerBytes []byte) (ProtocolAdapter, FrameDecoder, bool)
}
