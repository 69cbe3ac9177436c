package adapter

import (
	"bytes"

	"openfms/atlgateway/internal/stream"
)

// L100 envelope constants
const (
	// SequencedTag opens a Sequenced envelope: tag + one sequence byte,
	// closed by a two byte trailer.
	SequencedTag byte = 0x20

	// SequencedMinFrameLen is the number of buffered bytes required before
	// a Sequenced envelope is committed. The envelope carries no length
	// field and its trailer is taken to be the last two buffered bytes, so
	// anything shorter than this is treated as still arriving. Every known
	// firmware payload starts with "ATL" plus a 15 digit IMEI, far above
	// this bound.
	SequencedMinFrameLen = 10

	// MarkerByte ends the payload of a MarkerPlusOne envelope; exactly one
	// status byte follows it.
	MarkerByte byte = '*'

	// TerminatorByte ends a SingleTerminator envelope.
	TerminatorByte byte = '@'

	sequencedHeaderLen  = 2
	sequencedTrailerLen = 2
)

// markerPrefix opens a MarkerPlusOne envelope and stays part of the payload
var markerPrefix = []byte("L,")

// Variant identifies the envelope wrapping the message at the buffer head
type Variant int

const (
	VariantSequenced Variant = iota
	VariantMarkerPlusOne
	VariantSingleTerminator
)

func (v Variant) String() string {
	switch v {
	case VariantSequenced:
		return "sequenced"
	case VariantMarkerPlusOne:
		return "marker_plus_one"
	case VariantSingleTerminator:
		return "single_terminator"
	default:
		return "unknown"
	}
}

// Classify picks the envelope variant from the leading bytes of data.
// It reports false when data is too short to tell the variants apart.
func Classify(data []byte) (Variant, bool) {
	if len(data) == 0 {
		return 0, false
	}
	if data[0] == SequencedTag {
		return VariantSequenced, true
	}
	if data[0] == markerPrefix[0] {
		if len(data) < len(markerPrefix) {
			return 0, false
		}
		if data[1] == markerPrefix[1] {
			return VariantMarkerPlusOne, true
		}
	}
	return VariantSingleTerminator, true
}

// Extract attempts to cut one frame from the head of data. On success it
// returns the payload (aliasing data) and the number of envelope bytes to
// consume. It never fails: anything that is not yet a full frame is
// reported as incomplete with consumed == 0.
func Extract(data []byte) (payload []byte, consumed int, ok bool) {
	payload, consumed, _, ok = extract(data, 0)
	return payload, consumed, ok
}

// extract is Extract with a forward scan starting at from. When the frame
// is incomplete, resume is the offset the next scan may start at.
func extract(data []byte, from int) (payload []byte, consumed, resume int, ok bool) {
	variant, known := Classify(data)
	if !known {
		return nil, 0, 0, false
	}

	switch variant {
	case VariantSequenced:
		if len(data) < SequencedMinFrameLen {
			return nil, 0, 0, false
		}
		return data[sequencedHeaderLen : len(data)-sequencedTrailerLen], len(data), 0, true

	case VariantMarkerPlusOne:
		idx := indexFrom(data, MarkerByte, from)
		if idx < 0 {
			return nil, 0, len(data), false
		}
		// status byte after the marker has not arrived yet
		if idx == len(data)-1 {
			return nil, 0, idx, false
		}
		return data[:idx], idx + 2, 0, true

	default:
		idx := indexFrom(data, TerminatorByte, from)
		if idx < 0 {
			return nil, 0, len(data), false
		}
		return data[:idx], idx + 1, 0, true
	}
}

func indexFrom(data []byte, c byte, from int) int {
	if from < 0 || from > len(data) {
		from = 0
	}
	idx := bytes.IndexByte(data[from:], c)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// L100FrameDecoder implements protocol.FrameDecoder for ATL/L100 devices.
// It holds no state; one instance may serve every connection.
type L100FrameDecoder struct{}

// NewL100FrameDecoder creates a new L100 frame decoder
func NewL100FrameDecoder() *L100FrameDecoder {
	return &L100FrameDecoder{}
}

// Decode extracts one frame from the head of buf. The returned payload is
// a copy and stays valid after buf is reused.
func (d *L100FrameDecoder) Decode(buf *stream.Buffer) ([]byte, bool) {
	data := buf.Bytes()
	payload, consumed, resume, ok := extract(data, buf.ScanFrom())
	if !ok {
		buf.SetScanFrom(resume)
		return nil, false
	}

	frame := make([]byte, len(payload))
	copy(frame, payload)
	buf.Consume(consumed)
	return frame, true
}

// VariantOf reports the variant a Decode call on buf would use
func (d *L100FrameDecoder) VariantOf(buf *stream.Buffer) (Variant, bool) {
	return Classify(buf.Bytes())
}
