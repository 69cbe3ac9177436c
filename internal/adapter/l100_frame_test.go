package adapter

import (
	"bytes"
	"encoding/hex"
	"testing"

	"openfms/atlgateway/internal/stream"
)

const (
	terminatorPayloadHex = "41544c2c4c2c3836383334353033383137313936332c4e2c3230313231382c3039333031362c412c3032352e3036373134342c4e2c3035352e3134343833332c452c3030302e302c4750532c333933392c3432342c30332c30303430352c303038383334"

	markerPayloadHex = "4c2c41544c2c3836363739353033303437373935322c30312c303033352c"

	sequencedPayloadHex = "41544c3335363839353033373533333734352c244750524d432c3131313731392e3030302c412c323833382e303034352c4e2c30373731332e333730372c452c302e30302c2c3132303831302c2c2c412a3735242c2330313130303131313030313031302c4e2e432c4e2e432c4e2e432c31323334352e36372c33312e342c342e322c32312c4d43432c4d4e432c4c41432c43656c6c494441544c"

	sequencedAddressPayloadHex = "41544c3335363839353033373533333734352c244750524d432c3131313731392e3030302c412c323833382e303034352c4e2c30373731332e333730372c452c302e30302c2c3132303831302c2c2c412a3735244c4f432c436f6e6e61756768742043697263757320c2a0436f6e6e617567687420506c61636520c2a04e65772044656c686920c2a044656c6869c2a0496e6469612c2330313130303130313130313031302c322e332c33352e36372c38302c31323334352e36372c33312e342c342e322c32312c4d43432c4d4e432c4c41432c43656c6c494441544c"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestL100FrameDecoderKnownFrames(t *testing.T) {
	cases := []struct {
		name    string
		input   []byte
		payload []byte
		variant Variant
	}{
		{
			name:    "single terminator",
			input:   concat(mustHex(t, terminatorPayloadHex), []byte{0x40}),
			payload: mustHex(t, terminatorPayloadHex),
			variant: VariantSingleTerminator,
		},
		{
			name:    "marker plus one",
			input:   concat(mustHex(t, markerPayloadHex), []byte{0x2a, 0x28}),
			payload: mustHex(t, markerPayloadHex),
			variant: VariantMarkerPlusOne,
		},
		{
			name:    "sequenced",
			input:   concat([]byte{0x20, 0x01}, mustHex(t, sequencedPayloadHex), []byte{0x02, 0x7a}),
			payload: mustHex(t, sequencedPayloadHex),
			variant: VariantSequenced,
		},
		{
			name:    "sequenced with non-ascii address",
			input:   concat([]byte{0x20, 0x03}, mustHex(t, sequencedAddressPayloadHex), []byte{0x04, 0x7a}),
			payload: mustHex(t, sequencedAddressPayloadHex),
			variant: VariantSequenced,
		},
	}

	decoder := NewL100FrameDecoder()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := stream.Wrap(tc.input)
			if v, ok := decoder.VariantOf(buf); !ok || v != tc.variant {
				t.Fatalf("variant mismatch: got=%v ok=%v want=%v", v, ok, tc.variant)
			}
			frame, ok := decoder.Decode(buf)
			if !ok {
				t.Fatalf("expected a frame")
			}
			if !bytes.Equal(frame, tc.payload) {
				t.Fatalf("payload mismatch:\n got=%x\nwant=%x", frame, tc.payload)
			}
			if buf.Len() != 0 {
				t.Fatalf("envelope not fully consumed: %d bytes left", buf.Len())
			}
		})
	}
}

func TestL100FrameDecoderIncomplete(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "lone L", input: []byte("L")},
		{name: "marker missing", input: []byte{0x4c, 0x2c, 0x41, 0x54, 0x4c}},
		{name: "marker is last byte", input: []byte("L,ATL,1*")},
		{name: "sequenced too short", input: []byte{0x20, 0x01, 0x41}},
		{name: "terminator missing", input: []byte("ATL,L,8683")},
	}

	decoder := NewL100FrameDecoder()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := stream.Wrap(tc.input)
			if frame, ok := decoder.Decode(buf); ok {
				t.Fatalf("expected incomplete, got frame %x", frame)
			}
			if buf.Len() != len(tc.input) {
				t.Fatalf("bytes consumed on incomplete: len=%d want=%d", buf.Len(), len(tc.input))
			}
		})
	}
}

func TestExtractSequencedStripsFirstAndLastTwo(t *testing.T) {
	in := []byte{0x20, 0x07, 0xff, 0x00, 0x80, 0xc2, 0xa0, 0x41, 0x42, 0x43, 0x09, 0x7a}
	payload, consumed, ok := Extract(in)
	if !ok {
		t.Fatalf("expected a frame")
	}
	if !bytes.Equal(payload, in[2:len(in)-2]) {
		t.Fatalf("payload mismatch: got=%x", payload)
	}
	if consumed != len(in) {
		t.Fatalf("consumed mismatch: got=%d want=%d", consumed, len(in))
	}
}

func TestExtractSequencedThreshold(t *testing.T) {
	in := bytes.Repeat([]byte{0x41}, SequencedMinFrameLen)
	in[0] = SequencedTag
	if _, _, ok := Extract(in[:SequencedMinFrameLen-1]); ok {
		t.Fatalf("frame committed below threshold")
	}
	if _, _, ok := Extract(in); !ok {
		t.Fatalf("frame not committed at threshold")
	}
}

func TestExtractMarkerKeepsPrefixAndUsesFirstMarker(t *testing.T) {
	in := []byte("L,A*1B*2")
	payload, consumed, ok := Extract(in)
	if !ok {
		t.Fatalf("expected a frame")
	}
	if string(payload) != "L,A" {
		t.Fatalf("payload mismatch: got=%q", payload)
	}
	if consumed != 5 {
		t.Fatalf("consumed mismatch: got=%d want=5", consumed)
	}
}

func TestExtractTerminatorUsesFirstTerminator(t *testing.T) {
	in := []byte("ab@cd@")
	payload, consumed, ok := Extract(in)
	if !ok || string(payload) != "ab" || consumed != 3 {
		t.Fatalf("unexpected result: payload=%q consumed=%d ok=%v", payload, consumed, ok)
	}
}

func TestExtractTerminatorOnlyYieldsEmptyPayload(t *testing.T) {
	payload, consumed, ok := Extract([]byte{TerminatorByte})
	if !ok || len(payload) != 0 || consumed != 1 {
		t.Fatalf("unexpected result: payload=%q consumed=%d ok=%v", payload, consumed, ok)
	}
}

func TestL100FrameDecoderRemainderIsReclassified(t *testing.T) {
	first := []byte("ATL,1@")
	second := concat(mustHex(t, markerPayloadHex), []byte{0x2a, 0x28})
	buf := stream.Wrap(concat(first, second))

	decoder := NewL100FrameDecoder()
	frame, ok := decoder.Decode(buf)
	if !ok || string(frame) != "ATL,1" {
		t.Fatalf("first frame mismatch: %q ok=%v", frame, ok)
	}
	if v, _ := decoder.VariantOf(buf); v != VariantMarkerPlusOne {
		t.Fatalf("remainder variant mismatch: got=%v", v)
	}
	frame, ok = decoder.Decode(buf)
	if !ok || !bytes.Equal(frame, mustHex(t, markerPayloadHex)) {
		t.Fatalf("second frame mismatch: %x ok=%v", frame, ok)
	}
	if _, ok := decoder.Decode(buf); ok {
		t.Fatalf("empty buffer produced a frame")
	}
}

func TestL100FrameDecoderByteAtATime(t *testing.T) {
	inputs := map[string][]byte{
		"single terminator": concat(mustHex(t, terminatorPayloadHex), []byte{0x40}),
		"marker plus one":   concat(mustHex(t, markerPayloadHex), []byte{0x2a, 0x28}),
	}

	decoder := NewL100FrameDecoder()
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			whole, ok := decoder.Decode(stream.Wrap(input))
			if !ok {
				t.Fatalf("single chunk delivery failed")
			}

			buf := stream.NewBuffer(0)
			for i, c := range input {
				buf.Append([]byte{c})
				frame, ok := decoder.Decode(buf)
				if i < len(input)-1 {
					if ok {
						t.Fatalf("frame produced after %d of %d bytes", i+1, len(input))
					}
					continue
				}
				if !ok {
					t.Fatalf("no frame after full delivery")
				}
				if !bytes.Equal(frame, whole) {
					t.Fatalf("chunked payload differs from single chunk")
				}
			}
		})
	}
}

func TestL100FrameDecoderSequencedChunkedBelowThreshold(t *testing.T) {
	input := concat([]byte{0x20, 0x01}, mustHex(t, sequencedPayloadHex), []byte{0x02, 0x7a})
	decoder := NewL100FrameDecoder()
	buf := stream.NewBuffer(0)
	for i := 0; i < SequencedMinFrameLen-1; i++ {
		buf.Append(input[i : i+1])
		if _, ok := decoder.Decode(buf); ok {
			t.Fatalf("frame produced after %d bytes", i+1)
		}
	}
	buf.Append(input[SequencedMinFrameLen-1:])
	frame, ok := decoder.Decode(buf)
	if !ok || !bytes.Equal(frame, mustHex(t, sequencedPayloadHex)) {
		t.Fatalf("sequenced frame mismatch after threshold: ok=%v", ok)
	}
}

func TestL100FrameDecoderPayloadOutlivesBuffer(t *testing.T) {
	buf := stream.Wrap([]byte("ATL,1@ATL,2@"))
	decoder := NewL100FrameDecoder()
	frame, _ := decoder.Decode(buf)
	buf.Compact()
	buf.Append([]byte("zzzzzz"))
	if string(frame) != "ATL,1" {
		t.Fatalf("payload aliased buffer: got=%q", frame)
	}
}

func TestClassifyNeverPanics(t *testing.T) {
	for i := 0; i < 256; i++ {
		for _, n := range []int{1, 2, 3} {
			in := bytes.Repeat([]byte{byte(i)}, n)
			Extract(in)
			Classify(in)
		}
	}
}
