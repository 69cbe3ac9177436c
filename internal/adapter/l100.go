// L100 (ATL) 协议适配器
// Text records framed by one of three envelopes, see l100_frame.go

package adapter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"openfms/atlgateway/internal/protocol"
)

const (
	// L100Marker identifies the device family in every record
	L100Marker = "ATL"

	// DetectHeaderLen is the number of leading bytes that always suffices
	// for L100Detector to accept or reject a stream
	DetectHeaderLen = 3

	knotsToKmh = 1.852
)

var (
	ErrEmptyPayload    = errors.New("empty payload")
	ErrMalformedRecord = errors.New("malformed record")
)

// L100Adapter implements ProtocolAdapter for ATL/L100 devices
type L100Adapter struct{}

// NewL100Adapter creates a new L100 adapter
func NewL100Adapter() *L100Adapter {
	return &L100Adapter{}
}

// Protocol returns protocol identifier
func (a *L100Adapter) Protocol() string {
	return "L100"
}

// Decode translates a stripped L100 payload to standard message
func (a *L100Adapter) Decode(payload []byte) (*protocol.StandardMessage, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	record := string(payload)
	msg := &protocol.StandardMessage{
		Timestamp: time.Now().Unix(),
		Extras:    make(map[string]interface{}),
	}

	var err error
	switch {
	case strings.HasPrefix(record, "L,"+L100Marker+","):
		err = a.parseStatus(record, msg)
	case strings.HasPrefix(record, L100Marker+","):
		err = a.parseLocation(record, msg)
	case strings.HasPrefix(record, L100Marker) && strings.Contains(record, ",$GPRMC,"):
		err = a.parseNMEA(record, msg)
	default:
		msg.Type = protocol.MsgTypeUnknown
		msg.Extras["raw"] = record
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode translates standard command to L100 bytes
func (a *L100Adapter) Encode(cmd protocol.StandardCommand) ([]byte, error) {
	switch cmd.Type {
	case protocol.CmdCustom:
		data, ok := cmd.Params["data"].(string)
		if !ok || data == "" {
			return nil, fmt.Errorf("custom command requires a data string")
		}
		return []byte(data), nil
	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

// IsHeartbeat checks if payload is a status report
func (a *L100Adapter) IsHeartbeat(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == 'L' && payload[1] == ','
}

// GenerateHeartbeatAck returns nil, L100 devices expect no acknowledgement
func (a *L100Adapter) GenerateHeartbeatAck(payload []byte) ([]byte, error) {
	return nil, nil
}

// parseStatus handles L,ATL,<imei>,<status>,<seq>,
func (a *L100Adapter) parseStatus(record string, msg *protocol.StandardMessage) error {
	parts := strings.Split(record, ",")
	if len(parts) < 3 || parts[2] == "" {
		return fmt.Errorf("status record: %w", ErrMalformedRecord)
	}

	msg.Type = protocol.MsgTypeHeartbeat
	msg.DeviceID = parts[2]
	if len(parts) > 3 {
		msg.Extras["status"] = parts[3]
	}
	if len(parts) > 4 {
		msg.Extras["seq"] = parts[4]
	}
	return nil
}

// parseLocation handles
// ATL,L,<imei>,<event>,<ddmmyy>,<hhmmss>,<A|V>,<lat>,<N|S>,<lon>,<E|W>,<speed>,<source>,<status>,<mcc>,<mnc>,<lac>,<cell>
func (a *L100Adapter) parseLocation(record string, msg *protocol.StandardMessage) error {
	parts := strings.Split(record, ",")
	if len(parts) < 12 || parts[2] == "" {
		return fmt.Errorf("location record: %w", ErrMalformedRecord)
	}

	msg.Type = protocol.MsgTypeLocation
	msg.DeviceID = parts[2]
	msg.Extras["record"] = parts[1]
	msg.Extras["event"] = parts[3]

	if ts, ok := parseDateTime(parts[4], parts[5]); ok {
		msg.Timestamp = ts
	}
	msg.Valid = parts[6] == "A"

	lat, _ := strconv.ParseFloat(parts[7], 64)
	lon, _ := strconv.ParseFloat(parts[9], 64)
	msg.Lat = applyHemisphere(lat, parts[8])
	msg.Lon = applyHemisphere(lon, parts[10])
	msg.Speed, _ = strconv.ParseFloat(parts[11], 64)

	tail := []string{"source", "status", "mcc", "mnc", "lac", "cell_id"}
	for i, key := range tail {
		if 12+i < len(parts) && parts[12+i] != "" {
			msg.Extras[key] = parts[12+i]
		}
	}
	return nil
}

// parseNMEA handles ATL<imei>,$GPRMC,...*CS$[LOC,<address>],#<io>,<values...>ATL
func (a *L100Adapter) parseNMEA(record string, msg *protocol.StandardMessage) error {
	body := strings.TrimPrefix(record, L100Marker)
	comma := strings.IndexByte(body, ',')
	if comma <= 0 {
		return fmt.Errorf("nmea record: %w", ErrMalformedRecord)
	}
	msg.Type = protocol.MsgTypeLocation
	msg.DeviceID = body[:comma]

	rest := body[comma+1:]
	end := strings.IndexByte(rest[1:], '$')
	if end < 0 {
		return fmt.Errorf("nmea record: unterminated sentence: %w", ErrMalformedRecord)
	}
	sentence := rest[1 : end+1]
	if star := strings.IndexByte(sentence, '*'); star >= 0 {
		sentence = sentence[:star]
	}

	fields := strings.Split(sentence, ",")
	if len(fields) < 10 {
		return fmt.Errorf("nmea record: short sentence: %w", ErrMalformedRecord)
	}
	msg.Valid = fields[2] == "A"
	msg.Lat = applyHemisphere(convertCoord(fields[3]), fields[4])
	msg.Lon = applyHemisphere(convertCoord(fields[5]), fields[6])
	if knots, err := strconv.ParseFloat(fields[7], 64); err == nil {
		msg.Speed = knots * knotsToKmh
	}
	if course, err := strconv.ParseFloat(fields[8], 64); err == nil {
		msg.Direction = course
	}
	clock := fields[1]
	if dot := strings.IndexByte(clock, '.'); dot >= 0 {
		clock = clock[:dot]
	}
	if ts, ok := parseDateTime(fields[9], clock); ok {
		msg.Timestamp = ts
	}

	tail := rest[end+2:]
	if strings.HasPrefix(tail, "LOC,") {
		addrEnd := strings.Index(tail, ",#")
		if addrEnd < 0 {
			addrEnd = len(tail)
		}
		msg.Extras["address"] = tail[len("LOC,"):addrEnd]
		tail = tail[addrEnd:]
	}

	tail = strings.TrimSuffix(strings.TrimPrefix(tail, ","), L100Marker)
	if tail == "" {
		return nil
	}
	values := strings.Split(tail, ",")
	if strings.HasPrefix(values[0], "#") {
		msg.Extras["io"] = values[0][1:]
		values = values[1:]
	}
	if len(values) > 0 {
		msg.Extras["values"] = values
	}
	return nil
}

// L100Detector implements protocol detection for ATL/L100 streams
type L100Detector struct {
	adapter *L100Adapter
	decoder *L100FrameDecoder
}

// NewL100Detector creates a new L100 detector
func NewL100Detector() *L100Detector {
	return &L100Detector{
		adapter: NewL100Adapter(),
		decoder: NewL100FrameDecoder(),
	}
}

// Match detects L100 protocol from the first bytes of a stream
func (d *L100Detector) Match(headerBytes []byte) (protocol.ProtocolAdapter, protocol.FrameDecoder, bool) {
	if len(headerBytes) < 1 {
		return nil, nil, false
	}
	if headerBytes[0] == SequencedTag ||
		strings.HasPrefix(string(headerBytes), "L,") ||
		strings.HasPrefix(string(headerBytes), L100Marker) {
		return d.adapter, d.decoder, true
	}
	return nil, nil, false
}

// 辅助方法

func parseDateTime(date, clock string) (int64, bool) {
	// DDMMYY + HHMMSS
	if len(date) != 6 || len(clock) != 6 {
		return 0, false
	}
	day, err1 := strconv.Atoi(date[0:2])
	month, err2 := strconv.Atoi(date[2:4])
	year, err3 := strconv.Atoi(date[4:6])
	hour, err4 := strconv.Atoi(clock[0:2])
	minute, err5 := strconv.Atoi(clock[2:4])
	second, err6 := strconv.Atoi(clock[4:6])
	if err := errors.Join(err1, err2, err3, err4, err5, err6); err != nil {
		return 0, false
	}

	t := time.Date(2000+year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	return t.Unix(), true
}

// convertCoord turns NMEA DDMM.MMMM into degrees
func convertCoord(raw string) float64 {
	coord, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	degrees := float64(int(coord / 100))
	minutes := coord - degrees*100
	return degrees + minutes/60
}

func applyHemisphere(v float64, hemisphere string) float64 {
	if hemisphere == "S" || hemisphere == "W" {
		return -v
	}
	return v
}
