package publisher

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"openfms/atlgateway/internal/protocol"
)

type recorded struct {
	subject string
	data    []byte
}

type fakeCore struct {
	sent []recorded
	err  error
}

func (f *fakeCore) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recorded{subj, data})
	return nil
}

type fakeStream struct {
	sent []recorded
}

func (f *fakeStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.sent = append(f.sent, recorded{subj, data})
	return &nats.PubAck{Stream: StreamLocations}, nil
}

func TestPublishLocationGoesToAllSubjects(t *testing.T) {
	core := &fakeCore{}
	js := &fakeStream{}
	p := &NATSPublisher{nc: core, js: js}

	msg := &protocol.StandardMessage{DeviceID: "868345038171963", Type: protocol.MsgTypeLocation, Lat: 25.06}
	if err := p.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(core.sent) != 2 || core.sent[0].subject != "fms.uplink.LOCATION" || core.sent[1].subject != SubjectAll {
		t.Fatalf("core subjects mismatch: %+v", core.sent)
	}
	if len(js.sent) != 1 || js.sent[0].subject != "fms.locations.868345038171963" {
		t.Fatalf("stream subjects mismatch: %+v", js.sent)
	}

	var decoded protocol.StandardMessage
	if err := json.Unmarshal(core.sent[0].data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.DeviceID != msg.DeviceID || decoded.Lat != msg.Lat {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestPublishHeartbeatSkipsStream(t *testing.T) {
	core := &fakeCore{}
	js := &fakeStream{}
	p := &NATSPublisher{nc: core, js: js}
	if err := p.Publish(&protocol.StandardMessage{DeviceID: "1", Type: protocol.MsgTypeHeartbeat}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(js.sent) != 0 {
		t.Fatalf("heartbeat persisted: %+v", js.sent)
	}
}

func TestPublishWrapsCoreError(t *testing.T) {
	boom := errors.New("boom")
	p := &NATSPublisher{nc: &fakeCore{err: boom}}
	if err := p.Publish(&protocol.StandardMessage{Type: protocol.MsgTypeLocation}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestLocationsStreamConfig(t *testing.T) {
	cfg := LocationsStreamConfig()
	if cfg.Name != StreamLocations || cfg.Subjects[0] != "fms.locations.*" {
		t.Fatalf("unexpected stream config: %+v", cfg)
	}
}
