// Package publisher hands decoded device messages to the NATS uplink bus.
package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"openfms/atlgateway/internal/protocol"
)

const (
	// StreamLocations keeps a durable copy of location reports
	StreamLocations = "FMS_LOCATIONS"

	SubjectAll = "fms.uplink.all"
)

// Publisher is the uplink side used by the TCP server
type Publisher interface {
	Publish(msg *protocol.StandardMessage) error
}

type corePublisher interface {
	Publish(subj string, data []byte) error
}

type streamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher publishes on core NATS and, when enabled, JetStream
type NATSPublisher struct {
	nc corePublisher
	js streamPublisher
}

// NewNATSPublisher creates a core-only publisher
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// NewJetStreamPublisher creates a publisher that also persists LOCATION
// messages, creating or updating the locations stream
func NewJetStreamPublisher(nc *nats.Conn) (*NATSPublisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	if err := ensureStream(js, LocationsStreamConfig()); err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js}, nil
}

// LocationsStreamConfig describes the durable locations stream
func LocationsStreamConfig() nats.StreamConfig {
	return nats.StreamConfig{
		Name:      StreamLocations,
		Subjects:  []string{"fms.locations.*"},
		Retention: nats.LimitsPolicy,
		MaxMsgs:   -1,
		MaxBytes:  10 * 1024 * 1024 * 1024, // 10GB
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
}

func ensureStream(js nats.JetStreamContext, cfg nats.StreamConfig) error {
	_, err := js.AddStream(&cfg)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	if _, err := js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
	}
	return nil
}

// UplinkSubject is the per-type core subject
func UplinkSubject(msgType string) string {
	return fmt.Sprintf("fms.uplink.%s", msgType)
}

// LocationSubject is the JetStream subject for one device
func LocationSubject(deviceID string) string {
	return fmt.Sprintf("fms.locations.%s", deviceID)
}

// Publish sends msg to fms.uplink.<TYPE> and fms.uplink.all, plus the
// locations stream for LOCATION messages with a device id
func (p *NATSPublisher) Publish(msg *protocol.StandardMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	if err := p.nc.Publish(UplinkSubject(msg.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", UplinkSubject(msg.Type), err)
	}
	if err := p.nc.Publish(SubjectAll, data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectAll, err)
	}

	if p.js != nil && msg.Type == protocol.MsgTypeLocation && msg.DeviceID != "" {
		if _, err := p.js.Publish(LocationSubject(msg.DeviceID), data); err != nil {
			return fmt.Errorf("persist location %s: %w", msg.DeviceID, err)
		}
	}
	return nil
}
