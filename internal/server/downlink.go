package server

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"openfms/atlgateway/internal/protocol"
)

// DownlinkSubject is where commands for this gateway's devices arrive
func DownlinkSubject(gatewayID string) string {
	return fmt.Sprintf("gateway.downlink.%s", gatewayID)
}

func (s *TCPServer) startDownlinkConsumer() error {
	subject := DownlinkSubject(s.config.GatewayID)
	sub, err := s.nats.Subscribe(subject, func(msg *nats.Msg) {
		s.handleDownlink(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.log.Info().Str("subject", subject).Msg("downlink consumer started")

	go func() {
		<-s.ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (s *TCPServer) handleDownlink(data []byte) {
	var cmd commandRequest
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmarshal command")
		return
	}

	err := s.SendCommand(cmd.DeviceID, protocol.StandardCommand{Type: cmd.Type, Params: cmd.Params})
	if err != nil {
		s.log.Warn().Err(err).Str("device_id", cmd.DeviceID).Str("type", cmd.Type).Msg("command not sent")
		return
	}
	s.log.Info().Str("device_id", cmd.DeviceID).Str("type", cmd.Type).Msg("command queued")
}
