package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"openfms/atlgateway/internal/adapter"
	"openfms/atlgateway/internal/config"
	"openfms/atlgateway/internal/observability"
	"openfms/atlgateway/internal/protocol"
	"openfms/atlgateway/internal/publisher"
	"openfms/atlgateway/internal/registry"
	"openfms/atlgateway/internal/stream"
)

const (
	readChunkSize   = 4096
	registryTimeout = 3 * time.Second
)

// variantReporter is implemented by decoders that can name the envelope
// they are about to cut
type variantReporter interface {
	VariantOf(buf *stream.Buffer) (adapter.Variant, bool)
}

// TCPServer handles TCP connections from ATL devices
type TCPServer struct {
	config    *config.Config
	store     registry.Store
	publisher publisher.Publisher
	nats      *nats.Conn
	detector  protocol.Detector
	tap       *Tap
	log       zerolog.Logger
	listener  net.Listener
	http      *http.Server
	sessions  sync.Map // device id -> *Session
	conns     sync.Map // conn id -> *Session
	connSeq   atomic.Uint64
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewTCPServer creates a new TCP server. natsConn may be nil, in which
// case no downlink subscription is made.
func NewTCPServer(cfg *config.Config, store registry.Store, pub publisher.Publisher, natsConn *nats.Conn, logger zerolog.Logger) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config:    cfg,
		store:     store,
		publisher: pub,
		nats:      natsConn,
		detector:  adapter.NewL100Detector(),
		tap:       NewTap(logger),
		log:       logger.With().Str("component", "server").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the TCP server
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.GatewayPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", addr).Msg("TCP server listening")

	if err := s.startHTTPServer(); err != nil {
		listener.Close()
		return err
	}

	if s.nats != nil {
		if err := s.startDownlinkConsumer(); err != nil {
			s.log.Error().Err(err).Msg("downlink consumer disabled")
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop stops the TCP server and waits for connection goroutines
func (s *TCPServer) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.http.Shutdown(ctx)
		cancel()
	}
	s.conns.Range(func(key, value interface{}) bool {
		if session, ok := value.(*Session); ok {
			session.close()
		}
		return true
	})
	s.tap.Close()
	s.wg.Wait()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn().Err(err).Msg("accept error")
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(s.newSession(conn))
		}()
	}
}

func (s *TCPServer) newSession(conn net.Conn) *Session {
	connID := fmt.Sprintf("%s-%d", s.config.GatewayID, s.connSeq.Add(1))
	return newSession(connID, s.config.GatewayID, conn, s.config.DownlinkQueueSize)
}

// handleConnection serves one device until it goes away and reports why
// the connection was closed
func (s *TCPServer) handleConnection(session *Session) (reason string) {
	logger := s.log.With().Str("conn_id", session.ConnID).Str("client_ip", session.ClientIP).Logger()

	s.conns.Store(session.ConnID, session)
	observability.ConnectionOpened()
	defer func() {
		s.conns.Delete(session.ConnID)
		s.cleanupSession(session)
		session.close()
		observability.ConnectionClosed(reason)
		logger.Info().Str("reason", reason).Msg("connection closed")
	}()

	logger.Info().Msg("new connection")

	go session.writeLoop(func(err error) {
		logger.Warn().Err(err).Msg("write failed")
		session.close()
	})

	chunk := make([]byte, readChunkSize)
	buf := stream.NewBuffer(readChunkSize)

	for {
		select {
		case <-s.ctx.Done():
			return observability.ReasonShutdown
		default:
		}

		session.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout()))
		n, err := session.Conn.Read(chunk)
		if n > 0 {
			buf.Append(chunk[:n])
			observability.RecordBytes(n)
			session.touch()

			if !s.drain(session, buf, logger) {
				return observability.ReasonProtocol
			}
			// decoder never fails, so an envelope that never closes has to
			// be cut off here
			if buf.Len() > s.config.MaxFrameSize {
				logger.Warn().Int("buffered", buf.Len()).Int("limit", s.config.MaxFrameSize).
					Msg("frame exceeds size limit, dropping connection")
				return observability.ReasonOversize
			}
			buf.Compact()
		}
		if err != nil {
			switch {
			case session.replaced.Load():
				return observability.ReasonReplaced
			case s.ctx.Err() != nil:
				return observability.ReasonShutdown
			case errors.Is(err, io.EOF):
				return observability.ReasonEOF
			default:
				logger.Warn().Err(err).Msg("read error")
				return observability.ReasonError
			}
		}
	}
}

// drain extracts every complete frame from buf. It returns false when the
// stream does not belong to a known protocol.
func (s *TCPServer) drain(session *Session, buf *stream.Buffer, logger zerolog.Logger) bool {
	for buf.Len() > 0 {
		if session.Decoder == nil {
			ad, decoder, matched := s.detector.Match(buf.Bytes())
			if !matched {
				if buf.Len() < adapter.DetectHeaderLen {
					return true
				}
				logger.Warn().Hex("header", buf.Bytes()[:adapter.DetectHeaderLen]).Msg("unknown protocol")
				return false
			}
			session.setProtocol(ad, decoder)
			logger.Info().Str("protocol", ad.Protocol()).Msg("protocol detected")
		}

		variant := "unknown"
		if vr, ok := session.Decoder.(variantReporter); ok {
			if v, ok := vr.VariantOf(buf); ok {
				variant = v.String()
			}
		}

		payload, ok := session.Decoder.Decode(buf)
		if !ok {
			return true
		}
		observability.RecordFrame(variant)
		s.handlePacket(session, payload, logger)
	}
	return true
}

func (s *TCPServer) handlePacket(session *Session, payload []byte, logger zerolog.Logger) {
	ad := session.adapter()

	msg, err := ad.Decode(payload)
	if err != nil {
		logger.Warn().Err(err).Int("len", len(payload)).Msg("decode error")
		return
	}

	// Update session with device ID
	if session.bindDevice(msg.DeviceID) {
		if prev, loaded := s.sessions.Swap(msg.DeviceID, session); loaded && prev != session {
			logger.Info().Str("device_id", msg.DeviceID).Str("previous_conn", prev.(*Session).ConnID).
				Msg("device reconnected, replacing session")
			prev.(*Session).replace()
		}
		s.registerSession(session, logger)
	}

	if ad.IsHeartbeat(payload) {
		ack, err := ad.GenerateHeartbeatAck(payload)
		if err == nil && ack != nil {
			if err := session.Enqueue(ack); err != nil {
				logger.Warn().Err(err).Msg("heartbeat ack not queued")
			}
		}
		s.updateSessionTTL(session, logger)
	}

	if msg.Type == protocol.MsgTypeLocation && msg.DeviceID != "" {
		ctx, cancel := context.WithTimeout(s.ctx, registryTimeout)
		if err := s.store.UpdateShadow(ctx, msg); err != nil {
			logger.Warn().Err(err).Msg("failed to update shadow")
		}
		cancel()
	}

	s.tap.Broadcast(msg)

	// Publish to NATS for processing
	err = s.publisher.Publish(msg)
	observability.RecordPublish(msg.Type, err == nil)
	if err != nil {
		logger.Error().Err(err).Str("type", msg.Type).Msg("publish failed")
		return
	}
	logger.Debug().Str("type", msg.Type).Str("device_id", msg.DeviceID).Msg("published message")
}

func (s *TCPServer) registerSession(session *Session, logger zerolog.Logger) {
	info := registry.SessionInfo{
		GatewayID: session.GatewayID,
		ConnID:    session.ConnID,
		ClientIP:  session.ClientIP,
	}
	ctx, cancel := context.WithTimeout(s.ctx, registryTimeout)
	defer cancel()

	if err := s.store.Register(ctx, session.deviceID(), info); err != nil {
		logger.Error().Err(err).Msg("failed to register session")
		return
	}
	logger.Info().Str("device_id", session.deviceID()).Str("value", info.Encode()).Msg("session registered")
}

func (s *TCPServer) updateSessionTTL(session *Session, logger zerolog.Logger) {
	deviceID := session.deviceID()
	if deviceID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, registryTimeout)
	defer cancel()
	if err := s.store.Touch(ctx, deviceID); err != nil {
		logger.Warn().Err(err).Msg("failed to refresh session")
	}
}

func (s *TCPServer) cleanupSession(session *Session) {
	deviceID := session.deviceID()
	if deviceID == "" {
		return
	}
	// a reconnect may already own the device id
	if !s.sessions.CompareAndDelete(deviceID, session) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := s.store.Remove(ctx, deviceID); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to remove session")
	}
}

// lookupSession returns the live session for a device on this gateway
func (s *TCPServer) lookupSession(deviceID string) (*Session, bool) {
	value, ok := s.sessions.Load(deviceID)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

// SendCommand encodes cmd with the device's adapter and queues it
func (s *TCPServer) SendCommand(deviceID string, cmd protocol.StandardCommand) error {
	session, ok := s.lookupSession(deviceID)
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, registry.ErrNotFound)
	}
	ad := session.adapter()
	if ad == nil {
		return fmt.Errorf("device %s: protocol not determined", deviceID)
	}
	data, err := ad.Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	return session.Enqueue(data)
}
