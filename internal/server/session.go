package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"openfms/atlgateway/internal/observability"
	"openfms/atlgateway/internal/protocol"
)

const writeTimeout = 10 * time.Second

var (
	ErrQueueFull     = errors.New("downlink queue full")
	ErrSessionClosed = errors.New("session closed")
)

// Session represents a device connection
type Session struct {
	ConnID     string
	DeviceID   string
	Conn       net.Conn
	Adapter    protocol.ProtocolAdapter
	Decoder    protocol.FrameDecoder
	GatewayID  string
	ClientIP   string
	LastActive time.Time
	mu         sync.RWMutex

	// outbound holds encoded commands waiting for the writer
	outbound  *queue.Queue
	queueSize int
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	replaced  atomic.Bool
}

// SessionSnapshot is a read-only copy of a session for reporting
type SessionSnapshot struct {
	ConnID     string    `json:"conn_id"`
	DeviceID   string    `json:"device_id"`
	ClientIP   string    `json:"client_ip"`
	Protocol   string    `json:"protocol"`
	LastActive time.Time `json:"last_active"`
	Pending    int       `json:"pending_commands"`
}

func newSession(connID, gatewayID string, conn net.Conn, queueSize int) *Session {
	return &Session{
		ConnID:     connID,
		Conn:       conn,
		GatewayID:  gatewayID,
		ClientIP:   conn.RemoteAddr().String(),
		LastActive: time.Now(),
		outbound:   queue.New(),
		queueSize:  queueSize,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) setProtocol(a protocol.ProtocolAdapter, d protocol.FrameDecoder) {
	s.mu.Lock()
	s.Adapter = a
	s.Decoder = d
	s.mu.Unlock()
}

func (s *Session) adapter() protocol.ProtocolAdapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Adapter
}

func (s *Session) deviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.DeviceID
}

// bindDevice sets the device id once; it reports whether this call set it
func (s *Session) bindDevice(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeviceID != "" || deviceID == "" {
		return false
	}
	s.DeviceID = deviceID
	return true
}

// Snapshot copies the reportable fields
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := SessionSnapshot{
		ConnID:     s.ConnID,
		DeviceID:   s.DeviceID,
		ClientIP:   s.ClientIP,
		LastActive: s.LastActive,
		Pending:    s.outbound.Length(),
	}
	if s.Adapter != nil {
		snap.Protocol = s.Adapter.Protocol()
	}
	return snap
}

// Enqueue queues encoded bytes for the session writer
func (s *Session) Enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.mu.Lock()
	if s.outbound.Length() >= s.queueSize {
		s.mu.Unlock()
		return ErrQueueFull
	}
	s.outbound.Add(data)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) dequeue() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbound.Length() == 0 {
		return nil
	}
	return s.outbound.Remove().([]byte)
}

// writeLoop drains the outbound queue until the session closes
func (s *Session) writeLoop(onError func(error)) {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for data := s.dequeue(); data != nil; data = s.dequeue() {
			s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, err := s.Conn.Write(data)
			observability.RecordCommand(err == nil)
			if err != nil {
				onError(err)
				return
			}
		}
	}
}

// replace closes a session whose device has reconnected elsewhere
func (s *Session) replace() {
	s.replaced.Store(true)
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Conn.Close()
	})
}
