package server

import (
	"errors"
	"net"
	"testing"
)

func TestSessionEnqueueRespectsLimit(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	s := newSession("node-01-1", "node-01", srv, 2)
	defer s.close()

	for i := 0; i < 2; i++ {
		if err := s.Enqueue([]byte{byte(i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := s.Enqueue([]byte{9}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := s.Snapshot().Pending; got != 2 {
		t.Fatalf("pending mismatch: got=%d want=2", got)
	}
	if first := s.dequeue(); len(first) != 1 || first[0] != 0 {
		t.Fatalf("queue is not FIFO: %v", first)
	}
}

func TestSessionEnqueueAfterClose(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	s := newSession("node-01-2", "node-01", srv, 4)
	s.close()
	if err := s.Enqueue([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionBindDeviceOnce(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	s := newSession("node-01-3", "node-01", srv, 4)
	defer s.close()

	if !s.bindDevice("123") {
		t.Fatalf("first bind rejected")
	}
	if s.bindDevice("456") {
		t.Fatalf("second bind accepted")
	}
	if s.deviceID() != "123" {
		t.Fatalf("device id mismatch: %s", s.deviceID())
	}
}
