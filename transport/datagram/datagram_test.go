package datagram

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/driftwire/presence/transport"
)

func pipePair(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	return New(client), server
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestOpenFiresOnceConnected(t *testing.T) {
	s, _ := pipePair(t)
	defer s.Close()

	opened := make(chan struct{}, 1)
	s.OnOpen().Subscribe(func(struct{}) { opened <- struct{}{} })
	waitFor(t, opened)

	if s.ReadyState() != transport.Open {
		t.Fatalf("expected Open, got %s", s.ReadyState())
	}
}

func TestSendFramesWithLengthPrefix(t *testing.T) {
	s, server := pipePair(t)
	defer s.Close()

	// Send refuses until the session has reported Open.
	deadline := time.Now().Add(time.Second)
	for s.ReadyState() != transport.Open && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.ReadyState() != transport.Open {
		t.Fatalf("expected Open before sending, got %s", s.ReadyState())
	}

	done := make(chan error, 1)
	go func() { done <- s.Send([]byte("hello")) }()

	var lenBuf [4]byte
	if _, err := readFull(server, lenBuf[:]); err != nil {
		t.Fatal(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n != 5 {
		t.Fatalf("expected length prefix 5, got %d", n)
	}
	payload := make([]byte, n)
	if _, err := readFull(server, payload); err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", payload)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
}

func TestReadLoopDeliversFramedMessages(t *testing.T) {
	s, server := pipePair(t)
	defer s.Close()

	received := make(chan []byte, 1)
	s.OnMessage().Subscribe(func(b []byte) { received <- b })

	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 3)
		server.Write(lenBuf[:])
		server.Write([]byte("abc"))
	}()

	got := waitFor(t, received)
	if string(got) != "abc" {
		t.Fatalf("expected %q, got %q", "abc", got)
	}
}

func TestRemoteCloseDispatchesCloseEventWithCodeZero(t *testing.T) {
	s, server := pipePair(t)

	closed := make(chan transport.CloseEvent, 1)
	s.OnClose().Subscribe(func(e transport.CloseEvent) { closed <- e })

	server.Close()

	ev := waitFor(t, closed)
	if ev.Code != 0 {
		t.Errorf("expected code 0 on graceful close, got %d", ev.Code)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	s, _ := pipePair(t)
	s.Close()

	if err := s.Send([]byte("x")); err != transport.ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCloseClearsSubscribersBeforeNotifying(t *testing.T) {
	s, _ := pipePair(t)

	var calls int
	s.OnClose().Subscribe(func(transport.CloseEvent) { calls++ })

	s.Close()
	time.Sleep(20 * time.Millisecond)

	if calls != 0 {
		t.Errorf("expected no close notification for a self-initiated close, got %d calls", calls)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
