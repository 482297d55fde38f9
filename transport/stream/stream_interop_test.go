package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
	nhooyrws "nhooyr.io/websocket"
)

func dialSelf(t *testing.T, url string) *Session {
	t.Helper()
	conn, _, err := nhooyrws.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	s := New(conn)
	waitUntilOpen(s)
	return s
}

// TestInteropWithIndependentServerImplementation dials our client-side
// Session against a server built on golang.org/x/net/websocket instead
// of nhooyr.io/websocket, to make sure Session speaks the wire protocol
// rather than some nhooyr-specific behavior.
func TestInteropWithIndependentServerImplementation(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		var msg []byte
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		reply := append([]byte("echo: "), msg...)
		websocket.Message.Send(ws, reply)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	session := dialSelf(t, wsURL)
	defer session.Close()

	received := make(chan []byte, 1)
	session.OnMessage().Subscribe(func(b []byte) { received <- b })

	if err := session.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "echo: ping" {
			t.Fatalf("expected %q, got %q", "echo: ping", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}
