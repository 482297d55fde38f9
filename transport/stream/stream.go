// Package stream implements transport.Session over a WebSocket
// connection, grounded on the teacher's transport/websocket adapter:
// the same context-cancel-drives-close shutdown path, the same single
// read-loop goroutine, the same status-code-driven disconnect
// classification. Unlike the teacher's adapter it carries opaque
// binary frames rather than a JSON-wrapped envelope — WebSocket already
// has message boundaries, and the payload's own shape is owned by the
// codec package, not by this transport.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/driftwire/presence/eventsource"
	"github.com/driftwire/presence/transport"
)

// Session wraps a *websocket.Conn that has already completed its
// opening handshake.
type Session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	onOpen    *eventsource.Source[struct{}]
	onClose   *eventsource.Source[transport.CloseEvent]
	onError   *eventsource.Source[error]
	onMessage *eventsource.Source[[]byte]

	closeOnce sync.Once
}

// New wraps an established *websocket.Conn and starts its read loop.
// The caller is responsible for performing the dial or accept — this
// mirrors the teacher's websocket.New.
func New(conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		onOpen:    eventsource.New[struct{}](),
		onClose:   eventsource.New[transport.CloseEvent](),
		onError:   eventsource.New[error](),
		onMessage: eventsource.New[[]byte](),
	}
	s.state.Store(int32(transport.Connecting))

	go s.run()

	return s
}

func (s *Session) run() {
	s.state.Store(int32(transport.Open))
	s.onOpen.Notify(struct{}{})
	s.readLoop()
}

func (s *Session) ReadyState() transport.ReadyState { return transport.ReadyState(s.state.Load()) }

func (s *Session) OnOpen() *eventsource.Source[struct{}]            { return s.onOpen }
func (s *Session) OnClose() *eventsource.Source[transport.CloseEvent] { return s.onClose }
func (s *Session) OnError() *eventsource.Source[error]               { return s.onError }
func (s *Session) OnMessage() *eventsource.Source[[]byte]            { return s.onMessage }

// Send writes one binary WebSocket message.
func (s *Session) Send(data []byte) error {
	if transport.ReadyState(s.state.Load()) != transport.Open {
		return transport.ErrSessionClosed
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, data); err != nil {
		return transport.ErrSessionClosed
	}
	return nil
}

// Close initiates a normal closure. Subscriber lists are cleared first
// so the self-initiated close never gets redelivered to a consumer that
// already knows it asked for this.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(transport.Closing))
		s.onClose.Clear()
		s.onError.Clear()
		s.onMessage.Clear()
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "closed")
		s.state.Store(int32(transport.Closed))
	})
	return err
}

func (s *Session) readLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.terminal(err)
			return
		}
		if typ != websocket.MessageBinary && typ != websocket.MessageText {
			continue
		}
		s.onMessage.Notify(data)
	}
}

// terminal classifies how the connection ended and dispatches exactly
// one close notification, preceded by an error notification when the
// close wasn't a clean status handshake. StatusNormalClosure and
// StatusGoingAway both count as clean — different peers and shutdown
// timing produce either code for what is, practically, the same event.
func (s *Session) terminal(err error) {
	if s.state.Load() == int32(transport.Closed) {
		return // Close() already cleared and closed, nothing left to notify
	}
	s.state.Store(int32(transport.Closed))

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		s.onClose.Notify(transport.CloseEvent{Code: int(status), Reason: ""})
	case status != -1:
		s.onClose.Notify(transport.CloseEvent{Code: int(status), Reason: err.Error()})
	case s.ctx.Err() != nil:
		s.onClose.Notify(transport.CloseEvent{Code: int(websocket.StatusNormalClosure), Reason: ""})
	default:
		s.onError.Notify(err)
		s.onClose.Notify(transport.CloseEvent{Code: 1006, Reason: err.Error()})
	}
}
