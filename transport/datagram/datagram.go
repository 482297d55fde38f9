// Package datagram implements transport.Session over a raw net.Conn.
//
// It is grounded on the teacher's transport/tcp adapter: the same
// length-prefixed framing strategy (a stream transport has no message
// boundaries, so we impose our own), the same single read-loop
// goroutine, the same writeMu-guarded Send, and the same closeOnce
// shutdown path. The sequence-number half of the teacher's wire format
// is dropped — this layer carries opaque frames only, sequencing and
// retransmission are out of scope here — and channel-based delivery is
// replaced with the eventsource.Source surface transport.Session requires.
package datagram

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/driftwire/presence/eventsource"
	"github.com/driftwire/presence/transport"
)

// maxFrameLen bounds a single frame so a corrupt or hostile peer can't
// make us allocate an unbounded buffer off a forged length prefix.
const maxFrameLen = 16 << 20

// Session wraps a net.Conn, imposing 4-byte-big-endian-length-prefixed
// framing on top of its raw byte stream.
type Session struct {
	conn net.Conn

	state atomic.Int32 // transport.ReadyState

	onOpen    *eventsource.Source[struct{}]
	onClose   *eventsource.Source[transport.CloseEvent]
	onError   *eventsource.Source[error]
	onMessage *eventsource.Source[[]byte]

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wraps an already-established net.Conn and immediately starts its
// read loop in the background. The caller is responsible for dialing
// or accepting conn — this mirrors the teacher's tcp.New, which takes
// the same assumption.
func New(conn net.Conn) *Session {
	s := &Session{
		conn:      conn,
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

func (s *Session) ReadyState() transport.ReadyState {
	return transport.ReadyState(s.state.Load())
}

func (s *Session) OnOpen() *eventsource.Source[struct{}]            { return s.onOpen }
func (s *Session) OnClose() *eventsource.Source[transport.CloseEvent] { return s.onClose }
func (s *Session) OnError() *eventsource.Source[error]               { return s.onError }
func (s *Session) OnMessage() *eventsource.Source[[]byte]            { return s.onMessage }

// Send frames data as [4 bytes big-endian length][payload] and writes
// it to the connection. Only one writer runs at a time — net.Conn
// doesn't guarantee concurrent-write safety.
func (s *Session) Send(data []byte) error {
	if transport.ReadyState(s.state.Load()) != transport.Open {
		return transport.ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		return transport.ErrSessionClosed
	}
	if _, err := s.conn.Write(data); err != nil {
		return transport.ErrSessionClosed
	}
	return nil
}

// Close shuts the connection down cleanly. Subscriber lists are
// cleared first so a close we initiate ourselves never gets redelivered
// to a consumer that already knows it asked for this.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(transport.Closing))
		s.onClose.Clear()
		s.onError.Clear()
		s.onMessage.Clear()
		err = s.conn.Close()
		s.state.Store(int32(transport.Closed))
	})
	return err
}

// readLoop reads length-prefixed frames until the connection ends, then
// dispatches exactly one terminal notification. A graceful EOF and a
// network error are both terminal and both represented as a close
// event — 1006 is the conventional "abnormal closure" code, used here
// for anything that isn't a plain EOF.
func (s *Session) readLoop() {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
			s.terminal(err)
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameLen {
			s.terminal(io.ErrShortBuffer)
			return
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			s.terminal(err)
			return
		}

		s.onMessage.Notify(payload)
	}
}

func (s *Session) terminal(err error) {
	if s.state.Load() == int32(transport.Closed) {
		return // Close() already cleared and closed, nothing left to notify
	}
	s.state.Store(int32(transport.Closed))

	if err == io.EOF {
		s.onClose.Notify(transport.CloseEvent{Code: 0, Reason: ""})
		return
	}
	s.onError.Notify(err)
	s.onClose.Notify(transport.CloseEvent{Code: 1006, Reason: err.Error()})
}
