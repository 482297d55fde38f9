// Package transport defines the uniform, event-sourced surface that
// both a datagram-oriented session and a stream-oriented session are
// normalized into. It is the contract ConnectionManager depends on; it
// never imports a concrete adapter, so the two adapters under
// transport/datagram and transport/stream are fully swappable — the
// same relationship the teacher's transport.Adapter interface has to
// transport/tcp and transport/websocket, generalized from channel-based
// delivery to EventSource-based delivery.
package transport

import (
	"errors"

	"github.com/driftwire/presence/eventsource"
)

// ReadyState mirrors the four states a wire session can report.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseEvent is what a close notification carries.
type CloseEvent struct {
	Code   int
	Reason string
}

// ErrSessionClosed is returned by Send whenever a session is not Open:
// before Open has fired, and once the session has moved past Open.
var ErrSessionClosed = errors.New("transport: session closed")

// Session is the contract every transport adapter satisfies: a
// uni-sessioned bidirectional byte-frame carrier with four observable
// event streams. A Session is created already connecting; Open fires
// exactly once if the underlying connection succeeds, Close fires at
// most once no matter how the session ends, and Error may fire zero or
// more times alongside (never instead of) the eventual Close.
type Session interface {
	ReadyState() ReadyState
	Send(data []byte) error
	Close() error

	OnOpen() *eventsource.Source[struct{}]
	OnClose() *eventsource.Source[CloseEvent]
	OnError() *eventsource.Source[error]
	OnMessage() *eventsource.Source[[]byte]
}
