package client

import (
	"sync"
	"sync/atomic"

	"github.com/driftwire/presence/eventsource"
	"github.com/driftwire/presence/transport"
)

// fakeSession is a hand-driven transport.Session double for client
// package tests, mirroring connectionmanager's own fakeSession.
type fakeSession struct {
	state atomic.Int32

	onOpen    *eventsource.Source[struct{}]
	onClose   *eventsource.Source[transport.CloseEvent]
	onError   *eventsource.Source[error]
	onMessage *eventsource.Source[[]byte]

	mu   sync.Mutex
	sent [][]byte
}

func newFakeSession() *fakeSession {
	s := &fakeSession{
		onOpen:    eventsource.New[struct{}](),
		onClose:   eventsource.New[transport.CloseEvent](),
		onError:   eventsource.New[error](),
		onMessage: eventsource.New[[]byte](),
	}
	s.state.Store(int32(transport.Connecting))
	return s
}

func (f *fakeSession) ReadyState() transport.ReadyState { return transport.ReadyState(f.state.Load()) }

func (f *fakeSession) Send(data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Close() error {
	f.state.Store(int32(transport.Closed))
	return nil
}

func (f *fakeSession) OnOpen() *eventsource.Source[struct{}]              { return f.onOpen }
func (f *fakeSession) OnClose() *eventsource.Source[transport.CloseEvent] { return f.onClose }
func (f *fakeSession) OnError() *eventsource.Source[error]                { return f.onError }
func (f *fakeSession) OnMessage() *eventsource.Source[[]byte]             { return f.onMessage }

func (f *fakeSession) Open() {
	f.state.Store(int32(transport.Open))
	f.onOpen.Notify(struct{}{})
}

func (f *fakeSession) deliver(frame []byte) {
	f.onMessage.Notify(frame)
}

func (f *fakeSession) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}
