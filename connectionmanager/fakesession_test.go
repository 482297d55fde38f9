package connectionmanager

import (
	"sync/atomic"

	"github.com/driftwire/presence/eventsource"
	"github.com/driftwire/presence/transport"
)

// fakeSession is a hand-driven transport.Session double: tests call
// Open/EmitClose/EmitError to simulate wire events, as real adapters would.
type fakeSession struct {
	state atomic.Int32

	onOpen    *eventsource.Source[struct{}]
	onClose   *eventsource.Source[transport.CloseEvent]
	onError   *eventsource.Source[error]
	onMessage *eventsource.Source[[]byte]

	sent       [][]byte
	closeCalls int32
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
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSession) Close() error {
	atomic.AddInt32(&f.closeCalls, 1)
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

func (f *fakeSession) EmitClose(ev transport.CloseEvent) {
	f.state.Store(int32(transport.Closed))
	f.onClose.Notify(ev)
}

func (f *fakeSession) EmitError(err error) {
	f.onError.Notify(err)
}
