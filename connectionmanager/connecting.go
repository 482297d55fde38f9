package connectionmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftwire/presence/fsm"
	"github.com/driftwire/presence/protocolerr"
	"github.com/driftwire/presence/transport"
)

func (m *Manager) registerConnectingGroup() {
	m.machine.AddTimedTransition(string(StateConnectingBackoff), func(ctx Context) time.Duration {
		return time.Duration(ctx.backoffDelay) * time.Millisecond
	}, StateConnectingBusy)

	m.machine.AddTransitions(string(StateConnectingBackoff), map[Event]fsm.TransitionFunc[Context, Event]{
		NavigatorOnline: fsm.ToEffect[Context, Event](StateConnectingBusy, func(e fsm.EffectContext[Context, Event]) {
			e.Patch(func(c *Context) { c.backoffDelay = resetBackoff(tiersFor(c.useSlowTier)) })
		}),
	})

	m.machine.OnEnterAsync(string(StateConnectingBusy),
		m.openTransportWork,
		m.onConnectSuccess,
		m.onConnectFailure,
	)
}

// openTransportWork constructs a transport and resolves once it
// reports open, or fails on timeout, cancellation, or the transport
// itself reporting close/error first.
//
// The premature-close-during-open race: open and close/error are each
// observed through temporary subscribers. Whichever fires first wins
// the select below and those subscribers are torn down immediately —
// but a close or error that was *also* notified synchronously in that
// same delivery (the event source calls every subscriber before
// returning control here) is still captured in premature, and the
// post-open continuation checks it before declaring success. This is
// the one case where "open fired" must not be taken at face value.
func (m *Manager) openTransportWork(ctx Context, cancel <-chan struct{}) (any, error) {
	t, err := m.delegates.MakeTransport(context.Background())
	if err != nil {
		return nil, err
	}

	// Wire message forwarding now, not on OK entry: bytes can legitimately
	// arrive in the window between open and this async work's own
	// continuation running, and onMessage's own pause/unpause discipline
	// (armed only on OK entry) is what keeps them from leaking out early.
	t.OnMessage().Subscribe(func(b []byte) { m.onMessage.Notify(b) })

	var mu sync.Mutex
	var premature *transport.CloseEvent
	var prematureErr error

	outcome := make(chan error, 1)
	var once sync.Once
	resolve := func(err error) { once.Do(func() { outcome <- err }) }

	unsubOpen := t.OnOpen().Subscribe(func(struct{}) { resolve(nil) })
	unsubClose := t.OnClose().Subscribe(func(e transport.CloseEvent) {
		mu.Lock()
		premature = &e
		mu.Unlock()
		resolve(&closeFailure{event: e})
	})
	unsubErr := t.OnError().Subscribe(func(err error) {
		mu.Lock()
		prematureErr = err
		mu.Unlock()
		resolve(err)
	})
	teardown := func() {
		unsubOpen()
		unsubClose()
		unsubErr()
	}
	// Adapters dispatch open from their own goroutine, so it may already
	// have fired before the subscribers above existed; ReadyState still
	// records it.
	if t.ReadyState() == transport.Open {
		resolve(nil)
	}

	select {
	case err := <-outcome:
		teardown()
		mu.Lock()
		capturedClose, capturedErr := premature, prematureErr
		mu.Unlock()

		if err == nil && capturedClose != nil {
			// "open" won the race to resolve, but a close had already
			// been queued for delivery before we tore the subscribers
			// down — honor the captured flag, not the nominal winner.
			err = &closeFailure{event: *capturedClose}
		}
		if err == nil && capturedErr != nil {
			err = capturedErr
		}
		if err != nil {
			t.Close()
			return nil, err
		}
		return t, nil

	case <-cancel:
		teardown()
		t.Close()
		return nil, errCancelled

	case <-time.After(openTimeout):
		teardown()
		t.Close()
		return nil, errOpenTimeout
	}
}

func (m *Manager) onConnectSuccess(e fsm.EffectContext[Context, Event], data any) fsm.State {
	t := data.(transport.Session)
	e.Patch(func(c *Context) {
		c.transport = t
		c.useSlowTier = false
		c.backoffDelay = resetBackoff(normalTiers)
		c.successCount++
	})
	m.armOkGroup(t)
	return StateOkConnected
}

func (m *Manager) onConnectFailure(e fsm.EffectContext[Context, Event], err error) fsm.State {
	var stop *protocolerr.StopRetrying
	if errors.As(err, &stop) {
		m.onProtocolError.Notify(protocolerr.ProtocolError{Message: causeMessage(stop), Code: -1})
		return StateIdleFailed
	}

	var closeErr *closeFailure
	if errors.As(err, &closeErr) {
		m.onProtocolError.Notify(protocolerr.ProtocolError{
			Message: closeErr.event.Reason,
			Code:    closeErr.event.Code,
		})
		return StateIdleFailed
	}

	// Any other failure (timeout, cancelled mid-flight, generic dial
	// error): the credential might be stale, so go back through auth.
	e.Patch(func(c *Context) { c.backoffDelay = advanceBackoff(tiersFor(c.useSlowTier), c.backoffDelay) })
	return StateAuthBackoff
}
