package connectionmanager

import (
	"context"
	"errors"
	"time"

	"github.com/driftwire/presence/fsm"
	"github.com/driftwire/presence/protocolerr"
)

func (m *Manager) registerAuthGroup() {
	m.machine.AddTimedTransition(string(StateAuthBackoff), func(ctx Context) time.Duration {
		return time.Duration(ctx.backoffDelay) * time.Millisecond
	}, StateAuthBusy)

	m.machine.AddTransitions(string(StateAuthBackoff), map[Event]fsm.TransitionFunc[Context, Event]{
		NavigatorOnline: fsm.ToEffect[Context, Event](StateAuthBusy, func(e fsm.EffectContext[Context, Event]) {
			e.Patch(func(c *Context) { c.backoffDelay = resetBackoff(tiersFor(c.useSlowTier)) })
		}),
	})

	m.machine.OnEnterAsync(string(StateAuthBusy),
		m.authenticateWork,
		m.onAuthSuccess,
		m.onAuthFailure,
	)
}

func (m *Manager) authenticateWork(ctx Context, cancel <-chan struct{}) (any, error) {
	resultCh := make(chan authResult, 1)
	go func() {
		v, err := m.delegates.Authenticate(context.Background())
		resultCh <- authResult{value: v, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.value, r.err
	case <-cancel:
		return nil, errCancelled
	case <-time.After(authTimeout):
		return nil, errAuthTimeout
	}
}

type authResult struct {
	value string
	err   error
}

func (m *Manager) onAuthSuccess(e fsm.EffectContext[Context, Event], data any) fsm.State {
	value := data.(string)
	e.Patch(func(c *Context) { c.authValue = &value })
	return StateConnectingBusy
}

func (m *Manager) onAuthFailure(e fsm.EffectContext[Context, Event], err error) fsm.State {
	var stop *protocolerr.StopRetrying
	if errors.As(err, &stop) {
		m.onProtocolError.Notify(protocolerr.ProtocolError{Message: causeMessage(stop), Code: -1})
		return StateIdleFailed
	}
	e.Patch(func(c *Context) { c.backoffDelay = advanceBackoff(tiersFor(c.useSlowTier), c.backoffDelay) })
	return StateAuthBackoff
}

func causeMessage(stop *protocolerr.StopRetrying) string {
	if stop.Cause == nil {
		return stop.Error()
	}
	return stop.Cause.Error()
}
