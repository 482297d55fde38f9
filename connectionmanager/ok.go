package connectionmanager

import (
	"time"

	"github.com/driftwire/presence/fsm"
	"github.com/driftwire/presence/transport"
)

// registerOkGroup wires the OK group's wildcard transitions and the
// reserved heartbeat path.
//
// Unlike the other groups, OK-group membership spans two leaves
// (connected, awaiting-pong) that the machine can move between without
// ever leaving the group — and the transport must stay live and owned
// across that inner move (per the ctx.transport invariant). The fsm
// engine re-runs leaf-scoped entry/exit hooks on every single
// transition, including ones that stay within a group, so the
// transport's own open/close lifecycle can't be expressed as an
// OnEnter("@ok.*") cleanup pair — it would tear the transport down on
// every connected<->awaiting-pong hop. Instead, armOkGroup/leaveOkGroup
// below are invoked directly: once, by the transition that actually
// enters the group (onConnectSuccess), and once by each transition
// effect that actually leaves it.
func (m *Manager) registerOkGroup() {
	m.machine.AddTransitions("@ok.*", map[Event]fsm.TransitionFunc[Context, Event]{
		explicitSocketErr: func(_ Event, ctx Context) *fsm.Outcome[Context, Event] {
			if ctx.transport != nil && ctx.transport.ReadyState() == transport.Open {
				return nil // transport still usable, ignore
			}
			return &fsm.Outcome[Context, Event]{
				Target: StateConnectingBackoff,
				Effect: func(e fsm.EffectContext[Context, Event]) {
					m.leaveOkGroup(e)
					e.Patch(func(c *Context) { c.backoffDelay = advanceBackoff(tiersFor(c.useSlowTier), c.backoffDelay) })
				},
			}
		},
		explicitSocketShut: fsm.ToEffect[Context, Event](StateConnectingBackoff, func(e fsm.EffectContext[Context, Event]) {
			m.leaveOkGroup(e)
			e.Patch(func(c *Context) { c.backoffDelay = advanceBackoff(tiersFor(c.useSlowTier), c.backoffDelay) })
		}),
		rateLimited: fsm.ToEffect[Context, Event](StateConnectingBackoff, func(e fsm.EffectContext[Context, Event]) {
			m.leaveOkGroup(e)
			e.Patch(func(c *Context) {
				c.useSlowTier = true
				c.backoffDelay = advanceBackoff(slowTiers, c.backoffDelay)
			})
		}),
	})

	m.registerHeartbeat()
}

// armOkGroup runs exactly once, from onConnectSuccess: it subscribes
// the transport's close/error events as the generic forwarding path
// (EXPLICIT_SOCKET_ERROR/CLOSE) and schedules the 0ms microtask that
// unpauses the message observable.
//
// onConnectSuccess runs as the async entry's onOk callback, on the
// machine's own goroutine, before that goroutine has gone on to run
// willTransition/exitState/enterState/didEnterState for @ok.connected —
// so the AfterFunc below is *armed* well before the
// statusDidChange("connected") notification goes out. Armed is not the
// same as fired: the machine's own mutex is held by that same goroutine
// for the entire span from here through didEnterState.Notify, so
// blocking on it in the callback (via Context(), which does nothing but
// take and release the lock) forces the callback to wait until that
// whole synchronous chain — including the connected notification — has
// completed, regardless of which goroutine the timer runs on.
func (m *Manager) armOkGroup(t transport.Session) {
	unsubClose := t.OnClose().Subscribe(func(transport.CloseEvent) { m.machine.Send(explicitSocketShut) })
	unsubErr := t.OnError().Subscribe(func(error) { m.machine.Send(explicitSocketErr) })
	unpause := time.AfterFunc(0, func() {
		m.machine.Context() // blocks until the entering transition has fully committed
		m.onMessage.Unpause()
	})

	m.mu.Lock()
	m.okTeardown = func() {
		unpause.Stop()
		m.onMessage.Pause()
		unsubClose()
		unsubErr()
	}
	m.mu.Unlock()
}

// leaveOkGroup runs the paired teardown from armOkGroup, then closes
// and nulls the transport — before the caller's own transition effect
// goes on to do anything else. Safe to call even when the group was
// never entered (okTeardown nil, ctx.transport nil): both the wildcard
// RECONNECT/DISCONNECT transitions call this unconditionally from
// every state.
func (m *Manager) leaveOkGroup(e fsm.EffectContext[Context, Event]) {
	m.mu.Lock()
	teardown := m.okTeardown
	m.okTeardown = nil
	m.mu.Unlock()
	if teardown != nil {
		teardown()
	}
	e.Patch(func(c *Context) {
		if c.transport != nil {
			c.transport.Close()
		}
		c.transport = nil
	})
}

// registerHeartbeat wires the reserved ping/pong path. The
// @ok.awaiting-pong entry hook and transitions are registered either
// way, but the periodic timed transition into awaiting-pong only arms
// when a heartbeat interval was configured; without one, nothing ever
// enters awaiting-pong, so the rest of the path stays inert.
func (m *Manager) registerHeartbeat() {
	if m.heartbeatInterval > 0 {
		m.machine.AddTimedTransition(string(StateOkConnected), func(Context) time.Duration {
			return m.heartbeatInterval
		}, StateOkAwaitingPong)
	}

	m.machine.OnEnter(string(StateOkAwaitingPong), func(e fsm.EffectContext[Context, Event]) func() {
		// A missed pong is reported as the same explicitSocketShut event
		// the transport's own close forwarding uses — the awaiting-pong
		// leaf's own handler below takes precedence over the group-level
		// one for this event while in this state.
		timer := time.AfterFunc(m.pongTimeout, func() { m.machine.Send(explicitSocketShut) })
		return func() { timer.Stop() }
	})

	m.machine.AddTransitions(string(StateOkAwaitingPong), map[Event]fsm.TransitionFunc[Context, Event]{
		pongReceived: fsm.To[Context, Event](StateOkConnected),
		explicitSocketShut: func(_ Event, ctx Context) *fsm.Outcome[Context, Event] {
			if m.delegates.AllowIdleWhileHidden() {
				return &fsm.Outcome[Context, Event]{
					Target: StateIdleZombie,
					Effect: m.leaveOkGroup,
				}
			}
			return &fsm.Outcome[Context, Event]{
				Target: StateConnectingBackoff,
				Effect: func(e fsm.EffectContext[Context, Event]) {
					m.leaveOkGroup(e)
					e.Patch(func(c *Context) { c.backoffDelay = advanceBackoff(tiersFor(c.useSlowTier), c.backoffDelay) })
				},
			}
		},
	})
}
