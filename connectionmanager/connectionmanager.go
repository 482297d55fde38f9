// Package connectionmanager owns the nine-state connection lifecycle
// machine: authenticate, open a transport, stay connected, and retry
// with backoff across transient network loss, authentication failure,
// and server refusal — without the caller ever seeing a raw transport
// or a raw FSM event. It is grounded on the same "one FSM instance
// behind a narrow status/message surface" shape the teacher's session
// package gives a connection lifecycle, generalized onto the fsm
// package's hierarchical-state engine instead of a flat enum.
package connectionmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftwire/presence/eventsource"
	"github.com/driftwire/presence/fsm"
	"github.com/driftwire/presence/hostsignals"
	"github.com/driftwire/presence/protocolerr"
	"github.com/driftwire/presence/transport"
)

// Event is the vocabulary the machine accepts from the outside plus
// the internal signals its own transport subscriptions raise.
type Event string

const (
	Connect            Event = "CONNECT"
	Reconnect          Event = "RECONNECT"
	Disconnect         Event = "DISCONNECT"
	NavigatorOnline    Event = "NAVIGATOR_ONLINE"
	NavigatorOffline   Event = "NAVIGATOR_OFFLINE"
	WindowGotFocus     Event = "WINDOW_GOT_FOCUS"
	explicitSocketErr  Event = "EXPLICIT_SOCKET_ERROR"
	explicitSocketShut Event = "EXPLICIT_SOCKET_CLOSE"
	pongReceived       Event = "PONG_RECEIVED"
	rateLimited        Event = "RATE_LIMITED"
)

const (
	StateIdleInitial       fsm.State = "@idle.initial"
	StateIdleFailed        fsm.State = "@idle.failed"
	StateIdleZombie        fsm.State = "@idle.zombie"
	StateAuthBusy          fsm.State = "@auth.busy"
	StateAuthBackoff       fsm.State = "@auth.backoff"
	StateConnectingBusy    fsm.State = "@connecting.busy"
	StateConnectingBackoff fsm.State = "@connecting.backoff"
	StateOkConnected       fsm.State = "@ok.connected"
	StateOkAwaitingPong    fsm.State = "@ok.awaiting-pong"
)

// Status is the coarse, application-facing projection of the
// nine-state machine.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusFailed     Status = "failed"
)

func statusFor(s fsm.State) Status {
	switch s.Group() {
	case "@auth", "@connecting":
		return StatusConnecting
	case "@ok":
		return StatusConnected
	case "@idle":
		if s == StateIdleFailed {
			return StatusFailed
		}
		return StatusIdle
	default:
		return StatusIdle
	}
}

// Context is the FSM's mutable state, touched only through fsm.Patcher.
type Context struct {
	successCount int
	authValue    *string
	transport    transport.Session
	backoffDelay int
	useSlowTier  bool
}

// Delegates are the three external collaborators the manager needs but
// never constructs itself.
type Delegates struct {
	// Authenticate returns a fresh credential, or an error — wrap it in
	// protocolerr.Stop to signal that retrying is pointless.
	Authenticate func(ctx context.Context) (string, error)
	// MakeTransport constructs and starts opening a new transport session.
	MakeTransport func(ctx context.Context) (transport.Session, error)
	// AllowIdleWhileHidden reports whether a missed heartbeat should be
	// tolerated (tab backgrounded) rather than treated as connection loss.
	AllowIdleWhileHidden func() bool
}

const (
	authTimeout = 10 * time.Second
	openTimeout = 10 * time.Second
	pongTimeout = 2 * time.Second
)

var (
	errCancelled   = errors.New("connectionmanager: cancelled")
	errAuthTimeout = errors.New("connectionmanager: authenticate timed out")
	errOpenTimeout = errors.New("connectionmanager: transport open timed out")
)

// closeFailure marks a connecting.busy failure that originated from the
// transport itself reporting a close, rather than from an error event,
// a timeout or a local programming error — the disposition rule that
// routes it straight to @idle.failed instead of backing off.
type closeFailure struct {
	event transport.CloseEvent
}

func (e *closeFailure) Error() string { return "connectionmanager: transport closed: " + e.event.Reason }

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithHeartbeat enables the reserved ping/pong path: every interval
// while connected, the manager moves through @ok.awaiting-pong and
// expects a Pong call within pongTimeout, or treats the miss as
// EXPLICIT_SOCKET_CLOSE. Disabled by default (interval == 0) — the
// states stay wired either way, this only arms the periodic timed
// transition into them.
func WithHeartbeat(interval, pongTimeout time.Duration) Option {
	return func(m *Manager) {
		m.heartbeatInterval = interval
		m.pongTimeout = pongTimeout
	}
}

// WithHostSignals supplies the online/offline/visibility source. The
// default, Static, never fires — useful for environments with no host
// to observe.
func WithHostSignals(src hostsignals.Source) Option {
	return func(m *Manager) { m.hostSignals = src }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager owns one fsm.Machine instance and exposes its status and
// inbound-message streams to callers that must never see the FSM or
// the transport directly.
type Manager struct {
	machine *fsm.Machine[Context, Event]

	delegates         Delegates
	hostSignals       hostsignals.Source
	heartbeatInterval time.Duration
	pongTimeout       time.Duration
	logger            *slog.Logger

	statusDidChange *eventsource.Source[Status]
	onProtocolError *eventsource.Source[protocolerr.ProtocolError]
	onMessage       *eventsource.Source[[]byte]

	mu         sync.Mutex
	lastStatus Status
	unsubHost  []func()
	okTeardown func() // set by armOkGroup, cleared and run by leaveOkGroup
}

// New builds and starts a Manager. delegates.Authenticate and
// delegates.MakeTransport must be non-nil.
func New(delegates Delegates, opts ...Option) *Manager {
	m := &Manager{
		delegates:       delegates,
		hostSignals:     hostsignals.Static{},
		logger:          slog.Default(),
		statusDidChange: eventsource.New[Status](),
		onProtocolError: eventsource.New[protocolerr.ProtocolError](),
		onMessage:       eventsource.New[[]byte](),
		lastStatus:      StatusIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.delegates.AllowIdleWhileHidden == nil {
		m.delegates.AllowIdleWhileHidden = func() bool { return false }
	}
	if m.heartbeatInterval > 0 && m.pongTimeout == 0 {
		m.pongTimeout = pongTimeout
	}

	m.onMessage.Pause() // unpaused only while in the OK group

	initialCtx := Context{backoffDelay: resetBackoff(normalTiers)}
	m.machine = fsm.New[Context, Event](initialCtx, StateIdleInitial)
	m.registerWildcards()
	m.registerIdleGroup()
	m.registerAuthGroup()
	m.registerConnectingGroup()
	m.registerOkGroup()

	m.machine.DidEnterState().Subscribe(m.projectStatus)

	m.machine.Start()
	m.attachHostSignals()

	return m
}

// StatusDidChange reports the coarse connection status.
func (m *Manager) StatusDidChange() *eventsource.Source[Status] { return m.statusDidChange }

// OnProtocolError reports application-visible terminal failures: a
// server refusal or a StopRetrying disposition from auth or connect.
func (m *Manager) OnProtocolError() *eventsource.Source[protocolerr.ProtocolError] {
	return m.onProtocolError
}

// OnMessage reports payload bytes received from the transport while
// connected. Paused outside the OK group so nothing can observe a
// message before the connected status notification has gone out.
func (m *Manager) OnMessage() *eventsource.Source[[]byte] { return m.onMessage }

// CurrentStatus returns the status as of the last state entry.
func (m *Manager) CurrentStatus() Status {
	return statusFor(m.machine.CurrentState())
}

// Send delivers data over the live transport, or returns
// transport.ErrSessionClosed if the machine isn't in an OK state.
func (m *Manager) Send(data []byte) error {
	ctx := m.machine.Context()
	if ctx.transport == nil {
		return transport.ErrSessionClosed
	}
	return ctx.transport.Send(data)
}

// Connect starts the first connection attempt.
func (m *Manager) Connect() { m.machine.Send(Connect) }

// Reconnect forces a fresh attempt from any state, advancing backoff
// one tier and resetting successCount.
func (m *Manager) Reconnect() { m.machine.Send(Reconnect) }

// Disconnect tears down any live connection and returns to @idle.initial.
func (m *Manager) Disconnect() { m.machine.Send(Disconnect) }

// Pong notifies the manager a heartbeat response arrived.
func (m *Manager) Pong() { m.machine.Send(pongReceived) }

// RateLimited tells the manager the server asked it to back off harder
// on its next retry.
func (m *Manager) RateLimited() { m.machine.Send(rateLimited) }

// Stop tears the machine down permanently, removing host signal
// listeners and running the current state's exit cleanups.
func (m *Manager) Stop() {
	m.detachHostSignals()
	m.machine.Stop()
}

func (m *Manager) projectStatus(state fsm.State) {
	status := statusFor(state)
	m.mu.Lock()
	changed := status != m.lastStatus
	m.lastStatus = status
	m.mu.Unlock()
	if changed {
		m.statusDidChange.Notify(status)
	}
}

func (m *Manager) attachHostSignals() {
	m.unsubHost = append(m.unsubHost,
		m.hostSignals.OnOnline(func() { m.machine.Send(NavigatorOnline) }),
		m.hostSignals.OnOffline(func() { m.machine.Send(NavigatorOffline) }),
		m.hostSignals.OnVisible(func() { m.machine.Send(WindowGotFocus) }),
	)
}

func (m *Manager) detachHostSignals() {
	for _, unsub := range m.unsubHost {
		unsub()
	}
	m.unsubHost = nil
}

// registerWildcards wires RECONNECT and DISCONNECT, which apply from
// every state regardless of group.
func (m *Manager) registerWildcards() {
	m.machine.AddTransitions("*", map[Event]fsm.TransitionFunc[Context, Event]{
		Reconnect: fsm.ToEffect[Context, Event](StateAuthBackoff, func(e fsm.EffectContext[Context, Event]) {
			m.leaveOkGroup(e) // no-op unless we were actually in the OK group
			e.Patch(func(c *Context) {
				c.backoffDelay = advanceBackoff(tiersFor(c.useSlowTier), c.backoffDelay)
				c.successCount = 0
			})
		}),
		Disconnect: fsm.ToEffect[Context, Event](StateIdleInitial, func(e fsm.EffectContext[Context, Event]) {
			m.leaveOkGroup(e)
		}),
	})
}

func (m *Manager) registerIdleGroup() {
	m.machine.OnEnter("@idle.*", func(e fsm.EffectContext[Context, Event]) func() {
		e.Patch(func(c *Context) { c.successCount = 0 })
		return nil
	})

	m.machine.AddTransitions(string(StateIdleInitial), map[Event]fsm.TransitionFunc[Context, Event]{
		Connect: func(_ Event, ctx Context) *fsm.Outcome[Context, Event] {
			if ctx.authValue != nil {
				return &fsm.Outcome[Context, Event]{Target: StateConnectingBusy}
			}
			return &fsm.Outcome[Context, Event]{Target: StateAuthBusy}
		},
	})

	m.machine.AddTransitions(string(StateIdleZombie), map[Event]fsm.TransitionFunc[Context, Event]{
		WindowGotFocus: fsm.To[Context, Event](StateConnectingBackoff),
	})
}
