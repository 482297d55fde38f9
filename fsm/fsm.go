// Package fsm implements a generic, typed finite-state machine with
// hierarchical states, timed transitions, cancellable async entry work,
// and a wildcard "from any state" event set. It generalizes the small
// validTransitions map a hand-written state machine (such as a session
// lifecycle enum) typically carries into a reusable engine, while
// keeping the same "look up whether this move is legal, then mutate"
// shape.
//
// States are strings of the form "@group.leaf". Registrations can
// target one leaf state, every leaf in a group ("@group.*"), or every
// state in the machine ("*"); leaf-specific registrations take
// precedence over group wildcards, which take precedence over the
// global wildcard.
package fsm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/driftwire/presence/eventsource"
)

// State identifies one node of the machine, "@group.leaf".
type State string

// Group returns the "@group" portion of a State.
func (s State) Group() string {
	if i := strings.IndexByte(string(s), '.'); i >= 0 {
		return string(s)[:i]
	}
	return string(s)
}

// groupWildcard is the "@group.*" selector for s's group.
func (s State) groupWildcard() string {
	return s.Group() + ".*"
}

const globalWildcard = "*"

// Patcher is the only legal way to mutate a machine's context. It is
// handed to effects (transition effects, entry/exit hooks, async entry
// continuations); read-only hooks never receive one.
type Patcher[Ctx any] struct {
	ctx *Ctx
}

// Patch applies fn to the live context in place.
func (p *Patcher[Ctx]) Patch(fn func(*Ctx)) {
	fn(p.ctx)
}

// EffectContext is passed to every effect. It carries patch access plus
// a way to enqueue a follow-up event that the machine processes once the
// current Send's synchronous effect chain has finished.
type EffectContext[Ctx any, Event comparable] struct {
	*Patcher[Ctx]
	send func(Event)
}

// Send enqueues ev to be processed after the current transition
// finishes entering its new state.
func (e EffectContext[Ctx, Event]) Send(ev Event) {
	e.send(ev)
}

// Outcome is what a transition function computes: the target state and
// an optional effect to run while moving there.
type Outcome[Ctx any, Event comparable] struct {
	Target State
	Effect func(EffectContext[Ctx, Event])
}

// TransitionFunc decides, given the event and a read-only snapshot of
// the context, whether and where to transition. Returning nil still
// claims the event: the machine stays put, no less specific selector is
// consulted, and DidIgnoreEvent does not fire (see Ignore).
type TransitionFunc[Ctx any, Event comparable] func(ev Event, ctx Ctx) *Outcome[Ctx, Event]

// To builds a TransitionFunc that unconditionally moves to target with
// no transition effect.
func To[Ctx any, Event comparable](target State) TransitionFunc[Ctx, Event] {
	return func(Event, Ctx) *Outcome[Ctx, Event] {
		return &Outcome[Ctx, Event]{Target: target}
	}
}

// ToEffect builds a TransitionFunc that moves to target and runs effect.
func ToEffect[Ctx any, Event comparable](target State, effect func(EffectContext[Ctx, Event])) TransitionFunc[Ctx, Event] {
	return func(Event, Ctx) *Outcome[Ctx, Event] {
		return &Outcome[Ctx, Event]{Target: target, Effect: effect}
	}
}

// Ignore builds a TransitionFunc that claims the event (so a less
// specific registration for the same event is not consulted) but
// performs no transition and no effect.
func Ignore[Ctx any, Event comparable]() TransitionFunc[Ctx, Event] {
	return func(Event, Ctx) *Outcome[Ctx, Event] { return nil }
}

// EntryHook runs when a state is entered. It may return a cleanup thunk
// that the machine runs, exactly once, when that state instance is
// exited; cleanups run deepest-registration-first.
type EntryHook[Ctx any, Event comparable] func(EffectContext[Ctx, Event]) (cleanup func())

// AsyncWork is the unit of work OnEnterAsync runs on entry. It must
// select on cancel and return promptly once it fires — the state has
// already been, or is about to be, exited.
type AsyncWork[Ctx any] func(ctx Ctx, cancel <-chan struct{}) (any, error)

type registration[Ctx any, Event comparable] struct {
	selector string
	table    map[Event]TransitionFunc[Ctx, Event]
}

type entryReg[Ctx any, Event comparable] struct {
	selector string
	hook     EntryHook[Ctx, Event]
}

type timedReg[Ctx any] struct {
	selector string
	delay    func(ctx Ctx) time.Duration
	target   State
}

type asyncReg[Ctx any, Event comparable] struct {
	selector string
	work     AsyncWork[Ctx]
	onOk     func(EffectContext[Ctx, Event], any) State
	onFail   func(EffectContext[Ctx, Event], error) State
}

// TransitionRecord is what WillTransition observes just before a move.
type TransitionRecord[Event comparable] struct {
	From  State
	To    State
	Event Event
}

// Machine is a single running instance of a state graph. It is safe to
// call Send, Context, and CurrentState from multiple goroutines; all
// other configuration methods (AddTransitions, OnEnter, ...) must be
// called before Start.
type Machine[Ctx any, Event comparable] struct {
	mu  sync.Mutex
	ctx Ctx

	current State
	initial State
	started bool

	transitions []registration[Ctx, Event]
	entries     []entryReg[Ctx, Event]
	timed       []timedReg[Ctx]
	asyncs      []asyncReg[Ctx, Event]

	activeCleanups []func()
	activeTimer    *time.Timer
	activeCancel   context.CancelFunc
	generation     uint64

	pending []Event
	sending bool

	logger *slog.Logger

	didReceiveEvent *eventsource.Source[Event]
	willTransition  *eventsource.Source[TransitionRecord[Event]]
	didEnterState   *eventsource.Source[State]
	didIgnoreEvent  *eventsource.Source[Event]
}

// New creates a machine with the given initial context and state. Call
// Start to run the initial state's entry hooks before sending events.
func New[Ctx any, Event comparable](initialCtx Ctx, initial State) *Machine[Ctx, Event] {
	return &Machine[Ctx, Event]{
		ctx:             initialCtx,
		current:         initial,
		initial:         initial,
		logger:          slog.Default(),
		didReceiveEvent: eventsource.New[Event](),
		willTransition:  eventsource.New[TransitionRecord[Event]](),
		didEnterState:   eventsource.New[State](),
		didIgnoreEvent:  eventsource.New[Event](),
	}
}

// AddTransitions registers a table of event handlers for selector
// ("@group.leaf", "@group.*", or "*"). Less specific selectors are
// tried only if no registration for a more specific one lists the
// event; among registrations for the same selector, the most recently
// added one that lists the event wins.
func (m *Machine[Ctx, Event]) AddTransitions(selector string, table map[Event]TransitionFunc[Ctx, Event]) {
	m.transitions = append(m.transitions, registration[Ctx, Event]{selector: selector, table: table})
}

// OnEnter registers an entry hook for selector. Hooks for less specific
// selectors run first ("outermost first"); their cleanups run in the
// reverse order on exit ("deepest first").
func (m *Machine[Ctx, Event]) OnEnter(selector string, hook EntryHook[Ctx, Event]) {
	m.entries = append(m.entries, entryReg[Ctx, Event]{selector: selector, hook: hook})
}

// AddTimedTransition schedules a transition to target after delay(ctx)
// has elapsed since the matching state was entered. The timer is
// cancelled if the state is exited first, and rearmed on each new entry.
func (m *Machine[Ctx, Event]) AddTimedTransition(selector string, delay func(ctx Ctx) time.Duration, target State) {
	m.timed = append(m.timed, timedReg[Ctx]{selector: selector, delay: delay, target: target})
}

// OnEnterAsync runs work in a new goroutine on entry to a matching
// state. If work resolves before the state is exited, onOk or onFail
// computes the next target and the machine sends the transition as a
// synthetic, internally generated move — not a real Event — so callers
// must make onOk/onFail return a State or the sentinel for "no
// transition" (returning "" means stay put). If the state has already
// been exited, the result is discarded.
func (m *Machine[Ctx, Event]) OnEnterAsync(selector string, work AsyncWork[Ctx], onOk func(EffectContext[Ctx, Event], any) State, onFail func(EffectContext[Ctx, Event], error) State) {
	m.asyncs = append(m.asyncs, asyncReg[Ctx, Event]{selector: selector, work: work, onOk: onOk, onFail: onFail})
}

// DidReceiveEvent fires for every Send, before the transition is computed.
func (m *Machine[Ctx, Event]) DidReceiveEvent() *eventsource.Source[Event] { return m.didReceiveEvent }

// WillTransition fires once the target of a handled event is known, before any effect runs.
func (m *Machine[Ctx, Event]) WillTransition() *eventsource.Source[TransitionRecord[Event]] {
	return m.willTransition
}

// DidEnterState fires after entry hooks and timed/async work for the new state have started.
func (m *Machine[Ctx, Event]) DidEnterState() *eventsource.Source[State] { return m.didEnterState }

// DidIgnoreEvent fires when an event had no matching transition in the current state.
func (m *Machine[Ctx, Event]) DidIgnoreEvent() *eventsource.Source[Event] { return m.didIgnoreEvent }

// CurrentState returns the state the machine is in right now.
func (m *Machine[Ctx, Event]) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Context returns a copy of the machine's context.
func (m *Machine[Ctx, Event]) Context() Ctx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Start runs the initial state's entry hooks. It must be called exactly
// once, after all registrations, before any Send.
func (m *Machine[Ctx, Event]) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.enterState(m.current)
}

// Stop runs the current state's exit cleanups and cancels any pending
// timer or async work, without moving to any other state. Call this
// when tearing the machine down for good.
func (m *Machine[Ctx, Event]) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++ // stale timer and async continuations see a new generation and discard
	m.exitState()
}

// Send delivers ev to the machine. It is synchronous: it returns only
// after the full effect chain (exit cleanups, transition effect, entry
// hooks, timer/async kickoff) for this event, and for any follow-up
// events effects enqueued via EffectContext.Send, has completed.
func (m *Machine[Ctx, Event]) Send(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueAndDrain(ev)
}

// enqueueAndDrain must be called with mu held. It implements the
// trampoline that lets effects call EffectContext.Send reentrantly
// without recursing into Send and deadlocking on mu.
func (m *Machine[Ctx, Event]) enqueueAndDrain(ev Event) {
	m.pending = append(m.pending, ev)
	if m.sending {
		// An outer call is already draining; it will pick this up.
		return
	}
	m.sending = true
	defer func() { m.sending = false }()

	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.processOne(next)
	}
}

func (m *Machine[Ctx, Event]) effectContext() EffectContext[Ctx, Event] {
	return EffectContext[Ctx, Event]{
		Patcher: &Patcher[Ctx]{ctx: &m.ctx},
		send:    func(ev Event) { m.enqueueAndDrain(ev) },
	}
}

// processOne runs the full ordering for exactly one event: log receipt,
// compute target, exit cleanups (deepest first), transition effect,
// entry hooks (outermost first), timer/async kickoff, didEnterState.
func (m *Machine[Ctx, Event]) processOne(ev Event) {
	m.didReceiveEvent.Notify(ev)

	outcome, handled := m.resolveTransition(ev)
	if !handled {
		m.didIgnoreEvent.Notify(ev)
		return
	}
	if outcome == nil {
		// A registration explicitly claimed the event but chose not to
		// move or run anything (e.g. EXPLICIT_SOCKET_ERROR while the
		// transport is still OPEN): handled, no-op.
		return
	}

	from := m.current
	m.willTransition.Notify(TransitionRecord[Event]{From: from, To: outcome.Target, Event: ev})

	m.exitState()

	if outcome.Effect != nil {
		outcome.Effect(m.effectContext())
	}

	m.current = outcome.Target
	m.enterState(outcome.Target)
}

// resolveTransition walks registrations from most specific to least,
// returning the first one whose table contains ev.
func (m *Machine[Ctx, Event]) resolveTransition(ev Event) (*Outcome[Ctx, Event], bool) {
	selectors := []string{string(m.current), m.current.groupWildcard(), globalWildcard}
	for _, sel := range selectors {
		for i := len(m.transitions) - 1; i >= 0; i-- {
			reg := m.transitions[i]
			if reg.selector != sel {
				continue
			}
			fn, ok := reg.table[ev]
			if !ok {
				continue
			}
			outcome := fn(ev, m.ctx)
			return outcome, true
		}
	}
	return nil, false
}

// matchingEntries returns entry hooks for state, ordered global → group → leaf.
func (m *Machine[Ctx, Event]) matchingEntries(state State) []EntryHook[Ctx, Event] {
	var global, group, leaf []EntryHook[Ctx, Event]
	for _, reg := range m.entries {
		switch reg.selector {
		case globalWildcard:
			global = append(global, reg.hook)
		case state.groupWildcard():
			group = append(group, reg.hook)
		case string(state):
			leaf = append(leaf, reg.hook)
		}
	}
	out := make([]EntryHook[Ctx, Event], 0, len(global)+len(group)+len(leaf))
	out = append(out, global...)
	out = append(out, group...)
	out = append(out, leaf...)
	return out
}

func (m *Machine[Ctx, Event]) matchingTimed(state State) []timedReg[Ctx] {
	var out []timedReg[Ctx]
	for _, reg := range m.timed {
		if reg.selector == string(state) || reg.selector == state.groupWildcard() || reg.selector == globalWildcard {
			out = append(out, reg)
		}
	}
	return out
}

func (m *Machine[Ctx, Event]) matchingAsync(state State) []asyncReg[Ctx, Event] {
	var out []asyncReg[Ctx, Event]
	for _, reg := range m.asyncs {
		if reg.selector == string(state) || reg.selector == state.groupWildcard() || reg.selector == globalWildcard {
			out = append(out, reg)
		}
	}
	return out
}

// enterState runs entry hooks, then arms timed transitions and kicks
// off async entry work, then notifies DidEnterState. Must be called
// with mu held.
func (m *Machine[Ctx, Event]) enterState(state State) {
	m.generation++
	gen := m.generation

	for _, hook := range m.matchingEntries(state) {
		if cleanup := hook(m.effectContext()); cleanup != nil {
			m.activeCleanups = append(m.activeCleanups, cleanup)
		}
	}

	for _, t := range m.matchingTimed(state) {
		m.armTimer(t, gen)
		break // only one timed transition is meaningful per state at a time
	}

	for _, a := range m.matchingAsync(state) {
		m.startAsync(a, gen)
	}

	m.didEnterState.Notify(state)
}

// exitState cancels any armed timer and async work, and runs this
// state's cleanups deepest-first. Must be called with mu held.
func (m *Machine[Ctx, Event]) exitState() {
	if m.activeTimer != nil {
		m.activeTimer.Stop()
		m.activeTimer = nil
	}
	if m.activeCancel != nil {
		m.activeCancel()
		m.activeCancel = nil
	}
	for i := len(m.activeCleanups) - 1; i >= 0; i-- {
		m.activeCleanups[i]()
	}
	m.activeCleanups = nil
}

func (m *Machine[Ctx, Event]) armTimer(t timedReg[Ctx], gen uint64) {
	delay := t.delay(m.ctx)
	target := t.target
	m.activeTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.generation != gen {
			return // state was exited (and possibly re-entered) before the timer fired
		}
		from := m.current
		m.willTransition.Notify(TransitionRecord[Event]{From: from, To: target})
		m.exitState()
		m.current = target
		m.enterState(target)
	})
}

func (m *Machine[Ctx, Event]) startAsync(a asyncReg[Ctx, Event], gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	m.activeCancel = cancel
	snapshot := m.ctx

	go func() {
		result, err := a.work(snapshot, ctx.Done())

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.generation != gen {
			return // exited before resolution; discard, per §4.3 async entry semantics
		}

		ectx := m.effectContext()
		var target State
		if err != nil {
			if a.onFail == nil {
				return
			}
			target = a.onFail(ectx, err)
		} else {
			if a.onOk == nil {
				return
			}
			target = a.onOk(ectx, result)
		}
		if target == "" {
			return
		}

		from := m.current
		m.willTransition.Notify(TransitionRecord[Event]{From: from, To: target})
		m.exitState()
		m.current = target
		m.enterState(target)
	}()
}
