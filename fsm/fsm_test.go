package fsm

import (
	"errors"
	"testing"
	"time"
)

type testCtx struct {
	log   []string
	count int
}

const (
	StateIdleA   State = "@idle.a"
	StateIdleB   State = "@idle.b"
	StateOkReady State = "@ok.ready"
	StateOkBusy  State = "@ok.busy"
)

type ev string

const (
	evGo      ev = "GO"
	evBack    ev = "BACK"
	evAny     ev = "ANY"
	evIgnored ev = "IGNORED"
)

func newTestMachine() *Machine[testCtx, ev] {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.AddTransitions(string(StateIdleA), map[ev]TransitionFunc[testCtx, ev]{
		evGo: To[testCtx, ev](StateOkReady),
	})
	m.AddTransitions("@ok.*", map[ev]TransitionFunc[testCtx, ev]{
		evBack: To[testCtx, ev](StateIdleA),
	})
	m.AddTransitions("*", map[ev]TransitionFunc[testCtx, ev]{
		evAny: To[testCtx, ev](StateIdleB),
	})
	return m
}

func TestBasicTransitionMovesState(t *testing.T) {
	m := newTestMachine()
	m.Start()
	m.Send(evGo)

	if m.CurrentState() != StateOkReady {
		t.Fatalf("expected @ok.ready, got %s", m.CurrentState())
	}
}

func TestWildcardTransitionAppliesFromAnyState(t *testing.T) {
	m := newTestMachine()
	m.Start()
	m.Send(evGo) // now @ok.ready
	m.Send(evAny)

	if m.CurrentState() != StateIdleB {
		t.Fatalf("expected @idle.b via wildcard, got %s", m.CurrentState())
	}
}

func TestLeafTransitionTakesPrecedenceOverWildcard(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.AddTransitions("*", map[ev]TransitionFunc[testCtx, ev]{
		evGo: To[testCtx, ev](StateIdleB),
	})
	m.AddTransitions(string(StateIdleA), map[ev]TransitionFunc[testCtx, ev]{
		evGo: To[testCtx, ev](StateOkReady),
	})
	m.Start()
	m.Send(evGo)

	if m.CurrentState() != StateOkReady {
		t.Fatalf("expected leaf-specific target @ok.ready, got %s", m.CurrentState())
	}
}

func TestUnmatchedEventIsIgnoredAndObservable(t *testing.T) {
	m := newTestMachine()
	m.Start()

	var ignored []ev
	m.DidIgnoreEvent().Subscribe(func(e ev) { ignored = append(ignored, e) })

	m.Send(evIgnored)

	if m.CurrentState() != StateIdleA {
		t.Errorf("state should not move on an ignored event, got %s", m.CurrentState())
	}
	if len(ignored) != 1 || ignored[0] != evIgnored {
		t.Errorf("expected didIgnoreEvent to observe evIgnored, got %v", ignored)
	}
}

func TestOrderingOfEffectsAndHooks(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)

	m.OnEnter("*", func(e EffectContext[testCtx, ev]) func() {
		e.Patch(func(c *testCtx) { c.log = append(c.log, "enter-global") })
		return func() { e.Patch(func(c *testCtx) { c.log = append(c.log, "exit-global") }) }
	})
	m.OnEnter(string(StateIdleA), func(e EffectContext[testCtx, ev]) func() {
		e.Patch(func(c *testCtx) { c.log = append(c.log, "enter-leaf") })
		return func() { e.Patch(func(c *testCtx) { c.log = append(c.log, "exit-leaf") }) }
	})
	m.AddTransitions(string(StateIdleA), map[ev]TransitionFunc[testCtx, ev]{
		evGo: ToEffect[testCtx, ev](StateOkReady, func(e EffectContext[testCtx, ev]) {
			e.Patch(func(c *testCtx) { c.log = append(c.log, "transition-effect") })
		}),
	})
	m.OnEnter(string(StateOkReady), func(e EffectContext[testCtx, ev]) func() {
		e.Patch(func(c *testCtx) { c.log = append(c.log, "enter-ok") })
		return nil
	})

	m.Start()
	m.Send(evGo)

	got := m.Context().log
	want := []string{
		"enter-global", "enter-leaf", // entering @idle.a: outermost first
		"exit-leaf", "exit-global", // leaving @idle.a: deepest first
		"transition-effect",
		"enter-global", "enter-ok", // entering @ok.ready again includes the global hook
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q\nfull: %v", i, got[i], want[i], got)
		}
	}
}

func TestFollowUpEventFromEffectIsProcessedAfterCurrentTransition(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.AddTransitions(string(StateIdleA), map[ev]TransitionFunc[testCtx, ev]{
		evGo: ToEffect[testCtx, ev](StateOkReady, func(e EffectContext[testCtx, ev]) {
			e.Patch(func(c *testCtx) { c.log = append(c.log, "first") })
			e.Send(evBack) // queued, not processed yet
			e.Patch(func(c *testCtx) { c.log = append(c.log, "second") })
		}),
	})
	m.AddTransitions("@ok.*", map[ev]TransitionFunc[testCtx, ev]{
		evBack: ToEffect[testCtx, ev](StateIdleB, func(e EffectContext[testCtx, ev]) {
			e.Patch(func(c *testCtx) { c.log = append(c.log, "third") })
		}),
	})

	m.Start()
	m.Send(evGo)

	got := m.Context().log
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if m.CurrentState() != StateIdleB {
		t.Errorf("expected final state @idle.b, got %s", m.CurrentState())
	}
}

func TestTimedTransitionFiresAfterDelay(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.AddTimedTransition(string(StateIdleA), func(testCtx) time.Duration { return 20 * time.Millisecond }, StateOkReady)
	m.Start()

	if m.CurrentState() != StateIdleA {
		t.Fatalf("expected to still be in @idle.a immediately after start")
	}

	time.Sleep(60 * time.Millisecond)

	if m.CurrentState() != StateOkReady {
		t.Fatalf("expected timed transition to have fired, got %s", m.CurrentState())
	}
}

func TestTimedTransitionCancelledOnExit(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.AddTimedTransition(string(StateIdleA), func(testCtx) time.Duration { return 20 * time.Millisecond }, StateOkReady)
	m.AddTransitions(string(StateIdleA), map[ev]TransitionFunc[testCtx, ev]{
		evGo: To[testCtx, ev](StateIdleB),
	})
	m.Start()
	m.Send(evGo) // leaves @idle.a before the timer fires

	time.Sleep(60 * time.Millisecond)

	if m.CurrentState() != StateIdleB {
		t.Fatalf("expected state to remain @idle.b (timer should have been cancelled), got %s", m.CurrentState())
	}
}

func TestAsyncEntrySuccessTransitionsOnOk(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.OnEnterAsync(string(StateIdleA),
		func(ctx testCtx, cancel <-chan struct{}) (any, error) {
			return "payload", nil
		},
		func(e EffectContext[testCtx, ev], data any) State {
			e.Patch(func(c *testCtx) { c.log = append(c.log, data.(string)) })
			return StateOkReady
		},
		func(e EffectContext[testCtx, ev], err error) State {
			return StateIdleB
		},
	)
	m.Start()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.CurrentState() == StateOkReady {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if m.CurrentState() != StateOkReady {
		t.Fatalf("expected async entry success to move to @ok.ready, got %s", m.CurrentState())
	}
	if got := m.Context().log; len(got) != 1 || got[0] != "payload" {
		t.Errorf("expected onOk effect to have run, got %v", got)
	}
}

func TestAsyncEntryFailureTransitionsOnFail(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.OnEnterAsync(string(StateIdleA),
		func(ctx testCtx, cancel <-chan struct{}) (any, error) {
			return nil, errors.New("boom")
		},
		func(e EffectContext[testCtx, ev], data any) State {
			return StateOkReady
		},
		func(e EffectContext[testCtx, ev], err error) State {
			return StateIdleB
		},
	)
	m.Start()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.CurrentState() == StateIdleB {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if m.CurrentState() != StateIdleB {
		t.Fatalf("expected async entry failure to move to @idle.b, got %s", m.CurrentState())
	}
}

func TestAsyncEntryCancelledOnExitDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	resolved := make(chan struct{})

	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.OnEnterAsync(string(StateIdleA),
		func(ctx testCtx, cancel <-chan struct{}) (any, error) {
			select {
			case <-release:
			case <-cancel:
			}
			close(resolved)
			return "too-late", nil
		},
		func(e EffectContext[testCtx, ev], data any) State {
			e.Patch(func(c *testCtx) { c.log = append(c.log, "should-not-run") })
			return StateOkReady
		},
		func(e EffectContext[testCtx, ev], err error) State {
			return StateOkBusy
		},
	)
	m.AddTransitions(string(StateIdleA), map[ev]TransitionFunc[testCtx, ev]{
		evGo: To[testCtx, ev](StateIdleB),
	})
	m.Start()

	m.Send(evGo) // exits @idle.a before the async work resolves

	close(release) // let the goroutine finish now that it's cancelled
	<-resolved

	time.Sleep(20 * time.Millisecond) // give the stale continuation a chance to run, if it would

	if m.CurrentState() != StateIdleB {
		t.Fatalf("expected state to remain @idle.b, got %s", m.CurrentState())
	}
	if got := m.Context().log; len(got) != 0 {
		t.Errorf("expected the stale async result to be discarded, got log %v", got)
	}
}

func TestStopRunsExitCleanups(t *testing.T) {
	m := New[testCtx, ev](testCtx{}, StateIdleA)
	m.OnEnter(string(StateIdleA), func(e EffectContext[testCtx, ev]) func() {
		return func() { e.Patch(func(c *testCtx) { c.log = append(c.log, "stopped") }) }
	})
	m.Start()
	m.Stop()

	if got := m.Context().log; len(got) != 1 || got[0] != "stopped" {
		t.Errorf("expected Stop to run exit cleanup, got %v", got)
	}
}
