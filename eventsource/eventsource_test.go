package eventsource

import "testing"

func TestNotifyDeliversInSubscriptionOrder(t *testing.T) {
	src := New[int]()
	var order []int

	src.Subscribe(func(v int) { order = append(order, v*10+1) })
	src.Subscribe(func(v int) { order = append(order, v*10+2) })

	src.Notify(5)

	want := []int{51, 52}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, order[i], want[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	src := New[string]()
	var got []string

	unsub := src.Subscribe(func(v string) { got = append(got, v) })
	src.Notify("first")
	unsub()
	src.Notify("second")

	if len(got) != 1 || got[0] != "first" {
		t.Errorf("expected only [\"first\"], got %v", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	src := New[int]()
	unsub := src.Subscribe(func(int) {})
	unsub()
	unsub() // must not panic or remove a different subscriber
}

func TestPauseQueuesAndUnpauseDrainsInOrder(t *testing.T) {
	src := New[int]()
	var got []int
	src.Subscribe(func(v int) { got = append(got, v) })

	src.Pause()
	src.Notify(1)
	src.Notify(2)
	src.Notify(3)

	if len(got) != 0 {
		t.Fatalf("expected no deliveries while paused, got %v", got)
	}

	src.Unpause()

	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries after unpause, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUnpauseWithoutPauseIsNoOp(t *testing.T) {
	src := New[int]()
	src.Unpause() // must not panic
}

func TestClearRemovesAllSubscribers(t *testing.T) {
	src := New[int]()
	src.Subscribe(func(int) {})
	src.Subscribe(func(int) {})

	if src.Len() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", src.Len())
	}

	src.Clear()

	if src.Len() != 0 {
		t.Errorf("expected 0 subscribers after Clear, got %d", src.Len())
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	src := New[int]()
	var secondCalled bool

	src.Subscribe(func(int) { panic("boom") })
	src.Subscribe(func(int) { secondCalled = true })

	src.Notify(1) // must not propagate the panic

	if !secondCalled {
		t.Error("expected second subscriber to still be called after first panicked")
	}
}
