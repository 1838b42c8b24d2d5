package notify

import (
	"sync"
	"testing"
	"time"
)

func expectWake(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for wake")
	}
}

func expectNoWake(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected wake")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_SignalByName(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Subscribe("replica-a")
	defer cancelA()
	b, cancelB := hub.Subscribe("replica-b")
	defer cancelB()

	hub.Signal("replica-a")

	expectWake(t, a)
	expectNoWake(t, b)
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Subscribe("a")
	defer cancelA()
	b, cancelB := hub.Subscribe("b")
	defer cancelB()

	hub.Broadcast()

	expectWake(t, a)
	expectWake(t, b)
}

func TestHub_SignalsCoalesce(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("a")
	defer cancel()

	for i := 0; i < 10; i++ {
		hub.Signal("a")
	}

	expectWake(t, ch)
	expectNoWake(t, ch)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("a")

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if n := hub.SubscriberCount(); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}

	// signalling a name with no subscribers is a no-op
	hub.Signal("a")
}

func TestHub_ConcurrentSignalAndCancel(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, cancel := hub.Subscribe("busy")
				hub.Signal("busy")
				hub.Broadcast()
				cancel()
			}
		}()
	}
	wg.Wait()

	if n := hub.SubscriberCount(); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}
