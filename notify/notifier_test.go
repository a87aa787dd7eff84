package notify

import (
	"sync"
	"testing"
	"time"
)

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe()
	defer cancel()

	hub.Signal(7)

	select {
	case serial := <-signals:
		if serial != 7 {
			t.Errorf("expected serial 7, got %d", serial)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
	if hub.Last() != 7 {
		t.Errorf("expected last serial 7, got %d", hub.Last())
	}
}

func TestHub_CoalescesUnreadSignals(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe()
	defer cancel()

	for i := uint64(1); i <= 5; i++ {
		hub.Signal(i)
	}

	select {
	case serial := <-signals:
		if serial != 1 {
			t.Errorf("expected the first pending serial, got %d", serial)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}

	select {
	case serial := <-signals:
		t.Errorf("expected signals to coalesce, got extra %d", serial)
	case <-time.After(50 * time.Millisecond):
	}
	if hub.Last() != 5 {
		t.Errorf("expected last serial 5, got %d", hub.Last())
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Subscribe()

	hub.Signal(1)
	select {
	case <-signals:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}

	cancel()

	select {
	case _, ok := <-signals:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Subsequent signals should not panic
	hub.Signal(2)
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()

	s1, cancel1 := hub.Subscribe()
	defer cancel1()
	s2, cancel2 := hub.Subscribe()
	defer cancel2()

	hub.Signal(3)

	for i, ch := range []<-chan uint64{s1, s2} {
		select {
		case serial := <-ch:
			if serial != 3 {
				t.Errorf("subscriber %d: expected 3, got %d", i, serial)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout on subscriber %d", i)
		}
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub()
	const numGoroutines = 10
	const numSignals = 100

	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			signals, cancel := hub.Subscribe()
			defer cancel()

			timeout := time.After(200 * time.Millisecond)
			for {
				select {
				case <-signals:
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numSignals; i++ {
			hub.Signal(uint64(i))
		}
	}()

	wg.Wait()
}

func TestHub_SignalBeforeSubscribe(t *testing.T) {
	hub := NewHub()

	hub.Signal(1)

	signals, cancel := hub.Subscribe()
	defer cancel()

	select {
	case serial := <-signals:
		t.Errorf("should not receive old signal, got %d", serial)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DoubleCancel(t *testing.T) {
	hub := NewHub()

	_, cancel := hub.Subscribe()

	cancel()
	cancel()
}

func TestHub_CloseAndLen(t *testing.T) {
	hub := NewHub()

	const numSubs = 100
	chans := make([]<-chan uint64, numSubs)
	cancels := make([]func(), numSubs)
	for i := 0; i < numSubs; i++ {
		chans[i], cancels[i] = hub.Subscribe()
	}

	if hub.Len() != numSubs {
		t.Errorf("expected %d subscriptions, got %d", numSubs, hub.Len())
	}

	hub.Close()
	if hub.Len() != 0 {
		t.Errorf("expected 0 subscriptions after close, got %d", hub.Len())
	}
	for _, ch := range chans {
		if _, ok := <-ch; ok {
			t.Fatal("channel should be closed")
		}
	}
	// Cancel after close is a no-op.
	for _, cancel := range cancels {
		cancel()
	}
}
