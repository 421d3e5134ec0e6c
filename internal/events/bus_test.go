package events

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"signalhub-go/internal/logger"
)

func collect(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription %s did not end", sub.Key)
			return nil
		}
	}
}

func TestFanOutIdenticalOrder(t *testing.T) {
	t.Parallel()
	bus := NewBus(16, logger.Discard())
	ctx := context.Background()

	a := bus.Subscribe(ctx, "call-1")
	b := bus.Subscribe(ctx, "call-1")
	other := bus.Subscribe(ctx, "call-2")
	defer other.Close()

	for i := 0; i < 5; i++ {
		bus.Publish("call-1", Event{Type: EventPartial, Payload: map[string]any{"chunk_index": i}})
	}
	bus.Complete("call-1", nil)

	gotA, gotB := collect(t, a), collect(t, b)
	if len(gotA) != 6 {
		t.Fatalf("subscriber a got %d events, want 6", len(gotA))
	}
	if !reflect.DeepEqual(gotA, gotB) {
		t.Fatal("subscribers saw different sequences")
	}
	for i := 1; i < len(gotA); i++ {
		if gotA[i].Seq <= gotA[i-1].Seq {
			t.Fatalf("events out of order: %d after %d", gotA[i].Seq, gotA[i-1].Seq)
		}
	}
	if last := gotA[len(gotA)-1]; last.Type != EventComplete {
		t.Fatalf("last event = %s, want complete", last.Type)
	}
	if bus.Subscribers("call-2") != 1 {
		t.Fatal("other key must be unaffected")
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("other key received %+v", ev)
	default:
	}
}

func TestLateSubscriberAfterComplete(t *testing.T) {
	t.Parallel()
	bus := NewBus(4, logger.Discard())

	bus.Publish("call-1", Event{Type: EventPartial})
	bus.Complete("call-1", nil)

	late := bus.Subscribe(context.Background(), "call-1")
	if got := collect(t, late); len(got) != 0 {
		t.Fatalf("late subscriber got %d events", len(got))
	}
	if bus.Subscribers("call-1") != 0 {
		t.Fatal("late subscriber should not stay registered")
	}
}

func TestNoHistoryForNewSubscriber(t *testing.T) {
	t.Parallel()
	bus := NewBus(4, logger.Discard())

	bus.Publish("s1", Event{Type: EventPartial, Payload: map[string]any{"text": "early"}})
	sub := bus.Subscribe(context.Background(), "s1")
	bus.Publish("s1", Event{Type: EventPartial, Payload: map[string]any{"text": "late"}})
	bus.Complete("s1", nil)

	got := collect(t, sub)
	if len(got) != 2 || got[0].Payload["text"] != "late" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()
	bus := NewBus(3, logger.Discard())
	sub := bus.Subscribe(context.Background(), "k")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("k", Event{Type: EventPartial, Payload: map[string]any{"i": i}})
		}
		bus.Complete("k", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	got := collect(t, sub)
	if len(got) != 3 {
		t.Fatalf("got %d events, want buffer size 3", len(got))
	}
	if got[0].Payload["i"] != 8 || got[1].Payload["i"] != 9 || got[2].Type != EventComplete {
		t.Fatalf("expected newest events and complete, got %+v", got)
	}
	if bus.Dropped() != 8 {
		t.Fatalf("dropped = %d, want 8", bus.Dropped())
	}
}

func TestCancelUnregisters(t *testing.T) {
	t.Parallel()
	bus := NewBus(4, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	sub := bus.Subscribe(ctx, "k")
	if bus.Subscribers("k") != 1 {
		t.Fatal("expected one subscriber")
	}
	cancel()

	if got := collect(t, sub); len(got) != 0 {
		t.Fatalf("got %d events after cancel", len(got))
	}
	deadline := time.Now().Add(time.Second)
	for bus.Subscribers("k") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not unregistered after cancel")
		}
		time.Sleep(time.Millisecond)
	}
	bus.Publish("k", Event{Type: EventPartial})
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := NewBus(4, logger.Discard())
	sub := bus.Subscribe(context.Background(), "k")
	sub.Close()
	sub.Close()
	if bus.Subscribers("k") != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	t.Parallel()
	bus := NewBus(1024, logger.Discard())
	sub := bus.Subscribe(context.Background(), "k")

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish("k", Event{Type: EventStatus})
			}
		}()
	}
	wg.Wait()
	bus.Complete("k", nil)

	if got := collect(t, sub); len(got) != 201 {
		t.Fatalf("got %d events, want 201", len(got))
	}
}

func TestWaitSubscriberReleasesOnSubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus(4, logger.Discard())
	got := make(chan bool, 1)
	go func() { got <- bus.WaitSubscriber(context.Background(), "k", time.Second) }()

	time.Sleep(10 * time.Millisecond)
	sub := bus.Subscribe(context.Background(), "k")
	defer sub.Close()
	select {
	case ok := <-got:
		if !ok {
			t.Fatal("WaitSubscriber = false after subscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitSubscriber did not return")
	}
	if !bus.WaitSubscriber(context.Background(), "k", time.Millisecond) {
		t.Fatal("existing subscriber must satisfy the wait immediately")
	}
}

func TestWaitSubscriberTimesOut(t *testing.T) {
	t.Parallel()
	bus := NewBus(4, logger.Discard())
	start := time.Now()
	if bus.WaitSubscriber(context.Background(), "k", 15*time.Millisecond) {
		t.Fatal("WaitSubscriber = true with no subscriber")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("returned before the timeout")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if bus.WaitSubscriber(ctx, "k", time.Second) {
		t.Fatal("WaitSubscriber = true on a cancelled context")
	}
}
