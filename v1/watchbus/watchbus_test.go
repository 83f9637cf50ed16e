package watchbus

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestWatchKey(t *testing.T) {
	bus := New()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, Event{Key: "foo", Kind: EventSet}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := recvEvent(t, ch); ev.Key != "foo" || ev.Kind != EventSet {
		t.Fatalf("unexpected %+v", ev)
	}
	_ = bus.Publish(ctx, Event{Key: "bar", Kind: EventSet})
	select {
	case ev := <-ch:
		t.Fatalf("received foreign event %+v", ev)
	default:
	}
	bus.Unwatch(ch)
	bus.Unwatch(ch)
	if bus.Len() != 0 {
		t.Fatalf("expected no watchers, got %d", bus.Len())
	}
}

func TestWatchPrefix(t *testing.T) {
	bus := New()
	ctx := context.Background()
	chKey, _ := bus.Watch(ctx, "foo1")
	chPrefix, _ := bus.WatchPrefix(ctx, "foo")

	_ = bus.Publish(ctx, Event{Key: "foo1", Kind: EventEvict})
	if ev := recvEvent(t, chKey); ev.Kind != EventEvict {
		t.Fatalf("unexpected %+v", ev)
	}
	if ev := recvEvent(t, chPrefix); ev.Key != "foo1" {
		t.Fatalf("unexpected %+v", ev)
	}

	_ = bus.Publish(ctx, Event{Key: "foo2", Kind: EventSet})
	if ev := recvEvent(t, chPrefix); ev.Key != "foo2" {
		t.Fatalf("unexpected %+v", ev)
	}
}

func TestWatchEndsWithContext(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.WatchPrefix(ctx, "")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not released")
	}
}

func TestSlowWatcherDoesNotBlock(t *testing.T) {
	bus := New()
	ctx := context.Background()
	_, _ = bus.Watch(ctx, "k")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10*watcherBuffer; i++ {
			_ = bus.Publish(ctx, Event{Key: "k", Kind: EventSet})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full watcher")
	}
}
