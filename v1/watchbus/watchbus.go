package watchbus

import (
	"context"
	"strings"
	"sync"
)

// EventKind tells what happened to a key.
type EventKind uint8

const (
	// EventSet reports a write, local or from a worker.
	EventSet EventKind = iota + 1
	// EventEvict reports a removal by the key's expiration timer.
	EventEvict
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventEvict:
		return "evict"
	}
	return "unknown"
}

// Event is a change of one key in the primary's store.
type Event struct {
	Key  string
	Kind EventKind
}

const watcherBuffer = 16

// Bus fans store events out to in-process watchers. Delivery is best
// effort: a watcher whose buffer is full misses the event.
type Bus struct {
	mu       sync.Mutex
	keys     map[string][]chan Event
	prefixes map[string][]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		keys:     make(map[string][]chan Event),
		prefixes: make(map[string][]chan Event),
	}
}

// Publish delivers ev to the watchers of its key and of every matching
// prefix.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	chans := append([]chan Event(nil), b.keys[ev.Key]...)
	for prefix, subs := range b.prefixes {
		if strings.HasPrefix(ev.Key, prefix) {
			chans = append(chans, subs...)
		}
	}
	// Sends happen under the lock so Unwatch never closes a channel in use.
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Watch subscribes to events of key until ctx is done or Unwatch is called.
func (b *Bus) Watch(ctx context.Context, key string) (chan Event, error) {
	return b.subscribe(ctx, b.keys, key)
}

// WatchPrefix subscribes to events of every key starting with prefix. An
// empty prefix matches all keys.
func (b *Bus) WatchPrefix(ctx context.Context, prefix string) (chan Event, error) {
	return b.subscribe(ctx, b.prefixes, prefix)
}

func (b *Bus) subscribe(ctx context.Context, subs map[string][]chan Event, name string) (chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, watcherBuffer)
	b.mu.Lock()
	subs[name] = append(subs[name], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.Unwatch(ch)
	}()
	return ch, nil
}

// Unwatch removes ch from its subscription and closes it. Unwatching a
// channel twice is a no-op.
func (b *Bus) Unwatch(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range []map[string][]chan Event{b.keys, b.prefixes} {
		for name, list := range subs {
			for i, c := range list {
				if c != ch {
					continue
				}
				list[i] = list[len(list)-1]
				list = list[:len(list)-1]
				if len(list) == 0 {
					delete(subs, name)
				} else {
					subs[name] = list
				}
				close(c)
				return
			}
		}
	}
}

// Len returns the number of active watchers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, list := range b.keys {
		n += len(list)
	}
	for _, list := range b.prefixes {
		n += len(list)
	}
	return n
}
