package core

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-warp-cluster/v1/cache"
	"github.com/mirkobrombin/go-warp-cluster/v1/metrics"
	"github.com/mirkobrombin/go-warp-cluster/v1/watchbus"
)

// notifyingStore publishes a set event after every successful write, so
// writes from workers reach watchers just like local ones.
type notifyingStore struct {
	*cache.TimedStore[[]byte]
	events *watchbus.Bus
}

func (s notifyingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.TimedStore.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_ = s.events.Publish(context.Background(), watchbus.Event{Key: key, Kind: watchbus.EventSet})
	return nil
}

// Watch streams set and evict events of key until ctx is done.
func (m *Memory[T]) Watch(ctx context.Context, key string) (<-chan watchbus.Event, error) {
	if m.role != RolePrimary {
		return nil, ErrWrongRole
	}
	ch, err := m.events.Watch(ctx, key)
	return m.track(ctx, ch, err)
}

// WatchPrefix streams set and evict events of keys starting with prefix
// until ctx is done. Only the primary sees its store change.
func (m *Memory[T]) WatchPrefix(ctx context.Context, prefix string) (<-chan watchbus.Event, error) {
	if m.role != RolePrimary {
		return nil, ErrWrongRole
	}
	ch, err := m.events.WatchPrefix(ctx, prefix)
	return m.track(ctx, ch, err)
}

func (m *Memory[T]) track(ctx context.Context, ch chan watchbus.Event, err error) (<-chan watchbus.Event, error) {
	if err != nil {
		return nil, err
	}
	metrics.WatcherGauge.Inc()
	go func() {
		<-ctx.Done()
		metrics.WatcherGauge.Dec()
	}()
	return ch, nil
}
