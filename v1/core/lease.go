package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidLeaseInterval is returned when a non-positive renewal
	// interval is provided.
	ErrInvalidLeaseInterval = errors.New("warp-cluster: lease interval must be positive")
	// ErrUnknownLease is returned for lease ids that were never granted or
	// were already revoked.
	ErrUnknownLease = errors.New("warp-cluster: unknown lease")
)

type lease struct {
	keys   map[string]struct{}
	ticker *time.Ticker
	stop   chan struct{}
}

// LeaseManager keeps groups of keys alive. Every interval each key of a
// lease is read, which slides its expiration forward. A key that has
// already expired is dropped from the lease. Revoking a lease stops the
// renewal; its keys then expire on their own.
type LeaseManager[T any] struct {
	m *Memory[T]

	mu     sync.Mutex
	leases map[string]*lease
}

// NewLeaseManager returns a lease manager renewing keys through m.
func NewLeaseManager[T any](m *Memory[T]) *LeaseManager[T] {
	return &LeaseManager[T]{m: m, leases: make(map[string]*lease)}
}

// Grant creates a lease renewed every interval until Revoke is called or
// ctx is done.
func (lm *LeaseManager[T]) Grant(ctx context.Context, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", ErrInvalidLeaseInterval
	}
	id := uuid.NewString()
	l := &lease{
		keys:   make(map[string]struct{}),
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}
	lm.mu.Lock()
	lm.leases[id] = l
	lm.mu.Unlock()

	go func() {
		for {
			select {
			case <-l.ticker.C:
				lm.renew(ctx, id, l)
			case <-ctx.Done():
				lm.Revoke(id)
				return
			case <-l.stop:
				return
			}
		}
	}()
	return id, nil
}

// Attach adds key to the lease id.
func (lm *LeaseManager[T]) Attach(id, key string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.leases[id]
	if !ok {
		return ErrUnknownLease
	}
	l.keys[key] = struct{}{}
	return nil
}

// Keys returns the keys currently held by the lease id.
func (lm *LeaseManager[T]) Keys(id string) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.leases[id]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(l.keys))
	for k := range l.keys {
		keys = append(keys, k)
	}
	return keys
}

// Revoke stops renewing the lease id.
func (lm *LeaseManager[T]) Revoke(id string) {
	lm.mu.Lock()
	l, ok := lm.leases[id]
	if ok {
		delete(lm.leases, id)
	}
	lm.mu.Unlock()
	if !ok {
		return
	}
	l.ticker.Stop()
	close(l.stop)
}

func (lm *LeaseManager[T]) renew(ctx context.Context, id string, l *lease) {
	for _, key := range lm.Keys(id) {
		found, err := lm.m.touch(ctx, key)
		if err != nil {
			lm.m.log.WithError(err).WithField("key", key).Debug("lease renewal failed")
			continue
		}
		if !found {
			lm.mu.Lock()
			delete(l.keys, key)
			lm.mu.Unlock()
		}
	}
}
