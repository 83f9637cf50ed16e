package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
)

func TestTimedStoreSetThenGet(t *testing.T) {
	ctx := context.Background()
	s := NewTimedStore[string]()
	defer s.Close()

	if err := s.Set(ctx, "foo", "bar", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok, err := s.Get(ctx, "foo")
	if err != nil || !ok || v != "bar" {
		t.Fatalf("expected bar, got %v %v %v", v, ok, err)
	}

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected miss, got %v %v", ok, err)
	}

	m := s.Metrics()
	if m.Hits != 1 || m.Misses != 1 || m.Size != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestTimedStoreMissHasNoSideEffect(t *testing.T) {
	s := NewTimedStore[string]()
	defer s.Close()
	_, _, _ = s.Get(context.Background(), "ghost")
	if _, ok := s.TTL("ghost"); ok {
		t.Fatal("expected no timer for a missing key")
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
}

func TestTimedStoreEviction(t *testing.T) {
	ctx := context.Background()
	evicted := make(chan string, 1)
	s := NewTimedStore[string](WithEvictionHook[string](func(key string) { evicted <- key }))
	defer s.Close()

	if err := s.Set(ctx, "k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case key := <-evicted:
		if key != "k" {
			t.Fatalf("expected k evicted, got %s", key)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for eviction")
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to be evicted")
	}
	if _, ok := s.TTL("k"); ok {
		t.Fatal("expected timer record to be removed")
	}
	if s.Metrics().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", s.Metrics().Evictions)
	}
}

func TestTimedStoreSlidingExpiration(t *testing.T) {
	ctx := context.Background()
	s := NewTimedStore[string]()
	defer s.Close()

	ttl := 100 * time.Millisecond
	if err := s.Set(ctx, "k", "v", ttl); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("expected key before first expiry")
	}
	// 120ms since Set, 60ms since the read that restarted the timer.
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("expected read to have slid the expiration")
	}
	time.Sleep(2 * ttl)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire once reads stop")
	}
}

func TestTimedStoreOverwriteReplacesTimer(t *testing.T) {
	ctx := context.Background()
	s := NewTimedStore[string]()
	defer s.Close()

	if err := s.Set(ctx, "k", "old", 30*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "k", "new", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	v, ok, _ := s.Get(ctx, "k")
	if !ok || v != "new" {
		t.Fatalf("expected new value to survive the old timer, got %v %v", v, ok)
	}
	if ttl, _ := s.TTL("k"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
}

func TestTimedStoreStaleTimerDoesNotEvictNewEntry(t *testing.T) {
	s := NewTimedStore[string]()
	defer s.Close()
	ctx := context.Background()
	_ = s.Set(ctx, "k", "v", time.Minute)

	s.mu.Lock()
	stale := s.timers["k"]
	s.mu.Unlock()
	_ = s.Set(ctx, "k", "v2", time.Minute)

	s.expire("k", stale)
	if v, ok, _ := s.Get(ctx, "k"); !ok || v != "v2" {
		t.Fatalf("stale timer evicted the entry: %v %v", v, ok)
	}
}

func TestTimedStoreDefaultAndInvalidTTL(t *testing.T) {
	ctx := context.Background()
	s := NewTimedStore[string](WithDefaultTTL[string](2 * time.Hour))
	defer s.Close()

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl, ok := s.TTL("k"); !ok || ttl != 2*time.Hour {
		t.Fatalf("expected default ttl 2h, got %v", ttl)
	}

	s.SetDefaultTTL(Seconds(3600))
	_ = s.Set(ctx, "k2", "v", 0)
	if ttl, _ := s.TTL("k2"); ttl != DefaultTTL {
		t.Fatalf("expected %v, got %v", DefaultTTL, ttl)
	}

	err := s.Set(ctx, "k", "v", -time.Second)
	if !errors.Is(err, warperrors.ErrInvalidTTL) || !errors.Is(err, warperrors.ErrConfiguration) {
		t.Fatalf("expected invalid ttl, got %v", err)
	}
}

func TestTimedStoreResetWithoutExpiration(t *testing.T) {
	s := NewTimedStore[string]()
	defer s.Close()

	// An entry without a timer record can only come from broken state.
	s.mu.Lock()
	s.items["orphan"] = "v"
	s.mu.Unlock()

	_, _, err := s.Get(context.Background(), "orphan")
	if !errors.Is(err, warperrors.ErrMissingExpiration) {
		t.Fatalf("expected ErrMissingExpiration, got %v", err)
	}
}

func TestTimedStoreClose(t *testing.T) {
	ctx := context.Background()
	evicted := make(chan string, 1)
	s := NewTimedStore[string](WithEvictionHook[string](func(key string) { evicted <- key }))
	_ = s.Set(ctx, "k", "v", 20*time.Millisecond)
	s.Close()
	s.Close()

	select {
	case <-evicted:
		t.Fatal("timer fired after close")
	case <-time.After(60 * time.Millisecond):
	}
	if err := s.Set(ctx, "k", "v", time.Minute); !errors.Is(err, warperrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTimedStoreContextCanceled(t *testing.T) {
	s := NewTimedStore[string]()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Set(ctx, "k", "v", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTimedStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewTimedStore[int]()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Set(ctx, "shared", i, 5*time.Millisecond)
				_, _, _ = s.Get(ctx, "shared")
			}
		}(i)
	}
	wg.Wait()
}

func TestTimedStoreMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewTimedStore[string](WithMetrics[string](reg), WithTracing[string]())
	defer s.Close()
	ctx := context.Background()
	_ = s.Set(ctx, "k", "v", time.Minute)
	_, _, _ = s.Get(ctx, "k")
	_, _, _ = s.Get(ctx, "nope")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"warp_cluster_store_hits_total", "warp_cluster_store_misses_total", "warp_cluster_store_latency_seconds"} {
		if !found[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
}
