package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warp-cluster/v1/cache")

// expiry is the timer record of a key. It is owned by the store and
// replaced, never mutated, when the key's timer is restarted.
type expiry struct {
	timer *time.Timer
	ttl   time.Duration
}

// TimedStore is the authoritative key-value store of the primary process.
// Every key carries its own expiration timer; a key whose timer elapses
// without being reset is removed.
//
// Reads are not side-effect free: a successful Get restarts the key's timer
// with the TTL it was last set with (sliding expiration).
type TimedStore[T any] struct {
	mu     sync.Mutex
	items  map[string]T
	timers map[string]*expiry
	closed bool

	defaultTTL time.Duration
	onEvict    func(key string)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

// Option configures a TimedStore.
type Option[T any] func(*TimedStore[T])

// WithDefaultTTL sets the TTL applied when Set is called with a zero TTL.
func WithDefaultTTL[T any](d time.Duration) Option[T] {
	return func(s *TimedStore[T]) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// WithEvictionHook registers fn to be called, outside the store lock, after
// a key has been removed by its timer.
func WithEvictionHook[T any](fn func(key string)) Option[T] {
	return func(s *TimedStore[T]) {
		s.onEvict = fn
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(s *TimedStore[T]) {
		s.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warp_cluster_store_hits_total",
			Help: "Total number of store hits",
		})
		s.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warp_cluster_store_misses_total",
			Help: "Total number of store misses",
		})
		s.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warp_cluster_store_evictions_total",
			Help: "Total number of keys removed by their expiration timer",
		})
		s.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warp_cluster_store_latency_seconds",
			Help:    "Latency of store operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(s.hitCounter, s.missCounter, s.evictionCounter, s.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for store operations.
func WithTracing[T any]() Option[T] {
	return func(s *TimedStore[T]) {
		s.traceEnabled = true
	}
}

// NewTimedStore returns an empty store.
func NewTimedStore[T any](opts ...Option[T]) *TimedStore[T] {
	s := &TimedStore[T]{
		items:      make(map[string]T),
		timers:     make(map[string]*expiry),
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored at key. When the key is present its
// expiration timer is restarted with the TTL of the last Set. A missing key
// reports false and has no side effect.
func (s *TimedStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	span, done := s.observe(ctx, "Store.Get")
	defer done()

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	s.mu.Lock()
	v, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		s.misses.Add(1)
		if s.missCounter != nil {
			s.missCounter.Inc()
		}
		if span != nil {
			span.SetAttributes(attribute.String("warp.cluster.result", "miss"))
		}
		return zero, false, nil
	}
	if err := s.resetTimerLocked(key, 0); err != nil {
		s.mu.Unlock()
		return zero, false, err
	}
	s.mu.Unlock()

	s.hits.Add(1)
	if s.hitCounter != nil {
		s.hitCounter.Inc()
	}
	if span != nil {
		span.SetAttributes(attribute.String("warp.cluster.result", "hit"))
	}
	return v, true, nil
}

// Set inserts or replaces the value at key and (re)starts its expiration
// timer for ttl. A zero ttl applies the store default; a negative one is
// rejected.
func (s *TimedStore[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	_, done := s.observe(ctx, "Store.Set")
	defer done()

	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		return warperrors.ErrInvalidTTL
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return warperrors.ErrClosed
	}
	if err := s.resetTimerLocked(key, ttl); err != nil {
		return err
	}
	s.items[key] = value
	return nil
}

// resetTimerLocked cancels the current timer of key, if any, and starts a
// new one. A zero ttl reuses the duration of the current timer.
func (s *TimedStore[T]) resetTimerLocked(key string, ttl time.Duration) error {
	prev := s.timers[key]
	if prev != nil {
		prev.timer.Stop()
	}
	if ttl == 0 && prev != nil {
		ttl = prev.ttl
	}
	if ttl <= 0 {
		return warperrors.ErrMissingExpiration
	}
	rec := &expiry{ttl: ttl}
	rec.timer = time.AfterFunc(ttl, func() { s.expire(key, rec) })
	s.timers[key] = rec
	return nil
}

// expire removes key if rec is still its current timer record. A timer that
// lost the race against a reset or an overwrite finds a different record and
// leaves the entry alone.
func (s *TimedStore[T]) expire(key string, rec *expiry) {
	s.mu.Lock()
	if s.timers[key] != rec {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	delete(s.items, key)
	s.mu.Unlock()

	s.evictions.Add(1)
	if s.evictionCounter != nil {
		s.evictionCounter.Inc()
	}
	if s.onEvict != nil {
		s.onEvict(key)
	}
}

// TTL reports the sliding duration currently associated with key.
func (s *TimedStore[T]) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.timers[key]
	if !ok {
		return 0, false
	}
	return rec.ttl, true
}

// SetDefaultTTL changes the TTL applied to Sets without an explicit one.
// Entries already stored keep their duration.
func (s *TimedStore[T]) SetDefaultTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.defaultTTL = d
	s.mu.Unlock()
}

// Len returns the number of stored keys.
func (s *TimedStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops every pending timer and drops all entries. Further Sets fail
// with errors.ErrClosed. Close is safe to call multiple times.
func (s *TimedStore[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.timers {
		rec.timer.Stop()
	}
	s.timers = make(map[string]*expiry)
	s.items = make(map[string]T)
	s.closed = true
}

// Stats reports basic metrics about store usage.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Metrics returns current metrics for the store.
func (s *TimedStore[T]) Metrics() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Size:      s.Len(),
	}
}

// observe starts a span and latency measurement when enabled. The returned
// span is nil when tracing is off.
func (s *TimedStore[T]) observe(ctx context.Context, name string) (trace.Span, func()) {
	if !s.traceEnabled && s.latencyHist == nil {
		return nil, func() {}
	}
	var span trace.Span
	if s.traceEnabled {
		_, span = tracer.Start(ctx, name)
	}
	start := time.Now()
	return span, func() {
		latency := time.Since(start)
		if span != nil {
			span.SetAttributes(attribute.Int64("warp.cluster.latency_ms", latency.Milliseconds()))
			span.End()
		}
		if s.latencyHist != nil {
			s.latencyHist.Observe(latency.Seconds())
		}
	}
}
