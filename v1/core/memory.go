package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mirkobrombin/go-warp-cluster/v1/cache"
	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
	"github.com/mirkobrombin/go-warp-cluster/v1/rpc"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
	"github.com/mirkobrombin/go-warp-cluster/v1/watchbus"
)

// Role tells whether a process owns the store or reaches it remotely.
type Role int

const (
	RolePrimary Role = iota
	RoleWorker
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "worker"
}

var (
	// ErrNotInitialized is returned by Attach before Init.
	ErrNotInitialized = errors.New("warp-cluster: not initialized")
	// ErrWrongRole is returned by operations reserved to the other role.
	ErrWrongRole = errors.New("warp-cluster: operation not available for this role")
)

// Memory is the process-wide entry point of the cluster cache. On the
// primary it reads and writes the local store and serves worker channels;
// on a worker it forwards every call to the primary.
type Memory[T any] struct {
	role  Role
	codec protocol.Codec
	log   *logrus.Entry

	ttl         atomic.Int64
	timeout     time.Duration
	onViolation func(error)
	tracing     bool
	reg         prometheus.Registerer

	store  *cache.TimedStore[[]byte]
	events *watchbus.Bus
	server *rpc.Server
	client *rpc.Client

	mu          sync.Mutex
	initialized bool
	ctx         context.Context
	cancel      context.CancelFunc
	chans       []transport.Channel
	wg          sync.WaitGroup
}

// Option configures a Memory instance.
type Option[T any] func(*Memory[T])

// WithCodec sets the codec used to turn values into payloads.
func WithCodec[T any](c protocol.Codec) Option[T] {
	return func(m *Memory[T]) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger[T any](l *logrus.Entry) Option[T] {
	return func(m *Memory[T]) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTTL sets the TTL applied when Set is called with a zero TTL.
func WithTTL[T any](d time.Duration) Option[T] {
	return func(m *Memory[T]) {
		if d > 0 {
			m.ttl.Store(int64(d))
		}
	}
}

// WithTimeout sets the budget of worker requests.
func WithTimeout[T any](d time.Duration) Option[T] {
	return func(m *Memory[T]) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithViolationHandler replaces the handler run when a peer breaks the
// protocol. The default handler logs at fatal level, terminating the
// process.
func WithViolationHandler[T any](fn func(error)) Option[T] {
	return func(m *Memory[T]) {
		if fn != nil {
			m.onViolation = fn
		}
	}
}

// WithTracing enables OpenTelemetry spans on store and client operations.
func WithTracing[T any]() Option[T] {
	return func(m *Memory[T]) {
		m.tracing = true
	}
}

// WithMetrics registers the primary store metrics on reg.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(m *Memory[T]) {
		m.reg = reg
	}
}

// New returns a Memory for role. The primary's store is usable right away;
// a worker needs Init with its channel before Get and Set succeed.
func New[T any](role Role, opts ...Option[T]) *Memory[T] {
	m := &Memory[T]{
		role:    role,
		codec:   protocol.JSONCodec{},
		log:     logrus.WithFields(logrus.Fields{"component": "core", "role": role.String()}),
		timeout: rpc.DefaultTimeout,
	}
	m.ttl.Store(int64(cache.DefaultTTL))
	m.onViolation = func(err error) {
		m.log.WithError(err).Fatal("protocol violation")
	}
	for _, opt := range opts {
		opt(m)
	}

	if role == RolePrimary {
		m.events = watchbus.New()
		storeOpts := []cache.Option[[]byte]{
			cache.WithDefaultTTL[[]byte](m.defaultTTL()),
			cache.WithEvictionHook[[]byte](func(key string) {
				_ = m.events.Publish(context.Background(), watchbus.Event{Key: key, Kind: watchbus.EventEvict})
			}),
		}
		if m.reg != nil {
			storeOpts = append(storeOpts, cache.WithMetrics[[]byte](m.reg))
		}
		if m.tracing {
			storeOpts = append(storeOpts, cache.WithTracing[[]byte]())
		}
		m.store = cache.NewTimedStore[[]byte](storeOpts...)

		serverOpts := []rpc.ServerOption{
			rpc.WithServerLogger(m.log.WithField("component", "rpc.server")),
			rpc.WithViolationHandler(m.onViolation),
		}
		if m.tracing {
			serverOpts = append(serverOpts, rpc.WithServerTracing())
		}
		m.server = rpc.NewServer(notifyingStore{TimedStore: m.store, events: m.events}, serverOpts...)
	}
	return m
}

// Role returns the role the instance was created with.
func (m *Memory[T]) Role() Role { return m.role }

// Init wires the instance to its channels. It may be called once per
// instance.
//
// The primary serves every given worker channel; more can be added later
// with Attach. A worker takes at most one channel, its link to the primary;
// without it Get and Set fail with errors.ErrChannelUnavailable.
func (m *Memory[T]) Init(ctx context.Context, chans ...transport.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return warperrors.ErrAlreadyInitialized
	}
	if m.role == RoleWorker && len(chans) > 1 {
		return fmt.Errorf("warp-cluster: worker takes one channel, got %d", len(chans))
	}
	m.initialized = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	if m.role == RolePrimary {
		for _, ch := range chans {
			m.attachLocked(ch)
		}
		m.log.WithField("workers", len(chans)).Info("primary ready")
		return nil
	}

	var ch transport.Channel
	if len(chans) == 1 {
		ch = chans[0]
		m.chans = append(m.chans, ch)
	}
	clientOpts := []rpc.ClientOption{
		rpc.WithTimeout(m.timeout),
		rpc.WithClientLogger(m.log.WithField("component", "rpc.client")),
	}
	if m.tracing {
		clientOpts = append(clientOpts, rpc.WithClientTracing())
	}
	m.client = rpc.NewClient(ch, clientOpts...)
	if ch == nil {
		m.log.Warn("worker initialized without a channel to the primary")
		return nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.client.Listen(m.ctx)
		switch {
		case errors.Is(err, warperrors.ErrProtocolViolation):
			m.onViolation(err)
		case err != nil && m.ctx.Err() == nil:
			m.log.WithError(err).Warn("listener stopped")
		}
	}()
	return nil
}

// Attach serves an additional worker channel on an initialized primary.
func (m *Memory[T]) Attach(ch transport.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RolePrimary {
		return ErrWrongRole
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	if m.ctx.Err() != nil {
		return warperrors.ErrClosed
	}
	m.attachLocked(ch)
	return nil
}

func (m *Memory[T]) attachLocked(ch transport.Channel) {
	m.chans = append(m.chans, ch)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(m.ctx, ch); err != nil &&
			!errors.Is(err, warperrors.ErrProtocolViolation) && m.ctx.Err() == nil {
			m.log.WithError(err).Warn("worker channel stopped")
		}
	}()
}

// Get returns the value stored at key. On the primary a hit slides the
// key's expiration; on a worker the request is answered by the primary.
func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	var (
		payload []byte
		found   bool
		err     error
	)
	if m.role == RolePrimary {
		payload, found, err = m.store.Get(ctx, key)
	} else {
		c, cerr := m.workerClient()
		if cerr != nil {
			return zero, false, cerr
		}
		payload, found, err = c.Get(ctx, key)
	}
	if err != nil || !found {
		return zero, false, err
	}
	var v T
	if err := m.codec.Unmarshal(payload, &v); err != nil {
		return zero, false, fmt.Errorf("warp-cluster: decode %q: %w", key, err)
	}
	return v, true, nil
}

// Set stores v at key for ttl. A zero ttl applies the primary's current
// default, also for writes coming from workers.
func (m *Memory[T]) Set(ctx context.Context, key string, v T, ttl time.Duration) error {
	payload, err := m.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("warp-cluster: encode %q: %w", key, err)
	}
	if m.role == RolePrimary {
		if ttl == 0 {
			ttl = m.defaultTTL()
		}
		return notifyingStore{TimedStore: m.store, events: m.events}.Set(ctx, key, payload, ttl)
	}
	c, err := m.workerClient()
	if err != nil {
		return err
	}
	return c.Set(ctx, key, payload, ttl)
}

// touch reads key without decoding it, sliding its expiration.
func (m *Memory[T]) touch(ctx context.Context, key string) (bool, error) {
	if m.role == RolePrimary {
		_, found, err := m.store.Get(ctx, key)
		return found, err
	}
	c, err := m.workerClient()
	if err != nil {
		return false, err
	}
	_, found, err := c.Get(ctx, key)
	return found, err
}

func (m *Memory[T]) workerClient() (*rpc.Client, error) {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c == nil {
		return nil, warperrors.ErrChannelUnavailable
	}
	return c, nil
}

func (m *Memory[T]) defaultTTL() time.Duration {
	return time.Duration(m.ttl.Load())
}

// SetDefaults changes the default TTL and the worker request budget for
// calls made from now on. Non-positive values are ignored.
func (m *Memory[T]) SetDefaults(ttl, timeout time.Duration) {
	if ttl > 0 {
		m.ttl.Store(int64(ttl))
		if m.store != nil {
			m.store.SetDefaultTTL(ttl)
		}
	}
	if timeout > 0 {
		m.mu.Lock()
		m.timeout = timeout
		c := m.client
		m.mu.Unlock()
		if c != nil {
			c.SetTimeout(timeout)
		}
	}
}

// Stats reports the primary's store usage. Workers hold no store and get
// zero stats.
func (m *Memory[T]) Stats() cache.Stats {
	if m.store == nil {
		return cache.Stats{}
	}
	return m.store.Metrics()
}

// Close stops every listener and server, closes the channels and, on the
// primary, drops the store.
func (m *Memory[T]) Close() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	chans := m.chans
	m.chans = nil
	m.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	if m.store != nil {
		m.store.Close()
	}
	return errors.Join(errs...)
}
