package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/metrics"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warp-cluster/v1/rpc")

// DefaultTimeout bounds a worker request when the caller sets no earlier
// deadline.
const DefaultTimeout = 5 * time.Second

// Client is the worker side of the protocol. It sends requests to the
// primary over a single channel and waits for the matching Done.
//
// Replies are only consumed while Listen runs.
type Client struct {
	ch      transport.Channel
	mux     *Multiplexer
	timeout atomic.Int64
	log     *logrus.Entry
	tracing bool

	stopOnce sync.Once
	stopped  chan struct{}
	late     atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request budget.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout.Store(int64(d))
		}
	}
}

// WithClientLogger sets the logger used by the client.
func WithClientLogger(l *logrus.Entry) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClientTracing enables OpenTelemetry spans around requests.
func WithClientTracing() ClientOption {
	return func(c *Client) {
		c.tracing = true
	}
}

// NewClient returns a client sending on ch. A nil ch yields a client whose
// requests fail with errors.ErrChannelUnavailable.
func NewClient(ch transport.Channel, opts ...ClientOption) *Client {
	c := &Client{
		ch:      ch,
		mux:     NewMultiplexer(),
		log:     logrus.WithField("component", "rpc.client"),
		stopped: make(chan struct{}),
	}
	c.timeout.Store(int64(DefaultTimeout))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTimeout changes the budget of requests issued from now on.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout.Store(int64(d))
	}
}

// Listen consumes replies until ctx is done or the channel fails. Requests
// still waiting when Listen returns fail with errors.ErrConnectionClosed.
// Foreign packets are skipped; any cluster message other than Done yields
// an *errors.ProtocolError.
func (c *Client) Listen(ctx context.Context) error {
	if c.ch == nil {
		return warperrors.ErrChannelUnavailable
	}
	defer c.stopOnce.Do(func() { close(c.stopped) })

	for {
		m, err := c.ch.Recv(ctx)
		if errors.Is(err, warperrors.ErrForeignPacket) {
			metrics.ForeignPacketCounter.Inc()
			c.log.Debug("skipping foreign packet")
			continue
		}
		if err != nil {
			if errors.Is(err, warperrors.ErrProtocolViolation) {
				metrics.ViolationCounter.Inc()
			}
			return err
		}
		done, ok := m.(protocol.Done)
		if !ok {
			metrics.ViolationCounter.Inc()
			return &warperrors.ProtocolError{Kind: byte(m.Kind()), Reason: "request received by worker"}
		}
		if !c.mux.Resolve(done) {
			c.late.Add(1)
			metrics.LateReplyCounter.Inc()
			c.log.WithField("id", done.ID).Debug("dropping late reply")
		}
	}
}

// Get fetches key from the primary.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d, err := c.call(ctx, "get", func(id uint64) protocol.Message {
		return protocol.Get{ID: id, Key: key}
	})
	if err != nil {
		return nil, false, err
	}
	return d.Value, d.Found, nil
}

// Set stores value at key on the primary for ttl. A zero ttl lets the
// primary apply its default.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.call(ctx, "set", func(id uint64) protocol.Message {
		return protocol.Set{ID: id, Key: key, Value: value, TTL: ttl}
	})
	return err
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	return c.mux.Len()
}

// LateReplies returns how many replies arrived after their request was
// abandoned.
func (c *Client) LateReplies() uint64 {
	return c.late.Load()
}

func (c *Client) call(ctx context.Context, op string, build func(id uint64) protocol.Message) (d protocol.Done, err error) {
	if c == nil || c.ch == nil {
		return d, warperrors.ErrChannelUnavailable
	}

	start := time.Now()
	var span trace.Span
	if c.tracing {
		ctx, span = tracer.Start(ctx, "Client."+op)
	}
	defer func() {
		result := metrics.ResultOK
		switch {
		case errors.Is(err, warperrors.ErrTimeout):
			result = metrics.ResultTimeout
			metrics.TimeoutCounter.Inc()
		case err != nil:
			result = metrics.ResultError
		}
		metrics.RequestCounter.WithLabelValues(op, result).Inc()
		metrics.RequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if span != nil {
			span.SetAttributes(attribute.String("warp.cluster.result", result))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}()

	budget := time.Duration(c.timeout.Load())
	ctx, cancel := context.WithTimeoutCause(ctx, budget, warperrors.ErrTimeout)
	defer cancel()

	id, wait := c.mux.Open()
	metrics.PendingGauge.Inc()
	defer func() {
		c.mux.Cancel(id)
		metrics.PendingGauge.Dec()
	}()
	if span != nil {
		span.SetAttributes(attribute.Int64("warp.cluster.id", int64(id)))
	}

	if err := c.ch.Send(ctx, build(id)); err != nil {
		if ctx.Err() != nil {
			return d, waitError(ctx)
		}
		return d, fmt.Errorf("rpc: send %s: %w", op, err)
	}

	select {
	case d = <-wait:
		if d.Err != "" {
			return d, &warperrors.RemoteError{Msg: d.Err}
		}
		return d, nil
	case <-c.stopped:
		return d, warperrors.ErrConnectionClosed
	case <-ctx.Done():
		c.log.WithFields(logrus.Fields{"id": id, "op": op}).Debug("request abandoned")
		return d, waitError(ctx)
	}
}

// waitError maps the end of a request context to the error returned to the
// caller: the request budget and caller deadlines both report
// errors.ErrTimeout, a caller cancellation reports context.Canceled.
func waitError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, warperrors.ErrTimeout):
		return warperrors.ErrTimeout
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", warperrors.ErrTimeout, cause)
	}
	return cause
}
