package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/metrics"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
)

// Store is the primary's view of the authoritative store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Server is the primary side of the protocol. It answers requests arriving
// on worker channels from a single store.
type Server struct {
	store Store

	// dispatch serializes request handling across every worker.
	dispatch sync.Mutex

	log         *logrus.Entry
	onViolation func(error)
	tracing     bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger used by the server.
func WithServerLogger(l *logrus.Entry) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithViolationHandler sets the function called when a worker sends a
// message outside the protocol. The default logs the error.
func WithViolationHandler(fn func(error)) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.onViolation = fn
		}
	}
}

// WithServerTracing enables OpenTelemetry spans around request handling.
func WithServerTracing() ServerOption {
	return func(s *Server) {
		s.tracing = true
	}
}

// NewServer returns a server answering from store.
func NewServer(store Store, opts ...ServerOption) *Server {
	s := &Server{
		store: store,
		log:   logrus.WithField("component", "rpc.server"),
	}
	s.onViolation = func(err error) {
		s.log.WithError(err).Error("protocol violation")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve answers requests arriving on ch until ctx is done, the worker hangs
// up or the worker violates the protocol. Replies go back on ch only.
//
// A hang-up returns nil. Packets foreign to the cluster protocol are
// skipped. A violation runs the violation handler and is returned as an
// *errors.ProtocolError.
func (s *Server) Serve(ctx context.Context, ch transport.Channel) error {
	metrics.WorkerGauge.Inc()
	defer metrics.WorkerGauge.Dec()

	for {
		m, err := ch.Recv(ctx)
		if errors.Is(err, warperrors.ErrForeignPacket) {
			metrics.ForeignPacketCounter.Inc()
			s.log.Debug("skipping foreign packet")
			continue
		}
		if err != nil {
			return s.recvError(err)
		}
		reply, err := s.handle(ctx, m)
		if err != nil {
			return s.recvError(err)
		}
		if err := ch.Send(ctx, reply); err != nil {
			if errors.Is(err, warperrors.ErrConnectionClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) recvError(err error) error {
	switch {
	case errors.Is(err, warperrors.ErrConnectionClosed):
		return nil
	case errors.Is(err, warperrors.ErrProtocolViolation):
		metrics.ViolationCounter.Inc()
		s.onViolation(err)
	}
	return err
}

// ServeAll serves every channel concurrently and returns the first error.
// A failing channel stops the others.
func (s *Server) ServeAll(ctx context.Context, chans ...transport.Channel) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range chans {
		ch := ch
		g.Go(func() error {
			return s.Serve(ctx, ch)
		})
	}
	return g.Wait()
}

func (s *Server) handle(ctx context.Context, m protocol.Message) (protocol.Done, error) {
	if s.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Server."+m.Kind().String(),
			trace.WithAttributes(attribute.Int64("warp.cluster.id", int64(m.CorrelationID()))))
		defer span.End()
	}
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	switch req := m.(type) {
	case protocol.Get:
		metrics.ServedCounter.WithLabelValues("get").Inc()
		v, found, err := s.store.Get(ctx, req.Key)
		if err != nil {
			return protocol.Done{ID: req.ID, Err: err.Error()}, nil
		}
		return protocol.Done{ID: req.ID, Value: v, Found: found}, nil

	case protocol.Set:
		metrics.ServedCounter.WithLabelValues("set").Inc()
		if err := s.store.Set(ctx, req.Key, req.Value, req.TTL); err != nil {
			s.log.WithError(err).WithField("key", req.Key).Warn("set rejected")
			return protocol.Done{ID: req.ID, Err: err.Error()}, nil
		}
		return protocol.Done{ID: req.ID}, nil
	}
	return protocol.Done{}, &warperrors.ProtocolError{Kind: byte(m.Kind()), Reason: "reply received by primary"}
}
