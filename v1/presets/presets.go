package presets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warp-cluster/v1/config"
	"github.com/mirkobrombin/go-warp-cluster/v1/core"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
)

// ErrStdioLinks is returned by NewLinks for the stdio transport, whose
// links are created by the supervisor when it forks workers.
var ErrStdioLinks = errors.New("presets: stdio links are created by the supervisor")

// Links opens the two ends of worker links over a network transport. The
// primary calls Primary for every worker it expects, before that worker
// starts sending; each worker calls Worker with its own id.
type Links interface {
	Primary(ctx context.Context, workerID string) (transport.Channel, error)
	Worker(ctx context.Context, workerID string) (transport.Channel, error)
	Close() error
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewLinks builds the links selected by cfg. Links are wrapped in a circuit
// breaker when cfg.CircuitBreaker.Failures is positive.
func NewLinks(cfg config.TransportConfig) (Links, error) {
	var (
		l   Links
		err error
	)
	switch cfg.Kind {
	case config.TransportNATS:
		l, err = NewNATSLinks(cfg.NATSURL)
	case config.TransportRedis:
		l = NewRedisLinks(RedisOptions{Addr: cfg.RedisAddr})
	case config.TransportKafka:
		l, err = NewKafkaLinks(cfg.KafkaBrokers)
	case config.TransportWebSocket:
		l = NewWebSocketLinks(cfg.WebSocketAddr)
	case config.TransportStdio:
		return nil, ErrStdioLinks
	default:
		return nil, fmt.Errorf("presets: unknown transport %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.Failures > 0 {
		l = &breakerLinks{Links: l, failures: cfg.CircuitBreaker.Failures, timeout: cfg.CircuitBreaker.Timeout}
	}
	return l, nil
}

// NATSLinks carries worker links over NATS subjects.
type NATSLinks struct {
	conn *nats.Conn
}

// NewNATSLinks connects to the NATS server at url.
func NewNATSLinks(url string) (*NATSLinks, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("presets: nats connect: %w", err)
	}
	return &NATSLinks{conn: conn}, nil
}

func (l *NATSLinks) Primary(_ context.Context, id string) (transport.Channel, error) {
	return transport.NewNATSChannel(l.conn, id, transport.SidePrimary)
}

func (l *NATSLinks) Worker(_ context.Context, id string) (transport.Channel, error) {
	return transport.NewNATSChannel(l.conn, id, transport.SideWorker)
}

// Close closes the NATS connection.
func (l *NATSLinks) Close() error {
	l.conn.Close()
	return nil
}

// RedisLinks carries worker links over Redis pub/sub channels.
type RedisLinks struct {
	client *redis.Client
}

// NewRedisLinks creates a Redis client for opts.
func NewRedisLinks(opts RedisOptions) *RedisLinks {
	return &RedisLinks{client: redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

func (l *RedisLinks) Primary(ctx context.Context, id string) (transport.Channel, error) {
	return transport.NewRedisChannel(ctx, l.client, id, transport.SidePrimary)
}

func (l *RedisLinks) Worker(ctx context.Context, id string) (transport.Channel, error) {
	return transport.NewRedisChannel(ctx, l.client, id, transport.SideWorker)
}

// Close closes the Redis client.
func (l *RedisLinks) Close() error {
	return l.client.Close()
}

// KafkaLinks carries worker links over Kafka topics.
type KafkaLinks struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
}

// NewKafkaLinks connects a producer and a consumer to brokers.
func NewKafkaLinks(brokers []string) (*KafkaLinks, error) {
	cfg := transport.NewKafkaConfig()
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("presets: kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("presets: kafka consumer: %w", err)
	}
	return NewKafkaLinksFrom(producer, consumer), nil
}

// NewKafkaLinksFrom uses an existing producer and consumer, which Close
// then owns.
func NewKafkaLinksFrom(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaLinks {
	return &KafkaLinks{producer: producer, consumer: consumer}
}

func (l *KafkaLinks) Primary(_ context.Context, id string) (transport.Channel, error) {
	return transport.NewKafkaChannel(l.producer, l.consumer, id, transport.SidePrimary)
}

func (l *KafkaLinks) Worker(_ context.Context, id string) (transport.Channel, error) {
	return transport.NewKafkaChannel(l.producer, l.consumer, id, transport.SideWorker)
}

// Close closes the producer and the consumer.
func (l *KafkaLinks) Close() error {
	return errors.Join(l.producer.Close(), l.consumer.Close())
}

// WebSocketLinks carries worker links over WebSocket connections to an HTTP
// server run by the primary.
type WebSocketLinks struct {
	addr     string
	listener *transport.WebSocketListener

	once   sync.Once
	srv    *http.Server
	bound  string
	srvErr error
}

// NewWebSocketLinks returns links served on, or dialed to, addr.
func NewWebSocketLinks(addr string) *WebSocketLinks {
	return &WebSocketLinks{addr: addr, listener: transport.NewWebSocketListener()}
}

func (l *WebSocketLinks) listen() error {
	l.once.Do(func() {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			l.srvErr = fmt.Errorf("presets: websocket listen: %w", err)
			return
		}
		l.bound = ln.Addr().String()
		l.srv = &http.Server{Handler: l.listener}
		go func() { _ = l.srv.Serve(ln) }()
	})
	return l.srvErr
}

// Addr returns the address workers dial: the bound address once the
// primary listens, the configured one otherwise.
func (l *WebSocketLinks) Addr() string {
	if l.bound != "" {
		return l.bound
	}
	return l.addr
}

// Primary announces id and returns a channel that becomes usable once the
// worker has connected.
func (l *WebSocketLinks) Primary(ctx context.Context, id string) (transport.Channel, error) {
	if err := l.listen(); err != nil {
		return nil, err
	}
	l.listener.Expect(id)
	return newAcceptedChannel(ctx, l.listener, id), nil
}

func (l *WebSocketLinks) Worker(ctx context.Context, id string) (transport.Channel, error) {
	return transport.DialWebSocket(ctx, "ws://"+l.Addr()+"/", id)
}

// Close stops the HTTP server, if any, and releases pending accepts.
func (l *WebSocketLinks) Close() error {
	l.listener.Close()
	if l.srv != nil {
		return l.srv.Close()
	}
	return nil
}

type breakerLinks struct {
	Links
	failures int
	timeout  time.Duration
}

func (b *breakerLinks) Worker(ctx context.Context, id string) (transport.Channel, error) {
	ch, err := b.Links.Worker(ctx, id)
	if err != nil {
		return nil, err
	}
	return transport.NewCircuitBreaker(ch, b.failures, b.timeout), nil
}

// NewStandalone returns a primary with no workers, useful for local
// development or single process use.
func NewStandalone[T any](opts ...core.Option[T]) (*core.Memory[T], error) {
	m := core.New[T](core.RolePrimary, opts...)
	if err := m.Init(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// NewLocalCluster returns a primary and n workers linked by in-process
// pipes.
func NewLocalCluster[T any](ctx context.Context, n int, opts ...core.Option[T]) (*core.Memory[T], []*core.Memory[T], error) {
	primary := core.New[T](core.RolePrimary, opts...)
	links := make([]transport.Channel, 0, n)
	workers := make([]*core.Memory[T], 0, n)
	for i := 0; i < n; i++ {
		p, w := transport.NewPipe()
		worker := core.New[T](core.RoleWorker, opts...)
		if err := worker.Init(ctx, w); err != nil {
			return nil, nil, err
		}
		links = append(links, p)
		workers = append(workers, worker)
	}
	if err := primary.Init(ctx, links...); err != nil {
		return nil, nil, err
	}
	return primary, workers, nil
}
