package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in transport.kind.
const (
	TransportStdio     = "stdio"
	TransportNATS      = "nats"
	TransportRedis     = "redis"
	TransportKafka     = "kafka"
	TransportWebSocket = "websocket"
)

// Default values for the cluster configuration.
const (
	DefaultTTL             = time.Hour
	DefaultRequestTimeout  = 5 * time.Second
	DefaultBreakerTimeout  = 5 * time.Second
	DefaultWebSocketAddr   = "127.0.0.1:7070"
	DefaultNATSURL         = "nats://127.0.0.1:4222"
	DefaultRedisAddr       = "127.0.0.1:6379"
	DefaultKafkaBroker     = "127.0.0.1:9092"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	envPrefix              = "WARP_CLUSTER_"
)

// Config is the configuration of a warp-cluster process. Both roles read the
// same file; forked workers inherit the primary's environment.
type Config struct {
	Cluster   ClusterConfig   `yaml:"cluster"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ClusterConfig holds cache and process settings.
type ClusterConfig struct {
	// Workers is the number of workers the primary forks. Zero means one
	// per CPU.
	Workers int `yaml:"workers"`

	// DefaultTTL applies to Sets without an explicit TTL (default 1h).
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// RequestTimeout bounds every worker request (default 5s).
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TransportConfig selects and configures the worker links.
type TransportConfig struct {
	// Kind is one of: stdio | nats | redis | kafka | websocket.
	Kind string `yaml:"kind"`

	NATSURL       string   `yaml:"nats_url"`
	RedisAddr     string   `yaml:"redis_addr"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	WebSocketAddr string   `yaml:"websocket_addr"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig wraps worker links in a circuit breaker when Failures is
// positive.
type BreakerConfig struct {
	Failures int           `yaml:"failures"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig controls the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig enables the stdout span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and WARP_CLUSTER_* environment variables, in that
// order of precedence from lowest to highest.
//
// envFiles are loaded into the environment first with godotenv. Without
// envFiles a ".env" in the working directory is loaded when present.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) > 0 {
		return godotenv.Load(files...)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Cluster: ClusterConfig{
			DefaultTTL:     DefaultTTL,
			RequestTimeout: DefaultRequestTimeout,
		},
		Transport: TransportConfig{
			Kind:          TransportStdio,
			NATSURL:       DefaultNATSURL,
			RedisAddr:     DefaultRedisAddr,
			KafkaBrokers:  []string{DefaultKafkaBroker},
			WebSocketAddr: DefaultWebSocketAddr,
			CircuitBreaker: BreakerConfig{
				Timeout: DefaultBreakerTimeout,
			},
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("TRANSPORT", &cfg.Transport.Kind)
	str("NATS_URL", &cfg.Transport.NATSURL)
	str("REDIS_ADDR", &cfg.Transport.RedisAddr)
	str("WEBSOCKET_ADDR", &cfg.Transport.WebSocketAddr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	if v := os.Getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.Transport.KafkaBrokers = strings.Split(v, ",")
	}
	if err := dur("DEFAULT_TTL", &cfg.Cluster.DefaultTTL); err != nil {
		return err
	}
	if err := dur("REQUEST_TIMEOUT", &cfg.Cluster.RequestTimeout); err != nil {
		return err
	}
	if v := os.Getenv(envPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", envPrefix, err)
		}
		cfg.Cluster.Workers = n
	}
	if v := os.Getenv(envPrefix + "TRACING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTRACING: %w", envPrefix, err)
		}
		cfg.Tracing.Enabled = b
	}
	return nil
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Cluster.Workers < 0 {
		return fmt.Errorf("cluster.workers must not be negative")
	}
	if cfg.Cluster.DefaultTTL <= 0 {
		return fmt.Errorf("cluster.default_ttl must be positive")
	}
	if cfg.Cluster.RequestTimeout <= 0 {
		return fmt.Errorf("cluster.request_timeout must be positive")
	}
	switch cfg.Transport.Kind {
	case TransportStdio, TransportNATS, TransportRedis, TransportWebSocket:
	case TransportKafka:
		if len(cfg.Transport.KafkaBrokers) == 0 {
			return fmt.Errorf("transport.kafka_brokers must not be empty")
		}
	default:
		return fmt.Errorf("transport.kind %q unknown: want stdio|nats|redis|kafka|websocket", cfg.Transport.Kind)
	}
	if cfg.Transport.CircuitBreaker.Failures < 0 {
		return fmt.Errorf("transport.circuit_breaker.failures must not be negative")
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q unknown: want json|text", cfg.Log.Format)
	}
	return nil
}

// WorkerCount returns the number of workers to fork.
func (c ClusterConfig) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Apply configures logger with the level and format of c.
func (c LogConfig) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
