package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "warp-cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
cluster:
  workers: 3
  default_ttl: 10m
  request_timeout: 2s
transport:
  kind: nats
  nats_url: "nats://example:4222"
  circuit_breaker:
    failures: 5
    timeout: 1s
log:
  level: debug
  format: json
metrics:
  addr: ":9100"
tracing:
  enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Cluster.Workers)
	require.Equal(t, 10*time.Minute, cfg.Cluster.DefaultTTL)
	require.Equal(t, 2*time.Second, cfg.Cluster.RequestTimeout)
	require.Equal(t, TransportNATS, cfg.Transport.Kind)
	require.Equal(t, "nats://example:4222", cfg.Transport.NATSURL)
	require.Equal(t, 5, cfg.Transport.CircuitBreaker.Failures)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, ":9100", cfg.Metrics.Addr)
	require.True(t, cfg.Tracing.Enabled)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, cfg.Cluster.DefaultTTL)
	require.Equal(t, DefaultRequestTimeout, cfg.Cluster.RequestTimeout)
	require.Equal(t, TransportStdio, cfg.Transport.Kind)
	require.Equal(t, runtime.NumCPU(), cfg.Cluster.WorkerCount())
	require.Empty(t, cfg.Metrics.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "transport:\n  kind: nats\n")
	t.Setenv("WARP_CLUSTER_TRANSPORT", "kafka")
	t.Setenv("WARP_CLUSTER_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("WARP_CLUSTER_DEFAULT_TTL", "30s")
	t.Setenv("WARP_CLUSTER_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, TransportKafka, cfg.Transport.Kind)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Transport.KafkaBrokers)
	require.Equal(t, 30*time.Second, cfg.Cluster.DefaultTTL)
	require.Equal(t, 2, cfg.Cluster.WorkerCount())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("WARP_CLUSTER_REQUEST_TIMEOUT=750ms\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WARP_CLUSTER_REQUEST_TIMEOUT") })

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	require.Equal(t, 750*time.Millisecond, cfg.Cluster.RequestTimeout)

	_, err = Load("", filepath.Join(dir, "missing.env"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown transport": "transport:\n  kind: carrier-pigeon\n",
		"negative ttl":      "cluster:\n  default_ttl: -1s\n",
		"zero timeout":      "cluster:\n  request_timeout: 0s\n",
		"bad level":         "log:\n  level: loud\n",
		"bad format":        "log:\n  format: xml\n",
		"negative workers":  "cluster:\n  workers: -1\n",
		"bad yaml":          "cluster: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), content))
			require.Error(t, err)
		})
	}
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("WARP_CLUSTER_DEFAULT_TTL", "soon")
	_, err := Load("")
	require.Error(t, err)
}

func TestLogConfigApply(t *testing.T) {
	logger := logrus.New()
	require.NoError(t, LogConfig{Level: "warn", Format: "json"}.Apply(logger))
	require.Equal(t, logrus.WarnLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	require.True(t, isJSON)
}

func TestWatch_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "cluster:\n  default_ttl: 1m\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, func(c *Config) { changes <- c })
	}()

	deadline := time.After(3 * time.Second)
	for {
		// Rewrite until the watcher is armed and reports the change.
		require.NoError(t, os.WriteFile(path, []byte("cluster:\n  default_ttl: 2m\n"), 0o600))
		select {
		case cfg := <-changes:
			// A truncating write may be observed half done.
			if cfg.Cluster.DefaultTTL == 2*time.Minute {
				return
			}
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatch_MissingFile(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), func(*Config) {})
	require.Error(t, err)
}
