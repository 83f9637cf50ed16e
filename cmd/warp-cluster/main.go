package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-warp-cluster/v1/config"
	"github.com/mirkobrombin/go-warp-cluster/v1/core"
	warperrors "github.com/mirkobrombin/go-warp-cluster/v1/errors"
	"github.com/mirkobrombin/go-warp-cluster/v1/metrics"
	"github.com/mirkobrombin/go-warp-cluster/v1/presets"
	"github.com/mirkobrombin/go-warp-cluster/v1/supervisor"
	"github.com/mirkobrombin/go-warp-cluster/v1/transport"
)

const (
	demoKey       = "test"
	printInterval = 100 * time.Millisecond
	maxWorkerNap  = 10 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logrus.StandardLogger()
	if err := cfg.Log.Apply(logger); err != nil {
		logrus.WithError(err).Fatal("configure logger")
	}

	role := supervisor.RoleFromEnv()
	log := logrus.WithFields(logrus.Fields{"role": role.String(), "pid": os.Getpid()})
	if id := supervisor.WorkerID(); id != "" {
		log = log.WithField("worker", id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []core.Option[string]{
		core.WithTTL[string](cfg.Cluster.DefaultTTL),
		core.WithTimeout[string](cfg.Cluster.RequestTimeout),
		core.WithLogger[string](log),
	}
	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			log.WithError(err).Fatal("setup tracing")
		}
		defer shutdown()
		opts = append(opts, core.WithTracing[string]())
	}

	if role == core.RolePrimary {
		err = runPrimary(ctx, log, cfg, *cfgPath, opts)
	} else {
		err = runWorker(ctx, log, cfg, *cfgPath, opts)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("exiting")
	}
}

// setupTracing installs a stdout span exporter. Spans go to stderr because
// stdout carries protocol frames on stdio workers.
func setupTracing() (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }, nil
}

func runPrimary(ctx context.Context, log *logrus.Entry, cfg *config.Config, cfgPath string, opts []core.Option[string]) error {
	reg := metrics.NewRegistry()
	metrics.RegisterClusterMetrics(reg)
	opts = append(opts, core.WithMetrics[string](reg))
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server")
			}
		}()
		defer srv.Close()
	}

	m := core.New[string](core.RolePrimary, opts...)
	defer m.Close()
	if err := m.Init(ctx); err != nil {
		return err
	}

	n := cfg.Cluster.WorkerCount()
	stdio := cfg.Transport.Kind == config.TransportStdio
	sup := supervisor.New(supervisor.WithStdio(stdio), supervisor.WithLogger(log.WithField("component", "supervisor")))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(stopCtx)
	}()

	if stdio {
		workers, err := sup.Fork(ctx, n)
		if err != nil {
			return err
		}
		for _, w := range workers {
			if err := m.Attach(w.Channel); err != nil {
				return err
			}
		}
	} else {
		links, err := presets.NewLinks(cfg.Transport)
		if err != nil {
			return err
		}
		defer links.Close()
		for i := 0; i < n; i++ {
			id := uuid.NewString()
			ch, err := links.Primary(ctx, id)
			if err != nil {
				return err
			}
			if err := m.Attach(ch); err != nil {
				return err
			}
			if _, err := sup.Spawn(ctx, id); err != nil {
				return err
			}
		}
	}
	log.WithFields(logrus.Fields{"workers": n, "transport": cfg.Transport.Kind}).Info("cluster started")

	watchConfig(ctx, log, cfgPath, m)

	ticker := time.NewTicker(printInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			v, ok, err := m.Get(ctx, demoKey)
			switch {
			case err != nil:
				log.WithError(err).Warn("get")
			case !ok:
				fmt.Println("<absent>")
			default:
				fmt.Println(v)
			}
		}
	}
}

func runWorker(ctx context.Context, log *logrus.Entry, cfg *config.Config, cfgPath string, opts []core.Option[string]) error {
	var ch transport.Channel
	if cfg.Transport.Kind == config.TransportStdio {
		ch = supervisor.WorkerChannel()
	} else {
		links, err := presets.NewLinks(cfg.Transport)
		if err != nil {
			return err
		}
		defer links.Close()
		ch, err = links.Worker(ctx, supervisor.WorkerID())
		if err != nil {
			return err
		}
	}

	m := core.New[string](core.RoleWorker, opts...)
	defer m.Close()
	if err := m.Init(ctx, ch); err != nil {
		return err
	}
	watchConfig(ctx, log, cfgPath, m)

	for {
		value, err := randomHex(4)
		if err != nil {
			return err
		}
		if err := m.Set(ctx, demoKey, value, 0); err != nil {
			if errors.Is(err, warperrors.ErrConnectionClosed) {
				log.Info("primary gone, exiting")
				return nil
			}
			log.WithError(err).Warn("set")
		} else {
			log.WithField("value", value).Debug("set")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mrand.N(maxWorkerNap)):
		}
	}
}

// watchConfig applies reloaded defaults to m. The primary picks up the
// default TTL, workers their request budget.
func watchConfig(ctx context.Context, log *logrus.Entry, path string, m *core.Memory[string]) {
	if path == "" {
		return
	}
	go func() {
		err := config.Watch(ctx, path, func(c *config.Config) {
			m.SetDefaults(c.Cluster.DefaultTTL, c.Cluster.RequestTimeout)
			_ = c.Log.Apply(logrus.StandardLogger())
		})
		if err != nil {
			log.WithError(err).Warn("config watch stopped")
		}
	}()
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
