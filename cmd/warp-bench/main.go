package main

import (
	"context"
	"flag"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirkobrombin/go-warp-cluster/v1/core"
	"github.com/mirkobrombin/go-warp-cluster/v1/presets"
	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

var (
	workers     = flag.Int("w", 4, "Number of in-process workers")
	concurrency = flag.Int("c", 50, "Number of concurrent clients per worker")
	requests    = flag.Int("n", 100000, "Total number of requests")
	dataSize    = flag.Int("d", 256, "Data size in bytes")
)

func main() {
	flag.Parse()

	log := logrus.WithField("component", "bench")
	log.WithFields(logrus.Fields{
		"requests":    *requests,
		"workers":     *workers,
		"concurrency": *concurrency,
		"payload":     *dataSize,
	}).Info("starting benchmark")

	ctx := context.Background()
	primary, ws, err := presets.NewLocalCluster[[]byte](ctx, *workers,
		core.WithCodec[[]byte](protocol.ByteCodec{}))
	if err != nil {
		log.WithError(err).Fatal("setup failed")
	}
	defer primary.Close()

	key := "bench_key"
	val := make([]byte, *dataSize)
	for i := range val {
		val[i] = 'x'
	}
	if err := primary.Set(ctx, key, val, time.Hour); err != nil {
		log.WithError(err).Fatal("setup failed")
	}

	var wg sync.WaitGroup
	var ops, errorsCount atomic.Int64

	start := time.Now()
	clients := *workers * *concurrency
	reqsPerClient := *requests / clients

	for _, w := range ws {
		for i := 0; i < *concurrency; i++ {
			wg.Add(1)
			go func(w *core.Memory[[]byte]) {
				defer wg.Done()
				for j := 0; j < reqsPerClient; j++ {
					if _, _, err := w.Get(ctx, key); err != nil {
						errorsCount.Add(1)
					}
					ops.Add(1)
				}
			}(w)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)
	for _, w := range ws {
		_ = w.Close()
	}

	n := ops.Load()
	fields := logrus.Fields{
		"elapsed":     elapsed,
		"throughput":  float64(n) / elapsed.Seconds(),
		"avg_latency": time.Duration(float64(elapsed) / float64(n)),
		"errors":      errorsCount.Load(),
	}
	log.WithFields(fields).Info("finished")
}
