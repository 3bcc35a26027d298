// Package metrics exposes prometheus counters and histograms for
// fetches, cache hits/misses, and reconcile duration, namespaced the way
// the teacher's registry namespaces its storage/middleware metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "witdeps"

var (
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_total",
		Help:      "Number of dependency fetch attempts, by source kind and result.",
	}, []string{"kind", "result"})

	CacheHitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hit_total",
		Help:      "Number of source fetches satisfied from the local content cache.",
	})

	CacheMissTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_miss_total",
		Help:      "Number of source fetches that required a network round trip.",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Wall-clock duration of a full reconcile run.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Serve starts a metrics HTTP server on addr, exposing /metrics, and
// blocks until ctx is cancelled. If addr is empty, Serve returns
// immediately and does nothing — metrics are opt-in via --metrics-addr.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
