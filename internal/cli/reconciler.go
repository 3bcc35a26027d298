package cli

import (
	"context"
	"fmt"

	"github.com/wasm-deps/witdeps/internal/cache"
	"github.com/wasm-deps/witdeps/internal/config"
	"github.com/wasm-deps/witdeps/internal/fetch"
	"github.com/wasm-deps/witdeps/internal/logging"
	"github.com/wasm-deps/witdeps/internal/metrics"
	"github.com/wasm-deps/witdeps/internal/reconcile"
)

// newReconciler builds a Reconciler from the merged global config. It is
// shared by the lock, update, and watch subcommands, each of which starts
// the metrics server itself via serveMetricsInBackground.
func newReconciler(cfg config.GlobalConfig, mode reconcile.Mode) (*reconcile.Reconciler, error) {
	diskCache, err := cache.NewDisk(config.SubstituteHome(cfg.CacheDir))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	fetcher, err := fetch.NewClient(fetch.ProxyConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("build fetch client: %w", err)
	}
	return &reconcile.Reconciler{
		ManifestPath: config.SubstituteHome(cfg.ManifestPath),
		LockPath:     config.SubstituteHome(cfg.LockPath),
		DepsDir:      config.SubstituteHome(cfg.DepsPath),
		Cache:        diskCache,
		Fetcher:      fetcher,
		Mode:         mode,
	}, nil
}

// serveMetricsInBackground starts the metrics HTTP server (if configured)
// and returns a function to stop it, the way the teacher's mount command
// starts FUSE serving in a goroutine and tears it down on shutdown.
func serveMetricsInBackground(ctx context.Context, addr string) (stop func()) {
	if addr == "" {
		return func() {}
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := metrics.Serve(serveCtx, addr); err != nil {
			logging.Errorf("metrics server: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
