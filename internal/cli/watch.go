package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/wasm-deps/witdeps/internal/logging"
	"github.com/wasm-deps/witdeps/internal/reconcile"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the manifest and re-run lock-mode reconciliation on every change",
	Long: `watch runs an initial lock-mode reconciliation, then watches the
manifest file for writes and reruns reconciliation on each change, the
way a build tool's watch mode reruns on source changes. It exits only on
error or on context cancellation (Ctrl-C).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler(cfg, reconcile.ModeLock)
		if err != nil {
			return err
		}
		stop := serveMetricsInBackground(cmd.Context(), cfg.MetricsAddr)
		defer stop()

		if _, err := r.Run(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "watching for manifest changes, press Ctrl-C to stop")

		notifyWatcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		defer notifyWatcher.Close()

		// fsnotify watches directories, not individual files, so that it
		// keeps working across editors that write-then-rename rather than
		// write-in-place.
		manifestDir := filepath.Dir(cfg.ManifestPath)
		manifestAbs, err := filepath.Abs(cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		if err := notifyWatcher.Add(manifestDir); err != nil {
			return fmt.Errorf("watch: %w", err)
		}

		ctx := cmd.Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-notifyWatcher.Events:
				if !ok {
					return nil
				}
				eventAbs, err := filepath.Abs(event.Name)
				if err != nil || eventAbs != manifestAbs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				logging.Basicf("manifest changed, reconciling")
				if _, err := r.Run(ctx); err != nil {
					logging.Errorf("reconcile: %v", err)
				}
			case watchErr, ok := <-notifyWatcher.Errors:
				if !ok {
					return nil
				}
				if errors.Is(watchErr, fsnotify.ErrEventOverflow) {
					logging.Warningf("watch: event queue overflowed, some changes may have been missed")
					continue
				}
				return fmt.Errorf("watch: %w", watchErr)
			}
		}
	},
}
