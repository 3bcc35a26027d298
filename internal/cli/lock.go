package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wasm-deps/witdeps/internal/reconcile"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Reconcile the deps tree against the manifest and lock, trusting unpinned digests already in the lock",
	Long: `lock reconciles the on-disk deps tree against deps.toml and
deps.lock. Unpinned URL sources already recorded in the lock are trusted
as-is and never re-probed; this is the default, fast mode, suitable for
CI and everyday builds where reproducing exactly what was locked is the
goal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler(cfg, reconcile.ModeLock)
		if err != nil {
			return err
		}
		stop := serveMetricsInBackground(cmd.Context(), cfg.MetricsAddr)
		defer stop()

		lock, err := r.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "resolved %d dependencies\n", len(lock.Entries))
		return nil
	},
}
