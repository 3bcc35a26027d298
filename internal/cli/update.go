package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wasm-deps/witdeps/internal/reconcile"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Reconcile the deps tree, re-probing every unpinned URL source",
	Long: `update performs the same reconciliation as lock, except every
unpinned URL source is refetched unconditionally, in case the server now
serves different bytes. Pinned sources (sha256/sha512 set in the
manifest) behave identically to lock mode: a pin is only ever trusted,
never silently re-verified against a different upstream byte stream
without the manifest changing first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newReconciler(cfg, reconcile.ModeUpdate)
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
