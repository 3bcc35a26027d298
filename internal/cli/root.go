// Package cli implements witdeps' command-line interface: a cobra command
// tree wiring persistent global flags onto internal/config, and dispatching
// to the reconciler, content cache, and fetch client the way
// griffithind-dcx/internal/cli/root.go wires its own global flags onto
// internal/config before dispatching to subcommands.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wasm-deps/witdeps/internal/config"
	"github.com/wasm-deps/witdeps/internal/logging"
	"github.com/wasm-deps/witdeps/internal/witerr"
)

// Persistent global flags, merged onto config.DefaultConfig() in that
// order: defaults, config file, WITDEPS_LOGGING, then these flag overrides (only the ones
// the user actually set on the command line take precedence).
var (
	flagManifestPath string
	flagLockPath     string
	flagDepsPath     string
	flagCacheDir     string
	flagLogLevel     string
	flagMetricsAddr  string
	flagConfigFile   string
)

var cfg config.GlobalConfig

var rootCmd = &cobra.Command{
	Use:   "witdeps",
	Short: "A dependency manager for WIT packages",
	Long: `witdeps resolves, fetches, and locks WebAssembly Interface Type
(WIT) package dependencies declared in a deps.toml manifest, the way a
lockfile-based package manager resolves a dependency tree: it reconciles
the manifest against an existing deps.lock and the on-disk deps
directory, fetching or reinstalling only what changed.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	// Invoked bare (no subcommand), witdeps reconciles in lock mode, the
	// documented default command.
	RunE: func(cmd *cobra.Command, args []string) error {
		return lockCmd.RunE(cmd, args)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(flagConfigFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyFlagOverrides(cmd, &loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		logging.SetLevel(logging.FromString(cfg.LogLevel))
		return nil
	},
}

// applyFlagOverrides copies only explicitly-set flags onto cfg, so an
// unset flag never clobbers a value that came from the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.GlobalConfig) {
	flags := cmd.Flags()
	if flags.Changed("manifest") {
		cfg.ManifestPath = flagManifestPath
	}
	if flags.Changed("lock") {
		cfg.LockPath = flagLockPath
	}
	if flags.Changed("deps") {
		cfg.DepsPath = flagDepsPath
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = flagCacheDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
}

// Execute runs the root command. It is called once from cmd/witdeps/main.go.
// An error is reformatted into a one-line "identifier: class: cause"
// message when it carries a witerr class, the way the teacher's
// cmdhelper.FatalFmt prints a single line rather than a Go %+v dump.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if e, ok := witerr.As(err); ok {
		return fmt.Errorf("%s", e.Error())
	}
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagManifestPath, "manifest", "", "path to deps.toml (default: wit/deps.toml)")
	pf.StringVar(&flagLockPath, "lock", "", "path to deps.lock (default: wit/deps.lock)")
	pf.StringVar(&flagDepsPath, "deps", "", "path to the deps tree (default: wit/deps)")
	pf.StringVar(&flagCacheDir, "cache-dir", "", "path to the content cache (default: ~/.cache/witdeps)")
	pf.StringVar(&flagLogLevel, "log-level", "", `log level: "error", "warning", "basic", or "debug" (default: basic)`)
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	pf.StringVar(&flagConfigFile, "config", "", "path to a witdeps JSON config file (default: .witdeps.json if present)")

	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(tarCmd)
	rootCmd.AddCommand(watchCmd)
}
