package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wasm-deps/witdeps/internal/cache"
	"github.com/wasm-deps/witdeps/internal/config"
	"github.com/wasm-deps/witdeps/internal/lockfile"
)

var tarOutputPath string

var tarCmd = &cobra.Command{
	Use:   "tar <identifier>",
	Short: "Write out the cached gzip tarball for a locked URL dependency",
	Long: `tar writes the exact gzip tarball bytes that were fetched for a
locked URL dependency, read back from the content cache by the digest
recorded in deps.lock. Since the cache is content-addressed and the
fetched bytes are never transcoded, the written file is byte-for-byte
identical to what the upstream URL served — it is not a repack of the
extracted tree, which would require a second, reproducible archive
writer and could not make that guarantee.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identifier := args[0]
		if tarOutputPath == "" {
			return fmt.Errorf("--output is required")
		}

		lock, err := lockfile.Load(config.SubstituteHome(cfg.LockPath))
		if err != nil {
			return fmt.Errorf("load lock: %w", err)
		}
		entry, ok := lock.Get(identifier)
		if !ok {
			return fmt.Errorf("%s: no such identifier in %s", identifier, cfg.LockPath)
		}
		if !entry.IsURL() {
			return fmt.Errorf("%s: is a path dependency, not a fetched tarball", identifier)
		}

		diskCache, err := cache.NewDisk(config.SubstituteHome(cfg.CacheDir))
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		rc, err := diskCache.Open(entry.SHA256)
		if err != nil {
			return fmt.Errorf("%s: not present in cache (run lock or update first): %w", identifier, err)
		}
		defer rc.Close()

		out, err := os.OpenFile(tarOutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", tarOutputPath, err)
		}
		defer out.Close()
		if _, err := io.Copy(out, rc); err != nil {
			return fmt.Errorf("write %s: %w", tarOutputPath, err)
		}
		return out.Close()
	},
}

func init() {
	tarCmd.Flags().StringVar(&tarOutputPath, "output", "", "path to write the tarball to (required)")
}
