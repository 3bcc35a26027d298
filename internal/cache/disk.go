// Package cache is a content-addressed store for fetched dependency
// tarballs, laid out the way the teacher's
// local disk CAS lays out blobs: one subdirectory per two-hex-character
// digest prefix, staging files created alongside and only renamed into
// place once their content has been validated against the expected
// digest.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wasm-deps/witdeps/internal/digest"
)

// Disk is a local content-addressable store rooted at a directory.
type Disk struct {
	rootDir string
}

// NewDisk creates (if necessary) and opens a Disk cache rooted at dir.
func NewDisk(dir string) (*Disk, error) {
	d := &Disk{rootDir: dir}
	if err := d.initialize(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) initialize() error {
	if err := os.MkdirAll(filepath.Join(d.rootDir, "cas"), 0o755); err != nil {
		return err
	}
	for i := 0; i < 256; i++ {
		if err := os.MkdirAll(filepath.Join(d.rootDir, "cas", fmt.Sprintf("%02x", i)), 0o755); err != nil {
			return err
		}
	}
	staging := filepath.Join(d.rootDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	// Clean up any staging files left behind by a killed previous run;
	// this assumes the cache directory is only used by one process at a
	// time, which the non-goals explicitly accept.
	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(staging, e.Name()))
	}
	return nil
}

// blobPath returns where content with the given SHA-256 hex digest is
// (or would be) stored.
func (d *Disk) blobPath(sha256Hex string) string {
	return filepath.Join(d.rootDir, "cas", sha256Hex[:2], sha256Hex)
}

// Has reports whether content with the given digest is present in the
// cache. It only checks that the blob file exists; Open re-validates
// the content.
func (d *Disk) Has(sha256Hex string) bool {
	info, err := os.Stat(d.blobPath(sha256Hex))
	return err == nil && !info.IsDir()
}

// Open returns a reader for cached content, re-validating its digest
// against the path it was stored under before returning — a cache that
// silently served corrupted bytes would be worse than no cache.
func (d *Disk) Open(sha256Hex string) (io.ReadCloser, error) {
	path := d.blobPath(sha256Hex)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	got, err := digest.OfReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cache: validate %s: %w", path, err)
	}
	if got.SHA256 != sha256Hex {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("cache: entry %s failed re-validation (evicted)", sha256Hex)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Put stores content read from src under its digest, computed while
// streaming, and returns the resulting pair. If want is non-empty, the
// computed digest must match it or the write is discarded.
func (d *Disk) Put(src io.Reader, want digest.Pair) (digest.Pair, error) {
	staging, err := os.CreateTemp(filepath.Join(d.rootDir, "staging"), "blob-")
	if err != nil {
		return digest.Pair{}, err
	}
	stagingPath := staging.Name()
	defer os.Remove(stagingPath)

	sink := digest.NewSink(staging)
	if _, err := io.Copy(sink, src); err != nil {
		staging.Close()
		return digest.Pair{}, fmt.Errorf("cache: write: %w", err)
	}
	if err := staging.Close(); err != nil {
		return digest.Pair{}, fmt.Errorf("cache: close staging file: %w", err)
	}

	got := sink.Sum()
	if !want.Empty() && !want.Equals(got) {
		return got, fmt.Errorf("cache: digest mismatch: expected %+v, got %+v", want, got)
	}

	finalPath := d.blobPath(got.SHA256)
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return digest.Pair{}, fmt.Errorf("cache: rename into place: %w", err)
	}
	return got, nil
}

// Root returns the cache's root directory, for diagnostics and tests.
func (d *Disk) Root() string { return d.rootDir }
