// Package reconcile implements the orchestrator: given a manifest, an
// existing lock, and an on-disk deps tree, it decides per identifier
// whether to reuse, refetch, or reinstall, performs the fetch/verify/
// extract pipeline through the cache, discovers transitive dependencies
// via nested manifests, and writes the refreshed lock. The fallback-chain
// style (try what's already there, fall back to the cache, fall back to
// a fresh fetch) follows the teacher's prefetcher; the per-target update
// loop follows its manifest-update command.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wasm-deps/witdeps/internal/cache"
	"github.com/wasm-deps/witdeps/internal/digest"
	"github.com/wasm-deps/witdeps/internal/fetch"
	"github.com/wasm-deps/witdeps/internal/lockfile"
	"github.com/wasm-deps/witdeps/internal/logging"
	"github.com/wasm-deps/witdeps/internal/manifest"
	"github.com/wasm-deps/witdeps/internal/metrics"
	"github.com/wasm-deps/witdeps/internal/tarextract"
	"github.com/wasm-deps/witdeps/internal/witerr"
)

// Mode selects whether unpinned URL sources are re-probed.
type Mode int

const (
	// ModeLock trusts an existing lock's digests for unpinned URL
	// sources and never refetches them.
	ModeLock Mode = iota
	// ModeUpdate refetches every unpinned URL source unconditionally,
	// in case the server now serves different bytes.
	ModeUpdate
)

// maxDepth bounds transitive discovery, guarding against pathological or
// maliciously cyclic nested manifests.
const maxDepth = 16

// maxConcurrency bounds how many outbound fetches run at once within a
// single discovery wave.
var maxConcurrency = 8

// Reconciler owns one run's configuration.
type Reconciler struct {
	ManifestPath string
	LockPath     string
	DepsDir      string
	Cache        *cache.Disk
	Fetcher      *fetch.Client
	Mode         Mode
}

type job struct {
	id     string
	spec   manifest.SourceSpec
	origin string // human-readable provenance, for collision error messages
}

type jobResult struct {
	id       string
	entry    lockfile.Entry
	children []job
	origin   string
	err      error
}

// Run performs one full reconciliation and writes the lock if it
// changed. It returns the final lock.
func (r *Reconciler) Run(ctx context.Context) (*lockfile.Lock, error) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	topManifest, err := manifest.Load(r.ManifestPath)
	if err != nil {
		return nil, witerr.ParseErr("", err)
	}
	existingLock, err := lockfile.Load(r.LockPath)
	if err != nil {
		return nil, witerr.ParseErr("", err)
	}
	if err := os.MkdirAll(r.DepsDir, 0o755); err != nil {
		return nil, witerr.IOErr("", err)
	}

	resolved := make(map[string]lockfile.Entry)
	origins := make(map[string]string)
	visited := make(map[string]bool)
	// claimedKey/claimedOrigin record, across the whole run, which
	// resolutionKey first claimed an identifier. A later discovery of the
	// same identifier under a different resolutionKey can never merge (the
	// two specs already differ in exactly the fields sameResolution would
	// compare), so it is rejected here, before either job is ever queued
	// into a wave — otherwise two jobs resolving to different sources for
	// the same identifier could land in the same wave and race each other's
	// installURL/stageAndSwapCopy against the identical destDir.
	claimedKey := make(map[string]string)
	claimedOrigin := make(map[string]string)

	ids := sortedKeys(topManifest.Entries)
	wave := make([]job, 0, len(ids))
	for _, id := range ids {
		spec := topManifest.Entries[id]
		wave = append(wave, job{id: id, spec: spec, origin: "manifest"})
		claimedKey[id] = resolutionKey(spec)
		claimedOrigin[id] = "manifest"
	}

	for depth := 0; len(wave) > 0; depth++ {
		if depth >= maxDepth {
			return nil, witerr.LayoutErr("", fmt.Errorf("transitive dependency nesting exceeds max depth %d", maxDepth))
		}

		results, err := r.runWave(ctx, wave, existingLock)
		if err != nil {
			return nil, err
		}

		var next []job
		for _, res := range results {
			if res.err != nil {
				return nil, res.err
			}
			if prior, ok := resolved[res.id]; ok {
				if !sameResolution(prior, res.entry) {
					return nil, witerr.LayoutErr(res.id,
						fmt.Errorf("conflicting transitive sources for %q: %s resolved to %+v, but %s resolved to %+v",
							res.id, origins[res.id], prior, res.origin, res.entry))
				}
				continue // diamond: already resolved identically, nothing more to do
			}
			resolved[res.id] = res.entry
			origins[res.id] = res.origin
			for _, child := range res.children {
				childKey := resolutionKey(child.spec)
				if prevOrigin, claimed := claimedOrigin[child.id]; claimed {
					if prevOrigin == "manifest" {
						// A top-level manifest entry always wins on name
						// collision, silently: the transitive child is
						// dropped, not queued, and this is not an error.
						continue
					}
					if claimedKey[child.id] != childKey {
						return nil, witerr.LayoutErr(child.id,
							fmt.Errorf("conflicting transitive sources for %q: %s wants %s, but %s wants %s",
								child.id, prevOrigin, claimedKey[child.id], child.origin, childKey))
					}
				} else {
					claimedKey[child.id] = childKey
					claimedOrigin[child.id] = child.origin
				}
				key := child.id + "@" + childKey
				if visited[key] {
					continue
				}
				visited[key] = true
				next = append(next, child)
			}
		}
		wave = next
	}

	// Removal: anything in the old lock that is no longer reachable from
	// the current manifest (directly or transitively) is deleted.
	for id := range existingLock.Entries {
		if _, ok := resolved[id]; !ok {
			logging.Basicf("removing %s: no longer present in manifest", id)
			if err := os.RemoveAll(filepath.Join(r.DepsDir, id)); err != nil {
				return nil, witerr.IOErr(id, err)
			}
		}
	}

	newLock := &lockfile.Lock{Entries: resolved}
	if !newLock.Equals(existingLock) {
		if err := newLock.Save(r.LockPath); err != nil {
			return nil, witerr.IOErr("", err)
		}
	}
	return newLock, nil
}

// runWave executes every job in a discovery wave with bounded
// concurrency, returning one result per job. Concurrency is scoped to a
// single wave so that hoisting/collision resolution (done by the caller,
// sequentially, in wave order: sorted ids for the top-level wave, then
// parent order and sorted child ids for each later wave) always sees a consistent batch
// boundary: all of one wave's identifiers are claimed before any of the
// next wave's transitive discoveries are considered, which is what gives
// "top-level manifest entries always win" its guarantee.
func (r *Reconciler) runWave(ctx context.Context, wave []job, existingLock *lockfile.Lock) ([]jobResult, error) {
	results := make([]jobResult, len(wave))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, j := range wave {
		i, j := i, j
		g.Go(func() error {
			entry, children, err := r.processIdentifier(ctx, j, existingLock)
			results[i] = jobResult{id: j.id, entry: entry, children: children, origin: j.origin, err: err}
			return nil // errors are carried per-result, not propagated to the group
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, witerr.CancelledErr("", ctx.Err())
		}
		return nil, err
	}
	return results, nil
}

// processIdentifier applies the decision table for one identifier and
// returns its resolved lock entry plus any transitive children
// discovered inside its extracted tree.
func (r *Reconciler) processIdentifier(ctx context.Context, j job, existingLock *lockfile.Lock) (lockfile.Entry, []job, error) {
	if err := ctx.Err(); err != nil {
		return lockfile.Entry{}, nil, witerr.CancelledErr(j.id, err)
	}

	spec := j.spec
	destDir := filepath.Join(r.DepsDir, j.id)
	prior, hadPrior := existingLock.Get(j.id)

	needFetch, reason := decide(spec, prior, hadPrior, destDir, r.Mode)
	var entry lockfile.Entry

	switch spec.Kind {
	case manifest.KindURL:
		if needFetch {
			logging.Basicf("%s: %s", j.id, reason)
			fetchSpec := spec
			// In lock mode, an unpinned source reinstalled at its locked URL
			// uses the lock's digests as its pin, so installURL can restore it
			// from the cache and a cache-miss refetch must reproduce them.
			if hadPrior && r.Mode == ModeLock && spec.SHA256 == "" && spec.SHA512 == "" && prior.URL == spec.URL {
				fetchSpec.SHA256, fetchSpec.SHA512 = prior.SHA256, prior.SHA512
			}
			e, err := r.installURL(ctx, j.id, fetchSpec, destDir)
			if err != nil {
				return lockfile.Entry{}, nil, err
			}
			entry = e
		} else {
			entry = prior
			logging.Debugf("%s: reusing existing installation", j.id)
		}
	case manifest.KindPath:
		resolvedPath := spec.Path
		if !filepath.IsAbs(resolvedPath) {
			resolvedPath = filepath.Join(filepath.Dir(r.ManifestPath), spec.Path)
		}
		if needFetch {
			logging.Basicf("%s: %s", j.id, reason)
			if err := stageAndSwapCopy(resolvedPath, destDir); err != nil {
				return lockfile.Entry{}, nil, witerr.IOErr(j.id, err)
			}
		}
		entry = lockfile.Entry{Path: spec.Path}
		if !needFetch {
			entry.TreeSHA256 = prior.TreeSHA256
		}
	}

	// decide's tampered() check already walked and hashed destDir once for
	// the reuse case; recomputing here would hash every untouched,
	// already-migrated tree twice per run. Only a fresh install/reinstall
	// (content just changed) or a legacy entry predating TreeSHA256 (still
	// empty, needs backfilling) requires a fresh digest.OfTree call.
	if needFetch || entry.TreeSHA256 == "" {
		treeDigest, err := digest.OfTree(destDir)
		if err != nil {
			return lockfile.Entry{}, nil, witerr.IOErr(j.id, err)
		}
		entry.TreeSHA256 = treeDigest.SHA256
	}

	children, err := r.discoverChildren(j.id, spec, destDir)
	if err != nil {
		return lockfile.Entry{}, nil, err
	}
	childIDs := make([]string, 0, len(children))
	for _, c := range children {
		childIDs = append(childIDs, c.id)
	}
	sort.Strings(childIDs)
	entry.Deps = childIDs

	return entry, children, nil
}

// decide implements the per-identifier portion of the §4.6 decision
// table (everything except the "M absent" row, handled by the removal
// pass in Run, and the nested-manifest/hoisting rows, handled by
// discoverChildren and the caller).
func decide(spec manifest.SourceSpec, prior lockfile.Entry, hadPrior bool, destDir string, mode Mode) (bool, string) {
	if !hadPrior {
		return true, "no lock entry, fetching"
	}
	kindsDiffer := (spec.Kind == manifest.KindURL) != prior.IsURL()
	if kindsDiffer {
		return true, "source kind changed, refetching"
	}

	destExists := dirNonEmpty(destDir)

	switch spec.Kind {
	case manifest.KindURL:
		if spec.URL != prior.URL {
			return true, "url changed, refetching"
		}
		if spec.EffectiveSubdir() != effectivePriorSubdir(prior.Subdir) {
			return true, "subdir changed, reinstalling"
		}
		pin := digest.Pair{SHA256: spec.SHA256, SHA512: spec.SHA512}
		if !pin.Empty() && !pin.Equals(digest.Pair{SHA256: prior.SHA256, SHA512: prior.SHA512}) {
			return true, "pinned digest changed, refetching"
		}
		if !destExists {
			return true, "deps subdirectory missing, reinstalling"
		}
		if pin.Empty() && mode == ModeUpdate {
			return true, "update mode: re-probing unpinned url"
		}
		if tampered(destDir, prior.TreeSHA256) {
			return true, "installed content does not match the lock, reinstalling from cache"
		}
		return false, "reusing"
	case manifest.KindPath:
		if spec.Path != prior.Path {
			return true, "path changed, recopying"
		}
		if !destExists {
			return true, "deps subdirectory missing, recopying"
		}
		if tampered(destDir, prior.TreeSHA256) {
			return true, "installed content does not match the lock, recopying"
		}
		return false, "reusing"
	}
	return true, "unknown source kind"
}

// effectivePriorSubdir reconstructs the subdir a lock entry was installed
// with: Entry.Subdir only ever holds an explicit override (see
// installURL), so an empty value means the default was in effect.
func effectivePriorSubdir(recorded string) string {
	if recorded == "" {
		return manifest.DefaultSubdir
	}
	return recorded
}

func dirNonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// tampered reports whether the tree currently installed at dir no longer
// matches the digest recorded in the lock at install time. An entry
// written before TreeSHA256 existed has an empty value and is trusted as
// given, since there is nothing to compare against.
func tampered(dir, wantTreeSHA256 string) bool {
	if wantTreeSHA256 == "" {
		return false
	}
	got, err := digest.OfTree(dir)
	if err != nil {
		return true
	}
	return got.SHA256 != wantTreeSHA256
}

// installURL fetches (or reuses cached bytes for) a URL source, extracts
// the selected subdir into a staged sibling directory, and swaps it into
// place atomically.
func (r *Reconciler) installURL(ctx context.Context, id string, spec manifest.SourceSpec, destDir string) (lockfile.Entry, error) {
	want := digest.Pair{SHA256: spec.SHA256, SHA512: spec.SHA512}

	var data []byte
	var got digest.Pair

	// The cache is keyed by the tarball's SHA-256 hex digest alone (see
	// cache.Disk), so a lookup is only meaningful when sha256 is actually
	// pinned: a sha512-only pin leaves want.SHA256 empty, and Cache.Has
	// would slice that empty string for its shard prefix and panic.
	if want.SHA256 != "" && r.Cache.Has(want.SHA256) {
		rc, err := r.Cache.Open(want.SHA256)
		if err == nil {
			defer rc.Close()
			buf, readErr := io.ReadAll(rc)
			if readErr == nil {
				data = buf
				got = want
				metrics.CacheHitTotal.Inc()
			}
		}
	}

	if data == nil {
		metrics.CacheMissTotal.Inc()
		result, err := r.Fetcher.FetchURL(ctx, spec.URL, want)
		if err != nil {
			if errors.Is(err, fetch.ErrDigestMismatch) {
				metrics.FetchTotal.WithLabelValues("url", "integrity_error").Inc()
				return lockfile.Entry{}, witerr.IntegrityErr(id, err)
			}
			metrics.FetchTotal.WithLabelValues("url", "error").Inc()
			return lockfile.Entry{}, witerr.SourceErr(id, err)
		}
		metrics.FetchTotal.WithLabelValues("url", "ok").Inc()
		defer result.Body.Close()
		buf, err := io.ReadAll(result.Body)
		if err != nil {
			return lockfile.Entry{}, witerr.IOErr(id, err)
		}
		stored, err := r.Cache.Put(bytes.NewReader(buf), result.Digest)
		if err != nil {
			return lockfile.Entry{}, witerr.IOErr(id, err)
		}
		data = buf
		got = stored
	}

	subdir := spec.EffectiveSubdir()
	stagingDir := destDir + ".staging-" + randomSuffix()
	if err := os.RemoveAll(stagingDir); err != nil {
		return lockfile.Entry{}, witerr.IOErr(id, err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return lockfile.Entry{}, witerr.IOErr(id, err)
	}
	if err := tarextract.ExtractFromBytes(data, subdir, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return lockfile.Entry{}, witerr.LayoutErr(id, err)
	}
	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(stagingDir)
		return lockfile.Entry{}, witerr.IOErr(id, err)
	}
	if err := os.Rename(stagingDir, destDir); err != nil {
		os.RemoveAll(stagingDir)
		return lockfile.Entry{}, witerr.IOErr(id, err)
	}

	entry := lockfile.Entry{URL: spec.URL, SHA256: got.SHA256, SHA512: got.SHA512}
	if spec.Subdir != "" {
		entry.Subdir = spec.Subdir
	}
	return entry, nil
}

// stageAndSwapCopy copies src into a staged sibling of dst, then renames
// it into place, so a path source's install is atomic just like a URL
// source's.
func stageAndSwapCopy(src, dst string) error {
	staging := dst + ".staging-" + randomSuffix()
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := fetch.CopyDir(src, staging); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		os.RemoveAll(staging)
		return err
	}
	return os.Rename(staging, dst)
}

// discoverChildren looks for a nested deps.toml inside the just-installed
// dependency (inside its effective subdir for URL sources) and, if
// found, returns one job per entry, ready to be hoisted into the shared
// top-level namespace by the caller.
func (r *Reconciler) discoverChildren(parentID string, spec manifest.SourceSpec, destDir string) ([]job, error) {
	searchDir := destDir
	nestedManifestPath := filepath.Join(searchDir, "deps.toml")
	if _, err := os.Stat(nestedManifestPath); err != nil {
		return nil, nil
	}
	nested, err := manifest.Load(nestedManifestPath)
	if err != nil {
		return nil, witerr.ParseErr(parentID, err)
	}
	ids := sortedKeys(nested.Entries)
	children := make([]job, 0, len(ids))
	for _, id := range ids {
		children = append(children, job{
			id:     id,
			spec:   nested.Entries[id],
			origin: fmt.Sprintf("transitive via %s", parentID),
		})
	}
	return children, nil
}

// sameResolution reports whether two resolved entries for the same
// identifier name the same install, so a diamond dependency merges
// silently instead of raising a collision. Subdir is compared by its
// effective value, not the raw (possibly empty/default-implying) field,
// since an unset subdir and an explicit "wit" name the same install.
func sameResolution(a, b lockfile.Entry) bool {
	return a.URL == b.URL && a.Path == b.Path && a.SHA256 == b.SHA256 && a.SHA512 == b.SHA512 &&
		effectivePriorSubdir(a.Subdir) == effectivePriorSubdir(b.Subdir)
}

// resolutionKey identifies a source specification's install identity for
// the wave-level visited-set dedup, so two children hoisted from
// different parents with the same identifier but a different subdir
// selection are recognized as distinct installs rather than raced onto
// the same destDir.
func resolutionKey(spec manifest.SourceSpec) string {
	if spec.Kind == manifest.KindURL {
		subdir := spec.EffectiveSubdir()
		if spec.SHA256 != "" {
			return "sha256:" + spec.SHA256 + "@" + subdir
		}
		if spec.SHA512 != "" {
			return "sha512:" + spec.SHA512 + "@" + subdir
		}
		return "url:" + spec.URL + "@" + subdir
	}
	return "path:" + spec.Path
}

func sortedKeys(m map[string]manifest.SourceSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// randomSuffix gives concurrently-staged directories distinct names. It's
// derived from the process ID and an atomically-incrementing counter
// rather than a clock or PRNG, which is sufficient to avoid collisions
// between staging directories within one process run and keeps the
// package free of nondeterministic primitives.
var stagingCounter int64

func randomSuffix() string {
	n := atomic.AddInt64(&stagingCounter, 1)
	return fmt.Sprintf("%d-%d", os.Getpid(), n)
}
