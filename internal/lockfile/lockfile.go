// Package lockfile parses, validates, and serializes deps.lock: the
// machine-maintained record of exactly which artifact satisfies each
// manifest entry. The shape mirrors a devcontainer-style lockfile (a map
// of normalized identifiers to a locked-version-with-integrity record)
// but is expressed in TOML, with the richer per-entry schema this domain
// needs (url/path/sha256/sha512/subdir/deps instead of
// version/resolved/integrity/dependsOn).
package lockfile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Entry records how a single identifier was resolved on the last
// successful reconcile.
type Entry struct {
	URL        string // non-empty for URL sources
	Path       string // non-empty for path sources
	SHA256     string
	SHA512     string
	Subdir     string
	TreeSHA256 string   // digest.OfTree of the installed directory, recorded at install time
	Deps       []string // sorted identifiers of transitive dependencies hoisted from this entry
}

// IsURL reports whether this entry locks a URL source.
func (e Entry) IsURL() bool { return e.URL != "" }

// Lock is the parsed deps.lock: identifier to locked entry.
type Lock struct {
	Entries map[string]Entry
}

// New returns an empty lock.
func New() *Lock {
	return &Lock{Entries: make(map[string]Entry)}
}

var allowedKeys = map[string]bool{
	"url": true, "path": true, "sha256": true, "sha512": true, "subdir": true,
	"tree_sha256": true, "deps": true,
}

// Parse decodes raw TOML bytes into a Lock.
func Parse(data []byte) (*Lock, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("lock: parse: %w", err)
	}
	l := New()
	for id, value := range raw {
		table, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("lock: %s: entry must be a table", id)
		}
		entry, err := parseEntry(table)
		if err != nil {
			return nil, fmt.Errorf("lock: %s: %w", id, err)
		}
		l.Entries[id] = entry
	}
	return l, nil
}

func parseEntry(t map[string]any) (Entry, error) {
	for key := range t {
		if !allowedKeys[key] {
			return Entry{}, fmt.Errorf("unknown key %q", key)
		}
	}
	str := func(key string) (string, error) {
		v, ok := t[key]
		if !ok {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%q must be a string", key)
		}
		return s, nil
	}
	var e Entry
	var err error
	if e.URL, err = str("url"); err != nil {
		return Entry{}, err
	}
	if e.Path, err = str("path"); err != nil {
		return Entry{}, err
	}
	if e.SHA256, err = str("sha256"); err != nil {
		return Entry{}, err
	}
	if e.SHA512, err = str("sha512"); err != nil {
		return Entry{}, err
	}
	if e.Subdir, err = str("subdir"); err != nil {
		return Entry{}, err
	}
	if e.TreeSHA256, err = str("tree_sha256"); err != nil {
		return Entry{}, err
	}
	if e.URL == "" && e.Path == "" {
		return Entry{}, fmt.Errorf("entry must have \"url\" or \"path\"")
	}
	if depsRaw, ok := t["deps"]; ok {
		depsList, ok := depsRaw.([]any)
		if !ok {
			return Entry{}, fmt.Errorf("\"deps\" must be a list of strings")
		}
		for _, d := range depsList {
			s, ok := d.(string)
			if !ok {
				return Entry{}, fmt.Errorf("\"deps\" must be a list of strings")
			}
			e.Deps = append(e.Deps, s)
		}
		sort.Strings(e.Deps)
	}
	return e, nil
}

// Load reads and parses the lock file at path. A missing file is not an
// error: it returns an empty lock, matching the "no lock" starting state
// documented for a fresh manifest.
func Load(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("lock: read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes the lock to path using the canonical serialization.
func (l *Lock) Save(path string) error {
	data := l.Serialize()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("lock: write %s: %w", path, err)
	}
	return nil
}

// Serialize renders the lock deterministically: identifiers in
// alphabetical order, and within each entry a fixed key order (url, path,
// sha256, sha512, subdir, tree_sha256, deps). Hand-written rather than produced by
// toml.Marshal of the whole document, because Marshal's map key ordering
// and per-field emission order are not something this format can leave
// to chance — two consecutive lock-mode runs on an unchanged manifest
// must produce byte-identical output.
func (l *Lock) Serialize() []byte {
	ids := make([]string, 0, len(l.Entries))
	for id := range l.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		e := l.Entries[id]
		fmt.Fprintf(&b, "[%s]\n", id)
		if e.URL != "" {
			fmt.Fprintf(&b, "url = %q\n", e.URL)
		}
		if e.Path != "" {
			fmt.Fprintf(&b, "path = %q\n", e.Path)
		}
		if e.SHA256 != "" {
			fmt.Fprintf(&b, "sha256 = %q\n", e.SHA256)
		}
		if e.SHA512 != "" {
			fmt.Fprintf(&b, "sha512 = %q\n", e.SHA512)
		}
		if e.Subdir != "" {
			fmt.Fprintf(&b, "subdir = %q\n", e.Subdir)
		}
		if e.TreeSHA256 != "" {
			fmt.Fprintf(&b, "tree_sha256 = %q\n", e.TreeSHA256)
		}
		if len(e.Deps) > 0 {
			deps := append([]string(nil), e.Deps...)
			sort.Strings(deps)
			quoted := make([]string, len(deps))
			for i, d := range deps {
				quoted[i] = fmt.Sprintf("%q", d)
			}
			fmt.Fprintf(&b, "deps = [%s]\n", strings.Join(quoted, ", "))
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// Get retrieves an entry by identifier.
func (l *Lock) Get(id string) (Entry, bool) {
	e, ok := l.Entries[id]
	return e, ok
}

// Set adds or replaces an entry.
func (l *Lock) Set(id string, e Entry) {
	l.Entries[id] = e
}

// Delete removes an entry.
func (l *Lock) Delete(id string) {
	delete(l.Entries, id)
}

// Equals compares two locks field by field, used to decide whether a
// rewrite actually changed anything (the determinism/idempotence checks).
func (l *Lock) Equals(other *Lock) bool {
	if l == nil || other == nil {
		return l == other
	}
	if len(l.Entries) != len(other.Entries) {
		return false
	}
	for id, e := range l.Entries {
		oe, ok := other.Entries[id]
		if !ok {
			return false
		}
		if e.URL != oe.URL || e.Path != oe.Path || e.SHA256 != oe.SHA256 ||
			e.SHA512 != oe.SHA512 || e.Subdir != oe.Subdir || e.TreeSHA256 != oe.TreeSHA256 {
			return false
		}
		if len(e.Deps) != len(oe.Deps) {
			return false
		}
		for i, d := range e.Deps {
			if d != oe.Deps[i] {
				return false
			}
		}
	}
	return true
}
