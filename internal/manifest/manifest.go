// Package manifest parses, validates, and serializes deps.toml: the
// human-authored declaration of a package's WIT dependencies.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/wasm-deps/witdeps/internal/digest"
)

// Kind discriminates the two shapes a source specification can take.
type Kind int

const (
	KindURL Kind = iota
	KindPath
)

// SourceSpec is the discriminated union described in the data model: a
// dependency is satisfied either by fetching a URL (optionally pinned to
// one or both digests, with an optional subdir override) or by reading a
// local path verbatim.
type SourceSpec struct {
	Kind Kind

	// URL fields.
	URL    string
	SHA256 string
	SHA512 string
	Subdir string // default "wit" when empty and Kind == KindURL

	// Path fields.
	Path string
}

// DefaultSubdir is used whenever a URL source does not specify one.
const DefaultSubdir = "wit"

// EffectiveSubdir returns Subdir, defaulted.
func (s SourceSpec) EffectiveSubdir() string {
	if s.Kind != KindURL || s.Subdir == "" {
		return DefaultSubdir
	}
	return s.Subdir
}

// Manifest is the parsed deps.toml: identifier to source specification.
// Go maps have no defined iteration order, which is fine here — ordering
// is a serialization concern only, and Serialize always sorts keys
// alphabetically, per spec.
type Manifest struct {
	Entries map[string]SourceSpec
	// Dir is the directory the manifest file lives in; Path sources are
	// resolved relative to it.
	Dir string
}

// ValidationError collects every problem found while validating a
// manifest, so a user sees every issue in one pass instead of iterating.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "manifest validation failed:\n  " + strings.Join(e.Issues, "\n  ")
}

var allowedTableKeys = map[string]bool{
	"url": true, "path": true, "sha256": true, "sha512": true, "subdir": true,
}

// Parse decodes raw TOML bytes into a Manifest. It decodes into a generic
// map first because a manifest value is either a bare string or a table,
// a union go-toml's struct-tag decoding cannot express directly; strict
// unknown-key rejection on the table variant is then done by hand.
func Parse(data []byte, dir string) (*Manifest, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}

	m := &Manifest{Entries: make(map[string]SourceSpec, len(raw)), Dir: dir}
	var issues []string
	for id, value := range raw {
		spec, err := classify(value)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if err := spec.validate(); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		m.Entries[id] = spec
	}
	if len(issues) > 0 {
		sort.Strings(issues)
		return nil, &ValidationError{Issues: issues}
	}
	return m, nil
}

// Load reads and parses the manifest file at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

func classify(value any) (SourceSpec, error) {
	switch v := value.(type) {
	case string:
		return classifyShortForm(v), nil
	case map[string]any:
		return classifyTable(v)
	default:
		return SourceSpec{}, fmt.Errorf("entry must be a string or a table, got %T", value)
	}
}

// classifyShortForm implements the "parseable as a URL with a scheme"
// rule: anything else is treated as a local path.
func classifyShortForm(s string) SourceSpec {
	if u, err := url.Parse(s); err == nil && u.Scheme != "" {
		return SourceSpec{Kind: KindURL, URL: s}
	}
	return SourceSpec{Kind: KindPath, Path: s}
}

func classifyTable(t map[string]any) (SourceSpec, error) {
	for key := range t {
		if !allowedTableKeys[key] {
			return SourceSpec{}, fmt.Errorf("unknown key %q", key)
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

	urlVal, err := str("url")
	if err != nil {
		return SourceSpec{}, err
	}
	pathVal, err := str("path")
	if err != nil {
		return SourceSpec{}, err
	}
	if urlVal == "" && pathVal == "" {
		return SourceSpec{}, errors.New("at least one of \"url\" or \"path\" is required")
	}
	if urlVal != "" && pathVal != "" {
		return SourceSpec{}, errors.New("\"url\" and \"path\" are mutually exclusive")
	}

	if pathVal != "" {
		if _, has := t["sha256"]; has {
			return SourceSpec{}, errors.New("\"sha256\" is only meaningful with \"url\"")
		}
		if _, has := t["sha512"]; has {
			return SourceSpec{}, errors.New("\"sha512\" is only meaningful with \"url\"")
		}
		if _, has := t["subdir"]; has {
			return SourceSpec{}, errors.New("\"subdir\" is only meaningful with \"url\"")
		}
		return SourceSpec{Kind: KindPath, Path: pathVal}, nil
	}

	sha256Val, err := str("sha256")
	if err != nil {
		return SourceSpec{}, err
	}
	sha512Val, err := str("sha512")
	if err != nil {
		return SourceSpec{}, err
	}
	subdirVal, err := str("subdir")
	if err != nil {
		return SourceSpec{}, err
	}
	return SourceSpec{
		Kind:   KindURL,
		URL:    urlVal,
		SHA256: sha256Val,
		SHA512: sha512Val,
		Subdir: subdirVal,
	}, nil
}

func (s SourceSpec) validate() error {
	switch s.Kind {
	case KindURL:
		if s.URL == "" {
			return errors.New("url source requires a non-empty url")
		}
		if s.SHA256 != "" && !digest.HexValid(s.SHA256, 32) {
			return errors.New("sha256 must be 64 hex characters")
		}
		if s.SHA512 != "" && !digest.HexValid(s.SHA512, 64) {
			return errors.New("sha512 must be 128 hex characters")
		}
	case KindPath:
		if s.Path == "" {
			return errors.New("path source requires a non-empty path")
		}
	}
	return nil
}

// ResolvePath returns a path source's location resolved against the
// manifest's directory.
func (m *Manifest) ResolvePath(s SourceSpec) string {
	if filepath.IsAbs(s.Path) {
		return s.Path
	}
	return filepath.Join(m.Dir, s.Path)
}

// Serialize writes the manifest back out in canonical form: identifiers
// in alphabetical order, short-form strings preserved as strings rather
// than expanded into tables, so a parse→serialize→parse round trip is
// stable.
func (m *Manifest) Serialize() []byte {
	ids := make([]string, 0, len(m.Entries))
	for id := range m.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		spec := m.Entries[id]
		switch spec.Kind {
		case KindPath:
			fmt.Fprintf(&b, "%s = %q\n", id, spec.Path)
		case KindURL:
			if spec.SHA256 == "" && spec.SHA512 == "" && spec.Subdir == "" {
				fmt.Fprintf(&b, "%s = %q\n", id, spec.URL)
				continue
			}
			fmt.Fprintf(&b, "%s = { url = %q", id, spec.URL)
			if spec.SHA256 != "" {
				fmt.Fprintf(&b, ", sha256 = %q", spec.SHA256)
			}
			if spec.SHA512 != "" {
				fmt.Fprintf(&b, ", sha512 = %q", spec.SHA512)
			}
			if spec.Subdir != "" {
				fmt.Fprintf(&b, ", subdir = %q", spec.Subdir)
			}
			b.WriteString(" }\n")
		}
	}
	return []byte(b.String())
}
