package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShortFormURLVsPath(t *testing.T) {
	data := []byte(`
wasi-io = "https://example.com/wasi-io.tar.gz"
local-stuff = "../vendor/local-stuff"
`)
	m, err := Parse(data, "/repo/wit")
	require.NoError(t, err)

	require.Contains(t, m.Entries, "wasi-io")
	assert.Equal(t, KindURL, m.Entries["wasi-io"].Kind)
	assert.Equal(t, "https://example.com/wasi-io.tar.gz", m.Entries["wasi-io"].URL)

	require.Contains(t, m.Entries, "local-stuff")
	assert.Equal(t, KindPath, m.Entries["local-stuff"].Kind)
	assert.Equal(t, "../vendor/local-stuff", m.Entries["local-stuff"].Path)
}

func TestParseTableFormWithDigestsAndSubdir(t *testing.T) {
	sha256 := strings.Repeat("a", 64)
	sha512 := strings.Repeat("b", 128)
	data := []byte(`
pinned = { url = "https://example.com/x.tar.gz", sha256 = "` + sha256 + `", sha512 = "` + sha512 + `", subdir = "interfaces" }
`)
	m, err := Parse(data, ".")
	require.NoError(t, err)

	spec := m.Entries["pinned"]
	assert.Equal(t, KindURL, spec.Kind)
	assert.Equal(t, sha256, spec.SHA256)
	assert.Equal(t, sha512, spec.SHA512)
	assert.Equal(t, "interfaces", spec.Subdir)
	assert.Equal(t, "interfaces", spec.EffectiveSubdir())
}

func TestEffectiveSubdirDefaultsToWit(t *testing.T) {
	spec := SourceSpec{Kind: KindURL, URL: "https://example.com/x.tar.gz"}
	assert.Equal(t, "wit", spec.EffectiveSubdir())
}

func TestParseRejectsUnknownKey(t *testing.T) {
	data := []byte(`bad = { url = "https://example.com/x.tar.gz", bogus = "oops" }`)
	_, err := Parse(data, ".")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), `unknown key "bogus"`)
}

func TestParseRejectsURLAndPathTogether(t *testing.T) {
	data := []byte(`bad = { url = "https://example.com/x.tar.gz", path = "../x" }`)
	_, err := Parse(data, ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestParseRejectsPathWithDigest(t *testing.T) {
	data := []byte(`bad = { path = "../x", sha256 = "` + strings.Repeat("a", 64) + `" }`)
	_, err := Parse(data, ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `only meaningful with "url"`)
}

func TestParseRejectsBadDigestLength(t *testing.T) {
	data := []byte(`bad = { url = "https://example.com/x.tar.gz", sha256 = "tooshort" }`)
	_, err := Parse(data, ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestParseRejectsNonHexDigestOfCorrectLength(t *testing.T) {
	data := []byte(`bad = { url = "https://example.com/x.tar.gz", sha256 = "` + strings.Repeat("z", 64) + `" }`)
	_, err := Parse(data, ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestParseCollectsAllIssuesAtOnce(t *testing.T) {
	data := []byte(`
bad1 = { bogus = "x" }
bad2 = { url = "https://example.com", path = "../y" }
`)
	_, err := Parse(data, ".")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Issues, 2)
}

func TestResolvePathRelativeAndAbsolute(t *testing.T) {
	m := &Manifest{Dir: "/repo/wit"}
	assert.Equal(t, "/repo/vendor/x", m.ResolvePath(SourceSpec{Path: "../vendor/x"}))
	assert.Equal(t, "/abs/x", m.ResolvePath(SourceSpec{Path: "/abs/x"}))
}

func TestSerializeIsAlphabeticalAndRoundTrips(t *testing.T) {
	m := &Manifest{Entries: map[string]SourceSpec{
		"zeta":  {Kind: KindPath, Path: "../zeta"},
		"alpha": {Kind: KindURL, URL: "https://example.com/alpha.tar.gz"},
		"mid": {
			Kind:   KindURL,
			URL:    "https://example.com/mid.tar.gz",
			SHA256: strings.Repeat("c", 64),
			Subdir: "interfaces",
		},
	}}
	out := m.Serialize()
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "alpha ="))
	assert.True(t, strings.HasPrefix(lines[1], "mid ="))
	assert.True(t, strings.HasPrefix(lines[2], "zeta ="))
	assert.Contains(t, lines[1], "sha256 =")
	assert.Contains(t, lines[1], "subdir =")

	reparsed, err := Parse(out, ".")
	require.NoError(t, err)
	assert.Equal(t, m.Entries, reparsed.Entries)
}
