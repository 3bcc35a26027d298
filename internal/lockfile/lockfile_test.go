package lockfile

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyLock(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "deps.lock"))
	require.NoError(t, err)
	assert.Empty(t, l.Entries)
}

func TestParseRoundTrip(t *testing.T) {
	l := New()
	l.Set("wasi-io", Entry{URL: "https://example.com/wasi-io.tar.gz", SHA256: strings.Repeat("a", 64), Deps: []string{"wasi-clocks"}})
	l.Set("local-stuff", Entry{Path: "../vendor/local-stuff"})

	data := l.Serialize()
	reparsed, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, l.Equals(reparsed))
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte("[x]\nurl = \"https://example.com\"\nbogus = \"y\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "bogus"`)
}

func TestParseRequiresURLOrPath(t *testing.T) {
	_, err := Parse([]byte("[x]\nsha256 = \"" + strings.Repeat("a", 64) + "\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `must have "url" or "path"`)
}

func TestParseSortsDeps(t *testing.T) {
	l, err := Parse([]byte(`[x]
url = "https://example.com/x.tar.gz"
deps = ["zeta", "alpha"]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, l.Entries["x"].Deps)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deps.lock")
	l := New()
	l.Set("a", Entry{URL: "https://example.com/a.tar.gz"})
	require.NoError(t, l.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, l.Equals(loaded))
}

func TestSerializeIsAlphabeticalAndStable(t *testing.T) {
	l := New()
	l.Set("zeta", Entry{Path: "../zeta"})
	l.Set("alpha", Entry{URL: "https://example.com/alpha.tar.gz"})

	first := l.Serialize()
	second := l.Serialize()
	assert.Equal(t, first, second)

	lines := strings.Split(string(first), "\n")
	assert.Equal(t, "[alpha]", lines[0])
}

func TestEqualsDetectsDepsOrderDifference(t *testing.T) {
	a := New()
	a.Set("x", Entry{URL: "https://example.com/x", Deps: []string{"a", "b"}})
	b := New()
	b.Set("x", Entry{URL: "https://example.com/x", Deps: []string{"b", "a"}})
	assert.False(t, a.Equals(b))
}

func TestIsURL(t *testing.T) {
	assert.True(t, Entry{URL: "https://example.com"}.IsURL())
	assert.False(t, Entry{Path: "../x"}.IsURL())
}

func TestGetSetDelete(t *testing.T) {
	l := New()
	_, ok := l.Get("missing")
	assert.False(t, ok)

	l.Set("x", Entry{URL: "https://example.com"})
	e, ok := l.Get("x")
	require.True(t, ok)
	assert.Equal(t, "https://example.com", e.URL)

	l.Delete("x")
	_, ok = l.Get("x")
	assert.False(t, ok)
}
