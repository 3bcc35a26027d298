package witerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesIdentifierAndClass(t *testing.T) {
	err := IntegrityErr("wasi-io", errors.New("digest mismatch"))
	assert.Equal(t, "wasi-io: integrity: digest mismatch", err.Error())
}

func TestErrorMessageWithoutIdentifier(t *testing.T) {
	err := ParseErr("", errors.New("bad toml"))
	assert.Equal(t, "parse: bad toml", err.Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := SourceErr("x", cause)
	assert.ErrorIs(t, err, cause)
}

func TestAsFindsWrappedError(t *testing.T) {
	inner := LayoutErr("x", errors.New("conflict"))
	wrapped := fmt.Errorf("reconcile failed: %w", inner)

	found, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, Layout, found.Class)
	assert.Equal(t, "x", found.Identifier)
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}

func TestEachConstructorSetsItsClass(t *testing.T) {
	cause := errors.New("x")
	cases := []struct {
		err   *Error
		class Class
	}{
		{ParseErr("a", cause), Parse},
		{SourceErr("a", cause), Source},
		{IntegrityErr("a", cause), Integrity},
		{LayoutErr("a", cause), Layout},
		{IOErr("a", cause), IO},
		{CancelledErr("a", cause), Cancelled},
	}
	for _, c := range cases {
		assert.Equal(t, c.class, c.err.Class)
	}
}
