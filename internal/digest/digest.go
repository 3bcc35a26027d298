// Package digest computes and verifies the dual SHA-256/SHA-512 digests
// used to identify fetched content throughout witdeps.
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	ocidigest "github.com/opencontainers/go-digest"
)

// Pair holds both digests computed over the same byte stream.
type Pair struct {
	SHA256 string
	SHA512 string
}

// Empty reports whether neither hash has been set.
func (p Pair) Empty() bool {
	return p.SHA256 == "" && p.SHA512 == ""
}

// Equals compares two pairs field by field. Two pairs with only one
// algorithm populated each are considered equal only if that one
// algorithm matches; this mirrors the pinning rules in the manifest,
// where a source may pin sha256, sha512, both, or neither.
func (p Pair) Equals(other Pair) bool {
	if p.SHA256 != "" && other.SHA256 != "" && p.SHA256 != other.SHA256 {
		return false
	}
	if p.SHA512 != "" && other.SHA512 != "" && p.SHA512 != other.SHA512 {
		return false
	}
	return true
}

// Format renders the SHA-256 half as an OCI-style "algo:hex" string (the
// SHA-512 half when only that is set, "unpinned" when neither is) for
// human-facing output. It is never used for on-disk serialization.
func (p Pair) Format() string {
	if p.SHA256 == "" {
		if p.SHA512 == "" {
			return "unpinned"
		}
		return ocidigest.NewDigestFromEncoded("sha512", p.SHA512).String()
	}
	return ocidigest.NewDigestFromEncoded(ocidigest.SHA256, p.SHA256).String()
}

// Sink is an io.Writer that hashes everything written to it with both
// supported algorithms simultaneously, the way the downloader streams a
// response body through a fan-out of hash.Hash writers while also
// forwarding the bytes downstream (to a file, a gzip reader, and so on).
type Sink struct {
	w       io.Writer
	sha256  hash.Hash
	sha512  hash.Hash
	fanout  io.Writer
	written int64
}

// NewSink wraps dst so that writes are both hashed and forwarded to dst.
func NewSink(dst io.Writer) *Sink {
	s := &Sink{
		w:      dst,
		sha256: sha256.New(),
		sha512: sha512.New(),
	}
	s.fanout = io.MultiWriter(s.sha256, s.sha512, s.w)
	return s
}

func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.fanout.Write(p)
	s.written += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (s *Sink) Size() int64 { return s.written }

// Sum returns the digests accumulated so far, hex-lowercase, no prefix.
func (s *Sink) Sum() Pair {
	return Pair{
		SHA256: hex.EncodeToString(s.sha256.Sum(nil)),
		SHA512: hex.EncodeToString(s.sha512.Sum(nil)),
	}
}

// OfReader consumes r fully and returns both digests without retaining
// any of the content (used when verifying a file already written to
// disk, analogous to CheckContent in the teacher's integrity package).
func OfReader(r io.Reader) (Pair, error) {
	sink := NewSink(io.Discard)
	if _, err := io.Copy(sink, r); err != nil {
		return Pair{}, fmt.Errorf("digest: read: %w", err)
	}
	return sink.Sum(), nil
}

// Validate checks content read from r against a pinned pair. Fields left
// empty in want are not checked. An empty want always validates (used for
// unpinned short-form sources, where any content is accepted and its
// digest recorded instead of verified).
func Validate(r io.Reader, want Pair) (Pair, error) {
	got, err := OfReader(r)
	if err != nil {
		return Pair{}, err
	}
	if want.SHA256 != "" && got.SHA256 != want.SHA256 {
		return got, fmt.Errorf("digest: sha256 mismatch: want %s, got %s", want.SHA256, got.SHA256)
	}
	if want.SHA512 != "" && got.SHA512 != want.SHA512 {
		return got, fmt.Errorf("digest: sha512 mismatch: want %s, got %s", want.SHA512, got.SHA512)
	}
	return got, nil
}

// OfTree computes a digest over everything a reconcile cares about in an
// installed dependency directory: each regular file's path relative to
// root, its executable bit, and its content, walked in the deterministic
// lexical order filepath.Walk already guarantees. Two directories with
// identical structure and content hash identically regardless of mtime,
// owner, or which process wrote them, which is what lets decide() tell a
// tampered install apart from an untouched one without re-fetching.
func OfTree(root string) (Pair, error) {
	sink := NewSink(io.Discard)
	walkErr := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		exec := 0
		if info.Mode()&0o111 != 0 {
			exec = 1
		}
		fmt.Fprintf(sink, "%s\x00%d\x00", filepath.ToSlash(rel), exec)
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(sink, f)
		f.Close()
		if err != nil {
			return err
		}
		_, err = sink.Write([]byte{0})
		return err
	})
	if walkErr != nil {
		return Pair{}, fmt.Errorf("digest: tree %s: %w", root, walkErr)
	}
	return sink.Sum(), nil
}

// HexValid reports whether s looks like a lowercase hex digest of the
// given byte length (32 for sha256, 64 for sha512).
func HexValid(s string, byteLen int) bool {
	if len(s) != byteLen*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
