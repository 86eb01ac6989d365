// Package hash computes content addresses.
//
// An address is the SHA-256 of a blob's bytes in OCI digest notation
// ("sha256:<hex>"). Paths and file modes never contribute to the address,
// so identical content stored under two paths collapses to one blob.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

const (
	Prefix = "sha256:"

	hexLen  = 64
	bufSize = 32 * 1024
)

var ErrInvalid = errors.New("hash: invalid digest")

// Digest is a content address (e.g., "sha256:abc123...").
type Digest string

func (d Digest) String() string { return string(d) }

// Hex returns the digest without its algorithm prefix.
func (d Digest) Hex() string { return strings.TrimPrefix(string(d), Prefix) }

// Short returns the first 12 hex characters, for log lines and tags.
func (d Digest) Short() string {
	h := d.Hex()
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Validate reports whether d is a well-formed sha256 digest.
func (d Digest) Validate() error {
	h, ok := strings.CutPrefix(string(d), Prefix)
	if !ok || len(h) != hexLen {
		return fmt.Errorf("%w: %q", ErrInvalid, string(d))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalid, string(d))
	}
	return nil
}

// Parse accepts a digest with or without the "sha256:" prefix.
func Parse(s string) (Digest, error) {
	d := Digest(s)
	if !strings.HasPrefix(s, Prefix) {
		d = Digest(Prefix + s)
	}
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// FromBytes returns the address of data.
func FromBytes(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest(Prefix + hex.EncodeToString(h[:]))
}

// FromReader streams r through the digest and returns the address and the
// number of bytes read. Memory use does not depend on the stream length.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	buf := make([]byte, bufSize)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", n, err
	}
	return Digest(Prefix + hex.EncodeToString(h.Sum(nil))), n, nil
}

// FromFile hashes the file at path. For symlinks the address covers the
// link target, which is what a reconstruction writes back.
func FromFile(path string, symlink bool) (Digest, int64, error) {
	if symlink {
		target, err := os.Readlink(path)
		if err != nil {
			return "", 0, fmt.Errorf("readlink %s: %w", path, err)
		}
		return FromBytes([]byte(target)), int64(len(target)), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, n, err := FromReader(f)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}
	return d, n, nil
}

// Verifier hashes everything written to it so a stream can be checked
// against an expected address after the fact.
type Verifier struct {
	want Digest
	h    interface {
		io.Writer
		Sum([]byte) []byte
	}
}

func NewVerifier(want Digest) *Verifier {
	return &Verifier{want: want, h: sha256.New()}
}

func (v *Verifier) Write(p []byte) (int, error) { return v.h.Write(p) }

// Verified reports whether the bytes seen so far hash to the expected digest.
func (v *Verifier) Verified() bool {
	return Digest(Prefix+hex.EncodeToString(v.h.Sum(nil))) == v.want
}

// Set is an unordered collection of digests.
type Set map[Digest]struct{}

func NewSet(ds ...Digest) Set {
	s := make(Set, len(ds))
	for _, d := range ds {
		s[d] = struct{}{}
	}
	return s
}

func (s Set) Add(d Digest) { s[d] = struct{}{} }

func (s Set) Has(d Digest) bool {
	_, ok := s[d]
	return ok
}

// Merge adds every digest of o to s.
func (s Set) Merge(o Set) {
	for d := range o {
		s[d] = struct{}{}
	}
}

// Sorted returns the digests in lexical order.
func (s Set) Sorted() []Digest {
	out := make([]Digest, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}
