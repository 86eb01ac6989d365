// Package manifest defines the snapshot manifest: the self-describing record
// of a working copy's delta from its base revision.
//
// A manifest references file content by address only. Its own identity is
// the address of its canonical encoding, so two captures of the same state
// produce the same snapshot id.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aweris/wcsnap/internal/hash"
)

// Version of the encoding produced by Encode.
const Version = 1

// MediaType identifies encoded manifests on remotes that carry media types.
const MediaType = "application/vnd.wcsnap.manifest.v1+json"

// Kind classifies a changed path relative to the base revision.
type Kind string

const (
	Modified  Kind = "modified"
	Added     Kind = "added"
	Removed   Kind = "removed"
	Untracked Kind = "untracked"
)

func (k Kind) valid() bool {
	switch k {
	case Modified, Added, Removed, Untracked:
		return true
	}
	return false
}

// HasContent reports whether changes of this kind carry an address.
func (k Kind) HasContent() bool { return k != Removed }

// Mode is the part of a file's mode that affects reconstruction.
type Mode string

const (
	Regular    Mode = "regular"
	Executable Mode = "executable"
	Symlink    Mode = "symlink"
)

func (m Mode) valid() bool {
	switch m {
	case Regular, Executable, Symlink:
		return true
	}
	return false
}

// Perm returns the permission bits written for regular files.
func (m Mode) Perm() uint32 {
	if m == Executable {
		return 0o755
	}
	return 0o644
}

// Change is one path that differs from the base revision.
type Change struct {
	Path    string      `json:"path"`
	Kind    Kind        `json:"kind"`
	Mode    Mode        `json:"mode"`
	Address hash.Digest `json:"address,omitempty"`
	Size    int64       `json:"size,omitempty"`
}

// MergeState records an unresolved merge. Record addresses the merge
// metadata blob (stage object ids and merge message).
type MergeState struct {
	Parents   []string    `json:"parents"`
	Conflicts []string    `json:"conflicts"`
	Record    hash.Digest `json:"record,omitempty"`
}

// Manifest is immutable once built; use Build to construct one.
type Manifest struct {
	Version   int         `json:"version"`
	Base      string      `json:"base"`
	Changes   []Change    `json:"changes"`
	Merge     *MergeState `json:"merge,omitempty"`
	Author    string      `json:"author"`
	Timestamp time.Time   `json:"timestamp"`
}

// Addresses returns every blob address the manifest references.
func (m *Manifest) Addresses() hash.Set {
	s := hash.NewSet()
	for _, c := range m.Changes {
		if c.Address != "" {
			s.Add(c.Address)
		}
	}
	if m.Merge != nil && m.Merge.Record != "" {
		s.Add(m.Merge.Record)
	}
	return s
}

// Encode returns the canonical encoding. Identical manifests always encode
// to identical bytes.
func Encode(m *Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// ID returns the snapshot id of an encoded manifest.
func ID(data []byte) hash.Digest { return hash.FromBytes(data) }

// Decode parses an encoded manifest and checks its structure. When want is
// non-empty the bytes must hash to it.
func Decode(data []byte, want hash.Digest) (*Manifest, error) {
	if want != "" && ID(data) != want {
		return nil, &ValidationError{Reason: fmt.Sprintf("manifest bytes do not match id %s", want)}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != Version {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported manifest version %d", m.Version)}
	}
	if err := validate(&m, m.Addresses()); err != nil {
		return nil, err
	}
	return &m, nil
}
