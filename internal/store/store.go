// Package store defines the remote store the capture pipeline publishes to,
// plus the backends and wrappers that do not speak a network protocol.
//
// A store is append-only: content-addressed writes of the same address are
// idempotent no-ops, and nothing is ever deleted through this interface.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aweris/wcsnap/internal/hash"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDigestMismatch = errors.New("store: content does not match address")
)

// Blob is a content-addressed payload that can be opened more than once,
// so a retried upload re-reads it from the start.
type Blob struct {
	Digest hash.Digest
	Size   int64
	Open   func() (io.ReadCloser, error)
}

// Store handles remote content storage.
type Store interface {
	// Probe returns the subset of digests the store already holds.
	Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error)

	// PutBlob uploads a blob. The store must reject content that does not
	// hash to blob.Digest.
	PutBlob(ctx context.Context, blob Blob) error

	// GetBlob streams a blob.
	GetBlob(ctx context.Context, d hash.Digest) (io.ReadCloser, error)

	// HasManifest reports whether a snapshot manifest is published.
	HasManifest(ctx context.Context, id hash.Digest) (bool, error)

	// PutManifest publishes an encoded manifest under its id.
	PutManifest(ctx context.Context, id hash.Digest, data []byte) error

	// GetManifest fetches an encoded manifest.
	GetManifest(ctx context.Context, id hash.Digest) ([]byte, error)

	String() string
}

// TransientError marks a failure worth retrying (network, throttling,
// temporary server errors).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BytesBlob makes a Blob from an in-memory payload.
func BytesBlob(data []byte) Blob {
	return Blob{
		Digest: hash.FromBytes(data),
		Size:   int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
