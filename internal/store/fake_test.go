package store

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/aweris/wcsnap/internal/hash"
)

var errDown = errors.New("connection refused")

// flakyStore wraps Memory and fails operations on demand.
type flakyStore struct {
	*Memory
	name      string
	probeErr  error
	putErr    error
	probes    atomic.Int64
	putCalled atomic.Int64
}

func newFlaky(name string) *flakyStore {
	return &flakyStore{Memory: NewMemory(), name: name}
}

func (f *flakyStore) String() string { return f.name }

func (f *flakyStore) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	f.probes.Add(1)
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return f.Memory.Probe(ctx, digests)
}

func (f *flakyStore) PutBlob(ctx context.Context, blob Blob) error {
	f.putCalled.Add(1)
	if f.putErr != nil {
		return f.putErr
	}
	return f.Memory.PutBlob(ctx, blob)
}

func (f *flakyStore) PutManifest(ctx context.Context, id hash.Digest, data []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Memory.PutManifest(ctx, id, data)
}
