package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aweris/wcsnap/internal/hash"
)

// Memory is an in-process Store. It backs the "mem://" endpoint used for
// dry runs, and tests use it as a remote.
type Memory struct {
	mu        sync.RWMutex
	blobs     map[hash.Digest][]byte
	manifests map[hash.Digest][]byte

	blobPuts     atomic.Int64
	manifestPuts atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{
		blobs:     make(map[hash.Digest][]byte),
		manifests: make(map[hash.Digest][]byte),
	}
}

func (m *Memory) String() string { return "mem://" }

func (m *Memory) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	present := hash.NewSet()
	for _, d := range digests {
		if _, ok := m.blobs[d]; ok {
			present.Add(d)
		}
	}
	return present, nil
}

func (m *Memory) PutBlob(ctx context.Context, blob Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rc, err := blob.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if hash.FromBytes(data) != blob.Digest {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, blob.Digest.Short())
	}

	m.blobPuts.Add(1)
	m.mu.Lock()
	m.blobs[blob.Digest] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBlob(ctx context.Context, d hash.Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.blobs[d]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, d.Short())
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) HasManifest(ctx context.Context, id hash.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.manifests[id]
	return ok, nil
}

func (m *Memory) PutManifest(ctx context.Context, id hash.Digest, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hash.FromBytes(data) != id {
		return fmt.Errorf("%w: manifest %s", ErrDigestMismatch, id.Short())
	}
	m.manifestPuts.Add(1)
	m.mu.Lock()
	m.manifests[id] = bytes.Clone(data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetManifest(ctx context.Context, id hash.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.manifests[id]
	if !ok {
		return nil, fmt.Errorf("%w: manifest %s", ErrNotFound, id.Short())
	}
	return bytes.Clone(data), nil
}

// BlobPuts returns how many blob writes reached the store.
func (m *Memory) BlobPuts() int64 { return m.blobPuts.Load() }

// ManifestPuts returns how many manifest writes reached the store.
func (m *Memory) ManifestPuts() int64 { return m.manifestPuts.Load() }

// Len returns the number of distinct blobs held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
