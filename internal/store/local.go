package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aweris/wcsnap/internal/compression"
	"github.com/aweris/wcsnap/internal/hash"
)

// LocalStore implements Store on a filesystem path, typically a shared
// mount or a directory synced elsewhere.
//
// Storage layout:
//
//	basePath/
//	  blobs/
//	    ab/cd123...  (zstd-compressed content, keyed by sha256)
//	  manifests/
//	    ab/cd123...  (encoded manifests, uncompressed)
//
// Objects are written to a temp file and renamed into place, so readers
// never observe a partial object and concurrent writers of the same
// address are harmless.
type LocalStore struct {
	basePath string
	codec    *compression.Codec
}

func NewLocalStore(basePath string, compressionLevel int, compressionEnabled bool) (*LocalStore, error) {
	for _, dir := range []string{"blobs", "manifests"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &LocalStore{
		basePath: basePath,
		codec:    compression.NewCodec(compressionLevel, compressionEnabled),
	}, nil
}

func (s *LocalStore) String() string { return "file://" + s.basePath }

func (s *LocalStore) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	present := hash.NewSet()
	for _, d := range digests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := exists(s.objectPath("blobs", d))
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", d.Short(), err)
		}
		if ok {
			present.Add(d)
		}
	}
	return present, nil
}

func (s *LocalStore) PutBlob(ctx context.Context, blob Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rc, err := blob.Open()
	if err != nil {
		return fmt.Errorf("open blob %s: %w", blob.Digest.Short(), err)
	}
	defer rc.Close()

	return s.writeObject(s.objectPath("blobs", blob.Digest), func(w io.Writer) error {
		cw, err := s.codec.Writer(w)
		if err != nil {
			return err
		}
		v := hash.NewVerifier(blob.Digest)
		if _, err := io.Copy(io.MultiWriter(cw, v), rc); err != nil {
			cw.Close()
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		if !v.Verified() {
			return fmt.Errorf("%w: %s", ErrDigestMismatch, blob.Digest.Short())
		}
		return nil
	})
}

func (s *LocalStore) GetBlob(ctx context.Context, d hash.Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.objectPath("blobs", d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, d.Short())
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	r, err := s.codec.Reader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decompress object: %w", err)
	}
	return readCloser{Reader: r, close: func() error {
		r.Close()
		return f.Close()
	}}, nil
}

func (s *LocalStore) HasManifest(ctx context.Context, id hash.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return exists(s.objectPath("manifests", id))
}

func (s *LocalStore) PutManifest(ctx context.Context, id hash.Digest, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hash.FromBytes(data) != id {
		return fmt.Errorf("%w: manifest %s", ErrDigestMismatch, id.Short())
	}
	return s.writeObject(s.objectPath("manifests", id), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (s *LocalStore) GetManifest(ctx context.Context, id hash.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.objectPath("manifests", id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest %s", ErrNotFound, id.Short())
		}
		return nil, err
	}
	return data, nil
}

func (s *LocalStore) writeObject(path string, fill func(io.Writer) error) error {
	if ok, err := exists(path); err == nil && ok {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// objectPath returns the filesystem path for an address.
// Git-style sharding: blobs/ab/cd123...
func (s *LocalStore) objectPath(kind string, d hash.Digest) string {
	h := d.Hex()
	if len(h) < 2 {
		return filepath.Join(s.basePath, kind, h)
	}
	return filepath.Join(s.basePath, kind, h[:2], h[2:])
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }
