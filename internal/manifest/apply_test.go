package manifest

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/wcsnap/internal/hash"
)

type mapFetcher map[hash.Digest][]byte

func (f mapFetcher) GetBlob(_ context.Context, d hash.Digest) (io.ReadCloser, error) {
	data, ok := f[d]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func blobs(contents ...string) mapFetcher {
	f := mapFetcher{}
	for _, c := range contents {
		f[hash.FromBytes([]byte(c))] = []byte(c)
	}
	return f
}

func TestApplyReconstructsDelta(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("foo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("gone"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d", "x"), []byte("x"), 0o644))

	f := blobs("bar", "baz", "#!/bin/sh\n", "a.txt", "d is a file now")
	m := &Manifest{
		Version: Version,
		Base:    "base1",
		Changes: []Change{
			{Path: "a.txt", Kind: Modified, Mode: Regular, Address: hash.FromBytes([]byte("bar"))},
			{Path: "b.txt", Kind: Added, Mode: Regular, Address: hash.FromBytes([]byte("baz"))},
			{Path: "bin/run", Kind: Untracked, Mode: Executable, Address: hash.FromBytes([]byte("#!/bin/sh\n"))},
			{Path: "c.txt", Kind: Removed, Mode: Regular},
			{Path: "d", Kind: Added, Mode: Regular, Address: hash.FromBytes([]byte("d is a file now"))},
			{Path: "d/x", Kind: Removed, Mode: Regular},
			{Path: "link", Kind: Added, Mode: Symlink, Address: hash.FromBytes([]byte("a.txt"))},
		},
	}

	require.NoError(t, Apply(context.Background(), m, f, dir))

	read := func(p string) string {
		data, err := os.ReadFile(filepath.Join(dir, p))
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "bar", read("a.txt"))
	assert.Equal(t, "baz", read("b.txt"))
	assert.Equal(t, "d is a file now", read("d"))
	assert.NoFileExists(t, filepath.Join(dir, "c.txt"))

	info, err := os.Stat(filepath.Join(dir, "bin", "run"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
}

func TestApplyRejectsCorruptBlob(t *testing.T) {
	dir := t.TempDir()
	addr := hash.FromBytes([]byte("expected"))
	f := mapFetcher{addr: []byte("tampered")}
	m := &Manifest{
		Version: Version,
		Base:    "base1",
		Changes: []Change{{Path: "a.txt", Kind: Added, Mode: Regular, Address: addr}},
	}

	err := Apply(context.Background(), m, f, dir)
	assert.ErrorIs(t, err, ErrCorruptBlob)
	assert.NoFileExists(t, filepath.Join(dir, "a.txt"))
}

func TestApplyRefusesToWriteThroughSymlink(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "restore")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))

	f := blobs(outside, "pwned")
	m := &Manifest{
		Version: Version,
		Base:    "base1",
		Changes: []Change{
			{Path: "esc", Kind: Added, Mode: Symlink, Address: hash.FromBytes([]byte(outside))},
			{Path: "esc/evil", Kind: Added, Mode: Regular, Address: hash.FromBytes([]byte("pwned"))},
		},
	}

	err := Apply(context.Background(), m, f, dir)
	assert.ErrorIs(t, err, ErrOutsideDir)
	assert.NoFileExists(t, filepath.Join(outside, "evil"))
}

func TestApplyRefusesExistingSymlinkedParent(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "restore")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "keep"), []byte("keep"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	f := blobs("pwned")
	for _, c := range []Change{
		{Path: "link/sub/evil", Kind: Added, Mode: Regular, Address: hash.FromBytes([]byte("pwned"))},
		{Path: "link/keep", Kind: Removed, Mode: Regular},
	} {
		m := &Manifest{Version: Version, Base: "base1", Changes: []Change{c}}
		err := Apply(context.Background(), m, f, dir)
		assert.ErrorIs(t, err, ErrOutsideDir, c.Path)
	}
	assert.NoDirExists(t, filepath.Join(outside, "sub"))
	assert.FileExists(t, filepath.Join(outside, "keep"))
}
