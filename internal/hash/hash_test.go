package hash

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesKnownValue(t *testing.T) {
	// sha256("bar")
	assert.Equal(t,
		Digest("sha256:fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9"),
		FromBytes([]byte("bar")))
}

func TestSameContentDifferentPaths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "nested", "b.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(b), 0755))
	require.NoError(t, os.WriteFile(a, []byte("hello world"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("hello world"), 0755))

	da, na, err := FromFile(a, false)
	require.NoError(t, err)
	db, nb, err := FromFile(b, false)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.Equal(t, int64(11), na)
	assert.Equal(t, na, nb)
	assert.Equal(t, FromBytes([]byte("hello world")), da)
}

func TestFromReaderStreamsLargeInput(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	d, n, err := FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, FromBytes(data), d)
}

func TestFromFileSymlinkHashesTarget(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink("target/file.txt", link))

	d, n, err := FromFile(link, true)
	require.NoError(t, err)
	assert.Equal(t, FromBytes([]byte("target/file.txt")), d)
	assert.Equal(t, int64(len("target/file.txt")), n)
}

func TestFromFileMissing(t *testing.T) {
	_, _, err := FromFile(filepath.Join(t.TempDir(), "missing"), false)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	hexPart := strings.Repeat("ab", 32)

	d, err := Parse(hexPart)
	require.NoError(t, err)
	assert.Equal(t, Digest(Prefix+hexPart), d)
	assert.Equal(t, hexPart[:12], d.Short())

	d2, err := Parse(Prefix + hexPart)
	require.NoError(t, err)
	assert.Equal(t, d, d2)

	_, err = Parse("sha256:xyz")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse(strings.Repeat("zz", 32))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(FromBytes([]byte("baz")))
	_, _ = v.Write([]byte("ba"))
	_, _ = v.Write([]byte("z"))
	assert.True(t, v.Verified())

	v = NewVerifier(FromBytes([]byte("baz")))
	_, _ = v.Write([]byte("bar"))
	assert.False(t, v.Verified())
}

func TestSet(t *testing.T) {
	a, b := FromBytes([]byte("a")), FromBytes([]byte("b"))
	s := NewSet(b)
	s.Merge(NewSet(a, b))
	assert.Len(t, s, 2)
	assert.True(t, s.Has(a))

	sorted := s.Sorted()
	require.Len(t, sorted, 2)
	assert.True(t, sorted[0] < sorted[1])
}
