package remote

import (
	"context"
	"io"
	stdlog "log"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/store"
)

func newTestOCI(t *testing.T) *OCI {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(stdlog.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	o, err := NewOCI(host+"/snapshots", StaticAuthenticator{}, true, WithConcurrency(2))
	require.NoError(t, err)
	return o
}

func TestOCIBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestOCI(t)

	blob := store.BytesBlob([]byte("package main\n"))
	missing := hash.FromBytes([]byte("never uploaded"))

	present, err := o.Probe(ctx, []hash.Digest{blob.Digest, missing})
	require.NoError(t, err)
	assert.Empty(t, present)

	require.NoError(t, o.PutBlob(ctx, blob))
	require.NoError(t, o.PutBlob(ctx, blob), "re-upload is a no-op")

	present, err = o.Probe(ctx, []hash.Digest{blob.Digest, missing})
	require.NoError(t, err)
	assert.True(t, present.Has(blob.Digest))
	assert.False(t, present.Has(missing))

	rc, err := o.GetBlob(ctx, blob.Digest)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestOCIManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestOCI(t)

	data := []byte(`{"version":1}`)
	id := hash.FromBytes(data)

	ok, err := o.HasManifest(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = o.GetManifest(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, o.PutManifest(ctx, id, data))

	ok, err = o.HasManifest(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := o.GetManifest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOCIPutManifestRejectsWrongID(t *testing.T) {
	o := newTestOCI(t)
	err := o.PutManifest(context.Background(), hash.FromBytes([]byte("other")), []byte("data"))
	assert.ErrorIs(t, err, store.ErrDigestMismatch)
}

func TestTagForRoundTrip(t *testing.T) {
	id := hash.FromBytes([]byte("snapshot"))
	tag := TagFor(id)
	assert.True(t, strings.HasPrefix(tag, "snap-"))
	assert.LessOrEqual(t, len(tag), 128, "registry tags are limited to 128 chars")

	back, err := IDFromTag(tag)
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = IDFromTag("latest")
	assert.Error(t, err)
}
