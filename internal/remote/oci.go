package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/manifest"
	"github.com/aweris/wcsnap/internal/store"
)

// OCIOption configures an OCI store.
type OCIOption func(*OCI)

// WithConcurrency sets the number of parallel registry requests per call.
func WithConcurrency(n int) OCIOption {
	return func(o *OCI) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTransport overrides the HTTP transport (proxies, tests).
func WithTransport(rt http.RoundTripper) OCIOption {
	return func(o *OCI) { o.transport = rt }
}

// OCI implements store.Store on an OCI distribution registry repository.
type OCI struct {
	repo        name.Repository
	auth        Authenticator
	concurrency int
	transport   http.RoundTripper
}

// NewOCI creates a store for a repository reference such as
// "ghcr.io/acme/snapshots". Plain-HTTP registries are allowed for
// localhost and when insecure is set.
func NewOCI(repository string, auth Authenticator, insecure bool, opts ...OCIOption) (*OCI, error) {
	var nameOpts []name.Option
	if insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	repo, err := name.NewRepository(repository, nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repository, err)
	}

	o := &OCI{repo: repo, auth: auth, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *OCI) String() string   { return "oci://" + o.repo.String() }
func (o *OCI) Registry() string { return o.repo.RegistryStr() }

func (o *OCI) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{
		remote.WithContext(ctx),
		remote.WithJobs(o.concurrency),
		authOption(o.auth, o.Registry()),
	}
	if o.transport != nil {
		options = append(options, remote.WithTransport(o.transport))
	}
	return options
}

// blobLayer implements v1.Layer over a store.Blob. Content is uploaded
// verbatim so the registry digest equals the content address.
type blobLayer struct {
	blob store.Blob
}

func (l *blobLayer) Digest() (v1.Hash, error) { return v1.NewHash(l.blob.Digest.String()) }
func (l *blobLayer) DiffID() (v1.Hash, error) { return l.Digest() }

func (l *blobLayer) Compressed() (io.ReadCloser, error)   { return l.blob.Open() }
func (l *blobLayer) Uncompressed() (io.ReadCloser, error) { return l.blob.Open() }
func (l *blobLayer) Size() (int64, error)                 { return l.blob.Size, nil }
func (l *blobLayer) MediaType() (types.MediaType, error) {
	return types.MediaType(blobMediaType), nil
}

// Probe issues one HEAD per digest against the blob endpoint.
func (o *OCI) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	var mu sync.Mutex
	present := hash.NewSet()

	p := pool.New().WithMaxGoroutines(o.concurrency).WithContext(ctx).WithCancelOnError()
	for _, d := range digests {
		d := d
		p.Go(func(ctx context.Context) error {
			ok, err := o.hasBlob(ctx, d)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				present.Add(d)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return present, nil
}

func (o *OCI) hasBlob(ctx context.Context, d hash.Digest) (bool, error) {
	layer, err := remote.Layer(o.repo.Digest(d.String()), o.remoteOptions(ctx)...)
	if err == nil {
		_, err = layer.Size()
	}
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classify("probe "+d.Short(), err)
}

func (o *OCI) PutBlob(ctx context.Context, blob store.Blob) error {
	err := remote.WriteLayer(o.repo, &blobLayer{blob: blob}, o.remoteOptions(ctx)...)
	return classify("put "+blob.Digest.Short(), err)
}

func (o *OCI) GetBlob(ctx context.Context, d hash.Digest) (io.ReadCloser, error) {
	layer, err := remote.Layer(o.repo.Digest(d.String()), o.remoteOptions(ctx)...)
	if err != nil {
		return nil, classify("get "+d.Short(), err)
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, classify("get "+d.Short(), err)
	}
	return rc, nil
}

func (o *OCI) HasManifest(ctx context.Context, id hash.Digest) (bool, error) {
	_, err := remote.Head(o.repo.Tag(TagFor(id)), o.remoteOptions(ctx)...)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classify("head manifest "+id.Short(), err)
}

// PutManifest pushes the encoded manifest as the only layer of an image
// tagged with the snapshot id.
func (o *OCI) PutManifest(ctx context.Context, id hash.Digest, data []byte) error {
	if hash.FromBytes(data) != id {
		return fmt.Errorf("%w: manifest %s", store.ErrDigestMismatch, id.Short())
	}
	img, err := buildImage(id, data)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	err = remote.Write(o.repo.Tag(TagFor(id)), img, o.remoteOptions(ctx)...)
	return classify("put manifest "+id.Short(), err)
}

func buildImage(id hash.Digest, data []byte) (v1.Image, error) {
	img, err := mutate.AppendLayers(empty.Image, static.NewLayer(data, types.MediaType(manifest.MediaType)))
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{snapshotLabel: id.String()}

	return mutate.ConfigFile(img, cfg)
}

func (o *OCI) GetManifest(ctx context.Context, id hash.Digest) ([]byte, error) {
	img, err := remote.Image(o.repo.Tag(TagFor(id)), o.remoteOptions(ctx)...)
	if err != nil {
		return nil, classify("get manifest "+id.Short(), err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, classify("get manifest "+id.Short(), err)
	}
	if len(layers) != 1 {
		return nil, fmt.Errorf("snapshot image %s has %d layers, want 1", id.Short(), len(layers))
	}

	rc, err := layers[0].Compressed()
	if err != nil {
		return nil, classify("get manifest "+id.Short(), err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, classify("get manifest "+id.Short(), err)
	}
	if hash.FromBytes(buf.Bytes()) != id {
		return nil, errors.Join(store.ErrDigestMismatch, fmt.Errorf("manifest %s", id.Short()))
	}
	return buf.Bytes(), nil
}
