package wcsnap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/manifest"
	"github.com/aweris/wcsnap/internal/remote"
)

// Show fetches and verifies the manifest of a published snapshot. id may
// be given with or without the "sha256:" prefix, or as its registry tag
// ("snap-<hex>").
func Show(ctx context.Context, endpoint, id string, opts ...Option) (*Manifest, error) {
	o := newOptions(opts)
	s, err := openStore(endpoint, o)
	if err != nil {
		return nil, err
	}
	return fetchManifest(ctx, s, id, o.Retry)
}

// Restore applies a snapshot onto dir, which must hold a checkout of the
// snapshot's base revision. Every blob is verified against its address
// before it is written.
func Restore(ctx context.Context, endpoint, id, dir string, opts ...Option) (*Manifest, error) {
	o := newOptions(opts)
	s, err := openStore(endpoint, o)
	if err != nil {
		return nil, err
	}
	m, err := fetchManifest(ctx, s, id, o.Retry)
	if err != nil {
		return nil, err
	}
	if err := manifest.Apply(ctx, m, s, dir); err != nil {
		return nil, fmt.Errorf("wcsnap: restore %s: %w", id, err)
	}
	log.Info().Str("snapshot", id).Str("dir", dir).Int("changes", len(m.Changes)).Msg("snapshot restored")
	return m, nil
}

func fetchManifest(ctx context.Context, s Store, id string, policy RetryPolicy) (*Manifest, error) {
	d, err := parseID(id)
	if err != nil {
		return nil, fmt.Errorf("wcsnap: snapshot id %q: %w", id, err)
	}
	data, _, err := remote.Retry(ctx, policy, "get manifest", func(ctx context.Context) ([]byte, error) {
		return s.GetManifest(ctx, d)
	})
	if err != nil {
		return nil, fmt.Errorf("wcsnap: fetch snapshot %s: %w", d.Short(), err)
	}
	m, err := manifest.Decode(data, d)
	if err != nil {
		return nil, fmt.Errorf("wcsnap: snapshot %s: %w", d.Short(), err)
	}
	return m, nil
}

func parseID(id string) (Digest, error) {
	if strings.HasPrefix(id, remote.TagPrefix) {
		return remote.IDFromTag(id)
	}
	return hash.Parse(id)
}
