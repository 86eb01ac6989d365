// Package publish writes snapshot manifests to a store.
package publish

import (
	"context"
	"fmt"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/manifest"
	"github.com/aweris/wcsnap/internal/remote"
	"github.com/aweris/wcsnap/internal/store"
)

// PublishError keeps the built manifest so the caller can retry Publish
// without scanning or uploading again.
type PublishError struct {
	Manifest *manifest.Manifest
	ID       hash.Digest
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish snapshot %s: %v", e.ID.Short(), e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Result struct {
	ID hash.Digest
	// Existed is set when the store already held the manifest and no write
	// was made.
	Existed bool
}

type Publisher struct {
	store  store.Store
	policy remote.Policy
}

func New(s store.Store, policy remote.Policy) *Publisher {
	return &Publisher{store: s, policy: policy}
}

// Publish encodes m, derives its SnapshotId and writes it unless the store
// already has it. Nothing is written once ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, m *manifest.Manifest) (Result, error) {
	data, err := manifest.Encode(m)
	if err != nil {
		return Result{}, fmt.Errorf("encode manifest: %w", err)
	}
	id := manifest.ID(data)
	fail := func(err error) (Result, error) {
		return Result{ID: id}, &PublishError{Manifest: m, ID: id, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	exists, _, err := remote.Retry(ctx, p.policy, "head manifest", func(ctx context.Context) (bool, error) {
		return p.store.HasManifest(ctx, id)
	})
	if err != nil {
		return fail(err)
	}
	if exists {
		log.Info().Str("snapshot", id.String()).Msg("snapshot already published")
		return Result{ID: id, Existed: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	_, attempts, err := remote.Retry(ctx, p.policy, "put manifest", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.PutManifest(ctx, id, data)
	})
	if err != nil {
		return fail(fmt.Errorf("after %d attempt(s): %w", attempts, err))
	}

	log.Info().Str("snapshot", id.String()).Int("bytes", len(data)).Msg("snapshot published")
	return Result{ID: id}, nil
}
