// Package upload moves content-addressed blobs to a store: probing which
// addresses are already present and uploading the rest.
package upload

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/remote"
	"github.com/aweris/wcsnap/internal/store"
)

const DefaultProbeBatch = 256

// Prober asks a store which addresses it already holds.
type Prober struct {
	store       store.Store
	policy      remote.Policy
	batch       int
	concurrency int
}

func NewProber(s store.Store, policy remote.Policy, batch, concurrency int) *Prober {
	if batch <= 0 {
		batch = DefaultProbeBatch
	}
	if concurrency <= 0 {
		concurrency = remote.DefaultConcurrency
	}
	return &Prober{store: s, policy: policy, batch: batch, concurrency: concurrency}
}

// Probe returns the subset of digests present in the store. Transient
// errors are retried; any error left after that fails the whole probe, so
// an address is never reported absent because its probe failed.
func (p *Prober) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	var (
		mu      sync.Mutex
		present = hash.NewSet()
	)

	wp := pool.New().WithContext(ctx).WithMaxGoroutines(p.concurrency).WithCancelOnError()
	for start := 0; start < len(digests); start += p.batch {
		batch := digests[start:min(start+p.batch, len(digests))]
		wp.Go(func(ctx context.Context) error {
			found, attempts, err := remote.Retry(ctx, p.policy, "probe", func(ctx context.Context) (hash.Set, error) {
				return p.store.Probe(ctx, batch)
			})
			if err != nil {
				return fmt.Errorf("probe %d addresses on %s after %d attempts: %w", len(batch), p.store, attempts, err)
			}
			mu.Lock()
			present.Merge(found)
			mu.Unlock()
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, err
	}

	log.Debug().Int("probed", len(digests)).Int("present", len(present)).Msg("probe complete")
	return present, nil
}
