package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/log"
)

// Multiplex fans writes out to several stores and answers reads from any of
// them.
//
// A write succeeds once minWrites stores acknowledged it. A probe
// reports an address present when any store holds it. When some stores fail
// a probe and the rest report an address absent, it is reported absent: the
// upload that follows is idempotent, so the only cost is a redundant write.
type Multiplex struct {
	stores    []Store
	minWrites int
}

// NewMultiplex returns a multiplexed store. minWrites <= 0 means every store
// must acknowledge a write.
func NewMultiplex(stores []Store, minWrites int) (*Multiplex, error) {
	if len(stores) == 0 {
		return nil, errors.New("multiplex: no stores")
	}
	if minWrites <= 0 {
		minWrites = len(stores)
	}
	if minWrites > len(stores) {
		return nil, fmt.Errorf("multiplex: min writes %d exceeds %d stores", minWrites, len(stores))
	}
	return &Multiplex{stores: stores, minWrites: minWrites}, nil
}

func (m *Multiplex) String() string {
	names := make([]string, len(m.stores))
	for i, s := range m.stores {
		names[i] = s.String()
	}
	return fmt.Sprintf("multiplex(%s; min=%d)", strings.Join(names, ","), m.minWrites)
}

type storeResult[T any] struct {
	store string
	value T
	err   error
}

// fanOut runs fn against every store concurrently and returns one result per
// store, in store order.
func fanOut[T any](ctx context.Context, stores []Store, fn func(context.Context, Store) (T, error)) []storeResult[T] {
	results := make([]storeResult[T], len(stores))
	p := pool.New().WithMaxGoroutines(len(stores))
	for i, s := range stores {
		i, s := i, s
		p.Go(func() {
			v, err := fn(ctx, s)
			results[i] = storeResult[T]{store: s.String(), value: v, err: err}
		})
	}
	p.Wait()
	return results
}

// combine joins per-store errors; the result stays retryable only when
// every underlying failure was.
func combine[T any](op string, results []storeResult[T]) error {
	var errs []error
	allTransient := true
	for _, r := range results {
		if r.err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.store, r.err))
		if !IsTransient(r.err) {
			allTransient = false
		}
	}
	if len(errs) == 0 {
		return nil
	}
	err := fmt.Errorf("%s: %w", op, errors.Join(errs...))
	if allTransient {
		return Transient(op, err)
	}
	return err
}

func (m *Multiplex) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	results := fanOut(ctx, m.stores, func(ctx context.Context, s Store) (hash.Set, error) {
		return s.Probe(ctx, digests)
	})

	present := hash.NewSet()
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		present.Merge(r.value)
	}
	if failed == len(results) {
		return nil, combine("multiplex probe", results)
	}
	if failed > 0 {
		log.Warn().Err(combine("multiplex probe", results)).
			Int("failed", failed).Int("stores", len(results)).
			Msg("some stores failed probe, treating unconfirmed addresses as absent")
	}
	return present, nil
}

func (m *Multiplex) PutBlob(ctx context.Context, blob Blob) error {
	return m.write(ctx, "multiplex put "+blob.Digest.Short(), func(ctx context.Context, s Store) error {
		return s.PutBlob(ctx, blob)
	})
}

func (m *Multiplex) PutManifest(ctx context.Context, id hash.Digest, data []byte) error {
	return m.write(ctx, "multiplex put manifest "+id.Short(), func(ctx context.Context, s Store) error {
		return s.PutManifest(ctx, id, data)
	})
}

func (m *Multiplex) write(ctx context.Context, op string, fn func(context.Context, Store) error) error {
	results := fanOut(ctx, m.stores, func(ctx context.Context, s Store) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})

	ok := 0
	for _, r := range results {
		if r.err == nil {
			ok++
		}
	}
	err := combine(op, results)
	if ok >= m.minWrites {
		if err != nil {
			log.Warn().Err(err).Int("acknowledged", ok).Msg("write succeeded on a subset of stores")
		}
		return nil
	}
	return err
}

func (m *Multiplex) HasManifest(ctx context.Context, id hash.Digest) (bool, error) {
	results := fanOut(ctx, m.stores, func(ctx context.Context, s Store) (bool, error) {
		return s.HasManifest(ctx, id)
	})
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		if r.value {
			return true, nil
		}
	}
	if failed == len(results) {
		return false, combine("multiplex has manifest", results)
	}
	return false, nil
}

func (m *Multiplex) GetBlob(ctx context.Context, d hash.Digest) (io.ReadCloser, error) {
	var errs []error
	for _, s := range m.stores {
		rc, err := s.GetBlob(ctx, d)
		if err == nil {
			return rc, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s, err))
	}
	return nil, errors.Join(errs...)
}

func (m *Multiplex) GetManifest(ctx context.Context, id hash.Digest) ([]byte, error) {
	var errs []error
	for _, s := range m.stores {
		data, err := s.GetManifest(ctx, id)
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s, err))
	}
	return nil, errors.Join(errs...)
}
