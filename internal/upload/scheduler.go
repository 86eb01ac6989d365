package upload

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/remote"
	"github.com/aweris/wcsnap/internal/store"
)

// Failure is a blob that could not be uploaded.
type Failure struct {
	Address  hash.Digest
	Attempts int
	Err      error
}

// ExhaustedError reports every blob whose upload failed for good.
type ExhaustedError struct {
	Failures []Failure // sorted by address
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d blob upload(s) failed", len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s after %d attempt(s): %v", f.Address.Short(), f.Attempts, f.Err)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

func (e *ExhaustedError) Addresses() []hash.Digest {
	out := make([]hash.Digest, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Address
	}
	return out
}

type Config struct {
	Concurrency    int
	Policy         remote.Policy
	BytesPerSecond int64 // 0 disables the limit
}

// Result of an upload run. Confirmed holds every address the store can now
// serve: the ones it already had plus the ones uploaded.
type Result struct {
	Confirmed hash.Set
	Uploaded  int
	Bytes     int64
}

// Scheduler uploads missing blobs on a fixed pool of workers.
type Scheduler struct {
	store   store.Store
	cfg     Config
	limiter *rate.Limiter
}

func NewScheduler(s store.Store, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = remote.DefaultConcurrency
	}
	sc := &Scheduler{store: s, cfg: cfg}
	if cfg.BytesPerSecond > 0 {
		sc.limiter = NewBWLimiter(cfg.BytesPerSecond)
	}
	return sc
}

// Upload puts every blob not in present. Blobs are deduplicated by address
// so no two workers ever upload the same one. Each blob is retried on its
// own; when any still fails the result is an *ExhaustedError naming all of
// them. A cancelled ctx returns ctx.Err().
func (s *Scheduler) Upload(ctx context.Context, blobs []store.Blob, present hash.Set) (*Result, error) {
	res := &Result{Confirmed: hash.NewSet()}

	queued := hash.NewSet()
	var todo []store.Blob
	for _, b := range blobs {
		if present.Has(b.Digest) {
			res.Confirmed.Add(b.Digest)
			continue
		}
		if queued.Has(b.Digest) {
			continue
		}
		queued.Add(b.Digest)
		todo = append(todo, b)
	}

	var (
		mu       sync.Mutex
		failures []Failure
	)
	wp := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
	for _, b := range todo {
		b := b
		wp.Go(func() {
			_, attempts, err := remote.Retry(ctx, s.cfg.Policy, "upload "+b.Digest.Short(), func(ctx context.Context) (struct{}, error) {
				return struct{}{}, s.store.PutBlob(ctx, s.throttled(ctx, b))
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, Failure{Address: b.Digest, Attempts: attempts, Err: err})
				log.Debug().Err(err).Str("digest", b.Digest.Short()).Int("attempts", attempts).Msg("upload failed")
				return
			}
			res.Confirmed.Add(b.Digest)
			res.Uploaded++
			res.Bytes += b.Size
			log.Debug().Str("digest", b.Digest.Short()).Int64("size", b.Size).Msg("uploaded")
		})
	}
	wp.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Address < failures[j].Address })
		return nil, &ExhaustedError{Failures: failures}
	}

	log.Info().
		Int("present", len(present)).
		Int("uploaded", res.Uploaded).
		Int64("bytes", res.Bytes).
		Msg("upload complete")
	return res, nil
}

func (s *Scheduler) throttled(ctx context.Context, b store.Blob) store.Blob {
	if s.limiter == nil {
		return b
	}
	open := b.Open
	b.Open = func() (io.ReadCloser, error) {
		rc, err := open()
		if err != nil {
			return nil, err
		}
		return &rateLimitedReader{r: rc, limiter: s.limiter, ctx: ctx}, nil
	}
	return b
}
