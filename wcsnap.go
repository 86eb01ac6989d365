package wcsnap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/history"
	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/manifest"
	"github.com/aweris/wcsnap/internal/publish"
	"github.com/aweris/wcsnap/internal/scan"
	"github.com/aweris/wcsnap/internal/store"
	"github.com/aweris/wcsnap/internal/upload"
)

// Digest is a content address, "sha256:<hex>".
type Digest = hash.Digest

// Manifest is a decoded snapshot manifest.
type Manifest = manifest.Manifest

// PathError is a path left out of a snapshot because it could not be read.
type PathError = scan.PathError

// Request names what to capture and where to publish it.
type Request struct {
	WorkDir  string
	Base     string // revision to compare against; empty means HEAD
	Endpoint string
	Author   string // empty reads user.name and user.email from git config
}

// Report describes a successful capture.
type Report struct {
	OperationID      string
	SnapshotID       Digest
	Base             string
	AlreadyPublished bool

	FilesScanned  int
	Changes       int
	BlobsPresent  int
	BlobsUploaded int
	BytesUploaded int64

	// FailedPaths were unreadable and are not part of the snapshot.
	FailedPaths []*PathError

	Manifest *Manifest
	Duration time.Duration
}

// CaptureAndPublish scans the working copy, uploads whatever content the
// remote is missing and publishes the snapshot manifest. Unreadable paths
// are left out and listed in the report. Every other failure is a
// *CaptureError, and nothing is published for a failed or cancelled run.
func CaptureAndPublish(ctx context.Context, req Request, opts ...Option) (*Report, error) {
	c := &capture{
		req:   req,
		opts:  newOptions(opts),
		opID:  uuid.NewString(),
		start: time.Now(),
	}
	c.log = log.Logger().With().Str("op", c.opID).Logger()
	return c.run(ctx)
}

type capture struct {
	req   Request
	opts  *Options
	opID  string
	start time.Time
	log   zerolog.Logger

	root    string
	history HistoryStore
	store   Store
}

// hashed is a change with its content addressed.
type hashed struct {
	change  manifest.Change
	blob    store.Blob
	modTime time.Time
}

func (c *capture) run(ctx context.Context) (*Report, error) {
	if err := c.open(); err != nil {
		return nil, &CaptureError{Stage: StageOpen, Err: err}
	}
	c.log.Info().Str("workdir", c.root).Str("remote", c.store.String()).Msg("capture started")

	classifier, err := c.classifier(ctx)
	if err != nil {
		return nil, &CaptureError{Stage: StageOpen, Err: err}
	}
	scanner := scan.New(c.history, classifier, scan.Config{
		Concurrency: c.opts.Concurrency,
		Untracked:   c.opts.Untracked,
	})
	res, err := scanner.Scan(ctx, c.root, c.req.Base)
	if err != nil {
		return nil, &CaptureError{Stage: StageScan, Err: err}
	}
	if c.opts.afterScan != nil {
		c.opts.afterScan()
	}

	changes, failed, err := c.hashAll(ctx, res.Candidates)
	failed = append(res.Failed, failed...)
	sort.Slice(failed, func(i, j int) bool { return failed[i].Path < failed[j].Path })
	if err != nil {
		return nil, &CaptureError{Stage: StageHash, Err: err, FailedPaths: paths(failed)}
	}
	for _, f := range failed {
		c.log.Warn().Str("path", f.Path).Err(f.Err).Msg("path excluded from snapshot")
	}

	blobs := make([]store.Blob, 0, len(changes)+1)
	for _, h := range changes {
		blobs = append(blobs, h.blob)
	}
	merge := c.mergeState(res.Merge, changes)
	if merge != nil {
		blobs = append(blobs, store.BytesBlob(res.Merge.Record))
	}

	addresses := make([]hash.Digest, 0, len(blobs))
	for _, b := range blobs {
		addresses = append(addresses, b.Digest)
	}
	present, err := upload.NewProber(c.store, c.opts.Retry, c.opts.ProbeBatch, c.opts.Concurrency).
		Probe(ctx, hash.NewSet(addresses...).Sorted())
	if err != nil {
		return nil, &CaptureError{Stage: StageProbe, Err: err, FailedPaths: paths(failed)}
	}

	up, err := upload.NewScheduler(c.store, upload.Config{
		Concurrency:    c.opts.Concurrency,
		Policy:         c.opts.Retry,
		BytesPerSecond: c.opts.BytesPerSecond,
	}).Upload(ctx, blobs, present)
	if err != nil {
		cerr := &CaptureError{Stage: StageUpload, Err: err, FailedPaths: paths(failed)}
		var exhausted *upload.ExhaustedError
		if errors.As(err, &exhausted) {
			cerr.FailedAddresses = exhausted.Addresses()
		}
		return nil, cerr
	}

	m, err := manifest.Build(manifest.Input{
		Base:      res.Base.ID,
		Changes:   changeList(changes),
		Merge:     merge,
		Author:    c.author(),
		Timestamp: c.timestamp(res.Base, changes),
		Confirmed: up.Confirmed,
	})
	if err != nil {
		return nil, &CaptureError{Stage: StageBuild, Err: err, FailedPaths: paths(failed)}
	}

	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Stage: StagePublish, Err: err, FailedPaths: paths(failed), Manifest: m}
	}
	pub, err := publish.New(c.store, c.opts.Retry).Publish(ctx, m)
	if err != nil {
		return nil, &CaptureError{Stage: StagePublish, Err: err, FailedPaths: paths(failed), Manifest: m}
	}

	report := &Report{
		OperationID:      c.opID,
		SnapshotID:       pub.ID,
		Base:             res.Base.ID,
		AlreadyPublished: pub.Existed,
		FilesScanned:     res.Scanned,
		Changes:          len(m.Changes),
		BlobsPresent:     len(present),
		BlobsUploaded:    up.Uploaded,
		BytesUploaded:    up.Bytes,
		FailedPaths:      failed,
		Manifest:         m,
		Duration:         time.Since(c.start),
	}
	c.log.Info().
		Str("snapshot", pub.ID.String()).
		Int("changes", report.Changes).
		Int("uploaded", report.BlobsUploaded).
		Int64("bytes", report.BytesUploaded).
		Int("excluded", len(failed)).
		Dur("took", report.Duration).
		Msg("capture complete")
	return report, nil
}

func (c *capture) open() error {
	if c.req.WorkDir == "" {
		return ErrNoWorkDir
	}
	root, err := filepath.Abs(c.req.WorkDir)
	if err != nil {
		return err
	}
	c.root = root

	c.history = c.opts.History
	if c.history == nil {
		g, err := history.OpenGit(root)
		if err != nil {
			return err
		}
		c.history = g
		c.root = g.Root()
	}

	c.store, err = openStore(c.req.Endpoint, c.opts)
	return err
}

// indexer is implemented by history stores that know the index and ignore
// rules of the working copy.
type indexer interface {
	IndexPaths(ctx context.Context) (files, submodules []string, err error)
	IgnoreMatcher() (gitignore.Matcher, error)
}

func (c *capture) classifier(ctx context.Context) (PathClassifier, error) {
	if c.opts.Classifier != nil {
		return c.opts.Classifier, nil
	}
	ix, ok := c.history.(indexer)
	if !ok {
		return scan.NewIndexClassifier(nil, nil), nil
	}
	indexed, submodules, err := ix.IndexPaths(ctx)
	if err != nil {
		return nil, err
	}
	ignore, err := ix.IgnoreMatcher()
	if err != nil {
		return nil, err
	}
	return scan.NewIndexClassifier(indexed, ignore, submodules...), nil
}

// hashAll addresses every candidate with content. Files that became
// unreadable since the scan are returned as failures and left out.
func (c *capture) hashAll(ctx context.Context, candidates []scan.Candidate) ([]hashed, []*PathError, error) {
	out := make([]hashed, len(candidates))
	keep := make([]bool, len(candidates))
	var (
		mu     sync.Mutex
		failed []*PathError
	)

	p := pool.New().WithContext(ctx).WithMaxGoroutines(c.opts.Concurrency)
	for i, cand := range candidates {
		if !cand.Kind.HasContent() {
			out[i] = hashed{change: manifest.Change{Path: cand.Path, Kind: cand.Kind, Mode: cand.Mode}}
			keep[i] = true
			continue
		}
		i, cand := i, cand
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			abs := filepath.Join(c.root, filepath.FromSlash(cand.Path))
			symlink := cand.Mode == manifest.Symlink
			d, n, err := hash.FromFile(abs, symlink)
			if err != nil {
				mu.Lock()
				failed = append(failed, &PathError{Path: cand.Path, Err: err})
				mu.Unlock()
				return nil
			}
			out[i] = hashed{
				change:  manifest.Change{Path: cand.Path, Kind: cand.Kind, Mode: cand.Mode, Address: d, Size: n},
				blob:    store.Blob{Digest: d, Size: n, Open: opener(abs, symlink)},
				modTime: cand.ModTime,
			}
			keep[i] = true
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, failed, err
	}

	kept := out[:0]
	for i, h := range out {
		if keep[i] {
			kept = append(kept, h)
		}
	}
	return kept, failed, nil
}

// opener re-reads a file for upload. Content that changed since hashing is
// rejected by the store as a digest mismatch.
func opener(abs string, symlink bool) func() (io.ReadCloser, error) {
	if symlink {
		return func() (io.ReadCloser, error) {
			target, err := os.Readlink(abs)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(strings.NewReader(target)), nil
		}
	}
	return func() (io.ReadCloser, error) { return os.Open(abs) }
}

// mergeState drops conflicts whose path did not make it into the snapshot.
func (c *capture) mergeState(mc *scan.MergeCandidate, changes []hashed) *manifest.MergeState {
	if mc == nil {
		return nil
	}
	have := make(map[string]struct{}, len(changes))
	for _, h := range changes {
		have[h.change.Path] = struct{}{}
	}
	ms := &manifest.MergeState{Parents: mc.Parents, Record: hash.FromBytes(mc.Record)}
	for _, p := range mc.Conflicts {
		if _, ok := have[p]; !ok {
			c.log.Warn().Str("path", p).Msg("conflicted path excluded, dropped from merge state")
			continue
		}
		ms.Conflicts = append(ms.Conflicts, p)
	}
	if ms.Conflicts == nil {
		ms.Conflicts = []string{}
	}
	return ms
}

type authorLookup interface {
	Author() (string, error)
}

func (c *capture) author() string {
	if c.req.Author != "" {
		return c.req.Author
	}
	if al, ok := c.history.(authorLookup); ok {
		if a, err := al.Author(); err == nil {
			return a
		}
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func (c *capture) timestamp(base history.Revision, changes []hashed) time.Time {
	switch {
	case !c.opts.Timestamp.IsZero():
		return c.opts.Timestamp
	case c.opts.Clock != nil:
		return c.opts.Clock()
	}
	ts := base.Time
	for _, h := range changes {
		if h.modTime.After(ts) {
			ts = h.modTime
		}
	}
	return ts
}

func changeList(hs []hashed) []manifest.Change {
	out := make([]manifest.Change, len(hs))
	for i, h := range hs {
		out[i] = h.change
	}
	return out
}

func paths(errs []*PathError) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Path
	}
	return out
}

// Publish retries publishing a manifest left over from a CaptureError.
func Publish(ctx context.Context, endpoint string, m *Manifest, opts ...Option) (Digest, error) {
	o := newOptions(opts)
	s, err := openStore(endpoint, o)
	if err != nil {
		return "", err
	}
	res, err := publish.New(s, o.Retry).Publish(ctx, m)
	if err != nil {
		return "", fmt.Errorf("wcsnap: %w", err)
	}
	return res.ID, nil
}
