// Package scan compares a working copy against its base revision and
// classifies every path that differs.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/wcsnap/internal/history"
	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/manifest"
)

// ErrUnresolvedBaseRevision aborts a scan before any path is read.
var ErrUnresolvedBaseRevision = errors.New("unresolved base revision")

const metadataDir = ".git"

// UntrackedPolicy decides what happens to paths that were never tracked.
type UntrackedPolicy string

const (
	UntrackedKeep UntrackedPolicy = "keep" // capture as Untracked
	UntrackedAdd  UntrackedPolicy = "add"  // capture as Added
	UntrackedSkip UntrackedPolicy = "skip" // leave out of the snapshot
)

func ParseUntrackedPolicy(s string) (UntrackedPolicy, error) {
	switch p := UntrackedPolicy(strings.ToLower(s)); p {
	case "":
		return UntrackedKeep, nil
	case UntrackedKeep, UntrackedAdd, UntrackedSkip:
		return p, nil
	default:
		return "", fmt.Errorf("unknown untracked policy %q (want keep, add or skip)", s)
	}
}

// Candidate is a changed path whose content is not yet addressed.
type Candidate struct {
	Path    string
	Kind    manifest.Kind
	Mode    manifest.Mode
	Size    int64
	ModTime time.Time
}

// PathError is a per-path read failure. The path is left out of the
// snapshot and the scan goes on.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }

// Result is the outcome of one scan.
type Result struct {
	Base       history.Revision
	Candidates []Candidate // sorted by path
	Merge      *MergeCandidate
	Failed     []*PathError // sorted by path
	Scanned    int
}

// Config tunes a Scanner. Zero values select defaults.
type Config struct {
	Concurrency int
	Untracked   UntrackedPolicy
}

type Scanner struct {
	history    history.Store
	classifier PathClassifier
	cfg        Config
}

func New(h history.Store, c PathClassifier, cfg Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Untracked == "" {
		cfg.Untracked = UntrackedKeep
	}
	return &Scanner{history: h, classifier: c, cfg: cfg}
}

// entry is a file found on disk.
type entry struct {
	mode    manifest.Mode
	size    int64
	modTime time.Time
}

type walkState struct {
	root       string
	base       map[string]history.TrackedFile
	baseDirs   map[string]struct{}
	nested     map[string]struct{} // gitlinks in the base
	found      map[string]entry
	unreadable []string // directories not walked: listing failed or nested repository
	failed     map[string]error
}

// Scan walks root and classifies it against base. Only an unresolvable base
// revision, a history read error, or cancellation fail the scan; unreadable
// paths are reported in Result.Failed.
func (s *Scanner) Scan(ctx context.Context, root, base string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rev, err := s.history.ResolveRevision(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrUnresolvedBaseRevision, base, err)
	}

	tracked, err := s.history.ListTrackedPaths(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("list base %s: %w", rev.ID, err)
	}

	st := &walkState{
		root:     root,
		base:     make(map[string]history.TrackedFile, len(tracked)),
		baseDirs: make(map[string]struct{}),
		nested:   make(map[string]struct{}),
		found:    make(map[string]entry),
		failed:   make(map[string]error),
	}
	for _, f := range tracked {
		if f.Submodule {
			st.nested[f.Path] = struct{}{}
			continue
		}
		st.base[f.Path] = f
		for dir := path.Dir(f.Path); dir != "."; dir = path.Dir(dir) {
			st.baseDirs[dir] = struct{}{}
		}
	}

	var (
		candidates []Candidate
		compare    []string
		scanned    int
	)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			if rel == "." {
				return err
			}
			st.failed[rel] = err
			if d == nil || d.IsDir() {
				st.unreadable = append(st.unreadable, rel)
				return fs.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}

		// A submodule or linked worktree has a .git file instead of a
		// directory; neither is working-copy content.
		if d.Name() == metadataDir {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := st.nested[rel]; ok {
			log.Debug().Str("path", rel).Msg("skipping submodule")
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			switch class := s.classifier.Classify(rel, true); {
			case class == Nested || isRepository(p):
				log.Debug().Str("path", rel).Msg("skipping nested repository")
				st.unreadable = append(st.unreadable, rel)
				return fs.SkipDir
			case class == Ignored:
				if _, ok := st.baseDirs[rel]; !ok {
					return fs.SkipDir
				}
			}
			return nil
		}

		scanned++
		var mode manifest.Mode
		switch t := d.Type(); {
		case t&fs.ModeSymlink != 0:
			mode = manifest.Symlink
		case t.IsRegular():
			mode = manifest.Regular
		default:
			log.Debug().Str("path", rel).Stringer("type", t).Msg("skipping special file")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			st.failed[rel] = err
			return nil
		}
		if mode == manifest.Regular && info.Mode().Perm()&0o111 != 0 {
			mode = manifest.Executable
		}
		e := entry{mode: mode, size: info.Size(), modTime: info.ModTime()}

		if _, ok := st.base[rel]; ok {
			st.found[rel] = e
			compare = append(compare, rel)
			return nil
		}

		kind, ok := s.untrackedKind(rel)
		if !ok {
			return nil
		}
		st.found[rel] = e
		candidates = append(candidates, Candidate{Path: rel, Kind: kind, Mode: e.mode, Size: e.size, ModTime: e.modTime})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	modified, err := s.compareAll(ctx, rev, st, compare)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, modified...)
	candidates = append(candidates, st.removed()...)

	res := &Result{Base: rev, Scanned: scanned}

	if mr, ok := s.history.(history.MergeReader); ok {
		info, err := mr.MergeState(ctx)
		if err != nil {
			return nil, fmt.Errorf("read merge state: %w", err)
		}
		if info != nil {
			res.Merge, candidates = st.merge(rev, info, candidates)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
	res.Candidates = candidates
	res.Failed = st.failures()

	log.Info().
		Str("base", rev.ID).
		Int("scanned", res.Scanned).
		Int("changed", len(res.Candidates)).
		Int("failed", len(res.Failed)).
		Bool("merging", res.Merge != nil).
		Msg("scan complete")
	return res, nil
}

// untrackedKind classifies a path absent from the base revision. ok is
// false when the path is left out.
func (s *Scanner) untrackedKind(rel string) (manifest.Kind, bool) {
	switch s.classifier.Classify(rel, false) {
	case Tracked:
		return manifest.Added, true
	case Ignored, Nested:
		return "", false
	}
	switch s.cfg.Untracked {
	case UntrackedAdd:
		return manifest.Added, true
	case UntrackedSkip:
		return "", false
	default:
		return manifest.Untracked, true
	}
}

// compareAll checks paths present in both the base and the working copy.
// Local read errors are recorded per path; history errors fail the scan.
func (s *Scanner) compareAll(ctx context.Context, rev history.Revision, st *walkState, paths []string) ([]Candidate, error) {
	var (
		mu       sync.Mutex
		modified []Candidate
	)
	type job struct {
		rel  string
		e    entry
		base history.TrackedFile
	}
	jobs := make([]job, 0, len(paths))
	for _, rel := range paths {
		jobs = append(jobs, job{rel: rel, e: st.found[rel], base: st.base[rel]})
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.cfg.Concurrency).WithCancelOnError()
	for _, j := range jobs {
		j := j
		rel, e := j.rel, j.e
		p.Go(func(ctx context.Context) error {
			changed, err := s.differs(ctx, rev, st.root, rel, e, j.base)
			mu.Lock()
			defer mu.Unlock()

			var perr *PathError
			switch {
			case errors.As(err, &perr):
				st.failed[rel] = perr.Err
				delete(st.found, rel)
				return nil
			case err != nil:
				return err
			case changed:
				modified = append(modified, Candidate{Path: rel, Kind: manifest.Modified, Mode: e.mode, Size: e.size, ModTime: e.modTime})
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return modified, nil
}

func (s *Scanner) differs(ctx context.Context, rev history.Revision, root, rel string, e entry, b history.TrackedFile) (bool, error) {
	if e.mode != b.Mode || e.size != b.Size {
		return true, nil
	}

	local, err := openLocal(filepath.Join(root, filepath.FromSlash(rel)), e.mode)
	if err != nil {
		return false, &PathError{Path: rel, Err: err}
	}
	defer local.Close()

	committed, err := s.history.ReadTrackedFile(ctx, rev, rel)
	if err != nil {
		return false, fmt.Errorf("read %s from base: %w", rel, err)
	}
	defer committed.Close()

	return contentDiffers(rel, local, committed)
}

// isRepository reports whether dir is the root of another repository.
func isRepository(dir string) bool {
	_, err := os.Lstat(filepath.Join(dir, metadataDir))
	return err == nil
}

func openLocal(p string, mode manifest.Mode) (io.ReadCloser, error) {
	if mode == manifest.Symlink {
		target, err := os.Readlink(p)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(strings.NewReader(target)), nil
	}
	return os.Open(p)
}

const compareChunk = 32 * 1024

// contentDiffers reports whether local and committed hold different bytes.
// Errors reading local are PathErrors.
func contentDiffers(rel string, local, committed io.Reader) (bool, error) {
	a := make([]byte, compareChunk)
	b := make([]byte, compareChunk)
	for {
		na, errA := io.ReadFull(local, a)
		if errA != nil && errA != io.EOF && errA != io.ErrUnexpectedEOF {
			return false, &PathError{Path: rel, Err: errA}
		}
		nb, errB := io.ReadFull(committed, b)
		if errB != nil && errB != io.EOF && errB != io.ErrUnexpectedEOF {
			return false, fmt.Errorf("read base content: %w", errB)
		}
		if na != nb || !bytes.Equal(a[:na], b[:nb]) {
			return true, nil
		}
		if errA != nil || errB != nil {
			return false, nil
		}
	}
}

// removed lists base paths missing from disk. Paths that failed to read or
// sit below an unreadable directory are not reported.
func (st *walkState) removed() []Candidate {
	var out []Candidate
	for p, f := range st.base {
		if _, ok := st.found[p]; ok {
			continue
		}
		if _, ok := st.failed[p]; ok || st.underUnreadable(p) {
			continue
		}
		out = append(out, Candidate{Path: p, Kind: manifest.Removed, Mode: f.Mode})
	}
	return out
}

func (st *walkState) underUnreadable(p string) bool {
	for _, dir := range st.unreadable {
		if strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

func (st *walkState) failures() []*PathError {
	out := make([]*PathError, 0, len(st.failed))
	for p, err := range st.failed {
		out = append(out, &PathError{Path: p, Err: err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
