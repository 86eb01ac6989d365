package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/manifest"
)

// Git is a Store over a git repository opened with go-git. Object reads are
// serialized; go-git's object storage is not safe for concurrent use.
type Git struct {
	root string
	repo *git.Repository

	mu    sync.Mutex
	trees map[string]*object.Tree
}

// OpenGit opens the repository containing dir.
func OpenGit(dir string) (*Git, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("repository at %s has no worktree: %w", dir, err)
	}
	return &Git{
		root:  wt.Filesystem.Root(),
		repo:  repo,
		trees: make(map[string]*object.Tree),
	}, nil
}

// Root returns the worktree root.
func (g *Git) Root() string { return g.root }

func (g *Git) ResolveRevision(ctx context.Context, rev string) (Revision, error) {
	if err := ctx.Err(); err != nil {
		return Revision{}, err
	}
	if rev == "" {
		rev = "HEAD"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h, err := g.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return Revision{}, fmt.Errorf("%w: revision %q: %v", ErrNotFound, rev, err)
	}
	commit, err := g.repo.CommitObject(*h)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: commit %s: %v", ErrNotFound, h, err)
	}
	return Revision{ID: commit.Hash.String(), Time: commit.Committer.When}, nil
}

// tree must be called with g.mu held.
func (g *Git) tree(rev Revision) (*object.Tree, error) {
	if t, ok := g.trees[rev.ID]; ok {
		return t, nil
	}
	commit, err := g.repo.CommitObject(plumbing.NewHash(rev.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: commit %s: %v", ErrNotFound, rev.ID, err)
	}
	t, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", rev.ID, err)
	}
	g.trees[rev.ID] = t
	return t, nil
}

func (g *Git) ListTrackedPaths(ctx context.Context, rev Revision) ([]TrackedFile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.tree(rev)
	if err != nil {
		return nil, err
	}

	var files []TrackedFile
	err = t.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode, ok := modeOf(f.Mode)
		if !ok {
			return nil
		}
		files = append(files, TrackedFile{Path: f.Name, Mode: mode, Size: f.Size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rev.ID, err)
	}

	// Files skips gitlinks; walk again to surface them.
	w := object.NewTreeWalker(t, true, nil)
	defer w.Close()
	for {
		name, e, err := w.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list submodules of %s: %w", rev.ID, err)
		}
		if e.Mode == filemode.Submodule {
			files = append(files, TrackedFile{Path: name, Submodule: true})
		}
	}
	return files, nil
}

// ReadTrackedFile streams a file's content at rev. The repository stays
// locked until the returned reader is closed.
func (g *Git) ReadTrackedFile(ctx context.Context, rev Revision, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()

	t, err := g.tree(rev)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	f, err := t.File(path)
	if err != nil {
		g.mu.Unlock()
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s at %s", ErrNotFound, path, rev.ID)
		}
		return nil, fmt.Errorf("read %s at %s: %w", path, rev.ID, err)
	}
	rc, err := f.Reader()
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("read %s at %s: %w", path, rev.ID, err)
	}
	return &lockedReader{ReadCloser: rc, unlock: g.mu.Unlock}, nil
}

type lockedReader struct {
	io.ReadCloser
	once   sync.Once
	unlock func()
}

func (r *lockedReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.unlock)
	return err
}

func modeOf(m filemode.FileMode) (manifest.Mode, bool) {
	switch m {
	case filemode.Regular, filemode.Deprecated:
		return manifest.Regular, true
	case filemode.Executable:
		return manifest.Executable, true
	case filemode.Symlink:
		return manifest.Symlink, true
	default:
		return "", false
	}
}

// IndexPaths returns every file recorded in the index, conflicted paths
// included once, and separately the gitlinks of submodules.
func (g *Git) IndexPaths(ctx context.Context) (files, submodules []string, err error) {
	idx, err := g.index(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]struct{}, len(idx.Entries))
	for _, e := range idx.Entries {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		if e.Mode == filemode.Submodule {
			submodules = append(submodules, e.Name)
			continue
		}
		files = append(files, e.Name)
	}
	return files, submodules, nil
}

func (g *Git) index(ctx context.Context) (*index.Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, err := g.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return idx, nil
}

// IgnoreMatcher loads .gitignore files of the worktree together with
// .git/info/exclude and the user's global excludes file.
func (g *Git) IgnoreMatcher() (gitignore.Matcher, error) {
	patterns, err := gitignore.ReadPatterns(osfs.New(g.root), nil)
	if err != nil {
		return nil, fmt.Errorf("read ignore patterns: %w", err)
	}

	if fs := g.dotGit(); fs != nil {
		patterns = append(patterns, readExclude(fs)...)
	}

	global, err := gitignore.LoadGlobalPatterns(osfs.New("/"))
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable global excludes file")
	} else {
		patterns = append(patterns, global...)
	}
	return gitignore.NewMatcher(patterns), nil
}

func readExclude(fs billy.Filesystem) []gitignore.Pattern {
	data, err := util.ReadFile(fs, "info/exclude")
	if err != nil {
		return nil
	}
	var ps []gitignore.Pattern
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ps = append(ps, gitignore.ParsePattern(line, nil))
	}
	return ps
}

// dotGit returns the repository metadata directory, or nil for
// non-filesystem storage.
func (g *Git) dotGit() billy.Filesystem {
	fss, ok := g.repo.Storer.(*filesystem.Storage)
	if !ok {
		return nil
	}
	return fss.Filesystem()
}

var stageNames = map[index.Stage]string{
	index.AncestorMode: "base",
	index.OurMode:      "ours",
	index.TheirMode:    "theirs",
}

// MergeState reports MERGE_HEAD and the conflicted index entries. It
// returns nil when neither exists.
func (g *Git) MergeState(ctx context.Context) (*MergeInfo, error) {
	idx, err := g.index(ctx)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]map[string]string)
	for _, e := range idx.Entries {
		if e.Stage == 0 {
			continue
		}
		stages := byPath[e.Name]
		if stages == nil {
			stages = make(map[string]string)
			byPath[e.Name] = stages
		}
		stages[stageNames[e.Stage]] = e.Hash.String()
	}

	info := &MergeInfo{}
	if fs := g.dotGit(); fs != nil {
		info.Heads, err = readHeads(fs, "MERGE_HEAD")
		if err != nil {
			return nil, err
		}
		if msg, err := util.ReadFile(fs, "MERGE_MSG"); err == nil {
			info.Message = string(msg)
		}
	}
	if len(info.Heads) == 0 && len(byPath) == 0 {
		return nil, nil
	}

	for p, stages := range byPath {
		info.Conflicts = append(info.Conflicts, Conflict{Path: p, Stages: stages})
	}
	sort.Slice(info.Conflicts, func(i, j int) bool { return info.Conflicts[i].Path < info.Conflicts[j].Path })
	return info, nil
}

func readHeads(fs billy.Filesystem, name string) ([]string, error) {
	data, err := util.ReadFile(fs, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	var heads []string
	for _, line := range strings.Fields(string(data)) {
		if plumbing.IsHash(line) {
			heads = append(heads, line)
		}
	}
	return heads, nil
}

// Author returns "Name <email>" from the repository and global git config.
func (g *Git) Author() (string, error) {
	cfg, err := g.repo.ConfigScoped(config.GlobalScope)
	if err != nil {
		return "", fmt.Errorf("read git config: %w", err)
	}
	name, email := cfg.User.Name, cfg.User.Email
	if cfg.Author.Name != "" {
		name, email = cfg.Author.Name, cfg.Author.Email
	}
	switch {
	case name == "" && email == "":
		return "", fmt.Errorf("%w: user.name and user.email are unset", ErrNotFound)
	case email == "":
		return name, nil
	default:
		return fmt.Sprintf("%s <%s>", name, email), nil
	}
}
