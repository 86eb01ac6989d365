// Package historytest builds throwaway git repositories for tests.
package historytest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// Epoch is the committer time of every commit made by Repo.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type Repo struct {
	t    testing.TB
	Dir  string
	Repo *git.Repository
}

// New initializes an empty repository in a temp dir.
func New(t testing.TB) *Repo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	cfg, err := repo.Config()
	require.NoError(t, err)
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	require.NoError(t, repo.SetConfig(cfg))

	return &Repo{t: t, Dir: dir, Repo: repo}
}

func (r *Repo) Path(rel string) string { return filepath.Join(r.Dir, filepath.FromSlash(rel)) }

// Write creates or replaces rel with content and perm.
func (r *Repo) Write(rel, content string, perm os.FileMode) {
	r.t.Helper()
	p := r.Path(rel)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(p), 0o755))
	_ = os.Remove(p)
	require.NoError(r.t, os.WriteFile(p, []byte(content), perm))
	require.NoError(r.t, os.Chmod(p, perm))
}

func (r *Repo) Symlink(rel, target string) {
	r.t.Helper()
	p := r.Path(rel)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(p), 0o755))
	_ = os.Remove(p)
	require.NoError(r.t, os.Symlink(target, p))
}

func (r *Repo) Remove(rel string) {
	r.t.Helper()
	require.NoError(r.t, os.RemoveAll(r.Path(rel)))
}

// Stage adds paths to the index.
func (r *Repo) Stage(paths ...string) {
	r.t.Helper()
	wt, err := r.Repo.Worktree()
	require.NoError(r.t, err)
	for _, p := range paths {
		_, err := wt.Add(p)
		require.NoError(r.t, err)
	}
}

// Commit stages everything in the worktree and commits it.
func (r *Repo) Commit(msg string) string {
	r.t.Helper()
	wt, err := r.Repo.Worktree()
	require.NoError(r.t, err)
	require.NoError(r.t, wt.AddWithOptions(&git.AddOptions{All: true}))

	sig := &object.Signature{Name: "Test User", Email: "test@example.com", When: Epoch}
	h, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true})
	require.NoError(r.t, err)
	return h.String()
}

// CommitIndex commits the index as it is, without staging the worktree.
func (r *Repo) CommitIndex(msg string) string {
	r.t.Helper()
	wt, err := r.Repo.Worktree()
	require.NoError(r.t, err)

	sig := &object.Signature{Name: "Test User", Email: "test@example.com", When: Epoch}
	h, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true})
	require.NoError(r.t, err)
	return h.String()
}

// Submodule lays out rel the way "git submodule add" does: a gitlink in the
// index pinned at commit, a checkout holding files, and a .git file
// pointing into the superproject's modules directory.
func (r *Repo) Submodule(rel, commit string, files map[string]string) {
	r.t.Helper()
	for name, content := range files {
		r.Write(rel+"/"+name, content, 0o644)
	}
	r.Write(rel+"/.git", "gitdir: ../.git/modules/"+rel+"\n", 0o644)
	modules, _ := os.ReadFile(r.Path(".gitmodules"))
	modules = append(modules, "[submodule \""+rel+"\"]\n\tpath = "+rel+"\n\turl = ../"+rel+".git\n"...)
	r.Write(".gitmodules", string(modules), 0o644)

	idx, err := r.Repo.Storer.Index()
	require.NoError(r.t, err)
	entries := idx.Entries[:0]
	for _, e := range idx.Entries {
		if e.Name != rel && e.Name != ".gitmodules" {
			entries = append(entries, e)
		}
	}
	idx.Entries = append(entries,
		&index.Entry{Name: rel, Mode: filemode.Submodule, Hash: plumbing.NewHash(commit)},
		&index.Entry{Name: ".gitmodules", Mode: filemode.Regular, Hash: r.blob(r.Path(".gitmodules"))},
	)
	require.NoError(r.t, r.Repo.Storer.SetIndex(idx))
}

// blob stores the content of a file as a blob object.
func (r *Repo) blob(p string) plumbing.Hash {
	r.t.Helper()
	data, err := os.ReadFile(p)
	require.NoError(r.t, err)

	obj := r.Repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	require.NoError(r.t, err)
	_, err = w.Write(data)
	require.NoError(r.t, err)
	require.NoError(r.t, w.Close())

	h, err := r.Repo.Storer.SetEncodedObject(obj)
	require.NoError(r.t, err)
	return h
}

// Conflict replaces the index entry of path with base/ours/theirs stages
// and records MERGE_HEAD, as an interrupted merge leaves them.
func (r *Repo) Conflict(path, mergeHead string, base, ours, theirs string) {
	r.t.Helper()
	idx, err := r.Repo.Storer.Index()
	require.NoError(r.t, err)

	entries := idx.Entries[:0]
	for _, e := range idx.Entries {
		if e.Name != path {
			entries = append(entries, e)
		}
	}
	for stage, content := range map[index.Stage]string{
		index.AncestorMode: base,
		index.OurMode:      ours,
		index.TheirMode:    theirs,
	} {
		entries = append(entries, &index.Entry{
			Name:  path,
			Stage: stage,
			Mode:  filemode.Regular,
			Hash:  plumbing.ComputeHash(plumbing.BlobObject, []byte(content)),
			Size:  uint32(len(content)),
		})
	}
	idx.Entries = entries
	require.NoError(r.t, r.Repo.Storer.SetIndex(idx))

	require.NoError(r.t, os.WriteFile(filepath.Join(r.Dir, ".git", "MERGE_HEAD"), []byte(mergeHead+"\n"), 0o644))
	require.NoError(r.t, os.WriteFile(filepath.Join(r.Dir, ".git", "MERGE_MSG"), []byte("Merge branch 'topic'\n"), 0o644))
}
