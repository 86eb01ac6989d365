package scan_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/wcsnap/internal/history"
	"github.com/aweris/wcsnap/internal/history/historytest"
	"github.com/aweris/wcsnap/internal/manifest"
	"github.com/aweris/wcsnap/internal/scan"
)

func newScanner(t *testing.T, r *historytest.Repo, policy scan.UntrackedPolicy) *scan.Scanner {
	t.Helper()
	ctx := context.Background()
	g, err := history.OpenGit(r.Dir)
	require.NoError(t, err)
	indexed, submodules, err := g.IndexPaths(ctx)
	require.NoError(t, err)
	ignore, err := g.IgnoreMatcher()
	require.NoError(t, err)
	return scan.New(g, scan.NewIndexClassifier(indexed, ignore, submodules...), scan.Config{Concurrency: 2, Untracked: policy})
}

type change struct {
	Path string
	Kind manifest.Kind
	Mode manifest.Mode
}

func changes(res *scan.Result) []change {
	out := make([]change, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		out = append(out, change{c.Path, c.Kind, c.Mode})
	}
	return out
}

func TestScanClassifiesChanges(t *testing.T) {
	r := historytest.New(t)
	r.Write("a.txt", "foo", 0o644)
	r.Write("c.txt", "gone soon", 0o644)
	r.Write("same.txt", "unchanged", 0o644)
	r.Write("build/keep.txt", "tracked despite ignore", 0o644)
	r.Commit("initial")
	r.Write(".gitignore", "*.log\nbuild/\n", 0o644)
	r.Commit("ignore build output")

	r.Write("a.txt", "bar", 0o644)
	r.Write("b.txt", "baz", 0o644)
	r.Stage("b.txt")
	r.Remove("c.txt")
	r.Write("notes.md", "scratch", 0o644)
	r.Write("debug.log", "noise", 0o644)
	r.Write("build/out.bin", "artifact", 0o644)
	r.Write("build/keep.txt", "tracked, edited", 0o644)

	res, err := newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "HEAD")
	require.NoError(t, err)

	assert.Equal(t, []change{
		{"a.txt", manifest.Modified, manifest.Regular},
		{"b.txt", manifest.Added, manifest.Regular},
		{"build/keep.txt", manifest.Modified, manifest.Regular},
		{"c.txt", manifest.Removed, manifest.Regular},
		{"notes.md", manifest.Untracked, manifest.Regular},
	}, changes(res))
	assert.Empty(t, res.Failed)
	assert.Nil(t, res.Merge)
}

func TestScanUntrackedPolicy(t *testing.T) {
	r := historytest.New(t)
	r.Write("a.txt", "foo", 0o644)
	r.Commit("initial")
	r.Write("new.txt", "fresh", 0o644)

	res, err := newScanner(t, r, scan.UntrackedAdd).Scan(context.Background(), r.Dir, "")
	require.NoError(t, err)
	assert.Equal(t, []change{{"new.txt", manifest.Added, manifest.Regular}}, changes(res))

	res, err = newScanner(t, r, scan.UntrackedSkip).Scan(context.Background(), r.Dir, "")
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestScanModeChanges(t *testing.T) {
	r := historytest.New(t)
	r.Write("run.sh", "#!/bin/sh\n", 0o644)
	r.Write("target-a", "a", 0o644)
	r.Write("target-b", "b", 0o644)
	r.Symlink("link", "target-a")
	r.Commit("initial")

	require.NoError(t, os.Chmod(r.Path("run.sh"), 0o755))
	r.Symlink("link", "target-b")

	res, err := newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, []change{
		{"link", manifest.Modified, manifest.Symlink},
		{"run.sh", manifest.Modified, manifest.Executable},
	}, changes(res))
}

func TestScanFileReplacedByDirectory(t *testing.T) {
	r := historytest.New(t)
	r.Write("pkg", "was a file", 0o644)
	r.Commit("initial")

	r.Remove("pkg")
	r.Write("pkg/main.go", "package main", 0o644)

	res, err := newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, []change{
		{"pkg", manifest.Removed, manifest.Regular},
		{"pkg/main.go", manifest.Untracked, manifest.Regular},
	}, changes(res))
}

func TestScanSkipsSubmodulesAndNestedRepositories(t *testing.T) {
	r := historytest.New(t)
	r.Write("a.txt", "foo", 0o644)
	initial := r.Commit("initial")
	r.Submodule("lib", initial, map[string]string{"f.txt": "nested"})
	r.CommitIndex("add lib")

	res, err := newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "HEAD")
	require.NoError(t, err)
	assert.Empty(t, changes(res), "clean working copy with a submodule")

	// A submodule added since the base, a cloned repository nobody
	// registered, and a linked worktree's .git file: none is content.
	r.Submodule("deps/tool", initial, map[string]string{"main.go": "package main"})
	r.Write("vendor/clone/x.go", "package clone", 0o644)
	r.Write("vendor/clone/.git/HEAD", "ref: refs/heads/main\n", 0o644)
	r.Write("tools/.git", "gitdir: /elsewhere\n", 0o644)
	r.Write("tools/run.sh", "echo", 0o644)
	r.Write("a.txt", "bar", 0o644)

	res, err = newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, []change{
		{".gitmodules", manifest.Modified, manifest.Regular},
		{"a.txt", manifest.Modified, manifest.Regular},
	}, changes(res))
}

func TestScanUnresolvedBase(t *testing.T) {
	r := historytest.New(t)
	r.Write("a.txt", "foo", 0o644)
	r.Commit("initial")

	_, err := newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "no-such-branch")
	assert.ErrorIs(t, err, scan.ErrUnresolvedBaseRevision)
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestScanUnreadablePaths(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	r := historytest.New(t)
	r.Write("locked.txt", "abc", 0o644)
	r.Write("private/secret.txt", "s3cr3t", 0o644)
	r.Write("ok.txt", "fine", 0o644)
	r.Commit("initial")

	r.Write("locked.txt", "xyz", 0o644)
	r.Write("ok.txt", "edited", 0o644)
	require.NoError(t, os.Chmod(r.Path("locked.txt"), 0o000))
	require.NoError(t, os.Chmod(r.Path("private"), 0o000))
	t.Cleanup(func() {
		_ = os.Chmod(r.Path("private"), 0o755)
		_ = os.Chmod(r.Path("locked.txt"), 0o644)
	})

	res, err := newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "HEAD")
	require.NoError(t, err)

	assert.Equal(t, []change{{"ok.txt", manifest.Modified, manifest.Regular}}, changes(res),
		"unreadable paths are excluded and files below an unreadable directory are not removals")
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "locked.txt", res.Failed[0].Path)
	assert.Equal(t, "private", res.Failed[1].Path)
	assert.ErrorIs(t, res.Failed[0], os.ErrPermission)
}

func TestScanMergeState(t *testing.T) {
	r := historytest.New(t)
	r.Write("conflict.txt", "base", 0o644)
	r.Write("edited.txt", "one", 0o644)
	head := r.Commit("initial")

	mergeHead := "2222222222222222222222222222222222222222"
	r.Conflict("conflict.txt", mergeHead, "base", "ours", "theirs")
	r.Write("edited.txt", "two", 0o644)

	res, err := newScanner(t, r, scan.UntrackedKeep).Scan(context.Background(), r.Dir, "HEAD")
	require.NoError(t, err)
	require.NotNil(t, res.Merge)

	assert.Equal(t, []string{head, mergeHead}, res.Merge.Parents)
	assert.Equal(t, []string{"conflict.txt"}, res.Merge.Conflicts)
	assert.Contains(t, string(res.Merge.Record), `"message":"Merge branch 'topic'\n"`)
	assert.Equal(t, []change{
		{"conflict.txt", manifest.Modified, manifest.Regular},
		{"edited.txt", manifest.Modified, manifest.Regular},
	}, changes(res), "a conflicted path identical to the base is still listed")
}

func TestScanCancelled(t *testing.T) {
	r := historytest.New(t)
	r.Write("a.txt", "foo", 0o644)
	r.Commit("initial")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newScanner(t, r, scan.UntrackedKeep).Scan(ctx, r.Dir, "HEAD")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseUntrackedPolicy(t *testing.T) {
	p, err := scan.ParseUntrackedPolicy("")
	require.NoError(t, err)
	assert.Equal(t, scan.UntrackedKeep, p)

	p, err = scan.ParseUntrackedPolicy("ADD")
	require.NoError(t, err)
	assert.Equal(t, scan.UntrackedAdd, p)

	_, err = scan.ParseUntrackedPolicy("promote")
	assert.Error(t, err)
}
