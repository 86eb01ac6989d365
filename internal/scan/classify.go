package scan

import (
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Class is how version control treats a working-copy path that is not in
// the base revision.
type Class int

const (
	Untracked Class = iota
	Tracked
	Ignored
	Nested // a submodule or other repository inside the working copy
)

func (c Class) String() string {
	switch c {
	case Tracked:
		return "tracked"
	case Ignored:
		return "ignored"
	case Nested:
		return "nested"
	default:
		return "untracked"
	}
}

// PathClassifier decides the Class of a slash-separated relative path.
type PathClassifier interface {
	Classify(p string, isDir bool) Class
}

// IndexClassifier classifies against the set of indexed paths and a
// gitignore matcher. A directory is Tracked when any indexed path lies
// beneath it, so ignore rules never hide tracked content. Gitlinks of
// submodules are Nested.
type IndexClassifier struct {
	files      map[string]struct{}
	dirs       map[string]struct{}
	submodules map[string]struct{}
	ignore     gitignore.Matcher
}

func NewIndexClassifier(tracked []string, ignore gitignore.Matcher, submodules ...string) *IndexClassifier {
	c := &IndexClassifier{
		files:      make(map[string]struct{}, len(tracked)),
		dirs:       make(map[string]struct{}),
		submodules: make(map[string]struct{}, len(submodules)),
		ignore:     ignore,
	}
	for _, p := range submodules {
		c.submodules[p] = struct{}{}
	}
	for _, p := range tracked {
		c.files[p] = struct{}{}
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if _, ok := c.dirs[dir]; ok {
				break
			}
			c.dirs[dir] = struct{}{}
		}
	}
	return c
}

func (c *IndexClassifier) Classify(p string, isDir bool) Class {
	if _, ok := c.submodules[p]; ok {
		return Nested
	}
	set := c.files
	if isDir {
		set = c.dirs
	}
	if _, ok := set[p]; ok {
		return Tracked
	}
	if c.ignore != nil && c.ignore.Match(strings.Split(p, "/"), isDir) {
		return Ignored
	}
	return Untracked
}
