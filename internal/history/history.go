// Package history reads the committed state a working copy is layered on.
//
// The capture pipeline only reads from history; nothing here writes
// objects, refs, or the index.
package history

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aweris/wcsnap/internal/manifest"
)

// ErrNotFound is returned for revisions and paths the history does not hold.
var ErrNotFound = errors.New("not found in history")

// Revision is a resolved base revision.
type Revision struct {
	ID   string
	Time time.Time
}

type TrackedFile struct {
	Path string // slash separated, relative to the repository root
	Mode manifest.Mode
	Size int64

	// Submodule marks a gitlink: a nested repository pinned at a commit.
	// Mode and Size are unset and its content is never read.
	Submodule bool
}

// Store is the read-only view of versioned history the scanner needs.
type Store interface {
	ResolveRevision(ctx context.Context, rev string) (Revision, error)
	ListTrackedPaths(ctx context.Context, rev Revision) ([]TrackedFile, error)
	ReadTrackedFile(ctx context.Context, rev Revision, path string) (io.ReadCloser, error)
}

// Conflict is one path with unresolved index stages. Stages maps the stage
// name (base, ours, theirs) to the object id recorded for it.
type Conflict struct {
	Path   string            `json:"path"`
	Stages map[string]string `json:"stages"`
}

// MergeInfo describes an in-progress merge.
type MergeInfo struct {
	Heads     []string   `json:"heads,omitempty"`
	Conflicts []Conflict `json:"conflicts"`
	Message   string     `json:"message,omitempty"`
}

// MergeReader is implemented by stores that can report in-progress merges.
// MergeState returns nil when no merge is in progress.
type MergeReader interface {
	MergeState(ctx context.Context) (*MergeInfo, error)
}
