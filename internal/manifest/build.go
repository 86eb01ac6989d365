package manifest

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aweris/wcsnap/internal/hash"
)

// ValidationError reports a manifest that would reference content the
// remote cannot serve or that breaks a structural invariant. Reaching it
// from the capture pipeline indicates a bug upstream.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid manifest: %s: %s", e.Path, e.Reason)
	}
	return "invalid manifest: " + e.Reason
}

// Input is everything Build needs. Confirmed holds the addresses the remote
// is known to serve.
type Input struct {
	Base      string
	Changes   []Change
	Merge     *MergeState
	Author    string
	Timestamp time.Time
	Confirmed hash.Set
}

// Build assembles a manifest from in, sorting changes by path and
// normalizing the timestamp to UTC seconds. The input is not modified.
func Build(in Input) (*Manifest, error) {
	if in.Base == "" {
		return nil, &ValidationError{Reason: "missing base revision"}
	}

	changes := slices.Clone(in.Changes)
	slices.SortFunc(changes, func(a, b Change) int { return strings.Compare(a.Path, b.Path) })

	m := &Manifest{
		Version:   Version,
		Base:      in.Base,
		Changes:   changes,
		Author:    in.Author,
		Timestamp: in.Timestamp.UTC().Truncate(time.Second),
	}
	if m.Changes == nil {
		m.Changes = []Change{}
	}
	if in.Merge != nil {
		conflicts := slices.Clone(in.Merge.Conflicts)
		slices.Sort(conflicts)
		m.Merge = &MergeState{
			Parents:   slices.Clone(in.Merge.Parents),
			Conflicts: conflicts,
			Record:    in.Merge.Record,
		}
	}

	confirmed := in.Confirmed
	if confirmed == nil {
		confirmed = hash.NewSet()
	}
	if err := validate(m, confirmed); err != nil {
		return nil, err
	}
	return m, nil
}

func validate(m *Manifest, confirmed hash.Set) error {
	if m.Base == "" {
		return &ValidationError{Reason: "missing base revision"}
	}

	seen := make(map[string]struct{}, len(m.Changes))
	files := make(map[string]struct{}, len(m.Changes))
	for i, c := range m.Changes {
		if err := validPath(c.Path); err != nil {
			return err
		}
		// Sorted order puts every parent before its children. A removed
		// child under a new file is a directory replaced by that file.
		for dir := path.Dir(c.Path); c.Kind.HasContent() && dir != "."; dir = path.Dir(dir) {
			if _, ok := files[dir]; ok {
				return &ValidationError{Path: c.Path, Reason: fmt.Sprintf("parent %s is a file in the same snapshot", dir)}
			}
		}
		if i > 0 && m.Changes[i-1].Path >= c.Path {
			if m.Changes[i-1].Path == c.Path {
				return &ValidationError{Path: c.Path, Reason: "duplicate path"}
			}
			return &ValidationError{Path: c.Path, Reason: "changes are not sorted by path"}
		}
		seen[c.Path] = struct{}{}

		if !c.Kind.valid() {
			return &ValidationError{Path: c.Path, Reason: fmt.Sprintf("unknown kind %q", c.Kind)}
		}
		if !c.Mode.valid() {
			return &ValidationError{Path: c.Path, Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
		}

		if c.Kind.HasContent() {
			files[c.Path] = struct{}{}
		}

		if !c.Kind.HasContent() {
			if c.Address != "" {
				return &ValidationError{Path: c.Path, Reason: "removed path carries an address"}
			}
			continue
		}
		if c.Address == "" {
			return &ValidationError{Path: c.Path, Reason: "missing content address"}
		}
		if err := c.Address.Validate(); err != nil {
			return &ValidationError{Path: c.Path, Reason: err.Error()}
		}
		if !confirmed.Has(c.Address) {
			return &ValidationError{Path: c.Path, Reason: fmt.Sprintf("address %s not confirmed on remote", c.Address.Short())}
		}
	}

	if m.Merge == nil {
		return nil
	}
	if n := len(m.Merge.Parents); n < 1 || n > 2 {
		return &ValidationError{Reason: fmt.Sprintf("merge state has %d parents", n)}
	}
	for _, p := range m.Merge.Conflicts {
		if _, ok := seen[p]; !ok {
			return &ValidationError{Path: p, Reason: "conflicted path missing from changes"}
		}
	}
	if m.Merge.Record != "" && !confirmed.Has(m.Merge.Record) {
		return &ValidationError{Reason: fmt.Sprintf("merge record %s not confirmed on remote", m.Merge.Record.Short())}
	}
	return nil
}

func validPath(p string) error {
	switch {
	case p == "" || p == "." || p == "..":
		return &ValidationError{Path: p, Reason: "empty path"}
	case path.IsAbs(p) || strings.HasPrefix(p, "../"):
		return &ValidationError{Path: p, Reason: "path escapes the working copy"}
	case path.Clean(p) != p:
		return &ValidationError{Path: p, Reason: "path is not in canonical form"}
	}
	return nil
}
