package scan

import (
	"encoding/json"

	"github.com/aweris/wcsnap/internal/history"
	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/manifest"
)

// MergeCandidate is merge state awaiting its record blob address.
type MergeCandidate struct {
	Parents   []string
	Conflicts []string
	Record    []byte // encoded merge record, uploaded as a blob
}

type mergeRecord struct {
	Base      string             `json:"base"`
	Heads     []string           `json:"heads,omitempty"`
	Conflicts []history.Conflict `json:"conflicts"`
	Message   string             `json:"message,omitempty"`
}

// merge turns the reported merge into a MergeCandidate and makes sure every
// conflicted path it keeps has a candidate, adding byte-identical ones as
// Modified.
func (st *walkState) merge(rev history.Revision, info *history.MergeInfo, candidates []Candidate) (*MergeCandidate, []Candidate) {
	have := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		have[c.Path] = struct{}{}
	}

	mc := &MergeCandidate{Parents: []string{rev.ID}}
	heads := info.Heads
	if len(heads) > 1 {
		log.Warn().Strs("heads", heads).Msg("octopus merge in progress, recording first head only")
		heads = heads[:1]
	}
	mc.Parents = append(mc.Parents, heads...)

	rec := mergeRecord{Base: rev.ID, Heads: heads, Message: info.Message, Conflicts: []history.Conflict{}}
	for _, c := range info.Conflicts {
		if _, failed := st.failed[c.Path]; failed || st.underUnreadable(c.Path) {
			log.Warn().Str("path", c.Path).Msg("conflicted path unreadable, dropped from merge state")
			continue
		}
		if _, ok := have[c.Path]; !ok {
			e, onDisk := st.found[c.Path]
			if !onDisk {
				log.Warn().Str("path", c.Path).Msg("conflicted path has no working-copy content, dropped from merge state")
				continue
			}
			kind := manifest.Added
			if _, inBase := st.base[c.Path]; inBase {
				kind = manifest.Modified
			}
			candidates = append(candidates, Candidate{Path: c.Path, Kind: kind, Mode: e.mode, Size: e.size, ModTime: e.modTime})
			have[c.Path] = struct{}{}
		}
		mc.Conflicts = append(mc.Conflicts, c.Path)
		rec.Conflicts = append(rec.Conflicts, c)
	}

	// history.Conflict holds only strings and maps of strings.
	mc.Record, _ = json.Marshal(rec)
	return mc, candidates
}
