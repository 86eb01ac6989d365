// Package remote implements the OCI registry store.
//
// Based on go-containerregistry patterns:
// - Authentication via keychain
// - Blobs are plain registry blobs addressed by their sha256, so a HEAD on
//   the blob endpoint answers existence probes
// - A published manifest is a single-layer image tagged "snap-<hex>"
package remote

import (
	"fmt"
	"strings"

	"github.com/aweris/wcsnap/internal/hash"
)

const DefaultConcurrency = 4

// TagPrefix starts the registry tag of every published snapshot.
const TagPrefix = "snap-"

const (
	snapshotLabel = "dev.wcsnap.snapshot"
	blobMediaType = "application/vnd.wcsnap.blob.v1"
)

// TagFor returns the registry tag a snapshot manifest is published under.
func TagFor(id hash.Digest) string { return TagPrefix + id.Hex() }

// IDFromTag is the inverse of TagFor.
func IDFromTag(tag string) (hash.Digest, error) {
	h, ok := strings.CutPrefix(tag, TagPrefix)
	if !ok {
		return "", fmt.Errorf("not a snapshot tag: %q", tag)
	}
	return hash.Parse(h)
}
