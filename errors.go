package wcsnap

import (
	"errors"
	"fmt"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/manifest"
	"github.com/aweris/wcsnap/internal/scan"
	"github.com/aweris/wcsnap/internal/store"
)

var (
	ErrNotFound               = store.ErrNotFound
	ErrUnresolvedBaseRevision = scan.ErrUnresolvedBaseRevision
	ErrNoWorkDir              = errors.New("wcsnap: no working directory")
)

// Stage names the pipeline step a capture failed in.
type Stage string

const (
	StageOpen    Stage = "open"
	StageScan    Stage = "scan"
	StageHash    Stage = "hash"
	StageProbe   Stage = "probe"
	StageUpload  Stage = "upload"
	StageBuild   Stage = "build"
	StagePublish Stage = "publish"
)

// CaptureError is returned by CaptureAndPublish for every fatal failure.
type CaptureError struct {
	Stage           Stage
	Err             error
	FailedPaths     []string
	FailedAddresses []hash.Digest

	// Manifest is set when only publishing failed; pass it to Publish to
	// retry without scanning again.
	Manifest *manifest.Manifest
}

func (e *CaptureError) Error() string {
	msg := fmt.Sprintf("wcsnap: %s: %v", e.Stage, e.Err)
	if n := len(e.FailedPaths); n > 0 {
		msg += fmt.Sprintf(" (%d path(s) excluded)", n)
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Published is always false: the manifest is the last thing written, so a
// failed capture never leaves a snapshot behind and can be retried freely.
func (e *CaptureError) Published() bool { return false }
