// Package wcsnap captures the uncommitted state of a git working copy and
// publishes it as a content-addressed snapshot.
//
// A capture scans the working copy against a base revision, hashes every
// changed file, uploads the blobs the remote does not already hold and
// publishes a manifest whose own digest is the snapshot id. Publishing the
// same state twice yields the same id and writes nothing new.
//
// Basic usage:
//
//	report, err := wcsnap.CaptureAndPublish(ctx, wcsnap.Request{
//	    WorkDir:  ".",
//	    Endpoint: "oci://ghcr.io/acme/snapshots",
//	})
//	if err != nil {
//	    var cerr *wcsnap.CaptureError
//	    if errors.As(err, &cerr) {
//	        fmt.Println("failed during", cerr.Stage, cerr.FailedAddresses)
//	    }
//	}
//	fmt.Println(report.SnapshotID, report.BytesUploaded)
//
// Endpoints:
//
//	oci://registry/repo    OCI registry repository (a bare reference works too)
//	file:///path           local directory, zstd-compressed
//	mem://                 in-process, for dry runs
//	a,b,c                  several endpoints written together, see WithMinWrites
//
// Restoring onto a checkout of the base revision:
//
//	m, _ := wcsnap.Restore(ctx, "oci://ghcr.io/acme/snapshots", id, "/tmp/checkout")
package wcsnap
