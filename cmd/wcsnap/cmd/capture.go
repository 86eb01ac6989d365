package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/wcsnap"
)

var captureCmd = &cobra.Command{
	Use:   "capture [workdir]",
	Short: "Capture and publish the working copy",
	Long: `Capture every uncommitted change in a git working copy, upload the
content the remote is missing and publish a snapshot manifest. The snapshot
id is printed on stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().String("base", "", "revision to compare against (default HEAD)")
	captureCmd.Flags().String("author", "", "snapshot author (default from git config)")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	workDir := "."
	if len(args) > 0 {
		workDir = args[0]
	}
	base, _ := cmd.Flags().GetString("base")
	author, _ := cmd.Flags().GetString("author")

	opts, err := options()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := wcsnap.CaptureAndPublish(ctx, wcsnap.Request{
		WorkDir:  workDir,
		Base:     base,
		Endpoint: viper.GetString("remote"),
		Author:   author,
	}, opts...)
	if err != nil {
		var cerr *wcsnap.CaptureError
		if errors.As(err, &cerr) {
			for _, d := range cerr.FailedAddresses {
				fmt.Fprintf(os.Stderr, "  not uploaded: %s\n", d)
			}
			if cerr.Manifest != nil {
				if path, _, serr := wcsnap.SaveManifest(pendingDir(), cerr.Manifest); serr == nil {
					fmt.Fprintf(os.Stderr, "Manifest built but not published. Run `wcsnap publish %s` to retry.\n", path)
				} else {
					fmt.Fprintf(os.Stderr, "Manifest built but not published, and could not be saved: %v\n", serr)
				}
			}
		}
		return fmt.Errorf("capture failed: %w", err)
	}

	for _, pe := range report.FailedPaths {
		fmt.Fprintf(os.Stderr, "  skipped %s: %v\n", pe.Path, pe.Err)
	}
	state := "Published"
	if report.AlreadyPublished {
		state = "Already published"
	}
	fmt.Fprintf(os.Stderr, "%s: %d change(s) against %s, %d file(s) scanned.\n",
		state, report.Changes, shortRev(report.Base), report.FilesScanned)
	fmt.Fprintf(os.Stderr, "Blobs: %d uploaded (%d bytes), %d already present. Took %s.\n",
		report.BlobsUploaded, report.BytesUploaded, report.BlobsPresent, report.Duration.Round(time.Millisecond))
	fmt.Println(report.SnapshotID)
	return nil
}

// pendingDir holds manifests whose publish failed.
func pendingDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "wcsnap", "pending")
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
