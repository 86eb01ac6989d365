package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/wcsnap"
)

var publishCmd = &cobra.Command{
	Use:   "publish <manifest-file>",
	Short: "Publish a manifest saved by a failed capture",
	Long: `Publish a manifest that capture built but could not publish. Only the
manifest is written; its blobs must already be on the remote. The file is
removed once the snapshot is published and its id is printed on stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	m, err := wcsnap.LoadManifest(args[0])
	if err != nil {
		return err
	}
	opts, err := options()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := wcsnap.Publish(ctx, viper.GetString("remote"), m, opts...)
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	if err := os.Remove(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "Published %d change(s) against %s.\n", len(m.Changes), shortRev(m.Base))
	fmt.Println(id)
	return nil
}
