package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/wcsnap"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id> [dir]",
	Short: "Apply a snapshot onto a checkout",
	Long:  "Apply a published snapshot onto dir, which must hold a checkout of the snapshot's base revision.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 1 {
		dir = args[1]
	}
	opts, err := options()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Restoring %s into %s...\n", args[0], dir)

	m, err := wcsnap.Restore(context.Background(), viper.GetString("remote"), args[0], dir, opts...)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Done. %d change(s) applied on %s.\n", len(m.Changes), m.Base)
	return nil
}
