package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/wcsnap"
)

var showCmd = &cobra.Command{
	Use:   "show <snapshot-id|snap-tag>",
	Short: "Print a published snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	m, err := wcsnap.Show(context.Background(), viper.GetString("remote"), args[0], opts...)
	if err != nil {
		return err
	}

	fmt.Printf("base:      %s\n", m.Base)
	fmt.Printf("author:    %s\n", m.Author)
	fmt.Printf("timestamp: %s\n", m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	if m.Merge != nil {
		fmt.Printf("merging:   %v\n", m.Merge.Parents)
		for _, c := range m.Merge.Conflicts {
			fmt.Printf("conflict:  %s\n", c)
		}
	}
	fmt.Println()

	if len(m.Changes) == 0 {
		fmt.Println("(no changes)")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range m.Changes {
		addr := "-"
		if c.Address != "" {
			addr = c.Address.Short()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Kind, c.Mode, addr, c.Path)
	}
	return w.Flush()
}
