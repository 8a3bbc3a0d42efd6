package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/spatial.session/internal/spatial/persistence"
)

func newInspectCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <blob>",
		Short: "Print the header of a saved world-map blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			meta, err := persistence.Inspect(blob)
			if err != nil {
				return err
			}
			return printMetadata(cmd.OutOrStdout(), meta)
		},
	}
}

func printMetadata(w io.Writer, meta persistence.Metadata) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%d\n", meta.Version)
	fmt.Fprintf(tw, "anchors\t%d\n", meta.AnchorCount)
	fmt.Fprintf(tw, "captured\t%s\n", meta.CapturedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(tw, "compressed\t%t\n", meta.Compressed)
	fmt.Fprintf(tw, "bytes\t%d\n", meta.Size)
	return tw.Flush()
}
