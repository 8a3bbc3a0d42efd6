package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/spatial.session/internal/security"
	"github.com/banshee-data/spatial.session/internal/spatial/persistence/mapstore"
)

func newMapsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maps",
		Short: "Manage archived world maps",
	}
	cmd.AddCommand(
		newMapsListCmd(a),
		newMapsExportCmd(a),
		newMapsPruneCmd(a),
	)
	return cmd
}

func withStore(a *app, fn func(*mapstore.Store) error) error {
	store, err := mapstore.Open(a.env.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newMapsListCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived maps, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(a, func(s *mapstore.Store) error {
				recs, err := s.List(cmd.Context(), a.env.SessionID, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tLABEL\tANCHORS\tBYTES\tCAPTURED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n",
						r.ID, r.Label, r.AnchorCount, r.Size, r.CapturedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func newMapsExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <id> [file]",
		Short: "Write an archived map blob to a file",
		Long:  "Write an archived map blob to a file under the working or temp directory. The default name is <session>-<id>.spwm.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid map id %q", args[0])
			}
			path := fmt.Sprintf("%s-%d.spwm", security.SanitizeFilename(a.env.SessionID), id)
			if len(args) == 2 {
				path = args[1]
			}
			if err := security.ValidateExportPath(path); err != nil {
				return err
			}
			return withStore(a, func(s *mapstore.Store) error {
				rec, blob, err := s.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, blob, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported map %d (%d anchors) to %s\n", rec.ID, rec.AnchorCount, path)
				return nil
			})
		},
	}
}

func newMapsPruneCmd(a *app) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest maps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must be non-negative")
			}
			return withStore(a, func(s *mapstore.Store) error {
				n, err := s.Prune(cmd.Context(), a.env.SessionID, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d maps\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 10, "maps to keep")
	return cmd
}
