package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/speechlens/speechlens/internal/contextstore"
)

func newHighlightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "highlights",
		Short: "Inspect persisted conversation highlights",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the most recent highlights, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := contextstore.NewStore(cmd.Context(), cfg.DatabaseURL, cfg.ContextDir, contextstore.WithCalendarPath(cfg.CalendarPath))
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.RecentHighlights(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSTOPPED\tHIGHLIGHT")
			for i, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i, r.StopAt.Local().Format(time.DateTime), r.Highlight)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 10, "number of highlights to show (0 for all)")
	cmd.AddCommand(list)
	return cmd
}
