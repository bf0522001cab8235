package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/speechlens/speechlens/internal/calendar"
)

func newCalendarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Inspect the calendar the relay reads",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "summarize [path]",
		Short: "Print the schedule summary and parsed events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.CalendarPath
			}
			events, err := calendar.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, calendar.Summarize(events, time.Now()))
			for _, ev := range events {
				fmt.Fprintf(out, "  %s\n", ev)
			}
			return nil
		},
	})
	return cmd
}
