package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/export"
	"github.com/FlowingSPDG/stream-monitor/streams"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var channelID, streamID int64
	var start, end, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stat samples as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := streams.StatsFilter{StreamID: streamID, ChannelID: channelID}
			var err error
			if f.Start, err = parseStamp(start); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			if f.End, err = parseStamp(end); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				rows, err := repo.ExportStats(cmd.Context(), f)
				if err != nil {
					return err
				}
				var w io.Writer = cmd.OutOrStdout()
				if output != "" && output != "-" {
					file, err := os.Create(output)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				if err := export.WriteStatsCSV(w, rows); err != nil {
					return err
				}
				if output != "" && output != "-" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d samples to %s\n", len(rows), output)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&channelID, "channel", 0, "Only samples of this channel row id")
	cmd.Flags().Int64Var(&streamID, "stream", 0, "Only samples of this stream row id")
	cmd.Flags().StringVar(&start, "start", "", "Earliest collection time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Latest collection time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func parseStamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func newCheckpointCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Fold the write-ahead log into the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(_ *streams.Repository, store *db.Store) error {
				if err := store.Checkpoint(cmd.Context()); err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), "Checkpoint complete: %s", store.Path())
				return nil
			})
		},
	}
}
