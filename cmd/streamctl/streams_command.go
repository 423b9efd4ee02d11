package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/stream-monitor/analytics"
	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/streams"
)

const stampLayout = "2006-01-02 15:04"

func newStreamsCommand(ctx *commandContext) *cobra.Command {
	var channelID int64
	var from, to string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List stream summaries by channel or by start date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				var list []analytics.StreamInfo
				var err error
				if channelID > 0 {
					list, err = repo.ChannelStreams(cmd.Context(), channelID, limit, offset)
				} else {
					var start, end time.Time
					if start, end, err = dateRange(from, to); err != nil {
						return err
					}
					list, err = repo.StreamsByDateRange(cmd.Context(), start, end, limit, offset)
				}
				if err != nil {
					return err
				}
				return printStreamInfos(cmd, ctx, list)
			})
		},
	}
	cmd.Flags().Int64Var(&channelID, "channel", 0, "Channel row id")
	cmd.Flags().StringVar(&from, "from", "", "First start date, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&to, "to", "", "Last start date, YYYY-MM-DD (default --from)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func dateRange(from, to string) (time.Time, time.Time, error) {
	start := time.Now().UTC()
	if from != "" {
		t, err := time.Parse(time.DateOnly, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from %q: want YYYY-MM-DD", from)
		}
		start = t
	}
	end := start
	if to != "" {
		t, err := time.Parse(time.DateOnly, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to %q: want YYYY-MM-DD", to)
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return start, end, nil
}

func printStreamInfos(cmd *cobra.Command, ctx *commandContext, list []analytics.StreamInfo) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No streams")
		return nil
	}
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		ended := "live"
		if s.EndedAt != nil {
			ended = s.EndedAt.Local().Format(stampLayout)
		}
		rows = append(rows, []string{
			strconv.FormatInt(s.ID, 10),
			s.ChannelName,
			truncate(s.Title, 40),
			s.Category,
			s.StartedAt.Local().Format(stampLayout),
			ended,
			strconv.FormatInt(s.PeakViewers, 10),
			strconv.FormatInt(s.AvgViewers, 10),
			strconv.FormatInt(s.MinutesWatched, 10),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Channel", "Title", "Category", "Started", "Ended", "Peak", "Avg", "Watched (min)"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func parseStreamID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid stream id %q", arg)
	}
	return id, nil
}

func newTimelineCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <stream-id>",
		Short: "Show a stream's summary, samples and category/title changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				tl, err := repo.StreamTimeline(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, tl)
				}
				printTimeline(cmd, tl)
				return nil
			})
		},
	}
}

func printTimeline(cmd *cobra.Command, tl *analytics.Timeline) {
	out := cmd.OutOrStdout()
	info := tl.Info
	printLine(out, "Stream %d on %s: %s", info.ID, info.ChannelName, info.Title)
	printLine(out, "Category:   %s", info.Category)
	printLine(out, "Duration:   %d min", info.DurationMinutes)
	printLine(out, "Viewers:    peak %d, avg %d", info.PeakViewers, info.AvgViewers)
	printLine(out, "Watched:    %d min", info.MinutesWatched)
	printLine(out, "Chat:       %d messages (%.2f per 1000 watched min)", info.TotalChatMessages, info.EngagementRate)
	if info.FollowerGain != 0 {
		printLine(out, "Followers:  +%d", info.FollowerGain)
	}

	rows := make([][]string, 0, len(tl.Points))
	for _, p := range tl.Points {
		viewers := "-"
		if p.ViewerCount != nil {
			viewers = strconv.FormatInt(*p.ViewerCount, 10)
		}
		rows = append(rows, []string{p.CollectedAt.Local().Format(time.DateTime), viewers, strconv.FormatInt(p.ChatRate1Min, 10), p.Category})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Collected", "Viewers", "Chat/min", "Category"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft}))
	}
	for _, c := range tl.CategoryChanges {
		printLine(out, "%s  category %q -> %q", c.Timestamp.Local().Format(time.DateTime), c.From, c.To)
	}
	for _, c := range tl.TitleChanges {
		printLine(out, "%s  title %q -> %q", c.Timestamp.Local().Format(time.DateTime), c.From, c.To)
	}
}

func newCompareCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "compare <stream-id>",
		Short: "Suggest streams that overlapped the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStreamID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				list, err := repo.ComparisonSuggestions(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				return printStreamInfos(cmd, ctx, list)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum suggestions")
	return cmd
}
