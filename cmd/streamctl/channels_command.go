package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/streams"
)

func newChannelsCommand(ctx *commandContext) *cobra.Command {
	channelsCmd := &cobra.Command{
		Use:   "channels",
		Short: "List and manage monitored channels",
	}

	channelsCmd.AddCommand(newChannelsListCommand(ctx))
	channelsCmd.AddCommand(newChannelsAddCommand(ctx))
	channelsCmd.AddCommand(newChannelsToggleCommand(ctx, "enable", true))
	channelsCmd.AddCommand(newChannelsToggleCommand(ctx, "disable", false))
	channelsCmd.AddCommand(newChannelsIntervalCommand(ctx))
	channelsCmd.AddCommand(newChannelsRemoveCommand(ctx))

	return channelsCmd
}

func newChannelsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show registered channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				list, err := repo.ListChannels(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No channels registered")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, ch := range list {
					rows = append(rows, []string{
						strconv.FormatInt(ch.ID, 10),
						ch.Platform,
						ch.ChannelID,
						ch.ChannelName,
						ch.DisplayName,
						enabledLabel(ch.Enabled),
						fmt.Sprintf("%ds", ch.PollInterval),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Platform", "Channel ID", "Name", "Display", "Status", "Interval"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func newChannelsAddCommand(ctx *commandContext) *cobra.Command {
	var name, display string
	var interval int
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add <platform> <channel-id>",
		Short: "Register a channel (twitch login or youtube channel id)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				enabled := !disabled
				ch, err := repo.CreateChannel(cmd.Context(), streams.NewChannel{
					Platform:     args[0],
					ChannelID:    args[1],
					ChannelName:  name,
					DisplayName:  display,
					Enabled:      &enabled,
					PollInterval: interval,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, ch)
				}
				printLine(cmd.OutOrStdout(), "Registered channel %d (%s/%s)", ch.ID, ch.Platform, ch.ChannelID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Channel name (defaults to the channel id)")
	cmd.Flags().StringVar(&display, "display", "", "Display name")
	cmd.Flags().IntVar(&interval, "interval", 0, "Poll interval in seconds")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Register without polling")
	return cmd
}

func parseChannelID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid channel id %q", arg)
	}
	return id, nil
}

func newChannelsToggleCommand(ctx *commandContext, verb string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("%s polling for a channel", map[bool]string{true: "Enable", false: "Disable"}[enable]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChannelID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				ch, err := repo.UpdateChannel(cmd.Context(), id, streams.ChannelUpdate{Enabled: &enable})
				if err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), "Channel %d %s", ch.ID, enabledLabel(ch.Enabled))
				return nil
			})
		},
	}
}

func newChannelsIntervalCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "interval <id> <seconds>",
		Short: "Change a channel's poll interval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChannelID(args[0])
			if err != nil {
				return err
			}
			seconds, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid interval %q", args[1])
			}
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				ch, err := repo.UpdateChannel(cmd.Context(), id, streams.ChannelUpdate{PollInterval: &seconds})
				if err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), "Channel %d polls every %ds", ch.ID, ch.PollInterval)
				return nil
			})
		},
	}
}

func newChannelsRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a channel with all of its streams, samples and chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChannelID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				if err := repo.DeleteChannel(cmd.Context(), id); err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), "Channel %d removed", id)
				return nil
			})
		},
	}
}
