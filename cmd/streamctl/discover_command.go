package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/stream-monitor/config"
	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/discovery"
	"github.com/FlowingSPDG/stream-monitor/streams"
	"github.com/FlowingSPDG/stream-monitor/twitchapi"
)

func newDiscoverCommand(ctx *commandContext) *cobra.Command {
	var games, languages []string
	var minViewers int64
	var maxStreams int

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Find live Twitch streams matching the saved discovery filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDiscoverer(cmd, func(repo *streams.Repository, disc *discovery.Discoverer) error {
				s := disc.Settings()
				if cmd.Flags().Changed("game") {
					s.GameIDs = games
				}
				if cmd.Flags().Changed("language") {
					s.Languages = languages
				}
				if cmd.Flags().Changed("min-viewers") {
					s.MinViewers = minViewers
				}
				if cmd.Flags().Changed("max") {
					s.MaxStreams = maxStreams
				}
				disc = discovery.New(ctx.source, repo, discovery.WithDefaults(s))
				found, err := disc.Refresh(cmd.Context())
				if err != nil {
					return err
				}
				return printDiscovered(cmd, ctx, found)
			})
		},
	}
	discoverCmd.Flags().StringSliceVar(&games, "game", nil, "Twitch game id (repeatable)")
	discoverCmd.Flags().StringSliceVar(&languages, "language", nil, "Broadcast language code (repeatable)")
	discoverCmd.Flags().Int64Var(&minViewers, "min-viewers", 0, "Skip streams with fewer viewers")
	discoverCmd.Flags().IntVar(&maxStreams, "max", 0, "Keep at most this many streams (1-500)")

	discoverCmd.AddCommand(newDiscoverPromoteCommand(ctx))
	discoverCmd.AddCommand(newDiscoverSettingsCommand(ctx))
	return discoverCmd
}

func printDiscovered(cmd *cobra.Command, ctx *commandContext, found []discovery.Stream) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, found)
	}
	if len(found) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No live streams matched")
		return nil
	}
	rows := make([][]string, 0, len(found))
	for _, s := range found {
		rows = append(rows, []string{
			s.Login,
			s.DisplayName,
			strconv.FormatInt(s.ViewerCount, 10),
			truncate(s.Category, 24),
			s.Language,
			truncate(s.Title, 48),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Login", "Name", "Viewers", "Category", "Lang", "Title"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	))
	return nil
}

func newDiscoverPromoteCommand(ctx *commandContext) *cobra.Command {
	var interval int
	cmd := &cobra.Command{
		Use:   "promote <login>",
		Short: "Run a discovery pass and register a found channel for monitoring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDiscoverer(cmd, func(repo *streams.Repository, disc *discovery.Discoverer) error {
				if _, err := disc.Refresh(cmd.Context()); err != nil {
					return err
				}
				ch, created, err := disc.Promote(cmd.Context(), repo, args[0], interval)
				if err != nil {
					return err
				}
				if !created {
					printLine(cmd.OutOrStdout(), "Channel %d (%s/%s) is already registered", ch.ID, ch.Platform, ch.ChannelID)
					return nil
				}
				printLine(cmd.OutOrStdout(), "Registered channel %d (%s/%s)", ch.ID, ch.Platform, ch.ChannelID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 0, "Poll interval in seconds (default DEFAULT_POLL_INTERVAL)")
	return cmd
}

func newDiscoverSettingsCommand(ctx *commandContext) *cobra.Command {
	var games, languages []string
	var minViewers int64
	var maxStreams, interval int
	var enable, disable bool

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the saved discovery settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return errors.New("--enable and --disable are mutually exclusive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return ctx.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
				disc := discovery.New(nil, repo, discovery.WithDefaults(discoveryDefaults(cfg)))
				if err := disc.Load(cmd.Context()); err != nil {
					return err
				}
				s := disc.Settings()
				changed := false
				set := func(name string, apply func()) {
					if cmd.Flags().Changed(name) {
						apply()
						changed = true
					}
				}
				set("enable", func() { s.Enabled = true })
				set("disable", func() { s.Enabled = false })
				set("game", func() { s.GameIDs = games })
				set("language", func() { s.Languages = languages })
				set("min-viewers", func() { s.MinViewers = minViewers })
				set("max", func() { s.MaxStreams = maxStreams })
				set("interval", func() { s.PollInterval = interval })
				if changed {
					var err error
					if s, err = disc.SaveSettings(cmd.Context(), s); err != nil {
						return err
					}
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, s)
				}
				out := cmd.OutOrStdout()
				printLine(out, "Discovery:   %s", enabledLabel(s.Enabled))
				printLine(out, "Interval:    %ds", s.PollInterval)
				printLine(out, "Max streams: %d", s.MaxStreams)
				printLine(out, "Min viewers: %d", s.MinViewers)
				printLine(out, "Games:       %s", listOrAny(s.GameIDs))
				printLine(out, "Languages:   %s", listOrAny(s.Languages))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "Run discovery in the daemon")
	cmd.Flags().BoolVar(&disable, "disable", false, "Stop discovery in the daemon")
	cmd.Flags().StringSliceVar(&games, "game", nil, "Twitch game id (repeatable)")
	cmd.Flags().StringSliceVar(&languages, "language", nil, "Broadcast language code (repeatable)")
	cmd.Flags().Int64Var(&minViewers, "min-viewers", 0, "Skip streams with fewer viewers")
	cmd.Flags().IntVar(&maxStreams, "max", 0, "Keep at most this many streams (1-500)")
	cmd.Flags().IntVar(&interval, "interval", 0, "Seconds between passes (minimum 60)")
	return cmd
}

func listOrAny(v []string) string {
	if len(v) == 0 {
		return "any"
	}
	return strings.Join(v, ", ")
}

// withDiscoverer opens the store and builds a Discoverer over Twitch
// credentials from the environment, loaded with the saved settings.
func (c *commandContext) withDiscoverer(cmd *cobra.Command, fn func(repo *streams.Repository, disc *discovery.Discoverer) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.source == nil {
		if !cfg.TwitchEnabled() {
			return errors.New("discovery needs TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
		}
		c.source = twitchapi.NewClient(twitchapi.Config{
			ClientID:          cfg.TwitchClientID,
			ClientSecret:      cfg.TwitchClientSecret,
			BaseURL:           cfg.TwitchAPIBaseURL,
			TokenURL:          cfg.TwitchTokenURL,
			RequestsPerSecond: cfg.TwitchRateLimit,
		})
	}
	return c.withStore(cmd, func(repo *streams.Repository, _ *db.Store) error {
		disc := discovery.New(c.source, repo, discovery.WithDefaults(discoveryDefaults(cfg)))
		if err := disc.Load(cmd.Context()); err != nil {
			return err
		}
		return fn(repo, disc)
	})
}

// discoveryDefaults mirrors the daemon's settings before any are saved.
func discoveryDefaults(cfg *config.Config) discovery.Settings {
	return discovery.Settings{
		Enabled:      cfg.DiscoveryEnabled,
		PollInterval: int(cfg.DiscoveryInterval / time.Second),
		GameIDs:      cfg.DiscoveryGameIDs,
		Languages:    cfg.DiscoveryLanguages,
		MinViewers:   int64(cfg.DiscoveryMinViewers),
		MaxStreams:   cfg.DiscoveryMaxStreams,
	}
}
