package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/stream-monitor/config"
	"github.com/FlowingSPDG/stream-monitor/db"
	"github.com/FlowingSPDG/stream-monitor/discovery"
	"github.com/FlowingSPDG/stream-monitor/streams"
)

type commandContext struct {
	dbFlag   *string
	jsonFlag *bool
	// source is built from the environment on first use by discover commands.
	source discovery.Source
}

func newRootCommand() *cobra.Command {
	var dbFlag string
	var jsonFlag bool
	var verbose bool

	ctx := &commandContext{dbFlag: &dbFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "streamctl",
		Short:         "Administer the stream-monitor database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl := slog.LevelWarn
			if verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Database file (defaults to DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(newChannelsCommand(ctx))
	rootCmd.AddCommand(newStreamsCommand(ctx))
	rootCmd.AddCommand(newTimelineCommand(ctx))
	rootCmd.AddCommand(newCompareCommand(ctx))
	rootCmd.AddCommand(newDiscoverCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newCheckpointCommand(ctx))

	return rootCmd
}

func (c *commandContext) dbPath() (string, error) {
	if c.dbFlag != nil && strings.TrimSpace(*c.dbFlag) != "" {
		return strings.TrimSpace(*c.dbFlag), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.DBPath, nil
}

func (c *commandContext) jsonOutput() bool { return c.jsonFlag != nil && *c.jsonFlag }

// withStore opens and migrates the database for the duration of fn.
func (c *commandContext) withStore(cmd *cobra.Command, fn func(repo *streams.Repository, store *db.Store) error) (err error) {
	path, err := c.dbPath()
	if err != nil {
		return err
	}
	store, err := db.Open(cmd.Context(), path, db.WithThreads(1), db.WithCheckpointEvery(0))
	if err != nil {
		if errors.Is(err, db.ErrLocked) {
			return fmt.Errorf("open %s: the stream-monitor daemon is running; use its HTTP API or stop it first", path)
		}
		return err
	}
	defer func() {
		if cerr := store.Close(cmd.Context()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := db.Migrate(cmd.Context(), store); err != nil {
		return err
	}
	return fn(streams.New(store), store)
}

func printLine(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, format+"\n", args...)
}
