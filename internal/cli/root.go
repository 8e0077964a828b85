// Package cli implements sessionctl, the operator tool for replaying recorded
// sessions, inspecting spooled outcomes and minting candidate tokens.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "Operator tool for proctored assessment sessions",
	Long: `sessionctl - operator tool for proctored assessment sessions

Replays recorded session scripts against the session controller, lists the
outcomes spooled by replays and issues candidate tokens for testing.

Configuration is read from the environment (and .env) like the server.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("spool", "", "SQLite spool path (default from SPOOL_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (default from LOG_LEVEL)")
	rootCmd.PersistentFlags().StringP("format", "f", "text", "Output format (text, json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sessionctl %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// env bundles what every command needs, resolved from config and flags.
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	format string
	out    io.Writer
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg := config.Load()

	if spool, _ := cmd.Flags().GetString("spool"); spool != "" {
		cfg.SpoolPath = spool
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("unknown output format %q (use text or json)", format)
	}

	// Logs go to stderr so stdout stays parseable.
	return &env{
		cfg:    cfg,
		log:    logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat),
		format: format,
		out:    cmd.OutOrStdout(),
	}, nil
}
