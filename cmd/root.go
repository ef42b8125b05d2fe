// Package cmd defines the CLI commands for the linkharvest executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/logging"
	"github.com/marketfeed/linkharvest/internal/runner"
)

// Exit codes per the CLI contract.
const (
	exitConfigError  = 2
	exitRuntimeError = 3
)

var (
	cfgFile  string
	sitesDir string
	logLevel string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "linkharvest",
		Short: "Resumable multi-site product-link crawler.",
		Long: `linkharvest walks the configured category pages of each site, extracts
product links, fetches every product page and appends one row per product to
the spreadsheet, one tab per domain. Interrupted runs resume from the
persisted per-category progress.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("GLOBAL_CONFIG_PATH"),
		"path to the global config file (YAML); environment variables apply on top")
	cmd.PersistentFlags().StringVar(&sitesDir, "sites-dir", "",
		"directory with per-site configs (default per APP_RUN_ENV)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", envDefault("LOG_LEVEL", "info"),
		"log level (debug/info/warn/error)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	// Match the container workflow: a .env next to the binary seeds the
	// environment before any config is read.
	_ = godotenv.Load()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		code := exitRuntimeError
		if runner.IsConfigError(err) {
			code = exitConfigError
		}
		fmt.Fprintf(os.Stderr, "linkharvest: %v\n", err)
		os.Exit(code)
	}
}

func buildLogger() (*zap.Logger, error) {
	return logging.New(logLevel, config.DefaultLogFilePath())
}

func envDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
