package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/runner"
)

func newCrawlCmd() *cobra.Command {
	var (
		runID      string
		resume     bool
		noResume   bool
		resetState bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run the crawler once over every configured site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := buildLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = runner.New(logger).Run(ctx, runner.Options{
				ConfigPath: cfgFile,
				SitesDir:   sitesDir,
				RunID:      runID,
				Resume:     resume && !noResume,
				ResetState: resetState,
				DryRun:     dryRun,
			})
			if errors.Is(err, context.Canceled) {
				logger.Warn("run canceled by signal")
				return nil
			}
			if err != nil {
				logger.Error("run failed", zap.Error(err))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (a UUIDv4 is generated when omitted)")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume from persisted per-category progress")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "start every category from its first page")
	cmd.Flags().BoolVar(&resetState, "reset-state", false, "purge the local state store before running")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "crawl without writing to the spreadsheet")
	return cmd
}
