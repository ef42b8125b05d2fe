package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/runner"
)

func newWatchCmd() *cobra.Command {
	var (
		resume       bool
		resetState   bool
		dryRun       bool
		successDelay float64
		errorDelay   float64
		maxRuns      int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the crawler continuously, restarting after each cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := buildLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agent := runner.New(logger)
			opts := runner.Options{
				ConfigPath: cfgFile,
				SitesDir:   sitesDir,
				Resume:     resume,
				ResetState: resetState,
				DryRun:     dryRun,
			}

			completed := 0
			for maxRuns <= 0 || completed < maxRuns {
				wait := successDelay
				runErr := agent.Run(ctx, opts)
				switch {
				case errors.Is(runErr, context.Canceled) || ctx.Err() != nil:
					logger.Warn("watch mode stopped")
					return nil
				case runner.IsConfigError(runErr):
					// Config problems do not fix themselves between cycles.
					return runErr
				case runErr != nil:
					logger.Error("run failed, retrying after delay",
						zap.Error(runErr), zap.Float64("delay_sec", errorDelay))
					wait = errorDelay
				default:
					completed++
					logger.Info("crawl cycle finished", zap.Int("completed", completed))
				}
				// Only the first cycle honors --reset-state.
				opts.ResetState = false

				if maxRuns > 0 && completed >= maxRuns {
					break
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Duration(wait * float64(time.Second))):
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", true, "resume from persisted per-category progress")
	cmd.Flags().BoolVar(&resetState, "reset-state", false, "purge the local state store before the first run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "crawl without writing to the spreadsheet")
	cmd.Flags().Float64Var(&successDelay, "success-delay", 300, "pause between successful cycles, seconds")
	cmd.Flags().Float64Var(&errorDelay, "error-delay", 120, "pause before retrying after a failed cycle, seconds")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "optional bound on successful crawl cycles; failed cycles are not counted (0 = unbounded)")
	return cmd
}
