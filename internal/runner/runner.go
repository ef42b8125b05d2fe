// Package runner wires the crawl pipeline together and iterates sites.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/behavior"
	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/content"
	"github.com/marketfeed/linkharvest/internal/crawler"
	"github.com/marketfeed/linkharvest/internal/fetcher/headless"
	"github.com/marketfeed/linkharvest/internal/fetcher/httpengine"
	"github.com/marketfeed/linkharvest/internal/media"
	"github.com/marketfeed/linkharvest/internal/metrics"
	"github.com/marketfeed/linkharvest/internal/proxy"
	"github.com/marketfeed/linkharvest/internal/sheets"
	"github.com/marketfeed/linkharvest/internal/sitecrawler"
	"github.com/marketfeed/linkharvest/internal/state"
	"github.com/marketfeed/linkharvest/internal/telemetry"

	systemclock "github.com/marketfeed/linkharvest/internal/clock/system"
)

// Options are the per-run CLI knobs.
type Options struct {
	ConfigPath string
	SitesDir   string
	RunID      string
	Resume     bool
	ResetState bool
	DryRun     bool
}

// Runner executes one agent run over every configured site.
type Runner struct {
	logger *zap.Logger
}

// New builds a Runner.
func New(logger *zap.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run loads configuration, crawls every site sequentially and finalizes the
// run log and state tab. Configuration failures wrap config.ErrInvalid.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	sitesDir := opts.SitesDir
	if sitesDir == "" {
		sitesDir = config.DefaultSitesDir()
	}
	sites, err := config.LoadSites(sitesDir)
	if err != nil {
		return err
	}
	if !opts.DryRun && cfg.Sheet.SpreadsheetID == "" {
		return fmt.Errorf("%w: sheet.spreadsheet_id is required outside dry-run", config.ErrInvalid)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	startedAt := time.Now().UTC()
	r.logger.Info("run starting",
		zap.String("run_id", runID),
		zap.Int("sites", len(sites)),
		zap.Bool("resume", opts.Resume),
		zap.Bool("dry_run", opts.DryRun),
	)

	metrics.Init()
	telemetryServer := telemetry.New(cfg.Telemetry.ListenAddr, r.logger)
	telemetryServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		telemetryServer.Shutdown(shutdownCtx)
		cancel()
	}()

	store, err := state.Open(cfg.State.DatabasePath, r.logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() { _ = store.Close() }()
	if opts.ResetState {
		r.logger.Warn("full state reset requested")
		if err := store.ResetAll(); err != nil {
			return fmt.Errorf("reset state: %w", err)
		}
	}

	pool := proxy.New(cfg.Network.ProxyPool, cfg.Network.ProxyAllowDirect, cfg.Network.BadProxyLogPath, r.logger)
	defer pool.Close()

	httpEngine := httpengine.New(cfg.Network, pool, r.logger)
	defer httpEngine.Close()

	saver, err := media.NewSaver(httpEngine, cfg.Product.ImageDir, r.logger)
	if err != nil {
		return err
	}

	var sink sitecrawler.Sink = sitecrawler.NopSink{}
	var writer *sheets.Writer
	if !opts.DryRun {
		secretPath := cfg.Google.OAuthClientSecretPath
		if secretPath == "" {
			secretPath = filepath.Join(config.DefaultSecretsDir(), "client_secret.json")
		}
		client, err := sheets.NewClient(
			ctx,
			cfg.Sheet.SpreadsheetID,
			secretPath,
			cfg.Google.OAuthScopes,
			cfg.Sheet.WriteBatchSize,
			r.logger,
		)
		if err != nil {
			return fmt.Errorf("init sheets client: %w", err)
		}
		writer, err = sheets.NewWriter(client, cfg.Sheet.StateTab, cfg.Sheet.RunsTab, cfg.Write.FlushProductInterval, r.logger)
		if err != nil {
			return fmt.Errorf("init sheets writer: %w", err)
		}
		sink = writer
	} else {
		r.logger.Info("dry-run: sheet writes disabled")
	}

	runCtx := crawler.NewRunContext(
		runID,
		startedAt,
		opts.Resume,
		opts.DryRun,
		cfg.Runtime.StopAfterProducts,
		cfg.Runtime.StopAfterMinutes,
	)
	clock := systemclock.New()
	controller := behavior.New(
		cfg.Behavior,
		time.Duration(cfg.Network.RequestTimeoutSec*float64(time.Second)),
		time.Duration(cfg.Network.BrowserExtraPagePreviewSec*float64(time.Second)),
		r.logger,
	)
	skippedLogPath := filepath.Join(filepath.Dir(cfg.State.DatabasePath), "skipped_products.log")

	var runErr error
	for _, site := range sites {
		if ctx.Err() != nil {
			r.logger.Warn("run interrupted, stopping site loop")
			break
		}
		if runCtx.StopReached(clock.Now()) {
			r.logger.Info("global stop threshold reached, remaining sites skipped")
			break
		}
		if err := r.crawlSite(ctx, site, cfg, pool, httpEngine, controller, saver, sink, writer, store, runCtx, clock, skippedLogPath); err != nil {
			runErr = err
			r.logger.Error("site crawl aborted", zap.String("site", site.Name), zap.Error(err))
		}
	}

	if writer != nil {
		if err := r.finalize(writer, store); err != nil {
			r.logger.Warn("run finalize failed", zap.Error(err))
		}
	}
	r.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int("products_committed", runCtx.ProductsCommitted()),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	return runErr
}

func (r *Runner) crawlSite(
	ctx context.Context,
	site config.SiteConfig,
	cfg config.Config,
	pool *proxy.Pool,
	httpEngine *httpengine.Engine,
	controller *behavior.Controller,
	saver *media.Saver,
	sink sitecrawler.Sink,
	writer *sheets.Writer,
	store *state.Store,
	runCtx *crawler.RunContext,
	clock crawler.Clock,
	skippedLogPath string,
) error {
	pageEngine, closeEngine, err := r.buildPageEngine(site, cfg, pool, httpEngine, controller)
	if err != nil {
		return err
	}
	defer closeEngine()

	productEngine := crawler.Engine(httpEngine)
	if cfg.Product.FetchEngine == config.EngineBrowser && site.Engine == config.EngineBrowser {
		// Reuse the site's browser so a second one is never launched.
		productEngine = pageEngine
	}

	fetcher := content.NewFetcher(productEngine, site.Selectors, r.logger)
	siteCrawler := sitecrawler.New(sitecrawler.Options{
		Site:            site,
		Runtime:         cfg.Runtime,
		DedupeBlacklist: cfg.Dedupe.StripParamsBlacklist,
		Run:             runCtx,
		Engine:          pageEngine,
		ContentFetcher:  fetcher,
		ImageSaver:      saver,
		Sink:            sink,
		Store:           store,
		SkippedLogPath:  skippedLogPath,
		Clock:           clock,
		Logger:          r.logger,
		BehaviorEnabled: cfg.Behavior.Enabled && site.Engine == config.EngineBrowser,
	})

	started := clock.Now()
	result := siteCrawler.CrawlSite(ctx)

	if writer != nil {
		totalFound, totalWritten := 0, 0
		for _, metric := range result.Metrics {
			totalFound += metric.TotalFound
			totalWritten += metric.TotalWritten
		}
		if err := writer.WriteRunLog(sheets.RunInfo{
			RunID:         runCtx.RunID,
			Site:          result.SheetTab,
			StartedAt:     started,
			FinishedAt:    clock.Now(),
			ProductsTotal: totalFound,
			ProductsNew:   totalWritten,
		}); err != nil {
			r.logger.Warn("run log append failed", zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) buildPageEngine(
	site config.SiteConfig,
	cfg config.Config,
	pool *proxy.Pool,
	httpEngine *httpengine.Engine,
	controller *behavior.Controller,
) (crawler.Engine, func(), error) {
	if site.Engine != config.EngineBrowser {
		return httpEngine, func() {}, nil
	}
	browserEngine, err := headless.New(cfg.Network, pool, controller, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init browser engine for %s: %w", site.Name, err)
	}
	return browserEngine, browserEngine.Close, nil
}

// finalize appends nothing further to domain tabs; it refreshes the _state
// tab from the store.
func (r *Runner) finalize(writer *sheets.Writer, store *state.Store) error {
	states, err := store.IterAll()
	if err != nil {
		return err
	}
	rows := make([]sheets.StateRow, 0, len(states))
	for _, cs := range states {
		rows = append(rows, sheets.StateRow{
			SiteName:         cs.SiteName,
			CategoryURL:      cs.CategoryURL,
			LastPage:         cs.LastPage,
			LastProductCount: cs.LastProductCount,
			LastRunTS:        cs.LastRunTS,
		})
	}
	return writer.RewriteState(rows)
}

// IsConfigError reports whether err is a configuration failure (exit code 2).
func IsConfigError(err error) bool {
	return errors.Is(err, config.ErrInvalid)
}
