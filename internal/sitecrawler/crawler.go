// Package sitecrawler drives the per-site crawl pipeline: pagination,
// extraction, per-product commits and progress updates.
package sitecrawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/content"
	"github.com/marketfeed/linkharvest/internal/crawler"
	"github.com/marketfeed/linkharvest/internal/media"
	"github.com/marketfeed/linkharvest/internal/metrics"
	"github.com/marketfeed/linkharvest/internal/monitoring"
	"github.com/marketfeed/linkharvest/internal/state"
)

// Sink is the sheet surface the crawler flushes products into. The sheets
// writer implements it; dry runs use NopSink.
type Sink interface {
	Prepare(tab string) error
	Append(ctx context.Context, tab string, record crawler.ProductRecord) (bool, error)
	Flush(ctx context.Context, tab string) error
}

// NopSink accepts every record and writes nothing (dry-run mode).
type NopSink struct{}

// Prepare implements Sink.
func (NopSink) Prepare(string) error { return nil }

// Append implements Sink.
func (NopSink) Append(context.Context, string, crawler.ProductRecord) (bool, error) {
	return true, nil
}

// Flush implements Sink.
func (NopSink) Flush(context.Context, string) error { return nil }

// Crawler walks the categories of one site.
type Crawler struct {
	site    config.SiteConfig
	runtime config.RuntimeConfig
	dedupe  []string
	run     *crawler.RunContext

	engine  crawler.Engine
	fetcher *content.Fetcher
	saver   *media.Saver
	sink    Sink
	store   *state.Store
	skipped *skippedLog
	clock   crawler.Clock
	logger  *zap.Logger

	behaviorEnabled bool

	seenMu sync.Mutex
	seen   map[string]bool // in-run set keyed by product_id_hash

	sleep func(ctx context.Context, d time.Duration) error
}

// Options wires a Crawler's collaborators.
type Options struct {
	Site            config.SiteConfig
	Runtime         config.RuntimeConfig
	DedupeBlacklist []string
	Run             *crawler.RunContext
	Engine          crawler.Engine
	ContentFetcher  *content.Fetcher
	ImageSaver      *media.Saver
	Sink            Sink
	Store           *state.Store
	SkippedLogPath  string
	Clock           crawler.Clock
	Logger          *zap.Logger
	BehaviorEnabled bool
}

// New builds a site crawler.
func New(opts Options) *Crawler {
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	return &Crawler{
		site:            opts.Site,
		runtime:         opts.Runtime,
		dedupe:          opts.DedupeBlacklist,
		run:             opts.Run,
		engine:          opts.Engine,
		fetcher:         opts.ContentFetcher,
		saver:           opts.ImageSaver,
		sink:            sink,
		store:           opts.Store,
		skipped:         newSkippedLog(opts.SkippedLogPath, opts.Logger),
		clock:           opts.Clock,
		logger:          opts.Logger.With(zap.String("site", opts.Site.Name)),
		behaviorEnabled: opts.BehaviorEnabled,
		seen:            make(map[string]bool),
		sleep:           sleepCtx,
	}
}

// CrawlSite walks every category. Up to max_concurrency_per_site categories
// run in parallel; products inside one category stay sequential so the
// committed count grows monotonically.
func (c *Crawler) CrawlSite(ctx context.Context) crawler.SiteCrawlResult {
	c.logger.Info("site crawl started", zap.Int("categories", len(c.site.CategoryURLs)))
	defer c.skipped.Close()

	result := crawler.SiteCrawlResult{
		SiteName: c.site.Name,
		SheetTab: c.site.Domain,
	}

	sem := make(chan struct{}, c.runtime.MaxConcurrencyPerSite)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, categoryURL := range c.site.CategoryURLs {
		if ctx.Err() != nil || c.run.StopReached(c.clock.Now()) {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(categoryURL string) {
			defer wg.Done()
			defer func() { <-sem }()
			metric := c.crawlCategory(ctx, categoryURL)
			mu.Lock()
			result.Metrics = append(result.Metrics, metric)
			mu.Unlock()
		}(categoryURL)
	}
	wg.Wait()

	if err := c.sink.Flush(ctx, c.site.Domain); err != nil {
		c.logger.Warn("final sheet flush failed", zap.Error(err))
	}
	c.logger.Info("site crawl finished", zap.Int("categories_done", len(result.Metrics)))
	return result
}

func (c *Crawler) crawlCategory(ctx context.Context, categoryURL string) crawler.CategoryMetrics {
	metric := crawler.CategoryMetrics{
		SiteName:    c.site.Name,
		CategoryURL: categoryURL,
		Status:      crawler.CategoryDone,
	}
	logger := c.logger.With(zap.String("category_url", categoryURL))

	var err error
	switch c.site.Pagination.Mode {
	case config.PaginationNumbered:
		err = c.crawlNumberedPages(ctx, categoryURL, &metric, logger)
	case config.PaginationNextButton:
		err = c.crawlNextButton(ctx, categoryURL, &metric, logger)
	case config.PaginationInfiniteScroll:
		err = c.crawlInfiniteScroll(ctx, categoryURL, &metric, logger)
	}
	if err != nil {
		metric.Status = crawler.CategoryFailed
		logger.Error("category crawl failed", zap.Error(err))
	}
	logger.Info("category finished",
		zap.String("status", metric.Status),
		zap.Int("found", metric.TotalFound),
		zap.Int("written", metric.TotalWritten),
		zap.Int("duplicates", metric.TotalDuplicates),
		zap.Int("failed", metric.TotalFailed),
		zap.Int("last_page", metric.LastPage),
	)
	return metric
}

func (c *Crawler) crawlNumberedPages(ctx context.Context, categoryURL string, metric *crawler.CategoryMetrics, logger *zap.Logger) error {
	startPage, committed := c.resumePoint(categoryURL)
	if c.site.Pagination.StartPage > startPage {
		startPage = c.site.Pagination.StartPage
	}
	maxPages := c.site.EffectiveMaxPages()
	endPage := c.site.Pagination.EndPage

	for page := startPage; ; page++ {
		if endPage > 0 && page > endPage {
			break
		}
		if page > maxPages {
			break
		}
		if ctx.Err() != nil {
			metric.Status = crawler.CategoryStopped
			return nil
		}
		if c.run.StopReached(c.clock.Now()) {
			metric.Status = crawler.CategoryStopped
			return nil
		}

		pageURL := c.buildPageURL(categoryURL, page)
		doc, err := c.fetchPage(ctx, pageURL, 0)
		if err != nil {
			return err
		}
		outcome, err := c.processPage(ctx, doc, categoryURL, page, &committed, metric, logger)
		if err != nil {
			return err
		}
		switch outcome {
		case pageEmpty:
			return nil
		case pageStop:
			metric.LastPage = page
			metric.Status = crawler.CategoryStopped
			return nil
		case pageLimit:
			metric.LastPage = page
			return nil
		}
		metric.LastPage = page
		if err := c.pageDelay(ctx); err != nil {
			metric.Status = crawler.CategoryStopped
			return nil
		}
	}
	return nil
}

func (c *Crawler) crawlNextButton(ctx context.Context, categoryURL string, metric *crawler.CategoryMetrics, logger *zap.Logger) error {
	_, committed := c.resumePoint(categoryURL)
	nextURL := categoryURL
	maxPages := c.site.EffectiveMaxPages()

	for page := 1; nextURL != "" && page <= maxPages; page++ {
		if ctx.Err() != nil || c.run.StopReached(c.clock.Now()) {
			metric.Status = crawler.CategoryStopped
			return nil
		}
		doc, err := c.fetchPage(ctx, nextURL, 0)
		if err != nil {
			return err
		}
		outcome, err := c.processPage(ctx, doc, categoryURL, page, &committed, metric, logger)
		if err != nil {
			return err
		}
		switch outcome {
		case pageEmpty:
			return nil
		case pageStop:
			metric.LastPage = page
			metric.Status = crawler.CategoryStopped
			return nil
		case pageLimit:
			metric.LastPage = page
			return nil
		}
		metric.LastPage = page
		nextURL = c.extractNextLink(doc, nextURL)
		if nextURL == "" {
			return nil
		}
		if err := c.pageDelay(ctx); err != nil {
			metric.Status = crawler.CategoryStopped
			return nil
		}
	}
	return nil
}

func (c *Crawler) crawlInfiniteScroll(ctx context.Context, categoryURL string, metric *crawler.CategoryMetrics, logger *zap.Logger) error {
	_, committed := c.resumePoint(categoryURL)
	doc, err := c.fetchPage(ctx, categoryURL, c.site.EffectiveMaxScrolls())
	if err != nil {
		return err
	}
	outcome, err := c.processPage(ctx, doc, categoryURL, 1, &committed, metric, logger)
	if err != nil {
		return err
	}
	if outcome != pageEmpty {
		metric.LastPage = 1
	}
	if outcome == pageStop {
		metric.Status = crawler.CategoryStopped
	}
	return nil
}

// resumePoint returns the page to start on and the committed-product count
// carried over from the previous run. A resumed category restarts on its last
// recorded page so a half-finished page is re-extracted; the sheet's seen
// cache drops the rows that already landed.
func (c *Crawler) resumePoint(categoryURL string) (int, int) {
	if !c.run.Resume || c.store == nil {
		return 1, 0
	}
	cs, err := c.store.Get(c.site.Name, categoryURL)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			c.logger.Warn("resume lookup failed", zap.Error(err))
		}
		return 1, 0
	}
	start := cs.LastPage
	if start < 1 {
		start = 1
	}
	return start, cs.LastProductCount
}

type pageOutcome int

const (
	pageOK pageOutcome = iota
	pageEmpty
	pageStop
	pageLimit
)

// processPage extracts product links and runs the per-product pipeline.
func (c *Crawler) processPage(
	ctx context.Context,
	doc *goquery.Document,
	categoryURL string,
	pageNum int,
	committed *int,
	metric *crawler.CategoryMetrics,
	logger *zap.Logger,
) (pageOutcome, error) {
	if c.stopConditionHolds(doc) {
		return pageStop, nil
	}

	links := c.extractProductLinks(doc)
	metric.TotalFound += len(links)
	if len(links) == 0 {
		return pageEmpty, nil
	}

	for _, link := range links {
		if ctx.Err() != nil {
			return pageLimit, nil
		}
		normalized, hash, err := crawler.NormalizeURL(link, c.baseURL(categoryURL), c.dedupe)
		if err != nil {
			logger.Debug("unparsable product link", zap.String("href", link), zap.Error(err))
			continue
		}
		if !c.domainAllowed(normalized) {
			continue
		}
		if !c.markSeen(hash) {
			metric.TotalDuplicates++
			continue
		}

		if err := c.productDelay(ctx); err != nil {
			return pageLimit, nil
		}

		outcome := c.processProduct(ctx, normalized, hash, categoryURL, pageNum, committed, metric, logger)
		if outcome != pageOK {
			return outcome, nil
		}

		if c.site.Limits.MaxProducts > 0 && metric.TotalWritten >= c.site.Limits.MaxProducts {
			return pageLimit, nil
		}
		if c.run.StopReached(c.clock.Now()) {
			return pageStop, nil
		}
	}
	return pageOK, nil
}

// processProduct runs one product through fetch, image save, sheet append and
// the progress upsert. Failures skip the product and the crawl continues,
// except proxy-pool exhaustion or cancellation, which end the category as
// failed.
func (c *Crawler) processProduct(
	ctx context.Context,
	productURL, hash, categoryURL string,
	pageNum int,
	committed *int,
	metric *crawler.CategoryMetrics,
	logger *zap.Logger,
) pageOutcome {
	productContent, err := c.fetcher.Fetch(ctx, productURL, c.productBehaviorContext(categoryURL))
	if err != nil {
		if errors.Is(err, crawler.ErrProxyPoolExhausted) || ctx.Err() != nil {
			metric.TotalFailed++
			c.skipped.Append(productURL, err)
			metric.Status = crawler.CategoryFailed
			return pageLimit
		}
		logger.Warn("product fetch failed, skipping", zap.String("product_url", productURL), zap.Error(err))
		c.skipped.Append(productURL, err)
		metric.TotalFailed++
		metrics.ObserveProductSkipped(c.site.Name)
		return pageOK
	}

	imagePath := ""
	if c.saver != nil && productContent.ImageURL != "" {
		imagePath, err = c.saver.Save(ctx, productContent.ImageURL, productContent.Title, productURL)
		if err != nil {
			// Non-fatal: the product is committed with an empty image path.
			logger.Warn("image save failed",
				zap.String("product_url", productURL),
				zap.Error(err),
				monitoring.Field(monitoring.ErrorEvent{
					ErrorType:      "ImageSaveError",
					ErrorSource:    monitoring.SourceImage,
					URL:            productContent.ImageURL,
					ActionRequired: []string{"retry"},
				}),
			)
			imagePath = ""
		}
	}

	record := crawler.ProductRecord{
		SourceSite:           c.site.Domain,
		Category:             c.categoryLabel(categoryURL),
		CategoryURL:          categoryURL,
		ProductURL:           productURL,
		ProductContent:       productContent.Text,
		DiscoveredAt:         c.clock.Now(),
		RunID:                c.run.RunID,
		ProductIDHash:        hash,
		PageNum:              pageNum,
		Metadata:             productMetadata(productContent.ImageURL),
		ImagePath:            imagePath,
		NameEN:               productContent.NameEN,
		NameRU:               productContent.NameRU,
		PriceWithoutDiscount: productContent.PriceWithoutDiscount,
		PriceWithDiscount:    productContent.PriceWithDiscount,
		Status:               "new",
	}

	appended, err := c.sink.Append(ctx, c.site.Domain, record)
	if err != nil {
		// The append ladder is exhausted: roll the image back and skip.
		if c.saver != nil {
			c.saver.Remove(imagePath)
		}
		c.skipped.Append(productURL, err)
		metric.TotalFailed++
		metrics.ObserveProductSkipped(c.site.Name)
		logger.Error("sheet append failed, product skipped",
			zap.String("product_url", productURL),
			zap.Error(err),
			monitoring.Field(monitoring.ErrorEvent{
				ErrorType:      "SheetAppendError",
				ErrorSource:    monitoring.SourceSheet,
				URL:            productURL,
				ActionRequired: []string{"wait", "retry_next_run"},
			}),
		)
		return pageOK
	}
	if !appended {
		// Already on the tab from a previous run.
		metric.TotalDuplicates++
		return pageOK
	}

	metric.TotalWritten++
	*committed++
	metrics.ObserveProductCommitted(c.site.Name)

	if c.store != nil {
		if err := c.store.Upsert(state.CategoryState{
			SiteName:         c.site.Name,
			CategoryURL:      categoryURL,
			LastPage:         pageNum,
			LastProductCount: *committed,
			LastRunTS:        c.clock.Now(),
		}); err != nil {
			logger.Warn("state upsert failed",
				zap.Error(err),
				monitoring.Field(monitoring.ErrorEvent{
					ErrorType:   "StateStoreError",
					ErrorSource: monitoring.SourceState,
					URL:         categoryURL,
				}),
			)
		}
	}

	if c.run.RegisterProduct() {
		metric.Status = crawler.CategoryStopped
		return pageStop
	}
	return pageOK
}

// fetchPage fetches one listing page and refetches up to twice when a
// selector wait condition is not yet satisfied in the returned HTML.
func (c *Crawler) fetchPage(ctx context.Context, pageURL string, scrollLimit int) (*goquery.Document, error) {
	request := crawler.EngineRequest{
		URL:             pageURL,
		WaitConditions:  c.site.WaitConditions,
		StopConditions:  c.site.StopConditions,
		ScrollLimit:     scrollLimit,
		InfiniteScroll:  scrollLimit > 0,
		BehaviorContext: c.categoryBehaviorContext(pageURL),
	}

	var doc *goquery.Document
	for attempt := 0; attempt < 3; attempt++ {
		result, err := c.engine.Fetch(ctx, request)
		if err != nil {
			return nil, err
		}
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(result.HTML))
		if err != nil {
			return nil, fmt.Errorf("parse page %s: %w", pageURL, err)
		}
		if c.waitConditionsMet(doc) {
			return doc, nil
		}
	}
	return doc, nil
}

func (c *Crawler) waitConditionsMet(doc *goquery.Document) bool {
	for _, condition := range c.site.WaitConditions {
		if condition.Type == crawler.WaitConditionSelector && doc.Find(condition.Value).Length() == 0 {
			return false
		}
	}
	return true
}

func (c *Crawler) stopConditionHolds(doc *goquery.Document) bool {
	for _, condition := range c.site.StopConditions {
		if condition.Type == crawler.StopMissingSelector && condition.Value != "" {
			if doc.Find(condition.Value).Length() == 0 {
				return true
			}
		}
	}
	return false
}

func (c *Crawler) extractProductLinks(doc *goquery.Document) []string {
	var links []string
	doc.Find(c.site.Selectors.ProductLinkSelector).Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok && href != "" {
			links = append(links, href)
		}
	})
	return links
}

func (c *Crawler) extractNextLink(doc *goquery.Document, currentURL string) string {
	selector := c.site.Selectors.NextButtonSelector
	if selector == "" {
		return ""
	}
	href, ok := doc.Find(selector).First().Attr("href")
	if !ok || href == "" {
		return ""
	}
	base := c.baseURL(currentURL)
	resolved, _, err := crawler.NormalizeURL(href, base, nil)
	if err != nil {
		return ""
	}
	return resolved
}

// buildPageURL merges ?<param>=N into the category URL; page 1 is the bare
// category URL.
func (c *Crawler) buildPageURL(categoryURL string, page int) string {
	if page <= 1 {
		return categoryURL
	}
	parsed, err := url.Parse(categoryURL)
	if err != nil {
		return categoryURL
	}
	query := parsed.Query()
	query.Set(c.site.Pagination.ParamName, strconv.Itoa(page))
	parsed.RawQuery = query.Encode()
	parsed.Fragment = ""
	return parsed.String()
}

func (c *Crawler) baseURL(fallback string) string {
	if c.site.BaseURL != "" {
		return c.site.BaseURL
	}
	return fallback
}

func (c *Crawler) domainAllowed(normalized string) bool {
	allowed := c.site.Selectors.AllowedDomains
	if len(allowed) == 0 {
		return true
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	for _, domain := range allowed {
		if strings.EqualFold(host, domain) {
			return true
		}
	}
	return false
}

func (c *Crawler) markSeen(hash string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if c.seen[hash] {
		return false
	}
	c.seen[hash] = true
	return true
}

// categoryLabel maps the category URL's path slug through category_labels.
func (c *Crawler) categoryLabel(categoryURL string) string {
	parsed, err := url.Parse(categoryURL)
	if err != nil {
		return ""
	}
	path := parsed.Path
	slug := path
	if _, after, found := strings.Cut(path, "/items/"); found {
		slug = after
	}
	slug = strings.Trim(slug, "/")
	if slug == "" {
		return ""
	}
	if label, ok := c.site.CategoryLabels[slug]; ok {
		return label
	}
	return slug
}

func (c *Crawler) categoryBehaviorContext(pageURL string) *crawler.BehaviorContext {
	if !c.behaviorEnabled {
		return nil
	}
	return &crawler.BehaviorContext{
		ProductLinkSelector: c.site.Selectors.ProductLinkSelector,
		CategoryURL:         pageURL,
		BaseURL:             c.baseURL(pageURL),
		RootURL:             c.rootURL(pageURL),
		HoverSelectors:      c.site.Selectors.HoverTargets,
		ScrollMinPercent:    c.site.Pagination.ScrollMinPercent,
		ScrollMaxPercent:    c.site.Pagination.ScrollMaxPercent,
	}
}

func (c *Crawler) productBehaviorContext(categoryURL string) *crawler.BehaviorContext {
	if !c.behaviorEnabled {
		return nil
	}
	hover := c.site.Selectors.ProductHoverTargets
	if len(hover) == 0 {
		hover = c.site.Selectors.HoverTargets
	}
	return &crawler.BehaviorContext{
		ProductLinkSelector: c.site.Selectors.ProductLinkSelector,
		CategoryURL:         categoryURL,
		BaseURL:             c.baseURL(categoryURL),
		RootURL:             c.rootURL(categoryURL),
		HoverSelectors:      hover,
	}
}

func (c *Crawler) rootURL(fallback string) string {
	source := c.site.BaseURL
	if source == "" {
		source = fallback
	}
	parsed, err := url.Parse(source)
	if err != nil || parsed.Host == "" {
		return source
	}
	return parsed.Scheme + "://" + parsed.Host
}

func (c *Crawler) pageDelay(ctx context.Context) error {
	return c.jitterSleep(ctx, c.runtime.PageDelayMinSec, c.runtime.PageDelayMaxSec)
}

func (c *Crawler) productDelay(ctx context.Context) error {
	return c.jitterSleep(ctx, c.runtime.ProductDelayMinSec, c.runtime.ProductDelayMaxSec)
}

func (c *Crawler) jitterSleep(ctx context.Context, minSec, maxSec float64) error {
	if maxSec <= 0 {
		return nil
	}
	delay := minSec
	if maxSec > minSec {
		delay += rand.Float64() * (maxSec - minSec)
	}
	return c.sleep(ctx, time.Duration(delay*float64(time.Second)))
}

func productMetadata(imageURL string) map[string]string {
	if imageURL == "" {
		return nil
	}
	return map[string]string{"image_url": imageURL}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
