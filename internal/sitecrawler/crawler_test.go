package sitecrawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/content"
	"github.com/marketfeed/linkharvest/internal/crawler"
	"github.com/marketfeed/linkharvest/internal/media"
	"github.com/marketfeed/linkharvest/internal/state"
)

type stubEngine struct {
	mu    sync.Mutex
	pages map[string]string
}

func (s *stubEngine) Fetch(_ context.Context, request crawler.EngineRequest) (crawler.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	html, ok := s.pages[request.URL]
	if !ok {
		return crawler.FetchResult{}, crawler.NewFetchError(crawler.KindHTTPStatus, request.URL, 404, nil)
	}
	return crawler.FetchResult{FinalURL: request.URL, HTML: html, Status: 200, EgressUsed: "direct"}, nil
}

func (s *stubEngine) Close() {}

// fakeSink mimics the sheets writer's dedupe-by-URL behavior.
type fakeSink struct {
	mu       sync.Mutex
	seen     map[string]bool
	appended []crawler.ProductRecord
	failAll  bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{seen: make(map[string]bool)}
}

func (f *fakeSink) Prepare(string) error { return nil }

func (f *fakeSink) Append(_ context.Context, _ string, record crawler.ProductRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, errors.New("append ladder exhausted")
	}
	if f.seen[record.ProductURL] {
		return false, nil
	}
	f.seen[record.ProductURL] = true
	f.appended = append(f.appended, record)
	return true, nil
}

func (f *fakeSink) Flush(context.Context, string) error { return nil }

func (f *fakeSink) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var urls []string
	for _, record := range f.appended {
		urls = append(urls, record.ProductURL)
	}
	return urls
}

func listingPage(productURLs ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="pagination">1 2 3</div><ul>`)
	for _, u := range productURLs {
		fmt.Fprintf(&b, `<li><a class="product" href="%s">item</a></li>`, u)
	}
	b.WriteString(`</ul></body></html>`)
	return b.String()
}

func productPage(name string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><p>Описание %s</p></body></html>`, name, name)
}

type fixture struct {
	crawler *Crawler
	sink    *fakeSink
	store   *state.Store
	engine  *stubEngine
	site    config.SiteConfig
}

func newFixture(t *testing.T, pages map[string]string, mutate func(*Options)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	engine := &stubEngine{pages: pages}
	store, err := state.Open(filepath.Join(t.TempDir(), "runtime.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	site := config.SiteConfig{
		Name:    "shop",
		Domain:  "shop.ru",
		BaseURL: "https://shop.ru",
		Engine:  config.EngineHTTP,
		Selectors: config.SelectorConfig{
			ProductLinkSelector: "a.product",
		},
		Pagination: config.PaginationConfig{
			Mode:      config.PaginationNumbered,
			ParamName: "page",
			MaxPages:  10,
		},
		CategoryURLs: []string{"https://shop.ru/items/sneakers"},
	}

	sink := newFakeSink()
	opts := Options{
		Site:            site,
		Runtime:         config.RuntimeConfig{MaxConcurrencyPerSite: 1},
		DedupeBlacklist: []string{"utm_*"},
		Run:             crawler.NewRunContext("run-1", time.Now().UTC(), true, false, 0, 0),
		Engine:          engine,
		ContentFetcher:  content.NewFetcher(engine, site.Selectors, logger),
		Sink:            sink,
		Store:           store,
		SkippedLogPath:  filepath.Join(t.TempDir(), "skipped_products.log"),
		Clock:           fixedClock{},
		Logger:          logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{
		crawler: New(opts),
		sink:    sink,
		store:   store,
		engine:  engine,
		site:    opts.Site,
	}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestNumberedPaginationCommitsInOrder(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category:             listingPage("https://shop.ru/p/1", "https://shop.ru/p/2"),
		category + "?page=2": listingPage("https://shop.ru/p/3"),
		category + "?page=3": listingPage(),
		"https://shop.ru/p/1": productPage("P1"),
		"https://shop.ru/p/2": productPage("P2"),
		"https://shop.ru/p/3": productPage("P3"),
	}
	fx := newFixture(t, pages, nil)

	result := fx.crawler.CrawlSite(context.Background())

	require.Len(t, result.Metrics, 1)
	metric := result.Metrics[0]
	assert.Equal(t, crawler.CategoryDone, metric.Status)
	assert.Equal(t, 3, metric.TotalWritten)
	assert.Equal(t, 2, metric.LastPage)
	assert.Equal(t, []string{
		"https://shop.ru/p/1",
		"https://shop.ru/p/2",
		"https://shop.ru/p/3",
	}, fx.sink.urls())

	cs, err := fx.store.Get("shop", category)
	require.NoError(t, err)
	assert.Equal(t, 2, cs.LastPage)
	assert.Equal(t, 3, cs.LastProductCount)
}

func TestDedupeByCanonicalURL(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category: listingPage(
			"https://shop.ru/p/1?utm_source=fb",
			"https://shop.ru/p/1",
		),
		category + "?page=2": listingPage(),
		"https://shop.ru/p/1": productPage("P1"),
	}
	fx := newFixture(t, pages, nil)

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, 1, metric.TotalWritten)
	assert.Equal(t, 1, metric.TotalDuplicates)
	require.Len(t, fx.sink.appended, 1)
	assert.Equal(t, "https://shop.ru/p/1", fx.sink.appended[0].ProductURL)
	assert.Equal(t, crawler.Fingerprint("https://shop.ru/p/1"), fx.sink.appended[0].ProductIDHash)
}

func TestStopConditionMissingSelectorOnFirstPage(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category: `<html><body><ul><li><a class="product" href="/p/1">x</a></li></ul></body></html>`,
	}
	fx := newFixture(t, pages, func(opts *Options) {
		opts.Site.StopConditions = []crawler.StopCondition{
			{Type: crawler.StopMissingSelector, Value: ".pagination"},
		}
	})

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, crawler.CategoryStopped, metric.Status)
	assert.Equal(t, 0, metric.TotalWritten)
	assert.Equal(t, 1, metric.LastPage)
	assert.Empty(t, fx.sink.appended)
}

func TestMaxProductsLimit(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category: listingPage(
			"https://shop.ru/p/1",
			"https://shop.ru/p/2",
			"https://shop.ru/p/3",
		),
		"https://shop.ru/p/1": productPage("P1"),
		"https://shop.ru/p/2": productPage("P2"),
		"https://shop.ru/p/3": productPage("P3"),
	}
	fx := newFixture(t, pages, func(opts *Options) {
		opts.Site.Limits.MaxProducts = 2
	})

	result := fx.crawler.CrawlSite(context.Background())
	assert.Equal(t, 2, result.Metrics[0].TotalWritten)
	assert.Len(t, fx.sink.appended, 2)
}

func TestStartEndPageBounds(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category + "?page=10": listingPage("https://shop.ru/p/10"),
		"https://shop.ru/p/10": productPage("P10"),
	}
	fx := newFixture(t, pages, func(opts *Options) {
		opts.Site.Pagination.StartPage = 10
		opts.Site.Pagination.EndPage = 10
		opts.Run = crawler.NewRunContext("run-1", time.Now().UTC(), false, false, 0, 0)
	})

	result := fx.crawler.CrawlSite(context.Background())
	metric := result.Metrics[0]
	assert.Equal(t, 1, metric.TotalWritten)
	assert.Equal(t, 10, metric.LastPage)
}

func TestResumeStartsOnStoredPage(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		// Page 3 is re-extracted; pages 1-2 must not be fetched again.
		category + "?page=3": listingPage(
			"https://shop.ru/p/8", "https://shop.ru/p/9", "https://shop.ru/p/10",
		),
		category + "?page=4": listingPage(),
		"https://shop.ru/p/8":  productPage("P8"),
		"https://shop.ru/p/9":  productPage("P9"),
		"https://shop.ru/p/10": productPage("P10"),
	}
	fx := newFixture(t, pages, nil)
	require.NoError(t, fx.store.Upsert(state.CategoryState{
		SiteName:         "shop",
		CategoryURL:      category,
		LastPage:         3,
		LastProductCount: 7,
		LastRunTS:        time.Now().UTC(),
	}))

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, crawler.CategoryDone, metric.Status)
	assert.Equal(t, 3, metric.TotalWritten)

	cs, err := fx.store.Get("shop", category)
	require.NoError(t, err)
	assert.Equal(t, 3, cs.LastPage)
	// 7 carried over + 3 new.
	assert.Equal(t, 10, cs.LastProductCount)
}

func TestResumeSkipsRowsAlreadyOnSheet(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category: listingPage(
			"https://shop.ru/p/1", "https://shop.ru/p/2", "https://shop.ru/p/3",
		),
		category + "?page=2": listingPage(),
		"https://shop.ru/p/1": productPage("P1"),
		"https://shop.ru/p/2": productPage("P2"),
		"https://shop.ru/p/3": productPage("P3"),
	}
	fx := newFixture(t, pages, nil)
	// P1 and P2 landed in a previous run.
	fx.sink.seen["https://shop.ru/p/1"] = true
	fx.sink.seen["https://shop.ru/p/2"] = true

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, 1, metric.TotalWritten)
	assert.Equal(t, 2, metric.TotalDuplicates)
	assert.Equal(t, []string{"https://shop.ru/p/3"}, fx.sink.urls())
}

func TestProductFetchFailureIsSkippedAndLogged(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	skippedPath := filepath.Join(t.TempDir(), "skipped_products.log")
	pages := map[string]string{
		category:             listingPage("https://shop.ru/p/broken", "https://shop.ru/p/ok"),
		category + "?page=2": listingPage(),
		"https://shop.ru/p/ok": productPage("OK"),
	}
	fx := newFixture(t, pages, func(opts *Options) {
		opts.SkippedLogPath = skippedPath
	})

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, 1, metric.TotalWritten)
	assert.Equal(t, 1, metric.TotalFailed)
	assert.Equal(t, []string{"https://shop.ru/p/ok"}, fx.sink.urls())

	data, err := os.ReadFile(skippedPath)
	require.NoError(t, err)
	line := strings.TrimRight(string(data), "\n")
	parts := strings.Split(line, "\t")
	require.Len(t, parts, 3)
	assert.Equal(t, "https://shop.ru/p/broken", parts[1])

	// The failed product did not advance the progress row.
	cs, err := fx.store.Get("shop", category)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.LastProductCount)
}

type stubBinary struct{}

func (stubBinary) FetchBinary(context.Context, string) ([]byte, string, error) {
	return []byte{1, 2, 3}, "image/jpeg", nil
}

func TestSheetFailureRollsBackImage(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	imageDir := t.TempDir()
	pages := map[string]string{
		category:             listingPage("https://shop.ru/p/1"),
		category + "?page=2": listingPage(),
		"https://shop.ru/p/1": `<html><head><title>P1</title>
			<meta property="og:image" content="https://shop.ru/img/p1.jpg">
		</head><body>x</body></html>`,
	}
	logger := zaptest.NewLogger(t)
	saver, err := media.NewSaver(stubBinary{}, imageDir, logger)
	require.NoError(t, err)

	fx := newFixture(t, pages, func(opts *Options) {
		opts.ImageSaver = saver
	})
	fx.sink.failAll = true

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, 0, metric.TotalWritten)
	assert.Equal(t, 1, metric.TotalFailed)

	entries, err := os.ReadDir(imageDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "image must be rolled back after the append ladder fails")
}

func TestGlobalStopAfterProducts(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category: listingPage(
			"https://shop.ru/p/1", "https://shop.ru/p/2", "https://shop.ru/p/3",
		),
		"https://shop.ru/p/1": productPage("P1"),
		"https://shop.ru/p/2": productPage("P2"),
		"https://shop.ru/p/3": productPage("P3"),
	}
	fx := newFixture(t, pages, func(opts *Options) {
		opts.Run = crawler.NewRunContext("run-1", time.Now().UTC(), true, false, 2, 0)
	})

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, crawler.CategoryStopped, metric.Status)
	assert.Equal(t, 2, metric.TotalWritten)
}

func TestNextButtonPagination(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	page2 := "https://shop.ru/items/sneakers/page2"
	pages := map[string]string{
		category: listingPage("https://shop.ru/p/1") +
			`<a class="next" href="/items/sneakers/page2">next</a>`,
		page2:                listingPage("https://shop.ru/p/2"),
		"https://shop.ru/p/1": productPage("P1"),
		"https://shop.ru/p/2": productPage("P2"),
	}
	fx := newFixture(t, pages, func(opts *Options) {
		opts.Site.Pagination.Mode = config.PaginationNextButton
		opts.Site.Selectors.NextButtonSelector = "a.next"
	})

	result := fx.crawler.CrawlSite(context.Background())

	metric := result.Metrics[0]
	assert.Equal(t, 2, metric.TotalWritten)
	assert.Equal(t, 2, metric.LastPage)
	assert.Equal(t, []string{"https://shop.ru/p/1", "https://shop.ru/p/2"}, fx.sink.urls())
}

func TestCategoryLabelMapping(t *testing.T) {
	category := "https://shop.ru/items/sneakers"
	pages := map[string]string{
		category:             listingPage("https://shop.ru/p/1"),
		category + "?page=2": listingPage(),
		"https://shop.ru/p/1": productPage("P1"),
	}
	fx := newFixture(t, pages, func(opts *Options) {
		opts.Site.CategoryLabels = map[string]string{"sneakers": "Кроссовки"}
	})

	fx.crawler.CrawlSite(context.Background())
	require.Len(t, fx.sink.appended, 1)
	assert.Equal(t, "Кроссовки", fx.sink.appended[0].Category)
}
