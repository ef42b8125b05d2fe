// Package content fetches product pages and extracts their cleaned payload.
package content

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/crawler"
)

const (
	failCooldownThreshold = 5
)

// ProductContent is everything extracted from one product page.
type ProductContent struct {
	Text                 string
	ImageURL             string
	Title                string
	NameEN               string
	NameRU               string
	PriceWithoutDiscount string
	PriceWithDiscount    string
}

// Fetcher loads a product page through the configured engine and extracts the
// cleaned text, the main image URL and the selector-driven fields.
type Fetcher struct {
	engine     crawler.Engine
	selectors  config.SelectorConfig
	logger     *zap.Logger
	failStreak int
}

// NewFetcher builds a product content fetcher bound to one site's selectors.
// The engine is the site's page engine or a dedicated HTTP engine, depending
// on the product fetch mode.
func NewFetcher(engine crawler.Engine, selectors config.SelectorConfig, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		engine:    engine,
		selectors: selectors,
		logger:    logger,
	}
}

// Fetch retrieves and parses one product page.
func (f *Fetcher) Fetch(ctx context.Context, productURL string, behaviorCtx *crawler.BehaviorContext) (ProductContent, error) {
	result, err := f.engine.Fetch(ctx, crawler.EngineRequest{
		URL:             productURL,
		BehaviorContext: behaviorCtx,
	})
	if err != nil {
		f.registerFailure()
		return ProductContent{}, err
	}
	f.failStreak = 0

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(result.HTML))
	if err != nil {
		return ProductContent{}, err
	}

	imageURL := ExtractMainImageURL(doc, productURL, f.selectors.MainImageSelector)

	// Field selectors run before the drop-after truncation so that name and
	// price nodes below the cut are still reachable.
	productContent := ProductContent{
		ImageURL:             imageURL,
		Title:                ExtractTitle(doc),
		NameEN:               TextBySelectors(doc, f.selectors.NameENSelectors),
		NameRU:               TextBySelectors(doc, f.selectors.NameRUSelectors),
		PriceWithoutDiscount: CleanPrice(TextBySelectors(doc, f.selectors.PriceWithoutDiscountSelectors)),
		PriceWithDiscount:    CleanPrice(TextBySelectors(doc, f.selectors.PriceWithDiscountSelectors)),
	}
	productContent.Text = ExtractText(doc, f.selectors.ContentDropAfter)
	return productContent, nil
}

func (f *Fetcher) registerFailure() {
	f.failStreak++
	if f.failStreak >= failCooldownThreshold {
		f.logger.Warn("consecutive product fetch failures",
			zap.Int("streak", f.failStreak),
			zap.Int("threshold", failCooldownThreshold),
		)
		f.failStreak = 0
	}
}
