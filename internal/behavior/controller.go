// Package behavior simulates human browsing on top of a chromedp page.
package behavior

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/crawler"
)

// Controller performs randomized scroll/mouse/navigation actions on a page
// before its HTML is captured. It is invoked by the browser engine only.
type Controller struct {
	cfg              config.BehaviorConfig
	timeout          time.Duration
	extraPagePreview time.Duration
	logger           *zap.Logger
}

// New builds a controller. A disabled config yields a controller whose Apply
// is a no-op returning an empty trace.
func New(cfg config.BehaviorConfig, timeout, extraPagePreview time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:              cfg,
		timeout:          timeout,
		extraPagePreview: extraPagePreview,
		logger:           logger,
	}
}

// Enabled reports whether the behavior layer is active.
func (c *Controller) Enabled() bool {
	return c.cfg.Enabled
}

// Apply runs the behavior actions against the page context and returns the
// ordered trace of performed actions. Failures of individual actions are
// logged and skipped; they never fail the fetch.
func (c *Controller) Apply(ctx context.Context, bctx *crawler.BehaviorContext) []string {
	if !c.cfg.Enabled || bctx == nil {
		return nil
	}
	started := time.Now()
	var trace []string

	remaining := c.cfg.MaxAdditionalChain

	trace = append(trace, c.maybeScroll(ctx, bctx)...)
	trace = append(trace, c.maybeMoveMouse(ctx)...)
	trace = append(trace, c.maybeHover(ctx, bctx)...)

	navActions := c.maybeBackForward(ctx, remaining)
	trace = append(trace, navActions...)
	remaining = decrease(remaining, len(navActions))

	rootActions := c.maybeVisitRoot(ctx, bctx, remaining)
	trace = append(trace, rootActions...)
	remaining = decrease(remaining, len(rootActions))

	trace = append(trace, c.maybeOpenExtraProducts(ctx, bctx, remaining)...)

	duration := time.Since(started)
	if c.cfg.Debug {
		c.logger.Info("behavior layer finished",
			zap.Strings("actions", trace),
			zap.Duration("duration", duration),
		)
	} else if len(trace) > 0 {
		c.logger.Debug("behavior layer finished",
			zap.Int("actions", len(trace)),
			zap.Duration("duration", duration),
		)
	}
	return trace
}

func (c *Controller) maybeScroll(ctx context.Context, bctx *crawler.BehaviorContext) []string {
	if rand.Float64() > c.cfg.ScrollProbability {
		return nil
	}
	if rand.Float64() < c.cfg.ScrollSkipProbability {
		return nil
	}

	minDepth, maxDepth := c.cfg.ScrollMinDepthPercent, c.cfg.ScrollMaxDepthPercent
	// Per-page clips from the site config, when set.
	if bctx.ScrollMinPercent > 0 && bctx.ScrollMinPercent > minDepth {
		minDepth = bctx.ScrollMinPercent
	}
	if bctx.ScrollMaxPercent > 0 && bctx.ScrollMaxPercent < maxDepth {
		maxDepth = bctx.ScrollMaxPercent
	}
	if maxDepth < minDepth {
		maxDepth = minDepth
	}

	depth := randBetweenInt(minDepth, maxDepth)
	steps := randBetweenInt(c.cfg.ScrollMinSteps, c.cfg.ScrollMaxSteps)
	if steps <= 0 {
		return nil
	}

	var trace []string
	current := 0.0
	for range steps {
		current = min(100, current+float64(depth)/float64(steps)+randBetween(-5, 5))
		fraction := max(0.0, min(1.0, current/100))
		script := fmt.Sprintf("window.scrollTo(0, document.body.scrollHeight * %.3f);", fraction)
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, nil)); err != nil {
			c.logger.Debug("scroll step failed", zap.Error(err))
			break
		}
		trace = append(trace, fmt.Sprintf("scroll:%d", int(fraction*100)))
		c.pause(ctx)
	}
	if rand.Float64() < 0.15 {
		if err := chromedp.Run(ctx, chromedp.Evaluate("window.scrollTo(0, 0);", nil)); err == nil {
			trace = append(trace, "scroll:back-to-top")
		}
	}
	return trace
}

func (c *Controller) maybeMoveMouse(ctx context.Context) []string {
	count := randBetweenInt(c.cfg.MouseMoveCountMin, c.cfg.MouseMoveCountMax)
	if count <= 0 {
		return nil
	}
	var trace []string
	for range count {
		x := randBetween(192, 1728) // inner 80% of a 1920-wide viewport
		y := randBetween(108, 972)
		if err := c.dispatchMouseMove(ctx, x, y); err != nil {
			c.logger.Debug("mouse move failed", zap.Error(err))
			break
		}
		trace = append(trace, fmt.Sprintf("mouse_move:%dx%d", int(x), int(y)))
		c.pause(ctx)
	}
	return trace
}

func (c *Controller) maybeHover(ctx context.Context, bctx *crawler.BehaviorContext) []string {
	if len(bctx.HoverSelectors) == 0 {
		return nil
	}
	if rand.Float64() > c.cfg.HoverProbability {
		return nil
	}
	selectors := append([]string(nil), bctx.HoverSelectors...)
	rand.Shuffle(len(selectors), func(i, j int) {
		selectors[i], selectors[j] = selectors[j], selectors[i]
	})
	for _, selector := range selectors {
		center, ok := c.elementCenter(ctx, selector)
		if !ok {
			continue
		}
		x := max(0, center[0]+randBetween(-5, 5))
		y := max(0, center[1]+randBetween(-5, 5))
		if err := c.dispatchMouseMove(ctx, x, y); err != nil {
			c.logger.Debug("hover move failed", zap.String("selector", selector), zap.Error(err))
			continue
		}
		c.pause(ctx)
		return []string{"hover:" + selector}
	}
	return nil
}

func (c *Controller) maybeBackForward(ctx context.Context, remaining int) []string {
	if rand.Float64() > c.cfg.BackProbability {
		return nil
	}
	if remaining < 2 {
		return nil
	}
	navCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.NavigateBack()); err != nil {
		c.logger.Debug("back navigation failed", zap.Error(err))
		return nil
	}
	c.pause(ctx)
	if err := chromedp.Run(navCtx, chromedp.NavigateForward()); err != nil {
		c.logger.Debug("forward navigation failed", zap.Error(err))
		return []string{"back"}
	}
	return []string{"back", "forward"}
}

func (c *Controller) maybeVisitRoot(ctx context.Context, bctx *crawler.BehaviorContext, remaining int) []string {
	if rand.Float64() > c.cfg.VisitRootProbability {
		return nil
	}
	if bctx.RootURL == "" || remaining <= 0 {
		return nil
	}
	if !c.openInNewTab(ctx, bctx.RootURL) {
		return nil
	}
	return []string{"visit_root:" + bctx.RootURL}
}

func (c *Controller) maybeOpenExtraProducts(ctx context.Context, bctx *crawler.BehaviorContext, remaining int) []string {
	if rand.Float64() > c.cfg.ExtraProductsProbability {
		return nil
	}
	if remaining <= 0 || bctx.ProductLinkSelector == "" {
		return nil
	}

	var hrefs []string
	script := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(n => n.href).filter(Boolean)`,
		bctx.ProductLinkSelector,
	)
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &hrefs)); err != nil || len(hrefs) == 0 {
		return nil
	}
	rand.Shuffle(len(hrefs), func(i, j int) { hrefs[i], hrefs[j] = hrefs[j], hrefs[i] })

	limit := min(c.cfg.ExtraProductsLimit, remaining)
	var trace []string
	for _, href := range hrefs[:min(limit, len(hrefs))] {
		if c.openInNewTab(ctx, href) {
			trace = append(trace, "extra_product:"+href)
		}
		c.pause(ctx)
	}
	return trace
}

// openInNewTab opens url in a fresh tab of the same browser, holds it for the
// preview window and closes it.
func (c *Controller) openInNewTab(ctx context.Context, url string) bool {
	tabCtx, cancel := chromedp.NewContext(ctx)
	defer cancel()
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, c.timeout)
	defer timeoutCancel()

	actions := []chromedp.Action{chromedp.Navigate(url)}
	if c.extraPagePreview > 0 {
		actions = append(actions, chromedp.Sleep(c.extraPagePreview))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		c.logger.Debug("extra tab failed", zap.String("url", url), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) elementCenter(ctx context.Context, selector string) ([2]float64, bool) {
	var coords []float64
	script := fmt.Sprintf(`(() => {
		const nodes = document.querySelectorAll(%q);
		if (!nodes.length) return null;
		const el = nodes[Math.floor(Math.random() * nodes.length)];
		const r = el.getBoundingClientRect();
		return [r.x + r.width / 2, r.y + r.height / 2];
	})()`, selector)
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &coords)); err != nil || len(coords) != 2 {
		return [2]float64{}, false
	}
	return [2]float64{coords[0], coords[1]}, true
}

func (c *Controller) dispatchMouseMove(ctx context.Context, x, y float64) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

func (c *Controller) pause(ctx context.Context) {
	delay := randBetween(c.cfg.ActionDelayMinSec, c.cfg.ActionDelayMaxSec)
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(delay * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func randBetween(low, high float64) float64 {
	if high <= low {
		return low
	}
	return low + rand.Float64()*(high-low)
}

func randBetweenInt(low, high int) int {
	if high <= low {
		return low
	}
	return low + rand.IntN(high-low+1)
}

func decrease(current, used int) int {
	return max(0, current-used)
}
