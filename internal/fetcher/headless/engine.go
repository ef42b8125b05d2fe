// Package headless implements the browser fetch engine on top of chromedp.
package headless

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/behavior"
	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/crawler"
	"github.com/marketfeed/linkharvest/internal/metrics"
	"github.com/marketfeed/linkharvest/internal/monitoring"
	"github.com/marketfeed/linkharvest/internal/proxy"
)

// Long-ladder delays appended after the short retries are exhausted.
var longRetryDelays = []time.Duration{120 * time.Second, 240 * time.Second}

// Engine drives headless Chrome. One browser per egress: the proxy server is
// an allocator-level flag, so contexts cannot share a browser across proxies.
type Engine struct {
	network  config.NetworkConfig
	pool     *proxy.Pool
	behavior *behavior.Controller
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	cookies  []*network.CookieParam
}

type session struct {
	egress        proxy.Egress
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	userAgent     string
}

// New builds the engine and loads the optional storage-state cookies.
func New(network config.NetworkConfig, pool *proxy.Pool, controller *behavior.Controller, logger *zap.Logger) (*Engine, error) {
	cookies, err := loadCookies(network.BrowserStorageStatePath)
	if err != nil {
		return nil, err
	}
	if len(cookies) > 0 {
		logger.Info("storage state loaded", zap.Int("cookies", len(cookies)))
	}
	if !network.BrowserHeadless {
		logger.Warn("browser running in visual mode (headless=false)")
	}
	return &Engine{
		network:  network,
		pool:     pool,
		behavior: controller,
		logger:   logger,
		sessions: make(map[string]*session),
		cookies:  cookies,
	}, nil
}

// Fetch navigates to the page, honoring wait conditions and the behavior
// layer, and returns the rendered HTML. The retry ladder runs short delays
// from the configured backoff, then two long attempts at +120s/+240s, each
// with a fresh egress.
func (e *Engine) Fetch(ctx context.Context, request crawler.EngineRequest) (crawler.FetchResult, error) {
	quickAttempts := max(1, e.network.Retry.MaxAttempts)
	totalAttempts := quickAttempts + len(longRetryDelays)
	usedEgresses := make(map[string]bool)

	var lastErr error
	for attempt := 0; attempt < totalAttempts; attempt++ {
		extended := attempt >= quickAttempts
		var exclude map[string]bool
		if extended {
			exclude = usedEgresses
		}
		egress, err := e.pool.AcquireExcluding(exclude)
		if err != nil {
			return crawler.FetchResult{}, err
		}
		usedEgresses[egress.ID] = true

		result, err := e.navigate(ctx, request, egress)
		if err == nil {
			e.pool.Report(egress, proxy.OutcomeOK)
			metrics.ObservePageFetch("browser", "ok")
			return result, nil
		}
		if ctx.Err() != nil {
			return crawler.FetchResult{}, ctx.Err()
		}
		lastErr = err

		var fetchErr *crawler.FetchError
		forbidden := false
		if fe, ok := err.(*crawler.FetchError); ok {
			fetchErr = fe
			forbidden = fe.Status == http.StatusForbidden
		}

		switch {
		case forbidden:
			e.pool.Report(egress, proxy.OutcomeHTTP403)
			metrics.ObservePageFetch("browser", "forbidden")
			e.dropSession(egress.ID)
		case fetchErr != nil && fetchErr.Kind == crawler.KindTimeout:
			e.pool.Report(egress, proxy.OutcomeTimeout)
			metrics.ObservePageFetch("browser", "timeout")
		default:
			e.pool.Report(egress, proxy.OutcomeTransport)
			metrics.ObservePageFetch("browser", "transport_error")
			e.dropSession(egress.ID)
		}

		wait := e.retryWait(attempt, quickAttempts, totalAttempts)
		e.logger.Warn("browser fetch failed, retrying",
			zap.String("url", request.URL),
			zap.String("egress", egress.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", totalAttempts),
			zap.Bool("extended", extended),
			zap.Duration("wait", wait),
			monitoring.Field(monitoring.ErrorEvent{
				ErrorType:      browserErrorType(err, forbidden),
				ErrorSource:    monitoring.SourceBrowser,
				URL:            request.URL,
				Proxy:          egress.ID,
				RetryIndex:     attempt + 1,
				ActionRequired: []string{"rotate_proxy", "retry"},
				Details:        e.pool.Snapshot(),
			}),
		)
		if attempt < totalAttempts-1 {
			if err := sleepCtx(ctx, wait); err != nil {
				return crawler.FetchResult{}, err
			}
		}
	}
	return crawler.FetchResult{}, fmt.Errorf("browser fetch %s: ladder exhausted: %w", request.URL, lastErr)
}

// retryWait returns the delay after the given failed attempt: the short
// backoff ladder between quick attempts, then 120s/240s before each of the
// two long attempts.
func (e *Engine) retryWait(attempt, quickAttempts, totalAttempts int) time.Duration {
	if attempt >= totalAttempts-1 {
		return 0
	}
	if attempt < quickAttempts-1 {
		return time.Duration(e.network.Retry.RetryBackoff(attempt) * float64(time.Second))
	}
	return longRetryDelays[attempt-(quickAttempts-1)]
}

func (e *Engine) navigate(ctx context.Context, request crawler.EngineRequest, egress proxy.Egress) (crawler.FetchResult, error) {
	sess, err := e.sessionFor(egress)
	if err != nil {
		return crawler.FetchResult{}, crawler.NewFetchError(crawler.KindTransport, request.URL, 0, err)
	}

	pageCtx, pageCancel := chromedp.NewContext(sess.browserCtx)
	defer pageCancel()
	// Tie page lifetime to the caller so interrupts close the tab.
	go func() {
		select {
		case <-ctx.Done():
			pageCancel()
		case <-pageCtx.Done():
		}
	}()

	meta := newResponseMeta()
	chromedp.ListenTarget(pageCtx, meta.captureEvent)
	e.installAuthHandler(pageCtx, egress)

	start := time.Now()
	timeout := e.requestTimeout()

	navCtx, navCancel := context.WithTimeout(pageCtx, timeout)
	err = chromedp.Run(navCtx,
		e.contextSetupAction(sess),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	navCancel()
	if err != nil {
		return crawler.FetchResult{}, classifyNavigationError(request.URL, err)
	}

	if status := meta.status(); status == http.StatusForbidden {
		return crawler.FetchResult{}, crawler.NewFetchError(crawler.KindHTTPStatus, request.URL, status, nil)
	}

	if err := e.applyWaitConditions(pageCtx, request.WaitConditions); err != nil {
		return crawler.FetchResult{}, classifyNavigationError(request.URL, err)
	}

	if request.InfiniteScroll {
		e.performInfiniteScroll(pageCtx, request.ScrollLimit)
	}

	if preview := e.network.PreviewBeforeBehaviorSec; preview > 0 {
		_ = sleepCtx(pageCtx, time.Duration(preview*float64(time.Second)))
	}

	var trace []string
	if e.behavior != nil && e.behavior.Enabled() && request.BehaviorContext != nil {
		trace = e.behavior.Apply(pageCtx, request.BehaviorContext)
	}

	html, retried, err := e.readPageContent(pageCtx, request.URL, egress.ID)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	if retried {
		trace = append(trace, "content_retry")
	}

	if hold := e.network.BrowserPreviewDelaySec; hold > 0 {
		_ = sleepCtx(pageCtx, time.Duration(hold*float64(time.Second)))
	}

	status, finalURL := meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	if finalURL == "" {
		finalURL = request.URL
	}
	return crawler.FetchResult{
		FinalURL:      finalURL,
		HTML:          html,
		Status:        status,
		EgressUsed:    egress.ID,
		BehaviorTrace: trace,
		Duration:      time.Since(start),
	}, nil
}

// readPageContent captures the DOM. If the first read fails because the page
// is still navigating, it waits for the document to settle, sleeps a short
// jitter and retries once.
func (e *Engine) readPageContent(ctx context.Context, pageURL, egressID string) (string, bool, error) {
	html, err := e.outerHTML(ctx)
	if err == nil {
		return html, false, nil
	}

	jitter := 500*time.Millisecond + time.Duration(rand.Int64N(int64(500*time.Millisecond)))
	e.logger.Warn("content read raced a navigation, retrying once",
		zap.String("url", pageURL),
		zap.Duration("retry_delay", jitter),
		monitoring.Field(monitoring.ErrorEvent{
			ErrorType:      "NavigationBusy",
			ErrorSource:    monitoring.SourceBrowser,
			URL:            pageURL,
			Proxy:          egressID,
			ActionRequired: []string{"wait_networkidle", "retry"},
			Details:        map[string]any{"retry_delay_ms": jitter.Milliseconds()},
		}),
	)

	settleCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()
	_ = chromedp.Run(settleCtx, chromedp.Poll("document.readyState === 'complete'", nil))
	if err := sleepCtx(ctx, jitter); err != nil {
		return "", false, err
	}

	html, err = e.outerHTML(ctx)
	if err != nil {
		return "", true, crawler.NewFetchError(crawler.KindNavigationBusy, pageURL, 0, err)
	}
	return html, true, nil
}

func (e *Engine) outerHTML(ctx context.Context) (string, error) {
	var html string
	readCtx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()
	if err := chromedp.Run(readCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (e *Engine) applyWaitConditions(ctx context.Context, conditions []crawler.WaitCondition) error {
	for _, condition := range conditions {
		switch condition.Type {
		case crawler.WaitConditionTimeout:
			if err := sleepCtx(ctx, time.Duration(condition.Seconds*float64(time.Second))); err != nil {
				return err
			}
		case crawler.WaitConditionSelector:
			waitCtx, cancel := context.WithTimeout(ctx, time.Duration(condition.TimeoutSec*float64(time.Second)))
			err := chromedp.Run(waitCtx, chromedp.WaitReady(condition.Value, chromedp.ByQuery))
			cancel()
			if err != nil {
				return fmt.Errorf("wait for selector %q: %w", condition.Value, err)
			}
		}
	}
	return nil
}

func (e *Engine) performInfiniteScroll(ctx context.Context, limit int) {
	if limit <= 0 {
		limit = 30
	}
	for range limit {
		err := chromedp.Run(ctx,
			chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight);", nil),
			chromedp.Sleep(time.Second),
		)
		if err != nil {
			e.logger.Debug("infinite scroll step failed", zap.Error(err))
			return
		}
	}
}

// sessionFor returns the per-egress browser, launching it on first use.
func (e *Engine) sessionFor(egress proxy.Egress) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[egress.ID]; ok {
		return sess, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.network.BrowserHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if e.network.BrowserSlowMoMs > 0 {
		// A non-zero slow-mo only sets force-prefers-reduced-motion; actions
		// are not delayed by BrowserSlowMoMs.
		opts = append(opts, chromedp.Flag("force-prefers-reduced-motion", true))
	}
	if !egress.IsDirect() {
		if server, ok := proxyServer(egress.URL); ok {
			opts = append(opts, chromedp.ProxyServer(server))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	sess := &session{
		egress:        egress,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		userAgent:     e.pickUserAgent(),
	}
	e.sessions[egress.ID] = sess
	return sess, nil
}

// contextSetupAction applies UA, language, headers, cookies and proxy auth
// handling on the page before navigation.
func (e *Engine) contextSetupAction(sess *session) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if sess.userAgent != "" {
			ua := emulation.SetUserAgentOverride(sess.userAgent)
			if e.network.AcceptLanguage != "" {
				ua = ua.WithAcceptLanguage(e.network.AcceptLanguage)
			}
			if err := ua.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if e.network.AcceptLanguage != "" {
			headers := network.Headers{"Accept-Language": e.network.AcceptLanguage}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		for _, cookie := range e.cookies {
			if err := network.SetCookie(cookie.Name, cookie.Value).
				WithDomain(cookie.Domain).
				WithPath(cookie.Path).
				WithHTTPOnly(cookie.HTTPOnly).
				WithSecure(cookie.Secure).
				WithSameSite(cookie.SameSite).
				Do(ctx); err != nil {
				e.logger.Debug("set cookie failed", zap.String("cookie", cookie.Name), zap.Error(err))
			}
		}
		if needsAuth(sess.egress) {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		return nil
	})
}

// installAuthHandler answers proxy auth challenges with the egress creds.
func (e *Engine) installAuthHandler(pageCtx context.Context, egress proxy.Egress) {
	if !needsAuth(egress) {
		return
	}
	username, password := proxyCredentials(egress.URL)
	chromedp.ListenTarget(pageCtx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(pageCtx, fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(pageCtx, fetch.ContinueRequest(ev.RequestID))
			}()
		}
	})
}

func (e *Engine) dropSession(egressID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[egressID]; ok {
		sess.browserCancel()
		sess.allocCancel()
		delete(e.sessions, egressID)
	}
}

// Close releases every browser and allocator.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sess := range e.sessions {
		sess.browserCancel()
		sess.allocCancel()
		delete(e.sessions, id)
	}
}

func (e *Engine) pickUserAgent() string {
	agents := e.network.UserAgents
	if len(agents) == 0 {
		return ""
	}
	return agents[rand.IntN(len(agents))]
}

func (e *Engine) requestTimeout() time.Duration {
	return time.Duration(e.network.RequestTimeoutSec * float64(time.Second))
}

// proxyServer strips credentials from a proxy URL; Chrome takes them via the
// auth challenge instead.
func proxyServer(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + parsed.Host, true
}

func proxyCredentials(rawURL string) (string, string) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.User == nil {
		return "", ""
	}
	password, _ := parsed.User.Password()
	return parsed.User.Username(), password
}

func needsAuth(egress proxy.Egress) bool {
	if egress.IsDirect() {
		return false
	}
	user, pass := proxyCredentials(egress.URL)
	return user != "" || pass != ""
}

func classifyNavigationError(pageURL string, err error) error {
	message := err.Error()
	switch {
	case strings.Contains(message, "context deadline exceeded") || strings.Contains(message, "ERR_TIMED_OUT"):
		return crawler.NewFetchError(crawler.KindTimeout, pageURL, 0, err)
	default:
		return crawler.NewFetchError(crawler.KindTransport, pageURL, 0, err)
	}
}

func browserErrorType(err error, forbidden bool) string {
	if forbidden {
		return "HttpStatusError{403}"
	}
	if fe, ok := err.(*crawler.FetchError); ok {
		switch fe.Kind {
		case crawler.KindTimeout:
			return "net::ERR_TIMED_OUT"
		case crawler.KindNavigationBusy:
			return "NavigationBusy"
		}
	}
	return "TransportError"
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// responseMeta captures the document response status, mirroring how the
// engine distinguishes a 403 ban from a rendered page.
type responseMeta struct {
	mu       sync.RWMutex
	code     int
	finalURL string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.finalURL = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code, m.finalURL
}
