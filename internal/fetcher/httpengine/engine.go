// Package httpengine implements the plain-HTTP fetch engine using gocolly.
package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/crawler"
	"github.com/marketfeed/linkharvest/internal/metrics"
	"github.com/marketfeed/linkharvest/internal/monitoring"
	"github.com/marketfeed/linkharvest/internal/proxy"
)

// Engine fetches static pages through pooled per-egress transports.
type Engine struct {
	network config.NetworkConfig
	pool    *proxy.Pool
	logger  *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport

	base *colly.Collector
}

// New builds the HTTP engine. The proxy pool is shared with other engines.
func New(network config.NetworkConfig, pool *proxy.Pool, logger *zap.Logger) *Engine {
	return &Engine{
		network:    network,
		pool:       pool,
		logger:     logger,
		transports: make(map[string]*http.Transport),
		// Clones share the visited-URL store, so revisits must be allowed for
		// retries of the same URL to reach the network.
		base: colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt(), colly.AllowURLRevisit()),
	}
}

// Fetch retrieves a page, retrying per the backoff ladder. A 403 response is
// reported to the pool and the next attempt rotates to a new egress.
func (e *Engine) Fetch(ctx context.Context, request crawler.EngineRequest) (crawler.FetchResult, error) {
	for _, condition := range request.WaitConditions {
		if condition.Type == crawler.WaitConditionTimeout {
			if err := sleepCtx(ctx, time.Duration(condition.Seconds*float64(time.Second))); err != nil {
				return crawler.FetchResult{}, err
			}
		}
	}

	attempts := e.network.Retry.MaxAttempts
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		egress, err := e.pool.Acquire()
		if err != nil {
			return crawler.FetchResult{}, err
		}

		result, status, err := e.fetchOnce(ctx, request.URL, egress)
		if err == nil {
			e.pool.Report(egress, proxy.OutcomeOK)
			metrics.ObservePageFetch("http", "ok")
			return result, nil
		}
		if ctx.Err() != nil {
			return crawler.FetchResult{}, ctx.Err()
		}

		lastErr = err
		switch {
		case status == http.StatusForbidden:
			e.pool.Report(egress, proxy.OutcomeHTTP403)
			metrics.ObservePageFetch("http", "forbidden")
			e.logger.Warn("http fetch forbidden, rotating egress",
				zap.String("url", request.URL),
				zap.String("egress", egress.ID),
				zap.Int("attempt", attempt+1),
			)
			// No backoff; the next attempt simply picks another egress.
			continue
		case status >= 500:
			e.pool.Report(egress, proxy.OutcomeOK)
			metrics.ObservePageFetch("http", "server_error")
		case status != 0:
			// Other client errors are not retryable.
			e.pool.Report(egress, proxy.OutcomeOK)
			metrics.ObservePageFetch("http", "client_error")
			return crawler.FetchResult{}, crawler.NewFetchError(crawler.KindHTTPStatus, request.URL, status, err)
		case isTimeout(err):
			e.pool.Report(egress, proxy.OutcomeTimeout)
			metrics.ObservePageFetch("http", "timeout")
		default:
			e.pool.Report(egress, proxy.OutcomeTransport)
			metrics.ObservePageFetch("http", "transport_error")
		}

		wait := e.network.Retry.RetryBackoff(attempt)
		e.logger.Warn("http fetch failed, retrying",
			zap.String("url", request.URL),
			zap.String("egress", egress.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Float64("wait_sec", wait),
			monitoring.Field(monitoring.ErrorEvent{
				ErrorType:      errorType(status, err),
				ErrorSource:    monitoring.SourceHTTP,
				URL:            request.URL,
				Proxy:          egress.ID,
				RetryIndex:     attempt + 1,
				ActionRequired: []string{"rotate_proxy", "retry"},
				Details:        e.pool.Snapshot(),
			}),
		)
		if attempt < attempts-1 {
			if err := sleepCtx(ctx, time.Duration(wait*float64(time.Second))); err != nil {
				return crawler.FetchResult{}, err
			}
		}
	}

	kind := crawler.KindTransport
	if isTimeout(lastErr) {
		kind = crawler.KindTimeout
	}
	return crawler.FetchResult{}, crawler.NewFetchError(kind, request.URL, 0, lastErr)
}

// FetchBinary downloads a raw resource (image bytes) through the rotation.
func (e *Engine) FetchBinary(ctx context.Context, rawURL string) ([]byte, string, error) {
	egress, err := e.pool.Acquire()
	if err != nil {
		return nil, "", err
	}

	client := &http.Client{
		Transport: e.transportFor(egress),
		Timeout:   e.timeout(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("User-Agent", e.pickUserAgent())
	if e.network.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", e.network.AcceptLanguage)
	}

	resp, err := client.Do(req)
	if err != nil {
		e.pool.Report(egress, transportOutcome(err))
		return nil, "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden {
		e.pool.Report(egress, proxy.OutcomeHTTP403)
		return nil, "", crawler.NewFetchError(crawler.KindHTTPStatus, rawURL, resp.StatusCode, nil)
	}
	if resp.StatusCode != http.StatusOK {
		e.pool.Report(egress, proxy.OutcomeOK)
		return nil, "", crawler.NewFetchError(crawler.KindHTTPStatus, rawURL, resp.StatusCode, nil)
	}
	e.pool.Report(egress, proxy.OutcomeOK)

	data, err := readAll(resp)
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Close drops idle connections held by the per-egress transports.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, transport := range e.transports {
		transport.CloseIdleConnections()
	}
}

func (e *Engine) fetchOnce(ctx context.Context, pageURL string, egress proxy.Egress) (crawler.FetchResult, int, error) {
	collector := e.base.Clone()
	collector.WithTransport(e.transportFor(egress))
	collector.SetRequestTimeout(e.timeout())

	userAgent := e.pickUserAgent()
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", userAgent)
		if e.network.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", e.network.AcceptLanguage)
		}
	})

	var (
		result   crawler.FetchResult
		status   int
		fetchErr error
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		result = crawler.FetchResult{
			FinalURL:   r.Request.URL.String(),
			HTML:       string(r.Body),
			Status:     r.StatusCode,
			EgressUsed: egress.ID,
			Duration:   time.Since(start),
		}
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return crawler.FetchResult{}, 0, ctx.Err()
	case visitErr := <-done:
		if fetchErr != nil {
			return crawler.FetchResult{}, status, fetchErr
		}
		if visitErr != nil {
			return crawler.FetchResult{}, status, visitErr
		}
	}
	return result, status, nil
}

// transportFor returns the cached transport for an egress, creating it lazily.
// One transport per egress keeps connection reuse per proxy identity.
func (e *Engine) transportFor(egress proxy.Egress) *http.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if transport, ok := e.transports[egress.ID]; ok {
		return transport
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if !egress.IsDirect() {
		if proxyURL, err := url.Parse(egress.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		} else {
			e.logger.Warn("invalid proxy url, using direct transport",
				zap.String("egress", egress.ID), zap.Error(err))
		}
	}
	e.transports[egress.ID] = transport
	return transport
}

func (e *Engine) pickUserAgent() string {
	agents := e.network.UserAgents
	if len(agents) == 0 {
		return ""
	}
	return agents[rand.IntN(len(agents))]
}

func (e *Engine) timeout() time.Duration {
	return time.Duration(e.network.RequestTimeoutSec * float64(time.Second))
}

func transportOutcome(err error) proxy.Outcome {
	if isTimeout(err) {
		return proxy.OutcomeTimeout
	}
	return proxy.OutcomeTransport
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func errorType(status int, err error) string {
	switch {
	case status != 0:
		return fmt.Sprintf("HttpStatusError{%d}", status)
	case isTimeout(err):
		return "Timeout"
	default:
		return "TransportError"
	}
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

func readAll(resp *http.Response) ([]byte, error) {
	const maxImageBytes = 32 << 20
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}
