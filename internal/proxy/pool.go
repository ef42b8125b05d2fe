// Package proxy maintains the rotating set of upstream egresses.
package proxy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/crawler"
	"github.com/marketfeed/linkharvest/internal/metrics"
	"github.com/marketfeed/linkharvest/internal/monitoring"
)

// DirectID identifies the process's own network in the rotation.
const DirectID = "direct"

// Outcomes reported back to the pool after each request.
type Outcome string

// Report outcomes.
const (
	OutcomeOK        Outcome = "ok"
	OutcomeHTTP403   Outcome = "http_403"
	OutcomeTransport Outcome = "transport_error"
	OutcomeTimeout   Outcome = "timeout"
)

const (
	forbiddenThreshold = 2
	issueWindow        = 5 * time.Minute
)

// Egress is one network identity: a proxy URL with credentials, or direct.
type Egress struct {
	ID  string
	URL string // empty for direct
}

// IsDirect reports whether the egress is the process's own network.
func (e Egress) IsDirect() bool {
	return e.URL == ""
}

type egressState struct {
	egress         Egress
	consecutive403 int
	recentErrors   int
	quarantined    bool
}

// Pool rotates egresses round-robin and quarantines sources that keep
// returning 403. Quarantine is permanent for the process lifetime.
type Pool struct {
	mu         sync.Mutex
	sources    []*egressState
	cursor     int
	badLogPath string
	badLog     *os.File
	issueTimes []time.Time
	logger     *zap.Logger
	now        func() time.Time
}

// New builds a pool from proxy URLs, optionally including the direct egress.
func New(proxies []string, allowDirect bool, badLogPath string, logger *zap.Logger) *Pool {
	pool := &Pool{
		badLogPath: badLogPath,
		logger:     logger,
		now:        time.Now,
	}
	for _, proxyURL := range proxies {
		pool.sources = append(pool.sources, &egressState{
			egress: Egress{ID: proxyURL, URL: proxyURL},
		})
	}
	if allowDirect {
		pool.sources = append(pool.sources, &egressState{
			egress: Egress{ID: DirectID},
		})
	}
	return pool
}

// Acquire returns the next non-quarantined egress round-robin. When every
// source is quarantined it returns crawler.ErrProxyPoolExhausted.
func (p *Pool) Acquire() (Egress, error) {
	return p.AcquireExcluding(nil)
}

// AcquireExcluding skips the given egress IDs when possible; if exclusion
// leaves nothing, it falls back to the full non-quarantined rotation.
func (p *Pool) AcquireExcluding(exclude map[string]bool) (Egress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if egress, ok := p.next(exclude); ok {
		return egress, nil
	}
	if len(exclude) > 0 {
		if egress, ok := p.next(nil); ok {
			return egress, nil
		}
	}

	p.logger.Error("proxy pool exhausted", monitoring.Field(monitoring.ErrorEvent{
		ErrorType:      "proxy_pool_exhausted",
		ErrorSource:    monitoring.SourceProxy,
		ActionRequired: []string{"refresh_pool", "add_delay"},
		Details:        p.snapshotLocked(),
	}))
	return Egress{}, crawler.ErrProxyPoolExhausted
}

func (p *Pool) next(exclude map[string]bool) (Egress, bool) {
	for range p.sources {
		state := p.sources[p.cursor%len(p.sources)]
		p.cursor++
		if state.quarantined {
			continue
		}
		if exclude != nil && exclude[state.egress.ID] {
			continue
		}
		return state.egress, true
	}
	return Egress{}, false
}

// Report records the outcome of a request made through an egress.
func (p *Pool) Report(egress Egress, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.find(egress.ID)
	if state == nil {
		return
	}
	switch outcome {
	case OutcomeHTTP403:
		state.consecutive403++
		p.noteIssue()
		if state.consecutive403 >= forbiddenThreshold && !state.quarantined {
			p.quarantineLocked(state)
		}
	case OutcomeTransport, OutcomeTimeout:
		state.consecutive403 = 0
		state.recentErrors++
		p.noteIssue()
	default:
		state.consecutive403 = 0
		state.recentErrors = 0
	}
}

// Quarantined returns the identifiers of banned egresses.
func (p *Pool) Quarantined() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var banned []string
	for _, state := range p.sources {
		if state.quarantined {
			banned = append(banned, state.egress.ID)
		}
	}
	return banned
}

// Snapshot describes the pool for error_event details.
func (p *Pool) Snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() map[string]any {
	alive := 0
	quarantined := 0
	directAlive := false
	for _, state := range p.sources {
		if state.quarantined {
			quarantined++
			continue
		}
		alive++
		if state.egress.IsDirect() {
			directAlive = true
		}
	}
	return map[string]any{
		"total_sources":         len(p.sources),
		"alive":                 alive,
		"quarantined":           quarantined,
		"has_direct_slot":       directAlive,
		"recent_issue_count_5m": p.recentIssuesLocked(),
	}
}

func (p *Pool) quarantineLocked(state *egressState) {
	state.quarantined = true
	metrics.ObserveEgressQuarantined()
	p.logger.Warn("egress quarantined after repeated 403",
		zap.String("egress", state.egress.ID),
		monitoring.Field(monitoring.ErrorEvent{
			ErrorType:      "HttpStatusError",
			ErrorSource:    monitoring.SourceProxy,
			Proxy:          state.egress.ID,
			ActionRequired: []string{"rotate_proxy"},
			Details:        p.snapshotLocked(),
		}),
	)
	p.appendBadLogLocked(state.egress.ID)
}

func (p *Pool) appendBadLogLocked(egressID string) {
	if p.badLogPath == "" {
		return
	}
	if p.badLog == nil {
		if err := os.MkdirAll(filepath.Dir(p.badLogPath), 0o755); err != nil {
			p.logger.Warn("create bad-egress log dir failed", zap.Error(err))
			return
		}
		file, err := os.OpenFile(p.badLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			p.logger.Warn("open bad-egress log failed", zap.Error(err))
			return
		}
		p.badLog = file
	}
	line := fmt.Sprintf("%s\t%s\tHTTP 403\n", p.now().UTC().Format(time.RFC3339), egressID)
	if _, err := p.badLog.WriteString(line); err != nil {
		p.logger.Warn("write bad-egress log failed", zap.Error(err))
		return
	}
	if err := p.badLog.Sync(); err != nil {
		p.logger.Warn("sync bad-egress log failed", zap.Error(err))
	}
}

func (p *Pool) noteIssue() {
	now := p.now()
	p.issueTimes = append(p.issueTimes, now)
	cutoff := now.Add(-issueWindow)
	trimmed := p.issueTimes[:0]
	for _, ts := range p.issueTimes {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	p.issueTimes = trimmed
}

func (p *Pool) recentIssuesLocked() int {
	cutoff := p.now().Add(-issueWindow)
	count := 0
	for _, ts := range p.issueTimes {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

func (p *Pool) find(id string) *egressState {
	for _, state := range p.sources {
		if state.egress.ID == id {
			return state
		}
	}
	return nil
}

// Close releases the bad-egress log handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.badLog != nil {
		_ = p.badLog.Close()
		p.badLog = nil
	}
}
