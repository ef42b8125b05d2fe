package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/crawler"
	"github.com/marketfeed/linkharvest/internal/metrics"
)

// coarseRetryWaits are the waits between append attempts for sustained
// outages: attempt 1 -> 2 and attempt 2 -> 3.
var coarseRetryWaits = []time.Duration{10 * time.Minute, 20 * time.Minute}

// Sleeper abstracts the ladder waits so tests can run on a fake clock.
type Sleeper func(ctx context.Context, d time.Duration) error

type tabState struct {
	mu     sync.Mutex
	seen   map[string]bool
	buffer [][]string
}

// Writer appends product rows per domain tab with the coarse retry ladder and
// an in-memory dedupe cache seeded from rows already on the tab.
type Writer struct {
	api           API
	stateTab      string
	runsTab       string
	flushInterval int
	logger        *zap.Logger
	sleep         Sleeper

	mu   sync.Mutex
	tabs map[string]*tabState
}

// NewWriter builds the writer and ensures the hidden _state/_runs tabs exist.
func NewWriter(api API, stateTab, runsTab string, flushInterval int, logger *zap.Logger) (*Writer, error) {
	if flushInterval <= 0 {
		flushInterval = 1
	}
	w := &Writer{
		api:           api,
		stateTab:      stateTab,
		runsTab:       runsTab,
		flushInterval: flushInterval,
		logger:        logger,
		sleep:         defaultSleep,
		tabs:          make(map[string]*tabState),
	}
	if err := api.EnsureHiddenTab(stateTab, StateTabHeader); err != nil {
		return nil, fmt.Errorf("ensure %s tab: %w", stateTab, err)
	}
	if err := api.EnsureHiddenTab(runsTab, RunsTabHeader); err != nil {
		return nil, fmt.Errorf("ensure %s tab: %w", runsTab, err)
	}
	return w, nil
}

// SetSleeper overrides the ladder waits (tests).
func (w *Writer) SetSleeper(sleep Sleeper) {
	w.sleep = sleep
}

// Prepare ensures the domain tab with its header and seeds the seen-cache
// from the product_url column. Idempotent.
func (w *Writer) Prepare(tab string) error {
	w.mu.Lock()
	if _, ok := w.tabs[tab]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.api.EnsureTab(tab, DomainTabHeader); err != nil {
		return fmt.Errorf("ensure tab %s: %w", tab, err)
	}
	existing, err := w.api.ReadColumn(tab, productURLColumn)
	if err != nil {
		return fmt.Errorf("seed seen cache for %s: %w", tab, err)
	}

	seen := make(map[string]bool, len(existing))
	for i, value := range existing {
		if i == 0 {
			// Header row.
			continue
		}
		if value != "" {
			seen[value] = true
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tabs[tab]; !ok {
		w.tabs[tab] = &tabState{seen: seen}
	}
	return nil
}

// Append buffers a product row unless its URL already appeared on the tab in
// any run. It reports whether the record was accepted. A full buffer is
// flushed through the retry ladder; the error of a failed flush belongs to
// this record and the caller must roll its image back.
func (w *Writer) Append(ctx context.Context, tab string, record crawler.ProductRecord) (bool, error) {
	if err := w.Prepare(tab); err != nil {
		return false, err
	}
	state := w.tab(tab)

	state.mu.Lock()
	if state.seen[record.ProductURL] {
		state.mu.Unlock()
		return false, nil
	}
	state.seen[record.ProductURL] = true
	state.buffer = append(state.buffer, recordToRow(record))
	shouldFlush := len(state.buffer) >= w.flushInterval
	state.mu.Unlock()

	if !shouldFlush {
		return true, nil
	}
	if err := w.Flush(ctx, tab); err != nil {
		return false, err
	}
	return true, nil
}

// Flush writes the tab's buffered rows through the coarse retry ladder:
// three attempts with 10- and 20-minute waits in between. On final failure
// the rows are dropped from the buffer and their URLs unmarked so a later
// run can retry them.
func (w *Writer) Flush(ctx context.Context, tab string) error {
	state := w.tab(tab)
	state.mu.Lock()
	rows := state.buffer
	state.buffer = nil
	state.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < len(coarseRetryWaits)+1; attempt++ {
		if attempt > 0 {
			metrics.ObserveSheetAppendRetry()
			wait := coarseRetryWaits[attempt-1]
			w.logger.Warn("sheet append failed, waiting before retry",
				zap.String("tab", tab),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			if err := w.sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := w.api.AppendRows(tab, rows); err != nil {
			lastErr = err
			continue
		}
		w.logger.Info("rows appended", zap.String("tab", tab), zap.Int("rows", len(rows)))
		return nil
	}

	state.mu.Lock()
	for _, row := range rows {
		delete(state.seen, row[3])
	}
	state.mu.Unlock()
	return fmt.Errorf("append to %s after %d attempts: %w", tab, len(coarseRetryWaits)+1, lastErr)
}

// WriteRunLog appends one row to the _runs tab.
func (w *Writer) WriteRunLog(run RunInfo) error {
	row := []string{
		run.RunID,
		run.Site,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		strconv.Itoa(run.ProductsTotal),
		strconv.Itoa(run.ProductsNew),
	}
	if err := w.api.AppendRows(w.runsTab, [][]string{row}); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// RewriteState replaces the _state tab with the current progress rows.
func (w *Writer) RewriteState(states []StateRow) error {
	rows := make([][]string, 0, len(states)+1)
	rows = append(rows, append([]string(nil), StateTabHeader...))
	for _, cs := range states {
		rows = append(rows, []string{
			cs.SiteName,
			cs.CategoryURL,
			strconv.Itoa(cs.LastPage),
			strconv.Itoa(cs.LastProductCount),
			cs.LastRunTS.UTC().Format(time.RFC3339),
		})
	}
	if err := w.api.RewriteTab(w.stateTab, rows); err != nil {
		return fmt.Errorf("rewrite state tab: %w", err)
	}
	return nil
}

func (w *Writer) tab(name string) *tabState {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.tabs[name]
	if !ok {
		state = &tabState{seen: make(map[string]bool)}
		w.tabs[name] = state
	}
	return state
}

func recordToRow(record crawler.ProductRecord) []string {
	metadata := ""
	if len(record.Metadata) > 0 {
		if encoded, err := json.Marshal(record.Metadata); err == nil {
			metadata = string(encoded)
		}
	}
	return []string{
		record.SourceSite,
		record.Category,
		record.CategoryURL,
		record.ProductURL,
		record.ProductContent,
		record.DiscoveredAt.UTC().Format(time.RFC3339),
		record.RunID,
		record.ProductIDHash,
		strconv.Itoa(record.PageNum),
		metadata,
		record.ImagePath,
		record.NameEN,
		record.NameRU,
		record.PriceWithoutDiscount,
		record.PriceWithDiscount,
		record.Status,
		record.Note,
		record.ProcessedAt,
		record.LLMRaw,
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
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
