// Package crawler defines core types shared across subsystems.
package crawler

import (
	"context"
	"time"
)

// Wait condition types applied before extraction.
const (
	WaitConditionSelector = "selector"
	WaitConditionTimeout  = "timeout"
)

// Stop condition types evaluated after extraction.
const (
	StopMissingSelector = "missing_selector"
	StopNoNewProducts   = "no_new_products"
)

// WaitCondition must hold before product links are extracted from a page.
// Selector conditions wait until the selector appears or TimeoutSec expires;
// timeout conditions sleep Seconds.
type WaitCondition struct {
	Type       string
	Value      string
	Seconds    float64
	TimeoutSec float64
}

// StopCondition ends category traversal when satisfied.
type StopCondition struct {
	Type  string
	Value string
}

// BehaviorContext carries page data the behavior controller needs.
type BehaviorContext struct {
	ProductLinkSelector string
	CategoryURL         string
	BaseURL             string
	RootURL             string
	HoverSelectors      []string
	ScrollMinPercent    int
	ScrollMaxPercent    int
}

// EngineRequest captures everything needed to fetch one page.
type EngineRequest struct {
	URL             string
	WaitConditions  []WaitCondition
	StopConditions  []StopCondition
	ScrollLimit     int
	InfiniteScroll  bool
	BehaviorContext *BehaviorContext
}

// FetchResult is returned by an Engine implementation.
type FetchResult struct {
	FinalURL      string
	HTML          string
	Status        int
	EgressUsed    string
	BehaviorTrace []string
	Duration      time.Duration
}

// Engine fetches category and product pages. Implementations own their retry
// ladders; a returned error means the ladder is exhausted.
type Engine interface {
	Fetch(ctx context.Context, request EngineRequest) (FetchResult, error)
	Close()
}

// BinaryFetcher downloads raw resources (product images) through the same
// egress rotation as page fetches.
type BinaryFetcher interface {
	FetchBinary(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// ProductRecord is one row appended to a per-domain sheet tab.
type ProductRecord struct {
	SourceSite           string
	Category             string
	CategoryURL          string
	ProductURL           string
	ProductContent       string
	DiscoveredAt         time.Time
	RunID                string
	ProductIDHash        string
	PageNum              int
	Metadata             map[string]string
	ImagePath            string
	NameEN               string
	NameRU               string
	PriceWithoutDiscount string
	PriceWithDiscount    string
	Status               string
	Note                 string
	ProcessedAt          string
	LLMRaw               string
}

// Terminal category states.
const (
	CategoryDone    = "done"
	CategoryStopped = "stopped"
	CategoryFailed  = "failed"
)

// CategoryMetrics tracks per-category crawl stats.
type CategoryMetrics struct {
	SiteName        string
	CategoryURL     string
	TotalFound      int
	TotalWritten    int
	TotalDuplicates int
	TotalFailed     int
	LastPage        int
	Status          string
}

// SiteCrawlResult aggregates one site's crawl.
type SiteCrawlResult struct {
	SiteName string
	SheetTab string
	Metrics  []CategoryMetrics
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
