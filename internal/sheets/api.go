// Package sheets writes product rows to the spreadsheet, one tab per domain.
package sheets

import "time"

// API is the logical spreadsheet surface the writer depends on. The Google
// client implements it; tests substitute a fake.
type API interface {
	EnsureTab(name string, header []string) error
	EnsureHiddenTab(name string, header []string) error
	AppendRows(tab string, rows [][]string) error
	ReadColumn(tab, letter string) ([]string, error)
	RewriteTab(tab string, rows [][]string) error
}

// DomainTabHeader is the per-domain tab column contract (columns A..S).
var DomainTabHeader = []string{
	"source_site",
	"category",
	"category_url",
	"product_url",
	"product_content",
	"discovered_at",
	"run_id",
	"product_id_hash",
	"page_num",
	"metadata",
	"image_path",
	"name (en)",
	"name (ru)",
	"price (without discount)",
	"price (with discount)",
	"status",
	"note",
	"processed_at",
	"llm_raw",
}

// productURLColumn is where the seen-cache is seeded from.
const productURLColumn = "D"

// StateTabHeader is the _state tab contract.
var StateTabHeader = []string{"site_name", "category_url", "last_page", "last_product_count", "last_run_ts"}

// RunsTabHeader is the _runs tab contract.
var RunsTabHeader = []string{"run_id", "site", "started_at", "finished_at", "products_total", "products_new"}

// RunInfo is one _runs row.
type RunInfo struct {
	RunID         string
	Site          string
	StartedAt     time.Time
	FinishedAt    time.Time
	ProductsTotal int
	ProductsNew   int
}

// StateRow is one _state row.
type StateRow struct {
	SiteName         string
	CategoryURL      string
	LastPage         int
	LastProductCount int
	LastRunTS        time.Time
}
