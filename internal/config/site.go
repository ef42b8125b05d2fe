package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/marketfeed/linkharvest/internal/crawler"
)

// Pagination modes.
const (
	PaginationNumbered       = "numbered_pages"
	PaginationNextButton     = "next_button"
	PaginationInfiniteScroll = "infinite_scroll"
)

// SelectorConfig holds the per-site CSS selectors. Selector fields that accept
// a single pattern or an ordered fallback list are normalized to lists at load
// time so the runtime has one shape.
type SelectorConfig struct {
	ProductLinkSelector           string
	NextButtonSelector            string
	MainImageSelector             string
	ContentDropAfter              []string
	NameENSelectors               []string
	NameRUSelectors               []string
	PriceWithoutDiscountSelectors []string
	PriceWithDiscountSelectors    []string
	HoverTargets                  []string
	ProductHoverTargets           []string
	AllowedDomains                []string
}

// PaginationConfig describes how a site's category listing advances.
type PaginationConfig struct {
	Mode             string
	ParamName        string
	MaxPages         int
	StartPage        int
	EndPage          int
	MaxScrolls       int
	ScrollMinPercent int
	ScrollMaxPercent int
}

// SiteLimits bounds a single category crawl.
type SiteLimits struct {
	MaxProducts int
	MaxPages    int
	MaxScrolls  int
}

// SiteConfig is the parsed per-site configuration file.
type SiteConfig struct {
	Name           string
	Domain         string
	BaseURL        string
	Engine         string
	Selectors      SelectorConfig
	Pagination     PaginationConfig
	Limits         SiteLimits
	WaitConditions []crawler.WaitCondition
	StopConditions []crawler.StopCondition
	CategoryURLs   []string
	CategoryLabels map[string]string
}

type rawSiteFile struct {
	Site struct {
		Name    string `mapstructure:"name"`
		Domain  string `mapstructure:"domain"`
		BaseURL string `mapstructure:"base_url"`
		Engine  string `mapstructure:"engine"`
	} `mapstructure:"site"`
	Selectors struct {
		ProductLinkSelector           string   `mapstructure:"product_link_selector"`
		NextButtonSelector            string   `mapstructure:"next_button_selector"`
		MainImageSelector             string   `mapstructure:"main_image_selector"`
		ContentDropAfter              []string `mapstructure:"content_drop_after"`
		NameENSelector                any      `mapstructure:"name_en_selector"`
		NameRUSelector                any      `mapstructure:"name_ru_selector"`
		PriceWithoutDiscountSelector  any      `mapstructure:"price_without_discount_selector"`
		PriceWithDiscountSelector     any      `mapstructure:"price_with_discount_selector"`
		HoverTargets                  []string `mapstructure:"hover_targets"`
		ProductHoverTargets           []string `mapstructure:"product_hover_targets"`
		AllowedDomains                []string `mapstructure:"allowed_domains"`
	} `mapstructure:"selectors"`
	Pagination struct {
		Mode             string `mapstructure:"mode"`
		ParamName        string `mapstructure:"param_name"`
		NextButton       string `mapstructure:"next_button_selector"`
		MaxPages         int    `mapstructure:"max_pages"`
		StartPage        int    `mapstructure:"start_page"`
		EndPage          int    `mapstructure:"end_page"`
		MaxScrolls       int    `mapstructure:"max_scrolls"`
		ScrollMinPercent int    `mapstructure:"scroll_min_percent"`
		ScrollMaxPercent int    `mapstructure:"scroll_max_percent"`
	} `mapstructure:"pagination"`
	Limits struct {
		MaxProducts int `mapstructure:"max_products"`
		MaxPages    int `mapstructure:"max_pages"`
		MaxScrolls  int `mapstructure:"max_scrolls"`
	} `mapstructure:"limits"`
	WaitConditions []struct {
		Type       string  `mapstructure:"type"`
		Value      any     `mapstructure:"value"`
		TimeoutSec float64 `mapstructure:"timeout_sec"`
	} `mapstructure:"wait_conditions"`
	StopConditions []struct {
		Type  string `mapstructure:"type"`
		Value any    `mapstructure:"value"`
	} `mapstructure:"stop_conditions"`
	CategoryURLs   []string          `mapstructure:"category_urls"`
	CategoryLabels map[string]string `mapstructure:"category_labels"`
}

// LoadSites reads every YAML/JSON file in dir as one site config, sorted by
// file name for a deterministic crawl order.
func LoadSites(dir string) ([]SiteConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read sites dir %s: %v", ErrInvalid, dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no site configs in %s", ErrInvalid, dir)
	}

	sites := make([]SiteConfig, 0, len(files))
	for _, file := range files {
		site, err := LoadSite(file)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// LoadSite parses and validates a single site config file.
func LoadSite(path string) (SiteConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return SiteConfig{}, fmt.Errorf("%w: read site config %s: %v", ErrInvalid, path, err)
	}
	var raw rawSiteFile
	if err := v.Unmarshal(&raw); err != nil {
		return SiteConfig{}, fmt.Errorf("%w: unmarshal site config %s: %v", ErrInvalid, path, err)
	}

	site := SiteConfig{
		Name:    raw.Site.Name,
		Domain:  raw.Site.Domain,
		BaseURL: raw.Site.BaseURL,
		Engine:  raw.Site.Engine,
		Selectors: SelectorConfig{
			ProductLinkSelector:           raw.Selectors.ProductLinkSelector,
			NextButtonSelector:            firstNonEmpty(raw.Selectors.NextButtonSelector, raw.Pagination.NextButton),
			MainImageSelector:             raw.Selectors.MainImageSelector,
			ContentDropAfter:              trimSlice(raw.Selectors.ContentDropAfter),
			NameENSelectors:               selectorList(raw.Selectors.NameENSelector),
			NameRUSelectors:               selectorList(raw.Selectors.NameRUSelector),
			PriceWithoutDiscountSelectors: selectorList(raw.Selectors.PriceWithoutDiscountSelector),
			PriceWithDiscountSelectors:    selectorList(raw.Selectors.PriceWithDiscountSelector),
			HoverTargets:                  trimSlice(raw.Selectors.HoverTargets),
			ProductHoverTargets:           trimSlice(raw.Selectors.ProductHoverTargets),
			AllowedDomains:                trimSlice(raw.Selectors.AllowedDomains),
		},
		Pagination: PaginationConfig{
			Mode:             raw.Pagination.Mode,
			ParamName:        raw.Pagination.ParamName,
			MaxPages:         raw.Pagination.MaxPages,
			StartPage:        raw.Pagination.StartPage,
			EndPage:          raw.Pagination.EndPage,
			MaxScrolls:       raw.Pagination.MaxScrolls,
			ScrollMinPercent: raw.Pagination.ScrollMinPercent,
			ScrollMaxPercent: raw.Pagination.ScrollMaxPercent,
		},
		Limits: SiteLimits{
			MaxProducts: raw.Limits.MaxProducts,
			MaxPages:    raw.Limits.MaxPages,
			MaxScrolls:  raw.Limits.MaxScrolls,
		},
		CategoryURLs:   trimSlice(raw.CategoryURLs),
		CategoryLabels: raw.CategoryLabels,
	}

	for _, wc := range raw.WaitConditions {
		condition := crawler.WaitCondition{
			Type:       normalizeWaitType(wc.Type),
			TimeoutSec: wc.TimeoutSec,
		}
		if condition.TimeoutSec <= 0 {
			condition.TimeoutSec = 15
		}
		switch condition.Type {
		case crawler.WaitConditionSelector:
			condition.Value = fmt.Sprint(wc.Value)
		case crawler.WaitConditionTimeout:
			condition.Seconds = toFloat(wc.Value)
		default:
			return SiteConfig{}, fmt.Errorf("%w: %s: unknown wait condition type %q", ErrInvalid, path, wc.Type)
		}
		site.WaitConditions = append(site.WaitConditions, condition)
	}

	for _, sc := range raw.StopConditions {
		switch sc.Type {
		case crawler.StopMissingSelector, crawler.StopNoNewProducts:
			site.StopConditions = append(site.StopConditions, crawler.StopCondition{
				Type:  sc.Type,
				Value: fmt.Sprint(sc.Value),
			})
		case "max_pages":
			// Folded into the pagination bound so the runtime only sees
			// selector-based stops.
			if pages := int(toFloat(sc.Value)); pages > 0 {
				if site.Pagination.MaxPages == 0 || pages < site.Pagination.MaxPages {
					site.Pagination.MaxPages = pages
				}
			}
		default:
			return SiteConfig{}, fmt.Errorf("%w: %s: unknown stop condition type %q", ErrInvalid, path, sc.Type)
		}
	}

	if site.Engine == "" {
		site.Engine = EngineHTTP
	}
	if site.Pagination.ParamName == "" {
		site.Pagination.ParamName = "page"
	}
	if err := site.Validate(); err != nil {
		return SiteConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return site, nil
}

// Validate enforces required per-site fields.
func (s SiteConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: site.name is required", ErrInvalid)
	}
	if s.Domain == "" {
		return fmt.Errorf("%w: site.domain is required", ErrInvalid)
	}
	if s.Engine != EngineHTTP && s.Engine != EngineBrowser {
		return fmt.Errorf("%w: site.engine must be %q or %q", ErrInvalid, EngineHTTP, EngineBrowser)
	}
	if s.Selectors.ProductLinkSelector == "" {
		return fmt.Errorf("%w: selectors.product_link_selector is required", ErrInvalid)
	}
	if len(s.CategoryURLs) == 0 {
		return fmt.Errorf("%w: at least one category_url is required", ErrInvalid)
	}
	switch s.Pagination.Mode {
	case PaginationNumbered, PaginationNextButton, PaginationInfiniteScroll:
	default:
		return fmt.Errorf("%w: pagination.mode %q is not supported", ErrInvalid, s.Pagination.Mode)
	}
	if s.Pagination.Mode == PaginationNextButton && s.Selectors.NextButtonSelector == "" {
		return fmt.Errorf("%w: next_button_selector is required for next_button pagination", ErrInvalid)
	}
	if s.Pagination.EndPage > 0 && s.Pagination.StartPage > s.Pagination.EndPage {
		return fmt.Errorf("%w: pagination.start_page is past end_page", ErrInvalid)
	}
	return nil
}

// EffectiveMaxPages returns the page bound for one category.
func (s SiteConfig) EffectiveMaxPages() int {
	if s.Limits.MaxPages > 0 {
		return s.Limits.MaxPages
	}
	if s.Pagination.MaxPages > 0 {
		return s.Pagination.MaxPages
	}
	return 100
}

// EffectiveMaxScrolls returns the scroll bound for infinite-scroll categories.
func (s SiteConfig) EffectiveMaxScrolls() int {
	if s.Limits.MaxScrolls > 0 {
		return s.Limits.MaxScrolls
	}
	if s.Pagination.MaxScrolls > 0 {
		return s.Pagination.MaxScrolls
	}
	return 30
}

// selectorList normalizes a single selector or an ordered fallback list.
func selectorList(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	case []string:
		return trimSlice(v)
	case []any:
		var out []string
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return []string{s}
		}
		return nil
	}
}

func normalizeWaitType(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "selector":
		return crawler.WaitConditionSelector
	case "timeout", "delay":
		return crawler.WaitConditionTimeout
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &parsed); err == nil {
			return parsed
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
