// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ErrInvalid marks configuration errors; the CLI maps it to exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Config captures all global configuration knobs loaded via Viper.
type Config struct {
	Sheet     SheetConfig     `mapstructure:"sheet"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Network   NetworkConfig   `mapstructure:"network"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
	State     StateConfig     `mapstructure:"state"`
	Behavior  BehaviorConfig  `mapstructure:"behavior"`
	Write     WriteConfig     `mapstructure:"write"`
	Product   ProductConfig   `mapstructure:"product"`
	Google    GoogleConfig    `mapstructure:"google"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SheetConfig controls the spreadsheet sink.
type SheetConfig struct {
	SpreadsheetID  string `mapstructure:"spreadsheet_id"`
	WriteBatchSize int    `mapstructure:"write_batch_size"`
	StateTab       string `mapstructure:"state_tab"`
	RunsTab        string `mapstructure:"runs_tab"`
}

// RuntimeConfig governs pipeline scheduling and delays.
type RuntimeConfig struct {
	MaxConcurrencyPerSite int     `mapstructure:"max_concurrency_per_site"`
	StopAfterProducts     int     `mapstructure:"stop_after_products"`
	StopAfterMinutes      int     `mapstructure:"stop_after_minutes"`
	PageDelayMinSec       float64 `mapstructure:"page_delay_min_sec"`
	PageDelayMaxSec       float64 `mapstructure:"page_delay_max_sec"`
	ProductDelayMinSec    float64 `mapstructure:"product_delay_min_sec"`
	ProductDelayMaxSec    float64 `mapstructure:"product_delay_max_sec"`
}

// RetryConfig is the shared retry knob for the fetch engines.
type RetryConfig struct {
	MaxAttempts int       `mapstructure:"max_attempts"`
	BackoffSec  []float64 `mapstructure:"backoff_sec"`
}

// NetworkConfig holds egress, browser and retry settings.
type NetworkConfig struct {
	UserAgents                  []string    `mapstructure:"user_agents"`
	ProxyPool                   []string    `mapstructure:"proxy_pool"`
	ProxyAllowDirect            bool        `mapstructure:"proxy_allow_direct"`
	RequestTimeoutSec           float64     `mapstructure:"request_timeout_sec"`
	Retry                       RetryConfig `mapstructure:"retry"`
	AcceptLanguage              string      `mapstructure:"accept_language"`
	BadProxyLogPath             string      `mapstructure:"bad_proxy_log_path"`
	BrowserHeadless             bool        `mapstructure:"browser_headless"`
	BrowserSlowMoMs             int         `mapstructure:"browser_slow_mo_ms"`
	BrowserStorageStatePath     string      `mapstructure:"browser_storage_state_path"`
	BrowserPreviewDelaySec      float64     `mapstructure:"browser_preview_delay_sec"`
	PreviewBeforeBehaviorSec    float64     `mapstructure:"browser_preview_before_behavior_sec"`
	BrowserExtraPagePreviewSec  float64     `mapstructure:"browser_extra_page_preview_sec"`
}

// DedupeConfig holds the URL-canonicalization blacklist.
type DedupeConfig struct {
	StripParamsBlacklist []string `mapstructure:"strip_params_blacklist"`
}

// StateConfig controls the embedded progress store.
type StateConfig struct {
	Driver       string `mapstructure:"driver"`
	DatabasePath string `mapstructure:"database_path"`
}

// BehaviorConfig tunes the human-behavior controller.
type BehaviorConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	Debug                   bool    `mapstructure:"debug"`
	ActionDelayMinSec       float64 `mapstructure:"action_delay_min_sec"`
	ActionDelayMaxSec       float64 `mapstructure:"action_delay_max_sec"`
	ScrollProbability       float64 `mapstructure:"scroll_probability"`
	ScrollSkipProbability   float64 `mapstructure:"scroll_skip_probability"`
	ScrollMinDepthPercent   int     `mapstructure:"scroll_min_depth_percent"`
	ScrollMaxDepthPercent   int     `mapstructure:"scroll_max_depth_percent"`
	ScrollMinSteps          int     `mapstructure:"scroll_min_steps"`
	ScrollMaxSteps          int     `mapstructure:"scroll_max_steps"`
	MouseMoveCountMin       int     `mapstructure:"mouse_move_count_min"`
	MouseMoveCountMax       int     `mapstructure:"mouse_move_count_max"`
	HoverProbability        float64 `mapstructure:"hover_probability"`
	BackProbability         float64 `mapstructure:"back_probability"`
	VisitRootProbability    float64 `mapstructure:"visit_root_probability"`
	ExtraProductsProbability float64 `mapstructure:"extra_products_probability"`
	ExtraProductsLimit      int     `mapstructure:"extra_products_limit"`
	MaxAdditionalChain      int     `mapstructure:"max_additional_chain"`
}

// WriteConfig controls the sheet flush discipline.
type WriteConfig struct {
	FlushProductInterval int `mapstructure:"flush_product_interval"`
}

// ProductConfig controls how product pages and images are fetched.
type ProductConfig struct {
	FetchEngine string `mapstructure:"fetch_engine"`
	ImageDir    string `mapstructure:"image_dir"`
}

// GoogleConfig points at OAuth material for the sheets client.
type GoogleConfig struct {
	OAuthClientSecretPath string `mapstructure:"oauth_client_secret_path"`
	OAuthTokenPath        string `mapstructure:"oauth_token_path"`
	OAuthScopes           []string `mapstructure:"oauth_scopes"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	FilePath string `mapstructure:"file_path"`
}

// TelemetryConfig controls the optional metrics listener.
type TelemetryConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Product fetch engines.
const (
	EngineHTTP    = "http"
	EngineBrowser = "browser"
)

// Load builds a Config from an optional YAML file plus environment overrides.
// Environment names follow the key path with dots replaced by underscores
// (e.g. NETWORK_PROXY_ALLOW_DIRECT, RUNTIME_PAGE_DELAY_MIN_SEC).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read global config: %v", ErrInvalid, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal global config: %v", ErrInvalid, err)
	}

	trimStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sheet.spreadsheet_id", "")
	v.SetDefault("sheet.write_batch_size", 200)
	v.SetDefault("sheet.state_tab", "_state")
	v.SetDefault("sheet.runs_tab", "_runs")

	v.SetDefault("runtime.max_concurrency_per_site", 1)
	v.SetDefault("runtime.stop_after_products", 0)
	v.SetDefault("runtime.stop_after_minutes", 0)
	v.SetDefault("runtime.page_delay_min_sec", 5.0)
	v.SetDefault("runtime.page_delay_max_sec", 8.0)
	v.SetDefault("runtime.product_delay_min_sec", 8.0)
	v.SetDefault("runtime.product_delay_max_sec", 12.0)

	v.SetDefault("network.user_agents", []string{})
	v.SetDefault("network.proxy_pool", []string{})
	v.SetDefault("network.proxy_allow_direct", false)
	v.SetDefault("network.request_timeout_sec", 30.0)
	v.SetDefault("network.retry.max_attempts", 3)
	v.SetDefault("network.retry.backoff_sec", []float64{30, 60})
	v.SetDefault("network.accept_language", "")
	v.SetDefault("network.bad_proxy_log_path", DefaultBadProxyLogPath())
	v.SetDefault("network.browser_headless", true)
	v.SetDefault("network.browser_slow_mo_ms", 0)
	v.SetDefault("network.browser_storage_state_path", "")
	v.SetDefault("network.browser_preview_delay_sec", 0.0)
	v.SetDefault("network.browser_preview_before_behavior_sec", 0.0)
	v.SetDefault("network.browser_extra_page_preview_sec", 0.0)

	v.SetDefault("dedupe.strip_params_blacklist", []string{"utm_*"})

	v.SetDefault("state.driver", "sqlite")
	v.SetDefault("state.database_path", DefaultStateDBPath())

	v.SetDefault("behavior.enabled", false)
	v.SetDefault("behavior.debug", false)
	v.SetDefault("behavior.action_delay_min_sec", 0.3)
	v.SetDefault("behavior.action_delay_max_sec", 0.9)
	v.SetDefault("behavior.scroll_probability", 0.7)
	v.SetDefault("behavior.scroll_skip_probability", 0.2)
	v.SetDefault("behavior.scroll_min_depth_percent", 25)
	v.SetDefault("behavior.scroll_max_depth_percent", 85)
	v.SetDefault("behavior.scroll_min_steps", 2)
	v.SetDefault("behavior.scroll_max_steps", 5)
	v.SetDefault("behavior.mouse_move_count_min", 1)
	v.SetDefault("behavior.mouse_move_count_max", 3)
	v.SetDefault("behavior.hover_probability", 0.35)
	v.SetDefault("behavior.back_probability", 0.25)
	v.SetDefault("behavior.visit_root_probability", 0.15)
	v.SetDefault("behavior.extra_products_probability", 0.3)
	v.SetDefault("behavior.extra_products_limit", 2)
	v.SetDefault("behavior.max_additional_chain", 2)

	v.SetDefault("write.flush_product_interval", 1)

	v.SetDefault("product.fetch_engine", EngineHTTP)
	v.SetDefault("product.image_dir", DefaultImageDir())

	v.SetDefault("google.oauth_client_secret_path", "")
	v.SetDefault("google.oauth_token_path", "")
	v.SetDefault("google.oauth_scopes", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", DefaultLogFilePath())

	v.SetDefault("telemetry.listen_addr", "")
}

func trimStrings(cfg *Config) {
	cfg.Network.UserAgents = trimSlice(cfg.Network.UserAgents)
	cfg.Network.ProxyPool = trimSlice(cfg.Network.ProxyPool)
	cfg.Dedupe.StripParamsBlacklist = trimSlice(cfg.Dedupe.StripParamsBlacklist)
	cfg.Google.OAuthScopes = trimSlice(cfg.Google.OAuthScopes)
}

func trimSlice(values []string) []string {
	out := values[:0]
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Network.UserAgents) == 0 {
		return fmt.Errorf("%w: network.user_agents must list at least one agent", ErrInvalid)
	}
	if c.Network.RequestTimeoutSec <= 0 {
		return fmt.Errorf("%w: network.request_timeout_sec must be > 0", ErrInvalid)
	}
	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: network.retry.max_attempts must be > 0", ErrInvalid)
	}
	if c.Runtime.MaxConcurrencyPerSite <= 0 {
		return fmt.Errorf("%w: runtime.max_concurrency_per_site must be > 0", ErrInvalid)
	}
	if c.Runtime.PageDelayMaxSec < c.Runtime.PageDelayMinSec {
		return fmt.Errorf("%w: runtime.page_delay_max_sec below min", ErrInvalid)
	}
	if c.Runtime.ProductDelayMaxSec < c.Runtime.ProductDelayMinSec {
		return fmt.Errorf("%w: runtime.product_delay_max_sec below min", ErrInvalid)
	}
	if c.Product.FetchEngine != EngineHTTP && c.Product.FetchEngine != EngineBrowser {
		return fmt.Errorf("%w: product.fetch_engine must be %q or %q", ErrInvalid, EngineHTTP, EngineBrowser)
	}
	if c.Write.FlushProductInterval <= 0 {
		return fmt.Errorf("%w: write.flush_product_interval must be > 0", ErrInvalid)
	}
	if c.Behavior.ScrollMaxDepthPercent < c.Behavior.ScrollMinDepthPercent {
		return fmt.Errorf("%w: behavior.scroll_max_depth_percent below min", ErrInvalid)
	}
	if len(c.Network.ProxyPool) == 0 && !c.Network.ProxyAllowDirect {
		return fmt.Errorf("%w: network.proxy_pool is empty and direct egress is not allowed", ErrInvalid)
	}
	return nil
}

// RetryBackoff returns the delay before attempt i (0-based) from the ladder.
func (r RetryConfig) RetryBackoff(i int) float64 {
	if len(r.BackoffSec) == 0 {
		return 0
	}
	if i >= len(r.BackoffSec) {
		i = len(r.BackoffSec) - 1
	}
	return r.BackoffSec[i]
}
