package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "global.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
sheet:
  spreadsheet_id: sheet-123
network:
  user_agents:
    - "Mozilla/5.0 test"
  proxy_allow_direct: true
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "sheet-123", cfg.Sheet.SpreadsheetID)
	assert.Equal(t, "_state", cfg.Sheet.StateTab)
	assert.Equal(t, "_runs", cfg.Sheet.RunsTab)
	assert.Equal(t, 1, cfg.Runtime.MaxConcurrencyPerSite)
	assert.Equal(t, 3, cfg.Network.Retry.MaxAttempts)
	assert.Equal(t, []float64{30, 60}, cfg.Network.Retry.BackoffSec)
	assert.Equal(t, 1, cfg.Write.FlushProductInterval)
	assert.Equal(t, EngineHTTP, cfg.Product.FetchEngine)
	assert.Equal(t, []string{"utm_*"}, cfg.Dedupe.StripParamsBlacklist)
	assert.False(t, cfg.Behavior.Enabled)
	assert.True(t, cfg.Network.BrowserHeadless)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RUNTIME_PAGE_DELAY_MIN_SEC", "1.5")
	t.Setenv("RUNTIME_PAGE_DELAY_MAX_SEC", "2.5")
	t.Setenv("NETWORK_PROXY_POOL", "http://p1:8080,http://p2:8080")
	t.Setenv("NETWORK_ACCEPT_LANGUAGE", "ru-RU,ru;q=0.9")
	t.Setenv("BEHAVIOR_ENABLED", "true")
	t.Setenv("WRITE_FLUSH_PRODUCT_INTERVAL", "5")
	t.Setenv("PRODUCT_FETCH_ENGINE", "browser")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 1.5, cfg.Runtime.PageDelayMinSec)
	assert.Equal(t, 2.5, cfg.Runtime.PageDelayMaxSec)
	assert.Equal(t, []string{"http://p1:8080", "http://p2:8080"}, cfg.Network.ProxyPool)
	assert.Equal(t, "ru-RU,ru;q=0.9", cfg.Network.AcceptLanguage)
	assert.True(t, cfg.Behavior.Enabled)
	assert.Equal(t, 5, cfg.Write.FlushProductInterval)
	assert.Equal(t, EngineBrowser, cfg.Product.FetchEngine)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "no user agents",
			body: `
network:
  proxy_allow_direct: true
`,
		},
		{
			name: "bad fetch engine",
			body: minimalConfig + `
product:
  fetch_engine: carrier_pigeon
`,
		},
		{
			name: "delay bounds inverted",
			body: minimalConfig + `
runtime:
  page_delay_min_sec: 9
  page_delay_max_sec: 3
`,
		},
		{
			name: "no egress at all",
			body: `
network:
  user_agents: ["ua"]
  proxy_allow_direct: false
`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestRetryBackoffClampsIndex(t *testing.T) {
	retry := RetryConfig{BackoffSec: []float64{2, 5, 10}}
	assert.Equal(t, 2.0, retry.RetryBackoff(0))
	assert.Equal(t, 10.0, retry.RetryBackoff(2))
	assert.Equal(t, 10.0, retry.RetryBackoff(7))
	assert.Equal(t, 0.0, RetryConfig{}.RetryBackoff(0))
}
