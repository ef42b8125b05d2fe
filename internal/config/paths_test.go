package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunEnvExplicit(t *testing.T) {
	t.Setenv("APP_RUN_ENV", "docker")
	assert.Equal(t, RunEnvDocker, RunEnv())

	t.Setenv("APP_RUN_ENV", "local")
	assert.Equal(t, RunEnvLocal, RunEnv())
}

func TestResolvePathEnvWins(t *testing.T) {
	t.Setenv("APP_RUN_ENV", "docker")
	t.Setenv("STATE_DATABASE_PATH", "/tmp/custom.db")
	assert.Equal(t, "/tmp/custom.db", DefaultStateDBPath())
}

func TestDefaultPathsByRunEnv(t *testing.T) {
	t.Setenv("STATE_DATABASE_PATH", "")
	t.Setenv("PRODUCT_IMAGE_DIR", "")
	t.Setenv("NETWORK_BAD_PROXY_LOG_PATH", "")
	t.Setenv("LOG_FILE_PATH", "")
	t.Setenv("SITE_CONFIG_DIR", "")

	t.Setenv("APP_RUN_ENV", "local")
	assert.Equal(t, "state/runtime.db", DefaultStateDBPath())
	assert.Equal(t, "assets/images", DefaultImageDir())
	assert.Equal(t, "logs/bad_proxies.log", DefaultBadProxyLogPath())
	assert.Equal(t, "logs/parser.log", DefaultLogFilePath())
	assert.Equal(t, "config/sites", DefaultSitesDir())

	t.Setenv("APP_RUN_ENV", "docker")
	assert.Equal(t, "/var/app/state/runtime.db", DefaultStateDBPath())
	assert.Equal(t, "/app/assets/images", DefaultImageDir())
	assert.Equal(t, "/var/log/parser/bad_proxies.log", DefaultBadProxyLogPath())
	assert.Equal(t, "/var/log/parser/parser.log", DefaultLogFilePath())
	assert.Equal(t, "/app/config/sites", DefaultSitesDir())
}
