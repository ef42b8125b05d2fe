package config

import (
	"os"
	"strings"
)

// Run environments selecting default filesystem paths.
const (
	RunEnvLocal  = "local"
	RunEnvDocker = "docker"
)

// RunEnv reports the effective APP_RUN_ENV. When unset, the presence of
// /.dockerenv (or DOCKER_CONTAINER) implies docker.
func RunEnv() string {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("APP_RUN_ENV")))
	if value == RunEnvLocal || value == RunEnvDocker {
		return value
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return RunEnvDocker
	}
	if os.Getenv("DOCKER_CONTAINER") != "" {
		return RunEnvDocker
	}
	return RunEnvLocal
}

// ResolvePath returns the value of envName, or the run-env default.
func ResolvePath(envName, localDefault, dockerDefault string) string {
	if value := strings.TrimSpace(os.Getenv(envName)); value != "" {
		return value
	}
	if RunEnv() == RunEnvDocker {
		return dockerDefault
	}
	return localDefault
}

// Default path resolvers per the runtime layout contract.

// DefaultStateDBPath is where the category-state database lives.
func DefaultStateDBPath() string {
	return ResolvePath("STATE_DATABASE_PATH", "state/runtime.db", "/var/app/state/runtime.db")
}

// DefaultImageDir is where product images are saved.
func DefaultImageDir() string {
	return ResolvePath("PRODUCT_IMAGE_DIR", "assets/images", "/app/assets/images")
}

// DefaultSitesDir is where per-site YAML configs live.
func DefaultSitesDir() string {
	return ResolvePath("SITE_CONFIG_DIR", "config/sites", "/app/config/sites")
}

// DefaultLogFilePath is the log file sink.
func DefaultLogFilePath() string {
	return ResolvePath("LOG_FILE_PATH", "logs/parser.log", "/var/log/parser/parser.log")
}

// DefaultBadProxyLogPath is the bad-egress append log.
func DefaultBadProxyLogPath() string {
	return ResolvePath("NETWORK_BAD_PROXY_LOG_PATH", "logs/bad_proxies.log", "/var/log/parser/bad_proxies.log")
}

// DefaultSecretsDir holds OAuth material.
func DefaultSecretsDir() string {
	return ResolvePath("SECRETS_DIR", "secrets/", "/secrets/")
}
