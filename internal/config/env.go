// Package config provides both the ambient process-level settings
// (environment variables, loaded once at startup) and the dynamic,
// file-backed, hot-reloadable connector/target configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ProcessConfig holds process-level settings read once at startup: listen
// addresses, storage paths, and the defaults that seed dynamic connector
// configuration where a connector doesn't override them.
type ProcessConfig struct {
	ConfigDir string

	GatewayAddr      string
	ProxyAddr        string
	ProxyHTTPEnabled bool

	EventsDBPath string
	ProofsDBPath string
	AgentCacheDBPath string

	ConnectorsConfigPath string
	RuntimeStatePath     string
	ProxySocketPath      string

	ConfigCacheTTL   time.Duration
	GatewayBodyCapBytes int64
	HideNotFound     bool

	GatewayAuthMode          string
	GatewayTokensPath        string
	GatewayJWKSURL           string
	GatewayRateLimitPerSec   float64
	GatewayRateLimitBurst    int
	GatewayAgentCardTTL      time.Duration
	AllowPrivateAgentHosts   bool

	MetricsEnabled bool
	MetricsAddr    string

	DefaultTimeoutMs     int
	DefaultMaxInflight   int
	DefaultMaxQueueDepth int

	RuntimeStaleness time.Duration
}

// LoadProcessConfig reads process-level settings from the environment,
// deriving file paths under ConfigDir where not explicitly overridden.
func LoadProcessConfig() (*ProcessConfig, error) {
	configDir := getEnv("PROOFSCAN_CONFIG_DIR", "/var/lib/proofscan")

	cfg := &ProcessConfig{
		ConfigDir: configDir,

		GatewayAddr:      getEnv("PROOFSCAN_GATEWAY_ADDR", ":8787"),
		ProxyAddr:        getEnv("PROOFSCAN_PROXY_ADDR", ":8788"),
		ProxyHTTPEnabled: getEnvBool("PROOFSCAN_PROXY_HTTP_ENABLED", false),

		EventsDBPath:     getEnv("PROOFSCAN_EVENTS_DB", joinPath(configDir, "events.db")),
		ProofsDBPath:     getEnv("PROOFSCAN_PROOFS_DB", joinPath(configDir, "proofs.db")),
		AgentCacheDBPath: getEnv("PROOFSCAN_AGENT_CACHE_DB", joinPath(configDir, "agent_cache.db")),

		ConnectorsConfigPath: getEnv("PROOFSCAN_CONNECTORS_CONFIG", joinPath(configDir, "connectors.json")),
		RuntimeStatePath:     getEnv("PROOFSCAN_RUNTIME_STATE", joinPath(configDir, "runtime_state.json")),
		ProxySocketPath:      getEnv("PROOFSCAN_PROXY_SOCKET", joinPath(configDir, "proxy.sock")),

		ConfigCacheTTL:      getEnvDuration("PROOFSCAN_CONFIG_CACHE_TTL", 5*time.Second),
		GatewayBodyCapBytes: getEnvInt64("PROOFSCAN_GATEWAY_BODY_CAP_BYTES", 1<<20),
		HideNotFound:        getEnvBool("PROOFSCAN_HIDE_NOT_FOUND", true),

		GatewayAuthMode:        getEnv("PROOFSCAN_GATEWAY_AUTH_MODE", "none"),
		GatewayTokensPath:      getEnv("PROOFSCAN_GATEWAY_TOKENS_PATH", ""),
		GatewayJWKSURL:         getEnv("PROOFSCAN_GATEWAY_JWKS_URL", ""),
		GatewayRateLimitPerSec: getEnvFloat("PROOFSCAN_GATEWAY_RATE_LIMIT_PER_SEC", 0),
		GatewayRateLimitBurst:  getEnvInt("PROOFSCAN_GATEWAY_RATE_LIMIT_BURST", 10),
		GatewayAgentCardTTL:    getEnvDuration("PROOFSCAN_GATEWAY_AGENT_CARD_TTL", 10*time.Minute),
		AllowPrivateAgentHosts: getEnvBool("PROOFSCAN_ALLOW_PRIVATE_AGENT_HOSTS", false),

		MetricsEnabled: getEnvBool("PROOFSCAN_METRICS_ENABLED", true),
		MetricsAddr:    getEnv("PROOFSCAN_METRICS_ADDR", ":9090"),

		DefaultTimeoutMs:     getEnvInt("PROOFSCAN_DEFAULT_TIMEOUT_MS", 30000),
		DefaultMaxInflight:   getEnvInt("PROOFSCAN_DEFAULT_MAX_INFLIGHT", 4),
		DefaultMaxQueueDepth: getEnvInt("PROOFSCAN_DEFAULT_MAX_QUEUE_DEPTH", 16),

		RuntimeStaleness: getEnvDuration("PROOFSCAN_RUNTIME_STALENESS", 30*time.Second),
	}

	return cfg, nil
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
