// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

// StateStoreBackend selects which State Store implementation the runtime wires up.
type StateStoreBackend string

const (
	BackendEmbedded StateStoreBackend = "embedded"
	BackendServer   StateStoreBackend = "server"
)

// Config holds the environment-derived settings for a skillforge process.
type Config struct {
	StateStoreBackend StateStoreBackend
	DatabaseURL       string
	RedisAddr         string
	RouterEnabled     bool
	ArtifactsDir      string
	EmbeddedDBPath    string

	OTLPEndpoint string
	OTELEnabled  bool
	ServiceName  string
	Environment  string

	MaxTurnsPerContext int
	MaxEvents          int
	MaxFactsPerBucket  int
	MaxChangedFiles    int
	FixLoopMax         int
	MaxSteps           int
}

// Load reads configuration from the process environment, filling in the
// defaults mandated by the runtime's resource bounds.
func Load() *Config {
	c := &Config{
		StateStoreBackend: StateStoreBackend(getEnv("STATE_STORE_BACKEND", string(BackendEmbedded))),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RouterEnabled:     getBool("ROUTER_ENABLED", false),
		ArtifactsDir:      getEnv("ARTIFACTS_DIR", "artifacts"),
		EmbeddedDBPath:    getEnv("EMBEDDED_DB_PATH", "skillforge.db"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELEnabled:  getBool("OTEL_ENABLED", false),
		ServiceName:  getEnv("OTEL_SERVICE_NAME", "skillforge-executor"),
		Environment:  getEnv("ENVIRONMENT", "development"),

		MaxTurnsPerContext: getInt("MAX_TURNS_PER_CONTEXT", 8),
		MaxEvents:          getInt("MAX_EVENTS", 100),
		MaxFactsPerBucket:  getInt("MAX_FACTS_PER_BUCKET", 50),
		MaxChangedFiles:    getInt("MAX_CHANGED_FILES", 20),
		FixLoopMax:         getInt("FIX_LOOP_MAX", 3),
		MaxSteps:           getInt("MAX_STEPS", 50),
	}
	if c.MaxTurnsPerContext > 20 {
		c.MaxTurnsPerContext = 20
	}
	if c.FixLoopMax > 3 {
		c.FixLoopMax = 3
	}
	return c
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
