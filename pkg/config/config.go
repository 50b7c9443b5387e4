// Package config handles MuninDB configuration via environment variables.
//
// All settings are prefixed with MUNINDB_ and have sensible defaults, so an
// empty environment yields a working reasoner. Command-line flags (see
// cmd/munindb) override the environment.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//   - MUNINDB_PROVENANCE="none" | "node" | "full"   (default "node")
//   - MUNINDB_CACHE_RETAIN=true                     (default true)
//   - MUNINDB_SEGMENT_CACHE_SIZE=256                (entries; -1 = unbounded)
//   - MUNINDB_MAX_STEPS=0                           (0 = unbounded)
//   - MUNINDB_LOG_LEVEL="info" | "debug" | "warn" | "error"
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the reasoner settings loaded from the environment.
type Config struct {
	// Provenance selects how much derivation history the graph records.
	Provenance string
	// CacheRetain enables the per-predicate retain cache.
	CacheRetain bool
	// SegmentCacheSize bounds the sorted-segment cache (entries);
	// -1 removes the bound.
	SegmentCacheSize int
	// MaxSteps aborts runs exceeding the step bound; 0 means unbounded.
	MaxSteps int
	// LogLevel selects the zap level.
	LogLevel string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Provenance:       "node",
		CacheRetain:      true,
		SegmentCacheSize: 256,
		MaxSteps:         0,
		LogLevel:         "info",
	}
}

// LoadFromEnv reads MUNINDB_* variables over the defaults.
func LoadFromEnv() Config {
	cfg := Default()
	if v := os.Getenv("MUNINDB_PROVENANCE"); v != "" {
		cfg.Provenance = v
	}
	if v := os.Getenv("MUNINDB_CACHE_RETAIN"); v != "" {
		cfg.CacheRetain = parseBool(v, cfg.CacheRetain)
	}
	if v := os.Getenv("MUNINDB_SEGMENT_CACHE_SIZE"); v != "" {
		cfg.SegmentCacheSize = parseInt(v, cfg.SegmentCacheSize)
	}
	if v := os.Getenv("MUNINDB_MAX_STEPS"); v != "" {
		cfg.MaxSteps = parseInt(v, cfg.MaxSteps)
	}
	if v := os.Getenv("MUNINDB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	switch c.Provenance {
	case "none", "node", "full":
	default:
		return fmt.Errorf("invalid MUNINDB_PROVENANCE %q (want none, node or full)", c.Provenance)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid MUNINDB_LOG_LEVEL %q", c.LogLevel)
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("MUNINDB_MAX_STEPS must be >= 0, got %d", c.MaxSteps)
	}
	return nil
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
