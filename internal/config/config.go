// Package config provides configuration loading and management for the image serving service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the image serving service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Durable configuration store DSN (PostgreSQL)
	NATSURL     string // NATS server URL for configuration-change events

	// S3-backed origins
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Edge normalization
	Breakpoints []int   // Ascending viewport breakpoints for snap-up
	DPRCap      float64 // Maximum device pixel ratio after rounding

	// Request handling
	RequestDeadline time.Duration // Per-request processing deadline
	FetchRetries    int           // Bounded retries for transient origin fetch failures

	// Response caching
	DefaultCacheTTL  time.Duration // Cache-Control max-age when no policy/origin TTL applies
	NegativeCacheTTL time.Duration // Cache-Control max-age for error responses
	EdgeCacheSize    int           // Entries held by the in-process edge cache
	EdgeCacheTTL     time.Duration // Expiry of edge cache entries

	// Failure fallback
	FallbackImageURL string // Absolute URL of the fallback image ("" disables)

	// Configuration reload
	DebounceWindow time.Duration // Change events coalesced within this window
	RestartRetries int           // Attempts for a failing restart trigger
}

// Default configuration values used when environment variables are not set
const (
	defaultPort     = "8080"
	defaultEnv      = "dev"
	defaultS3Region = "us-east-1"

	defaultDPRCap          = 5.0
	defaultRequestDeadline = 20 * time.Second
	defaultFetchRetries    = 2
	defaultCacheTTL        = time.Hour
	defaultNegativeTTL     = time.Minute
	defaultEdgeCacheSize   = 1024
	defaultEdgeCacheTTL    = 5 * time.Minute
	defaultDebounceWindow  = 5 * time.Minute
	defaultRestartRetries  = 3
)

// defaultBreakpoints is the viewport quantization ladder applied when
// PXG_BREAKPOINTS is unset.
var defaultBreakpoints = []int{320, 480, 768, 1024, 1200, 1440, 1920}

// Load reads environment variables and produces a Config suitable for wiring
// the service. Returns an error if a parameter is present but invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("PXG_ENV", defaultEnv),
		Port:             getEnv("PXG_PORT", defaultPort),
		DatabaseDSN:      os.Getenv("PXG_DB_DSN"),
		NATSURL:          os.Getenv("PXG_NATS_URL"),
		S3Endpoint:       os.Getenv("PXG_S3_ENDPOINT"),
		S3Region:         getEnv("PXG_S3_REGION", defaultS3Region),
		S3AccessKey:      os.Getenv("PXG_S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("PXG_S3_SECRET_KEY"),
		DPRCap:           defaultDPRCap,
		RequestDeadline:  defaultRequestDeadline,
		FetchRetries:     defaultFetchRetries,
		DefaultCacheTTL:  defaultCacheTTL,
		NegativeCacheTTL: defaultNegativeTTL,
		EdgeCacheSize:    defaultEdgeCacheSize,
		EdgeCacheTTL:     defaultEdgeCacheTTL,
		FallbackImageURL: os.Getenv("PXG_FALLBACK_IMAGE_URL"),
		DebounceWindow:   defaultDebounceWindow,
		RestartRetries:   defaultRestartRetries,
	}

	bps, err := parseBreakpoints(os.Getenv("PXG_BREAKPOINTS"))
	if err != nil {
		return cfg, fmt.Errorf("PXG_BREAKPOINTS: %w", err)
	}
	cfg.Breakpoints = bps

	if v, exists := os.LookupEnv("PXG_DPR_CAP"); exists {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("PXG_DPR_CAP must be a positive number, got %q", v)
		}
		cfg.DPRCap = f
	}

	if d, err := parseDuration("PXG_REQUEST_DEADLINE", cfg.RequestDeadline); err != nil {
		return cfg, err
	} else {
		cfg.RequestDeadline = d
	}
	if d, err := parseDuration("PXG_DEFAULT_CACHE_TTL", cfg.DefaultCacheTTL); err != nil {
		return cfg, err
	} else {
		cfg.DefaultCacheTTL = d
	}
	if d, err := parseDuration("PXG_NEGATIVE_CACHE_TTL", cfg.NegativeCacheTTL); err != nil {
		return cfg, err
	} else {
		cfg.NegativeCacheTTL = d
	}
	if d, err := parseDuration("PXG_EDGE_CACHE_TTL", cfg.EdgeCacheTTL); err != nil {
		return cfg, err
	} else {
		cfg.EdgeCacheTTL = d
	}
	if d, err := parseDuration("PXG_DEBOUNCE_WINDOW", cfg.DebounceWindow); err != nil {
		return cfg, err
	} else {
		cfg.DebounceWindow = d
	}

	if n, err := parseInt("PXG_FETCH_RETRIES", cfg.FetchRetries); err != nil {
		return cfg, err
	} else {
		cfg.FetchRetries = n
	}
	if n, err := parseInt("PXG_EDGE_CACHE_SIZE", cfg.EdgeCacheSize); err != nil {
		return cfg, err
	} else {
		cfg.EdgeCacheSize = n
	}
	if n, err := parseInt("PXG_RESTART_RETRIES", cfg.RestartRetries); err != nil {
		return cfg, err
	} else {
		cfg.RestartRetries = n
	}

	return cfg, nil
}

// parseBreakpoints parses a comma-separated ascending breakpoint list,
// returning the defaults for an empty value.
func parseBreakpoints(v string) ([]int, error) {
	if v == "" {
		out := make([]int, len(defaultBreakpoints))
		copy(out, defaultBreakpoints)
		return out, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid breakpoint %q", p)
		}
		out = append(out, n)
	}
	if !sort.IntsAreSorted(out) {
		return nil, fmt.Errorf("breakpoints must be ascending: %v", out)
	}
	return out, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseDuration reads an optional duration env var, keeping the fallback when unset.
func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

// parseInt reads an optional non-negative integer env var, keeping the fallback when unset.
func parseInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}
