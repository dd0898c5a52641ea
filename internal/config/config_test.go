package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, defaultBreakpoints, cfg.Breakpoints)
	assert.Equal(t, 5.0, cfg.DPRCap)
	assert.Equal(t, 20*time.Second, cfg.RequestDeadline)
	assert.Equal(t, 2, cfg.FetchRetries)
	assert.Equal(t, time.Hour, cfg.DefaultCacheTTL)
	assert.Equal(t, time.Minute, cfg.NegativeCacheTTL)
	assert.Equal(t, 1024, cfg.EdgeCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.EdgeCacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.DebounceWindow)
	assert.Equal(t, 3, cfg.RestartRetries)
	assert.Empty(t, cfg.FallbackImageURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PXG_ENV", "prod")
	t.Setenv("PXG_PORT", "9090")
	t.Setenv("PXG_BREAKPOINTS", "320, 640, 1280")
	t.Setenv("PXG_DPR_CAP", "3")
	t.Setenv("PXG_REQUEST_DEADLINE", "5s")
	t.Setenv("PXG_FETCH_RETRIES", "0")
	t.Setenv("PXG_EDGE_CACHE_SIZE", "16")
	t.Setenv("PXG_FALLBACK_IMAGE_URL", "https://cdn.example.com/fallback.png")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []int{320, 640, 1280}, cfg.Breakpoints)
	assert.Equal(t, 3.0, cfg.DPRCap)
	assert.Equal(t, 5*time.Second, cfg.RequestDeadline)
	assert.Zero(t, cfg.FetchRetries)
	assert.Equal(t, 16, cfg.EdgeCacheSize)
	assert.Equal(t, "https://cdn.example.com/fallback.png", cfg.FallbackImageURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric breakpoint", "PXG_BREAKPOINTS", "320,wide"},
		{"descending breakpoints", "PXG_BREAKPOINTS", "768,320"},
		{"zero breakpoint", "PXG_BREAKPOINTS", "0,320"},
		{"negative dpr cap", "PXG_DPR_CAP", "-1"},
		{"non-duration deadline", "PXG_REQUEST_DEADLINE", "fast"},
		{"negative deadline", "PXG_REQUEST_DEADLINE", "-2s"},
		{"negative retries", "PXG_FETCH_RETRIES", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseBreakpoints(t *testing.T) {
	got, err := parseBreakpoints("100,200,300")
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 300}, got)

	got, err = parseBreakpoints("")
	require.NoError(t, err)
	assert.Equal(t, defaultBreakpoints, got)

	// The empty-value copy is detached from the package default
	got[0] = 1
	assert.NotEqual(t, got[0], defaultBreakpoints[0])
}
