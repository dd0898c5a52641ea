package conformance

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

// seedSnapshot is the configuration every conformance test runs against:
// one origin, a host mapping carrying a resize policy, a narrower path
// mapping with no policy, and a grayscale default policy.
func seedSnapshot() *model.ConfigSnapshot {
	t0 := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	return &model.ConfigSnapshot{
		Origins: []model.Origin{
			{ID: "01ORIGIN", Name: "assets", Domain: "placeholder", CreatedAt: t0},
		},
		Policies: []model.TransformationPolicy{
			{
				ID:   "01POLRESIZE",
				Name: "hero-resize",
				Transformations: []model.TransformationStep{
					{Operation: model.OpResize, Value: map[string]any{"width": 320}},
				},
				Outputs: []model.OutputDirective{
					{Type: model.DirectiveQuality, Value: "80"},
					{Type: model.DirectiveFormat, Value: "auto"},
				},
				CacheTTL:  600,
				CreatedAt: t0,
			},
			{
				ID:        "01POLDEFAULT",
				Name:      "grayscale-default",
				IsDefault: true,
				Transformations: []model.TransformationStep{
					{Operation: model.OpGrayscale},
				},
				CreatedAt: t0,
			},
		},
		Mappings: []model.Mapping{
			{ID: "01MAPHOST", MatchKind: model.MatchHost, Pattern: "img.example.com", OriginID: "01ORIGIN", PolicyID: "01POLRESIZE", CreatedAt: t0},
			{ID: "01MAPPATH", MatchKind: model.MatchPath, Pattern: "/img/static/", OriginID: "01ORIGIN", CreatedAt: t0},
		},
	}
}

func get(t *testing.T, url, host, accept string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if host != "" {
		req.Host = host
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	return payload.Code
}

func TestServingConformance(t *testing.T) {
	h, err := NewHarness(seedSnapshot())
	require.NoError(t, err)
	defer h.Close()

	t.Run("HealthEndpoints", func(t *testing.T) {
		resp, body := get(t, h.URL()+"/healthz", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "ok", body)

		resp, _ = get(t, h.URL()+"/readyz", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("PathMappingUsesDefaultPolicy", func(t *testing.T) {
		resp, body := get(t, h.URL()+"/img/static/photo.jpg", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, body, "ops=grayscale")
		require.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	})

	t.Run("HostMappingAppliesItsPolicy", func(t *testing.T) {
		resp, body := get(t, h.URL()+"/img/hero.jpg", "img.example.com", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, body, "ops=resize")
		require.Contains(t, body, "q=80")
		require.Equal(t, "public, max-age=600", resp.Header.Get("Cache-Control"))
	})

	t.Run("FormatNegotiation", func(t *testing.T) {
		resp, _ := get(t, h.URL()+"/img/hero2.jpg", "img.example.com", "image/avif,image/webp")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	})

	t.Run("ExplicitFormatOverridesNegotiation", func(t *testing.T) {
		resp, _ := get(t, h.URL()+"/img/hero3.jpg?format=png", "img.example.com", "image/webp")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	})

	t.Run("ExplicitPolicyOverridesMapping", func(t *testing.T) {
		_, body := get(t, h.URL()+"/img/hero4.jpg?policyId=01POLDEFAULT", "img.example.com", "")
		require.Contains(t, body, "ops=grayscale")
	})

	t.Run("UnknownExplicitPolicyFailsHard", func(t *testing.T) {
		resp, body := get(t, h.URL()+"/img/hero5.jpg?policyId=nope", "img.example.com", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, "IMG_POLICY_NOT_FOUND", errorCode(t, body))
	})

	t.Run("NoMappingMatch", func(t *testing.T) {
		resp, body := get(t, h.URL()+"/img/elsewhere.jpg", "", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, "IMG_NO_ORIGIN", errorCode(t, body))
	})

	t.Run("MissingSource", func(t *testing.T) {
		resp, body := get(t, h.URL()+"/img/static/missing.jpg", "", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, "IMG_SOURCE_NOT_FOUND", errorCode(t, body))
	})

	t.Run("DeniedSource", func(t *testing.T) {
		resp, body := get(t, h.URL()+"/img/static/private.jpg", "", "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		require.Equal(t, "IMG_ACCESS_DENIED", errorCode(t, body))
	})

	t.Run("EdgeCacheHit", func(t *testing.T) {
		resp, first := get(t, h.URL()+"/img/static/cached.jpg", "", "")
		require.Equal(t, "MISS", resp.Header.Get("X-Pxg-Cache"))

		resp, second := get(t, h.URL()+"/img/static/cached.jpg", "", "")
		require.Equal(t, "HIT", resp.Header.Get("X-Pxg-Cache"))
		require.Equal(t, first, second)
	})
}
