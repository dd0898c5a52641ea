// internal/pipeline/fallback.go
// Fallback image serving. When a render fails and a deployment-level fallback
// image is configured, the fallback bytes are served in place of an error
// body while the response keeps the original error status, so clients see a
// placeholder and caches still learn the real outcome.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/origin"
)

// URLFetcher fetches an absolute URL outside the configured origins.
type URLFetcher interface {
	FetchURL(ctx context.Context, rawURL string) (*origin.Result, error)
}

// Fallback serves the deployment fallback image.
type Fallback struct {
	fetcher     URLFetcher
	url         string
	negativeTTL time.Duration
}

// NewFallback creates a fallback server. An empty url disables it.
func NewFallback(fetcher URLFetcher, url string, negativeTTL time.Duration) *Fallback {
	return &Fallback{fetcher: fetcher, url: url, negativeTTL: negativeTTL}
}

// Enabled reports whether a fallback image is configured.
func (f *Fallback) Enabled() bool {
	return f != nil && f.url != "" && f.fetcher != nil
}

// For fetches the fallback image for a failed render. The returned entry
// carries the ORIGINAL failure's status; cache-control comes from the
// fallback response itself, or the negative-result TTL when it has none.
// A second return of false means the fallback itself is unavailable and the
// caller should fall through to the plain error response.
func (f *Fallback) For(ctx context.Context, renderErr error) (*Rendered, int, bool) {
	if !f.Enabled() {
		return nil, 0, false
	}

	typed := errordefs.AsError(renderErr)

	res, err := f.fetcher.FetchURL(ctx, f.url)
	if err != nil {
		slog.Warn("fallback image unavailable", "url", f.url, "error", err)
		return nil, 0, false
	}

	cacheControl := res.CacheControl
	if cacheControl == "" {
		cacheControl = fmt.Sprintf("public, max-age=%d", int(f.negativeTTL.Seconds()))
	}

	return &Rendered{
		Body:         res.Body,
		ContentType:  res.ContentType,
		CacheControl: cacheControl,
	}, typed.Status, true
}
