// internal/origin/fetcher.go
// Package origin fetches source images from configured upstream origins.
// Two transports are provided: plain HTTP(S) for web origins and S3 for
// bucket-backed origins. Both map upstream failures onto the service's
// error codes so the serving path can stay transport-agnostic.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

// Result is a fetched source image together with the upstream metadata the
// response path may propagate.
type Result struct {
	Body         []byte
	ContentType  string
	CacheControl string
}

// Fetcher retrieves a source image from an origin.
type Fetcher interface {
	Fetch(ctx context.Context, origin model.Origin, key string) (*Result, error)
}

// maxSourceBytes bounds a single source read. Sources above this are treated
// as unavailable rather than streamed into memory.
const maxSourceBytes = 64 << 20

// HTTPFetcher fetches sources over HTTP(S) with bounded retries.
type HTTPFetcher struct {
	client  *http.Client
	retries int
}

// NewHTTPFetcher creates an HTTP fetcher. retries is the number of additional
// attempts after the first on transient failures.
func NewHTTPFetcher(client *http.Client, retries int) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPFetcher{client: client, retries: retries}
}

// Fetch retrieves a source from an HTTP origin. Definitive upstream answers
// (not found, denied) return immediately; network errors and 5xx responses
// retry up to the configured bound before reporting the source unavailable.
func (f *HTTPFetcher) Fetch(ctx context.Context, origin model.Origin, key string) (*Result, error) {
	target := originURL(origin, key)

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctxError(ctx, origin, key)
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		res, retryable, err := f.attempt(ctx, origin, target, key)
		if err == nil {
			return res, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// attempt performs one fetch. The second return reports whether the failure
// is worth retrying.
func (f *HTTPFetcher) attempt(ctx context.Context, origin model.Origin, target, key string) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, errordefs.Newf(errordefs.IMG_INTERNAL, "building origin request: %v", err)
	}
	for k, v := range origin.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctxError(ctx, origin, key)
		}
		// Unreachable origins surface as a missing source so the negative
		// result stays cacheable upstream.
		return nil, true, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "origin %s unreachable: %v", origin.Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "source %q not found at origin %s", key, origin.Name)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, errordefs.Newf(errordefs.IMG_ACCESS_DENIED, "origin %s denied access to %q", origin.Name, key)
	case resp.StatusCode >= 500:
		return nil, true, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "origin %s returned %d for %q", origin.Name, resp.StatusCode, key)
	case resp.StatusCode >= 300:
		return nil, false, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "origin %s returned %d for %q", origin.Name, resp.StatusCode, key)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctxError(ctx, origin, key)
		}
		return nil, true, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "reading source %q from origin %s: %v", key, origin.Name, err)
	}
	if len(body) > maxSourceBytes {
		return nil, false, errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "source %q at origin %s exceeds size limit", key, origin.Name)
	}

	return &Result{
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		CacheControl: resp.Header.Get("Cache-Control"),
	}, false, nil
}

// originURL joins the origin's domain, base path, and the request key into a
// fetchable URL. A domain without a scheme defaults to https.
func originURL(origin model.Origin, key string) string {
	base := origin.Domain
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	joined := path.Join("/", origin.BasePath, key)
	u, err := url.Parse(base)
	if err != nil {
		return base + joined
	}
	u.Path = path.Join(u.Path, joined)
	return u.String()
}

// ctxError distinguishes deadline expiry from caller cancellation.
func ctxError(ctx context.Context, origin model.Origin, key string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errordefs.Newf(errordefs.IMG_TIMEOUT, "fetching %q from origin %s exceeded the request deadline", key, origin.Name)
	}
	return errordefs.Newf(errordefs.IMG_SOURCE_NOT_FOUND, "fetch of %q from origin %s canceled: %v", key, origin.Name, ctx.Err())
}

// FetchURL retrieves an absolute URL outside any configured origin, used for
// deployment-level fallback assets. It reuses the HTTP transport but never
// retries: the fallback is best effort.
func (f *HTTPFetcher) FetchURL(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building fallback request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching fallback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return nil, fmt.Errorf("reading fallback body: %w", err)
	}
	return &Result{
		Body:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		CacheControl: resp.Header.Get("Cache-Control"),
	}, nil
}
