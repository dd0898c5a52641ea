// internal/edge/normalizer.go
// Package edge implements the request normalizer that runs in front of the
// serving core on every request. It collapses high-cardinality client hints
// into a small set of canonical headers so the edge cache can key on bounded
// values, and it never fails a request: any internal error forwards the
// request unmodified.
package edge

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

// Canonical header names emitted by the normalizer. Their presence is
// optional downstream; absence means "no preference".
const (
	HeaderViewport = "X-Pxg-Viewport"
	HeaderDPR      = "X-Pxg-Dpr"
	HeaderFormat   = "X-Pxg-Format"
	HeaderHost     = "X-Pxg-Host"
)

// Client hint headers consumed, in preference order.
var (
	viewportHints = []string{"Sec-CH-Viewport-Width", "Viewport-Width"}
	dprHints      = []string{"Sec-CH-DPR", "DPR"}
)

// formatPriority is the fixed negotiation order; the first token offered by
// the Accept header wins.
var formatPriority = []model.Format{
	model.FormatWebP,
	model.FormatAVIF,
	model.FormatJPEG,
	model.FormatPNG,
	model.FormatHEIF,
	model.FormatTIFF,
	model.FormatRaw,
	model.FormatGIF,
}

// mimeFormats maps Accept media types to internal format tokens.
var mimeFormats = map[string]model.Format{
	"image/webp":               model.FormatWebP,
	"image/avif":               model.FormatAVIF,
	"image/jpeg":               model.FormatJPEG,
	"image/jpg":                model.FormatJPEG,
	"image/png":                model.FormatPNG,
	"image/heif":               model.FormatHEIF,
	"image/heic":               model.FormatHEIF,
	"image/tiff":               model.FormatTIFF,
	"application/octet-stream": model.FormatRaw,
	"image/gif":                model.FormatGIF,
}

// Normalizer quantizes client hints into canonical headers.
type Normalizer struct {
	Breakpoints []int   // Ascending viewport ladder
	DPRCap      float64 // Upper bound applied after rounding
}

// Normalize mutates the request's headers in place. It is pure beyond header
// mutation and swallows every internal error: an optimization that is allowed
// to fail must never block traffic.
func (n *Normalizer) Normalize(r *http.Request) {
	if r == nil {
		return
	}

	if w, ok := firstNumericHint(r, viewportHints); ok {
		if snapped := SnapWidth(n.Breakpoints, w); snapped > 0 {
			r.Header.Set(HeaderViewport, strconv.Itoa(snapped))
		}
	}

	if d, ok := firstFloatHint(r, dprHints); ok {
		if normalized := NormalizeDPR(d, n.DPRCap); normalized > 0 {
			r.Header.Set(HeaderDPR, strconv.FormatFloat(normalized, 'f', -1, 64))
		}
	}

	// Content negotiation is skipped entirely when the request pins a format:
	// the explicit override always wins, so negotiating would only fragment
	// the cache key.
	if r.URL.Query().Get("format") == "" {
		if f := NegotiateFormat(r.Header.Get("Accept")); f != "" {
			r.Header.Set(HeaderFormat, string(f))
		}
	}

	if r.Host != "" {
		r.Header.Set(HeaderHost, r.Host)
	}
}

// SnapWidth snaps w up to the smallest breakpoint >= w, or the largest
// breakpoint when w exceeds all of them. Zero and negative inputs yield 0.
// Re-applying the snap to a snapped value is a no-op.
func SnapWidth(breakpoints []int, w int) int {
	if w <= 0 || len(breakpoints) == 0 {
		return 0
	}
	for _, bp := range breakpoints {
		if w <= bp {
			return bp
		}
	}
	return breakpoints[len(breakpoints)-1]
}

// NormalizeDPR rounds a device pixel ratio to one decimal place and caps it.
// Non-positive inputs yield 0.
func NormalizeDPR(dpr, limit float64) float64 {
	if dpr <= 0 {
		return 0
	}
	rounded := math.Round(dpr*10) / 10
	if limit > 0 && rounded > limit {
		return limit
	}
	return rounded
}

// NegotiateFormat parses an Accept header and returns the highest-priority
// format token it offers, or "" when nothing negotiable is present.
func NegotiateFormat(accept string) model.Format {
	if accept == "" {
		return ""
	}

	offered := make(map[model.Format]bool)
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(part)
		// Strip quality values and other parameters.
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			mediaType = strings.TrimSpace(mediaType[:i])
		}
		if f, ok := mimeFormats[strings.ToLower(mediaType)]; ok {
			offered[f] = true
		}
	}

	for _, f := range formatPriority {
		if offered[f] {
			return f
		}
	}
	return ""
}

// firstNumericHint returns the first parseable integer among the hint headers.
func firstNumericHint(r *http.Request, names []string) (int, bool) {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// firstFloatHint returns the first parseable float among the hint headers.
func firstFloatHint(r *http.Request, names []string) (float64, bool) {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
