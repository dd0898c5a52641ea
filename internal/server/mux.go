// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the image
// serving core. It wires the edge normalizer, the configuration index, the
// policy engine, and the pipeline executor into the GET serving path, with
// health endpoints and Prometheus metrics alongside.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pixelgate/pixelgate-serve-go/internal/cache"
	"github.com/pixelgate/pixelgate-serve-go/internal/edge"
	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/index"
	"github.com/pixelgate/pixelgate-serve-go/internal/metrics"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
	"github.com/pixelgate/pixelgate-serve-go/internal/pipeline"
	"github.com/pixelgate/pixelgate-serve-go/internal/policy"
	"github.com/pixelgate/pixelgate-serve-go/internal/telemetry"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

// ContextKeyCorrelationID stores the unique ID for request tracking.
const ContextKeyCorrelationID ContextKey = "correlationId"

// CacheStateHeader reports whether the response came from the edge cache.
const CacheStateHeader = "X-Pxg-Cache"

// servePrefix is the serving path; everything after it is the source key.
const servePrefix = "/img/"

// Mux handles HTTP requests for the serving core.
type Mux struct {
	mux        *http.ServeMux
	normalizer *edge.Normalizer
	engine     *policy.Engine
	executor   *pipeline.Executor
	fallback   *pipeline.Fallback
	edgeCache  *cache.Cache
	metrics    *metrics.Metrics

	// The index is swapped atomically when a rebuild applies, so the serving
	// path reads a consistent snapshot without locking. nil means not ready.
	index atomic.Pointer[index.Index]

	defaultCacheTTL time.Duration
}

// NewMux creates the serving mux. ix may be nil when the index has not been
// built yet; readiness reports unavailable until SetIndex is called.
func NewMux(ix *index.Index, normalizer *edge.Normalizer, engine *policy.Engine, executor *pipeline.Executor, fallback *pipeline.Fallback, edgeCache *cache.Cache, defaultCacheTTL time.Duration) *Mux {
	m := &Mux{
		mux:             http.NewServeMux(),
		normalizer:      normalizer,
		engine:          engine,
		executor:        executor,
		fallback:        fallback,
		edgeCache:       edgeCache,
		metrics:         metrics.NewMetrics(),
		defaultCacheTTL: defaultCacheTTL,
	}
	if ix != nil {
		m.index.Store(ix)
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Serving path
	m.mux.HandleFunc(servePrefix, m.method("GET", m.withMiddleware(m.handleServe)))

	return m
}

// ServeHTTP implements http.Handler.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mux.ServeHTTP(w, r)
}

// Handle exposes the underlying mux so the admin surface can mount its
// routes on the same listener.
func (m *Mux) Handle(pattern string, h http.Handler) {
	m.mux.Handle(pattern, h)
}

// SetIndex swaps in a freshly built index and purges the edge cache, since
// cached renders may reflect retired configuration.
func (m *Mux) SetIndex(ix *index.Index) {
	m.index.Store(ix)
	if m.edgeCache != nil {
		m.edgeCache.Purge()
	}
	slog.Info("serving index updated", "origins", ix.Origins(), "builtAt", ix.BuiltAt())
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			m.writeError(w, errordefs.New(errordefs.IMG_BAD_REQUEST, "method not allowed"))
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers: correlation id
// propagation and edge normalization.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		// Normalize client hints into canonical headers before anything keys
		// off the request.
		if m.normalizer != nil {
			m.normalizer.Normalize(r)
		}

		h(w, r)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests. The node is ready
// only once a configuration index has been built; before that, serving would
// fail every request with a resolution error.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if m.index.Load() == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleServe handles GET /img/{key}: cache lookup, resolution, policy
// evaluation, pipeline execution, response caching.
func (m *Mux) handleServe(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "handleServe")
	defer span.End()
	start := time.Now()
	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	ix := m.index.Load()
	if ix == nil {
		err := errordefs.New(errordefs.IMG_INTERNAL, "configuration index not ready")
		m.failServe(ctx, w, r, start, correlationID, err)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, servePrefix)
	if key == "" {
		err := errordefs.New(errordefs.IMG_BAD_REQUEST, "missing source key")
		m.failServe(ctx, w, r, start, correlationID, err)
		return
	}

	// Edge cache first; the key is canonical so all equivalent requests
	// collapse onto one entry.
	cacheKey := cache.Key(r)
	if m.edgeCache != nil {
		if entry, ok := m.edgeCache.Get(cacheKey); ok {
			m.metrics.CacheTotal.WithLabelValues("hit").Inc()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			m.writeEntry(w, entry, "HIT")
			m.logRequest(r, entry.Status, time.Since(start), correlationID, nil)
			m.recordRequest(r, entry.Status, time.Since(start))
			return
		}
		m.metrics.CacheTotal.WithLabelValues("miss").Inc()
	}

	reqCtx := m.requestContext(r)
	span.SetAttributes(
		attribute.String("key", key),
		attribute.String("host", reqCtx.Host),
		attribute.String("format", string(reqCtx.AcceptFormat)),
	)

	res, err := ix.Resolve(reqCtx.Host, r.URL.Path, reqCtx.Query["policyId"])
	if err != nil {
		m.metrics.ResolveTotal.WithLabelValues("miss").Inc()
		span.SetStatus(codes.Error, "resolution failed")
		m.failServe(ctx, w, r, start, correlationID, err)
		return
	}
	m.metrics.ResolveTotal.WithLabelValues("hit").Inc()

	eval, err := m.engine.Evaluate(res.Policy, reqCtx)
	if err != nil {
		m.failServe(ctx, w, r, start, correlationID, err)
		return
	}

	fetchStart := time.Now()
	rendered, err := m.executor.Execute(ctx, res.Origin, key, eval)
	if err != nil {
		m.metrics.PipelineDuration.WithLabelValues("error").Observe(time.Since(fetchStart).Seconds())
		span.SetStatus(codes.Error, "render failed")
		m.failServe(ctx, w, r, start, correlationID, err)
		return
	}
	m.metrics.PipelineDuration.WithLabelValues("ok").Observe(time.Since(fetchStart).Seconds())

	entry := cache.Entry{
		Status:       http.StatusOK,
		ContentType:  rendered.ContentType,
		CacheControl: m.cacheControl(res, rendered),
		Body:         rendered.Body,
	}
	if m.edgeCache != nil {
		m.edgeCache.Put(cacheKey, entry)
	}

	m.writeEntry(w, entry, "MISS")
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
	m.recordRequest(r, http.StatusOK, time.Since(start))
}

// failServe finishes a failed serve: fallback image when configured, plain
// error response otherwise. The fallback keeps the original error status so
// intermediaries cache the true outcome.
func (m *Mux) failServe(ctx context.Context, w http.ResponseWriter, r *http.Request, start time.Time, correlationID string, err error) {
	typed := errordefs.AsError(err)
	typed.CorrelationID = correlationID

	if m.fallback.Enabled() && typed.Status >= 400 && typed.Code != errordefs.IMG_BAD_REQUEST {
		if rendered, status, ok := m.fallback.For(ctx, typed); ok {
			w.Header().Set("Content-Type", rendered.ContentType)
			w.Header().Set("Cache-Control", rendered.CacheControl)
			w.Header().Set(CacheStateHeader, "MISS")
			w.WriteHeader(status)
			_, _ = w.Write(rendered.Body)
			m.logRequest(r, status, time.Since(start), correlationID, typed)
			m.recordRequest(r, status, time.Since(start))
			return
		}
	}

	m.writeError(w, typed)
	m.logRequest(r, typed.Status, time.Since(start), correlationID, typed)
	m.recordRequest(r, typed.Status, time.Since(start))
}

// requestContext builds the normalized request context from the canonical
// headers and the flattened query string.
func (m *Mux) requestContext(r *http.Request) model.RequestContext {
	reqCtx := model.RequestContext{
		Host:         r.Host,
		AcceptFormat: model.Format(r.Header.Get(edge.HeaderFormat)),
		Query:        make(map[string]string),
	}
	if host := r.Header.Get(edge.HeaderHost); host != "" {
		reqCtx.Host = host
	}
	if v := r.Header.Get(edge.HeaderDPR); v != "" {
		if d, err := strconv.ParseFloat(v, 64); err == nil {
			reqCtx.DPR = d
		}
	}
	if v := r.Header.Get(edge.HeaderViewport); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			reqCtx.ViewportWidth = n
		}
	}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			reqCtx.Query[name] = values[0]
		}
	}
	return reqCtx
}

// cacheControl resolves the response cache lifetime: policy TTL beats the
// origin's configured TTL, which beats whatever header the upstream sent,
// which beats the deployment default.
func (m *Mux) cacheControl(res *index.Resolution, rendered *pipeline.Rendered) string {
	if res.Policy != nil && res.Policy.CacheTTL > 0 {
		return fmt.Sprintf("public, max-age=%d", res.Policy.CacheTTL)
	}
	if res.Origin.CacheTTL > 0 {
		return fmt.Sprintf("public, max-age=%d", res.Origin.CacheTTL)
	}
	if rendered.CacheControl != "" {
		return rendered.CacheControl
	}
	return fmt.Sprintf("public, max-age=%d", int(m.defaultCacheTTL.Seconds()))
}

// writeEntry writes a cached or freshly rendered response.
func (m *Mux) writeEntry(w http.ResponseWriter, entry cache.Entry, cacheState string) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	if entry.CacheControl != "" {
		w.Header().Set("Cache-Control", entry.CacheControl)
	}
	w.Header().Set(CacheStateHeader, cacheState)
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// writeError writes an error response in the service's error shape.
func (m *Mux) writeError(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(err)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// recordRequest updates the request metrics.
func (m *Mux) recordRequest(r *http.Request, status int, duration time.Duration) {
	labels := []string{r.Method, servePrefix, strconv.Itoa(status)}
	m.metrics.HTTPRequestTotal.WithLabelValues(labels...).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
}
