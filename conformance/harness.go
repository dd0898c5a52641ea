// Package conformance provides a test harness for verifying serving behavior
// end to end: a seeded configuration index, a stub origin backend, and a
// scripted processor, all behind a real HTTP listener.
package conformance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/pixelgate/pixelgate-serve-go/internal/cache"
	"github.com/pixelgate/pixelgate-serve-go/internal/edge"
	"github.com/pixelgate/pixelgate-serve-go/internal/index"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
	"github.com/pixelgate/pixelgate-serve-go/internal/origin"
	"github.com/pixelgate/pixelgate-serve-go/internal/pipeline"
	"github.com/pixelgate/pixelgate-serve-go/internal/policy"
	"github.com/pixelgate/pixelgate-serve-go/internal/server"
	"github.com/pixelgate/pixelgate-serve-go/internal/storage"
)

// Harness runs the serving stack against seeded configuration.
type Harness struct {
	server *httptest.Server
	origin *httptest.Server
	store  storage.Store
}

// Breakpoints used throughout the conformance suite.
var breakpoints = []int{320, 480, 768, 1024, 1200, 1440, 1920}

// NewHarness builds a harness: an origin backend serving deterministic
// bodies, a memory store seeded with the given snapshot (origin domains are
// rewritten to the backend's address), and the full serving mux.
func NewHarness(snap *model.ConfigSnapshot) (*Harness, error) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "missing"):
			http.NotFound(w, r)
		case strings.Contains(r.URL.Path, "private"):
			w.WriteHeader(http.StatusForbidden)
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			fmt.Fprintf(w, "source:%s", r.URL.Path)
		}
	}))

	store := storage.NewMemory()
	ctx := context.Background()
	for _, o := range snap.Origins {
		o.Domain = backend.URL
		if err := store.PutOrigin(ctx, o); err != nil {
			backend.Close()
			return nil, fmt.Errorf("seeding origin %s: %w", o.ID, err)
		}
	}
	for _, p := range snap.Policies {
		if err := store.PutPolicy(ctx, p); err != nil {
			backend.Close()
			return nil, fmt.Errorf("seeding policy %s: %w", p.ID, err)
		}
	}
	for _, m := range snap.Mappings {
		if err := store.PutMapping(ctx, m); err != nil {
			backend.Close()
			return nil, fmt.Errorf("seeding mapping %s: %w", m.ID, err)
		}
	}

	ix, err := index.Build(ctx, store)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("building index: %w", err)
	}

	fetcher := origin.NewHTTPFetcher(nil, 1)
	executor := pipeline.New(&origin.Router{HTTP: fetcher}, &ScriptedProcessor{}, 10*time.Second)
	mux := server.NewMux(
		ix,
		&edge.Normalizer{Breakpoints: breakpoints, DPRCap: 5.0},
		policy.New(breakpoints, nil),
		executor,
		pipeline.NewFallback(nil, "", 0),
		cache.New(128, time.Minute),
		time.Hour,
	)

	return &Harness{
		server: httptest.NewServer(mux),
		origin: backend,
		store:  store,
	}, nil
}

// URL returns the base URL of the serving test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// OriginURL returns the stub origin backend's address.
func (h *Harness) OriginURL() string {
	return h.origin.URL
}

// Close shuts down both test servers.
func (h *Harness) Close() {
	h.server.Close()
	h.origin.Close()
}

// ScriptedProcessor is a processor double that records the operations applied
// to it and renders them into the encoded body, so tests can assert on the
// exact plan the executor ran without a real codec.
type ScriptedProcessor struct{}

type scriptedImage struct {
	source []byte
	ops    []string
}

// Decode wraps the source bytes.
func (p *ScriptedProcessor) Decode(ctx context.Context, data []byte) (pipeline.Image, error) {
	return &scriptedImage{source: data}, nil
}

// Apply records the operation and a stable rendering of its parameters.
func (p *ScriptedProcessor) Apply(ctx context.Context, img pipeline.Image, op model.Operation, params map[string]any) (pipeline.Image, error) {
	si := img.(*scriptedImage)
	si.ops = append(si.ops, string(op))
	return si, nil
}

// Encode renders the recorded plan. The content type reflects the requested
// format, falling back to the source's JPEG.
func (p *ScriptedProcessor) Encode(ctx context.Context, img pipeline.Image, format model.Format, quality int) ([]byte, string, error) {
	si := img.(*scriptedImage)
	contentType := "image/jpeg"
	if format != "" {
		contentType = "image/" + string(format)
	}
	body := fmt.Sprintf("%s|ops=%s|q=%d", si.source, strings.Join(si.ops, ","), quality)
	return []byte(body), contentType, nil
}
