// internal/index/index.go
// Package index builds and holds the in-memory configuration snapshot used to
// resolve requests. The index is constructed once from a full scan of the
// durable store and is immutable afterwards: configuration changes become
// visible only when the process restarts with a freshly built index, so reads
// need no locking.
package index

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
	"github.com/pixelgate/pixelgate-serve-go/internal/storage"
)

// Index is the read-only configuration snapshot shared across all requests.
type Index struct {
	origins       map[string]model.Origin
	policies      map[string]model.TransformationPolicy
	defaultPolicy *model.TransformationPolicy
	mappings      []compiledMapping // Sorted most-specific first
	builtAt       time.Time
}

// compiledMapping is a mapping with its match specificity precomputed so
// resolution never re-derives it.
type compiledMapping struct {
	model.Mapping
	specificity int // Length of the literal prefix before any wildcard
}

// Resolution is the outcome of matching a request against the index.
type Resolution struct {
	Origin  model.Origin
	Policy  *model.TransformationPolicy // nil means no policy applies
	Mapping model.Mapping
}

// Build constructs an index from one full scan of the durable store.
// A mapping referencing an unknown origin is logged and skipped; a dangling
// policy reference is treated as absent. One bad record never fails the build.
func Build(ctx context.Context, store storage.Store) (*Index, error) {
	snap, err := store.ScanConfig(ctx)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap), nil
}

// FromSnapshot constructs an index from an already-loaded snapshot.
// Split out from Build so tests and the conformance harness can seed
// configuration without a store round trip.
func FromSnapshot(snap *model.ConfigSnapshot) *Index {
	ix := &Index{
		origins:  make(map[string]model.Origin, len(snap.Origins)),
		policies: make(map[string]model.TransformationPolicy, len(snap.Policies)),
		builtAt:  time.Now().UTC(),
	}

	for _, o := range snap.Origins {
		ix.origins[o.ID] = o
	}

	for _, p := range snap.Policies {
		ix.policies[p.ID] = p
		if p.IsDefault {
			if ix.defaultPolicy != nil {
				// The store enforces the singleton; a second default in scan
				// data is corrupt state. Keep the first, drop the flag here.
				slog.Warn("multiple default policies in configuration scan, keeping first",
					"kept", ix.defaultPolicy.ID, "skipped", p.ID)
				continue
			}
			policy := p
			ix.defaultPolicy = &policy
		}
	}

	for _, m := range snap.Mappings {
		if _, ok := ix.origins[m.OriginID]; !ok {
			slog.Warn("mapping references unknown origin, skipping",
				"mapping", m.ID, "origin", m.OriginID)
			continue
		}
		if m.PolicyID != "" {
			if _, ok := ix.policies[m.PolicyID]; !ok {
				slog.Warn("mapping references unknown policy, treating as absent",
					"mapping", m.ID, "policy", m.PolicyID)
				m.PolicyID = ""
			}
		}
		ix.mappings = append(ix.mappings, compiledMapping{
			Mapping:     m,
			specificity: literalPrefixLen(m.Pattern),
		})
	}

	// Most specific first; equally specific patterns resolve by creation
	// order, then id, so resolution is deterministic.
	sort.SliceStable(ix.mappings, func(i, j int) bool {
		if ix.mappings[i].specificity != ix.mappings[j].specificity {
			return ix.mappings[i].specificity > ix.mappings[j].specificity
		}
		if !ix.mappings[i].CreatedAt.Equal(ix.mappings[j].CreatedAt) {
			return ix.mappings[i].CreatedAt.Before(ix.mappings[j].CreatedAt)
		}
		return ix.mappings[i].ID < ix.mappings[j].ID
	})

	return ix
}

// BuiltAt reports when the index was constructed.
func (ix *Index) BuiltAt() time.Time {
	return ix.builtAt
}

// Origins reports the number of indexed origins.
func (ix *Index) Origins() int {
	return len(ix.origins)
}

// Policy looks up a policy by id.
func (ix *Index) Policy(id string) (model.TransformationPolicy, bool) {
	p, ok := ix.policies[id]
	return p, ok
}

// DefaultPolicy returns the deployment default policy, if one is configured.
func (ix *Index) DefaultPolicy() (model.TransformationPolicy, bool) {
	if ix.defaultPolicy == nil {
		return model.TransformationPolicy{}, false
	}
	return *ix.defaultPolicy, true
}

// Resolve matches a request to an origin and a policy. It is a pure function
// over the index: identical input against the same index always yields the
// same resolution.
//
// An explicit policy id is a hard requirement: if it does not resolve the
// request fails, never silently falling back to a mapping or default policy.
func (ix *Index) Resolve(host, requestPath, explicitPolicyID string) (*Resolution, error) {
	var explicit *model.TransformationPolicy
	if explicitPolicyID != "" {
		p, ok := ix.policies[explicitPolicyID]
		if !ok {
			return nil, errordefs.Newf(errordefs.IMG_POLICY_NOT_FOUND, "policy %q not found", explicitPolicyID)
		}
		explicit = &p
	}

	matched, ok := ix.match(host, requestPath)
	if !ok {
		return nil, errordefs.Newf(errordefs.IMG_NO_ORIGIN, "no origin mapping matches host %q path %q", host, requestPath)
	}

	res := &Resolution{
		Origin:  ix.origins[matched.OriginID],
		Mapping: matched.Mapping,
	}

	switch {
	case explicit != nil:
		res.Policy = explicit
	case matched.PolicyID != "":
		p := ix.policies[matched.PolicyID]
		res.Policy = &p
	case ix.defaultPolicy != nil:
		res.Policy = ix.defaultPolicy
	}

	return res, nil
}

// match scans the precedence-sorted mappings and returns the first hit.
func (ix *Index) match(host, requestPath string) (compiledMapping, bool) {
	for _, m := range ix.mappings {
		switch m.MatchKind {
		case model.MatchHost:
			if matchHost(m.Pattern, host) {
				return m, true
			}
		case model.MatchPath:
			if matchPath(m.Pattern, requestPath) {
				return m, true
			}
		}
	}
	return compiledMapping{}, false
}

// matchHost matches a host against an exact pattern or a *.domain wildcard.
// The wildcard covers any single-or-deeper subdomain but not the apex.
func matchHost(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return false
}

// matchPath matches a request path against a prefix or glob pattern.
func matchPath(pattern, requestPath string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.HasPrefix(requestPath, pattern)
	}
	// A trailing single star matches the rest of the path including slashes,
	// which path.Match alone would not.
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, "*?[") {
		return strings.HasPrefix(requestPath, prefix)
	}
	ok, err := path.Match(pattern, requestPath)
	if err != nil {
		// Malformed glob in configuration; a non-match is safer than a crash.
		slog.Warn("malformed mapping pattern", "pattern", pattern, "error", err)
		return false
	}
	return ok
}

// literalPrefixLen returns the length of the literal text before the first
// wildcard, the specificity measure used for mapping precedence. Host
// wildcards lead with "*.", so their literal suffix counts instead.
func literalPrefixLen(pattern string) int {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return len(suffix)
	}
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return i
	}
	return len(pattern)
}
