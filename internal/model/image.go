// internal/model/image.go
// Package model defines the data structures used throughout the image serving service.
// These structures represent the core domain objects: origins, mappings,
// transformation policies, and the per-request context derived at the edge.
package model

import (
	"strconv"
	"time"
)

// Origin represents an upstream object-storage endpoint holding source images.
// Identity is immutable; attributes may change through administrative writes.
// This corresponds to the origins table in storage.
type Origin struct {
	ID        string            `json:"id" db:"id"`                // Unique origin identifier
	Name      string            `json:"name" db:"name"`            // Human-readable origin name
	Domain    string            `json:"domain" db:"domain"`        // Upstream endpoint (https://... or s3://bucket)
	BasePath  string            `json:"basePath" db:"base_path"`   // Prefix prepended to every requested key
	Headers   map[string]string `json:"headers" db:"headers"`      // Custom headers merged into each fetch
	CacheTTL  int               `json:"cacheTtl" db:"cache_ttl"`   // Cache-Control max-age in seconds (0 = unset)
	CreatedAt time.Time         `json:"createdAt" db:"created_at"` // When the origin was created
}

// MatchKind discriminates how a mapping's pattern is matched against a request.
type MatchKind string

const (
	MatchHost MatchKind = "HOST_MAPPING" // Pattern matched against the request host
	MatchPath MatchKind = "PATH_MAPPING" // Pattern matched against the request path
)

// Mapping associates a host or path pattern with exactly one origin and at
// most one transformation policy.
// This corresponds to the mappings table in storage.
type Mapping struct {
	ID        string    `json:"id" db:"id"`                // Unique mapping identifier
	MatchKind MatchKind `json:"matchKind" db:"match_kind"` // HOST_MAPPING or PATH_MAPPING
	Pattern   string    `json:"pattern" db:"pattern"`      // Exact host, *.domain wildcard, or path prefix/glob
	OriginID  string    `json:"originId" db:"origin_id"`   // Origin this mapping routes to (required)
	PolicyID  string    `json:"policyId" db:"policy_id"`   // Policy applied to matched requests (optional)
	CreatedAt time.Time `json:"createdAt" db:"created_at"` // Creation time; tie-break for equal specificity
}

// Operation enumerates the closed set of image transforms the pipeline can
// execute. New kinds are added here and in the executor's exhaustive dispatch,
// never through open-ended registration.
type Operation string

const (
	OpResize    Operation = "resize"    // Scale to width/height with a fit mode
	OpRotate    Operation = "rotate"    // Rotate by degrees
	OpFlip      Operation = "flip"      // Mirror vertically
	OpFlop      Operation = "flop"      // Mirror horizontally
	OpBlur      Operation = "blur"      // Gaussian blur with sigma
	OpSharpen   Operation = "sharpen"   // Sharpen with sigma
	OpGrayscale Operation = "grayscale" // Drop color channels
	OpTint      Operation = "tint"      // Quality-neutral color overlay
	OpSmartCrop Operation = "smartcrop" // Content-aware crop to width/height
	OpExtract   Operation = "extract"   // Extract a pixel region (left, top, width, height)
	OpConvolve  Operation = "convolve"  // Apply a convolution kernel
	OpOverlay   Operation = "overlay"   // Composite another asset over the base image
	OpStrip     Operation = "strip"     // Strip EXIF/metadata
	OpAnimated  Operation = "animated"  // Preserve all frames of multi-frame inputs
)

// Condition gates a transformation step on a request-context field.
// The grammar is deliberately tiny: field equals value, or field in set.
type Condition struct {
	Field  string   `json:"field"`            // Context field: format, dpr, viewport, host
	Value  string   `json:"value,omitempty"`  // Single expected value
	Values []string `json:"values,omitempty"` // Membership set; used when non-empty
}

// TransformationStep is one operation in a policy, optionally conditioned on
// the request context. Value carries operation-specific parameters.
type TransformationStep struct {
	Operation Operation      `json:"operation"`
	Value     map[string]any `json:"value,omitempty"`
	Condition *Condition     `json:"condition,omitempty"`
}

// DirectiveType discriminates output-encoding directives.
type DirectiveType string

const (
	DirectiveQuality  DirectiveType = "quality"  // Static or tiered encode quality
	DirectiveFormat   DirectiveType = "format"   // Fixed target format or "auto"
	DirectiveAutosize DirectiveType = "autosize" // Discrete candidate output widths
)

// QualityTier selects a quality multiplier when a measured metric falls in
// [Low, High).
type QualityTier struct {
	Low        float64 `json:"low"`
	High       float64 `json:"high"`
	Multiplier float64 `json:"multiplier"`
}

// OutputDirective describes one output-encoding rule of a policy.
// Exactly one of the value fields is meaningful for a given Type.
type OutputDirective struct {
	Type     DirectiveType `json:"type"`
	Value    string        `json:"value,omitempty"`    // format target or static quality
	Tiers    []QualityTier `json:"tiers,omitempty"`    // tiered quality rule (with Value as base)
	Widths   []int         `json:"widths,omitempty"`   // autosize candidates, ascending
}

// TransformationPolicy is a named, reusable set of conditional transformation
// steps and output directives. At most one policy is the deployment default.
// This corresponds to the policies table in storage.
type TransformationPolicy struct {
	ID              string               `json:"id" db:"id"`
	Name            string               `json:"name" db:"name"`
	IsDefault       bool                 `json:"isDefault" db:"is_default"`
	Transformations []TransformationStep `json:"transformations" db:"transformations"`
	Outputs         []OutputDirective    `json:"outputs" db:"outputs"`
	CacheTTL        int                  `json:"cacheTtl" db:"cache_ttl"` // Cache-Control max-age in seconds (0 = unset)
	CreatedAt       time.Time            `json:"createdAt" db:"created_at"`
}

// Format tokens recognized by content negotiation and output encoding.
type Format string

const (
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatHEIF Format = "heif"
	FormatTIFF Format = "tiff"
	FormatRaw  Format = "raw"
	FormatGIF  Format = "gif"
)

// RequestContext holds the normalized per-request facts used for condition
// evaluation and output selection. Missing canonical headers leave the
// zero values, which mean "no preference".
type RequestContext struct {
	Host          string            `json:"host"`          // Canonical request host
	AcceptFormat  Format            `json:"acceptFormat"`  // Negotiated format token ("" = none)
	DPR           float64           `json:"dpr"`           // Device pixel ratio bucket (0 = absent)
	ViewportWidth int               `json:"viewportWidth"` // Snapped viewport width (0 = absent)
	Query         map[string]string `json:"query"`         // Explicit query-string overrides
}

// QueryFormat returns the explicit format override from the query string,
// which always wins over content negotiation and policy directives.
func (c RequestContext) QueryFormat() Format {
	return Format(c.Query["format"])
}

// Field resolves a condition field name against the context. The second
// return reports whether the field carries a value; absent fields never match.
func (c RequestContext) Field(name string) (string, bool) {
	switch name {
	case "format":
		if c.AcceptFormat == "" {
			return "", false
		}
		return string(c.AcceptFormat), true
	case "dpr":
		if c.DPR == 0 {
			return "", false
		}
		return trimFloat(c.DPR), true
	case "viewport":
		if c.ViewportWidth == 0 {
			return "", false
		}
		return itoa(c.ViewportWidth), true
	case "host":
		if c.Host == "" {
			return "", false
		}
		return c.Host, true
	default:
		return "", false
	}
}

// trimFloat renders a DPR bucket the way conditions are authored: "2" rather
// than "2.0", "1.5" kept as is.
func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

// ConfigRecordType tags records returned by the durable store's full scan.
type ConfigRecordType string

const (
	RecordOrigin      ConfigRecordType = "ORIGIN"
	RecordHostMapping ConfigRecordType = "HOST_MAPPING"
	RecordPathMapping ConfigRecordType = "PATH_MAPPING"
	RecordPolicy      ConfigRecordType = "POLICY"
)

// ConfigSnapshot is the result of a full configuration scan, consumed once at
// index build time.
type ConfigSnapshot struct {
	Origins  []Origin               `json:"origins"`
	Mappings []Mapping              `json:"mappings"`
	Policies []TransformationPolicy `json:"policies"`
}
