package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestValidateOrigin(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(KindOrigin, doc(t, `{
		"name": "product-images",
		"domain": "images.internal",
		"basePath": "/assets",
		"headers": {"Authorization": "Bearer token"},
		"cacheTtl": 3600
	}`)))

	// Missing required domain
	assert.Error(t, v.Validate(KindOrigin, doc(t, `{"name": "broken"}`)))

	// Header values must be strings
	assert.Error(t, v.Validate(KindOrigin, doc(t, `{
		"name": "bad-headers", "domain": "x.internal", "headers": {"X-Retry": 3}
	}`)))
}

func TestValidateMapping(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(KindMapping, doc(t, `{
		"matchKind": "HOST_MAPPING",
		"pattern": "img.example.com",
		"originId": "01ORIGIN",
		"policyId": "01POLICY"
	}`)))

	// Unknown match kind
	assert.Error(t, v.Validate(KindMapping, doc(t, `{
		"matchKind": "QUERY_MAPPING", "pattern": "?x", "originId": "01ORIGIN"
	}`)))

	// Missing origin reference
	assert.Error(t, v.Validate(KindMapping, doc(t, `{
		"matchKind": "PATH_MAPPING", "pattern": "/img/"
	}`)))
}

func TestValidatePolicy(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(KindPolicy, doc(t, `{
		"name": "hero",
		"isDefault": false,
		"cacheTtl": 600,
		"transformations": [
			{"operation": "resize", "value": {"width": 320}},
			{"operation": "grayscale", "condition": {"field": "format", "value": "webp"}}
		],
		"outputs": [
			{"type": "quality", "value": "80", "tiers": [
				{"low": 1, "high": 2, "multiplier": 0.8}
			]},
			{"type": "autosize", "widths": [320, 640, 1280]}
		]
	}`)))

	// Operation outside the closed set
	assert.Error(t, v.Validate(KindPolicy, doc(t, `{
		"name": "bad-op",
		"transformations": [{"operation": "hologram"}]
	}`)))

	// Condition on an unknown request field
	assert.Error(t, v.Validate(KindPolicy, doc(t, `{
		"name": "bad-cond",
		"transformations": [
			{"operation": "blur", "condition": {"field": "cookie", "value": "x"}}
		]
	}`)))

	// Tier missing its multiplier
	assert.Error(t, v.Validate(KindPolicy, doc(t, `{
		"name": "bad-tier",
		"outputs": [{"type": "quality", "value": "80", "tiers": [{"low": 1, "high": 2}]}]
	}`)))

	// Autosize widths must be positive integers
	assert.Error(t, v.Validate(KindPolicy, doc(t, `{
		"name": "bad-widths",
		"outputs": [{"type": "autosize", "widths": [0]}]
	}`)))
}

func TestValidateUnknownKind(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.Error(t, v.Validate("theme", map[string]any{"name": "x"}))
}
