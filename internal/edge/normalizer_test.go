package edge

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

var testBreakpoints = []int{320, 480, 768, 1024, 1200, 1440, 1920}

func TestSnapWidth(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"below smallest snaps up", 100, 320},
		{"exact breakpoint stays", 320, 320},
		{"between snaps up", 400, 480},
		{"above largest clamps", 2000, 1920},
		{"zero yields zero", 0, 0},
		{"negative yields zero", -5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SnapWidth(testBreakpoints, tc.in))
		})
	}
}

func TestSnapWidthEmptyLadder(t *testing.T) {
	assert.Equal(t, 0, SnapWidth(nil, 500))
}

func TestNormalizeDPR(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{1.23, 1.2},
		{2.87, 2.9},
		{0.14, 0.1},
		{6.5, 5},
		{1.0, 1},
		{5.0, 5},
		{0, 0},
		{-1, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeDPR(tc.in, 5.0), "dpr %v", tc.in)
	}
}

func TestNegotiateFormat(t *testing.T) {
	cases := []struct {
		name   string
		accept string
		want   model.Format
	}{
		{"webp beats avif", "image/avif,image/webp", model.FormatWebP},
		{"png beats gif", "image/gif, image/png", model.FormatPNG},
		{"quality params ignored", "image/jpeg;q=0.9, image/webp;q=0.8", model.FormatWebP},
		{"unknown types yield nothing", "text/html,application/xml", ""},
		{"empty yields nothing", "", ""},
		{"jpg alias", "image/jpg", model.FormatJPEG},
		{"heic alias", "image/heic", model.FormatHEIF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NegotiateFormat(tc.accept))
		})
	}
}

func TestNormalizeSetsCanonicalHeaders(t *testing.T) {
	n := &Normalizer{Breakpoints: testBreakpoints, DPRCap: 5.0}

	r := httptest.NewRequest("GET", "/img/a.jpg", nil)
	r.Host = "img.example.com"
	r.Header.Set("Sec-CH-Viewport-Width", "400")
	r.Header.Set("Sec-CH-DPR", "2.87")
	r.Header.Set("Accept", "image/avif,image/webp")

	n.Normalize(r)

	assert.Equal(t, "480", r.Header.Get(HeaderViewport))
	assert.Equal(t, "2.9", r.Header.Get(HeaderDPR))
	assert.Equal(t, "webp", r.Header.Get(HeaderFormat))
	assert.Equal(t, "img.example.com", r.Header.Get(HeaderHost))
}

func TestNormalizeSkipsNegotiationWithExplicitFormat(t *testing.T) {
	n := &Normalizer{Breakpoints: testBreakpoints, DPRCap: 5.0}

	r := httptest.NewRequest("GET", "/img/a.jpg?format=png", nil)
	r.Header.Set("Accept", "image/webp")

	n.Normalize(r)

	assert.Empty(t, r.Header.Get(HeaderFormat))
}

func TestNormalizeSwallowsBadHints(t *testing.T) {
	n := &Normalizer{Breakpoints: testBreakpoints, DPRCap: 5.0}

	r := httptest.NewRequest("GET", "/img/a.jpg", nil)
	r.Header.Set("Sec-CH-Viewport-Width", "not-a-number")
	r.Header.Set("Sec-CH-DPR", "garbage")

	n.Normalize(r)

	assert.Empty(t, r.Header.Get(HeaderViewport))
	assert.Empty(t, r.Header.Get(HeaderDPR))
}

func TestSnapWidthProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 4000).Draw(t, "w")
		snapped := SnapWidth(testBreakpoints, w)

		// Result is always a ladder member
		found := false
		for _, bp := range testBreakpoints {
			if snapped == bp {
				found = true
			}
		}
		if !found {
			t.Fatalf("snapped %d not on the ladder", snapped)
		}

		// Snapping never shrinks below the request unless clamped at the top
		if snapped < w && snapped != testBreakpoints[len(testBreakpoints)-1] {
			t.Fatalf("snapped %d below request %d without clamping", snapped, w)
		}

		// Idempotence
		if again := SnapWidth(testBreakpoints, snapped); again != snapped {
			t.Fatalf("re-snap changed %d to %d", snapped, again)
		}
	})
}

func TestNormalizeDPRProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dpr := rapid.Float64Range(0.05, 10).Draw(t, "dpr")
		got := NormalizeDPR(dpr, 5.0)

		if got <= 0 || got > 5.0 {
			t.Fatalf("normalized %v out of range for input %v", got, dpr)
		}
		if again := NormalizeDPR(got, 5.0); again != got {
			t.Fatalf("re-normalize changed %v to %v", got, again)
		}
	})
}
