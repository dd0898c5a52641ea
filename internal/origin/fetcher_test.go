package origin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

func originFor(serverURL string) model.Origin {
	return model.Origin{ID: "o", Name: "test", Domain: serverURL}
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/a.jpg", r.URL.Path)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "max-age=120")
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	o := originFor(srv.URL)
	o.BasePath = "/assets"

	f := NewHTTPFetcher(nil, 0)
	res, err := f.Fetch(context.Background(), o, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), res.Body)
	assert.Equal(t, "image/jpeg", res.ContentType)
	assert.Equal(t, "max-age=120", res.CacheControl)
}

func TestFetchForwardsOriginHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	o := originFor(srv.URL)
	o.Headers = map[string]string{"Authorization": "Bearer origin-token"}

	f := NewHTTPFetcher(nil, 0)
	_, err := f.Fetch(context.Background(), o, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "Bearer origin-token", gotAuth)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewHTTPFetcher(nil, 2)
	_, err := f.Fetch(context.Background(), originFor(srv.URL), "gone.jpg")
	require.Error(t, err)
	typed := errordefs.AsError(err)
	assert.Equal(t, errordefs.IMG_SOURCE_NOT_FOUND, typed.Code)
	assert.Equal(t, 404, typed.Status)
}

func TestFetchDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil, 2)
	_, err := f.Fetch(context.Background(), originFor(srv.URL), "secret.jpg")
	require.Error(t, err)
	assert.Equal(t, errordefs.IMG_ACCESS_DENIED, errordefs.AsError(err).Code)
}

func TestFetchRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil, 2)
	res, err := f.Fetch(context.Background(), originFor(srv.URL), "flaky.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), res.Body)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil, 2)
	_, err := f.Fetch(context.Background(), originFor(srv.URL), "down.jpg")
	require.Error(t, err)
	// Unreachable stays in the not-found class so the result is cacheable
	assert.Equal(t, errordefs.IMG_SOURCE_NOT_FOUND, errordefs.AsError(err).Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchNotFoundDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil, 3)
	_, err := f.Fetch(context.Background(), originFor(srv.URL), "gone.jpg")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f := NewHTTPFetcher(nil, 0)
	_, err := f.Fetch(ctx, originFor(srv.URL), "slow.jpg")
	require.Error(t, err)
	typed := errordefs.AsError(err)
	assert.Equal(t, errordefs.IMG_TIMEOUT, typed.Code)
	assert.Equal(t, 504, typed.Status)
}

func TestFetchUnreachableOrigin(t *testing.T) {
	o := model.Origin{ID: "o", Name: "dead", Domain: "http://127.0.0.1:1"}

	f := NewHTTPFetcher(&http.Client{Timeout: time.Second}, 1)
	_, err := f.Fetch(context.Background(), o, "a.jpg")
	require.Error(t, err)
	assert.Equal(t, errordefs.IMG_SOURCE_NOT_FOUND, errordefs.AsError(err).Code)
}

func TestOriginURL(t *testing.T) {
	cases := []struct {
		name   string
		origin model.Origin
		key    string
		want   string
	}{
		{"bare domain gets https", model.Origin{Domain: "cdn.example.com"}, "a.jpg", "https://cdn.example.com/a.jpg"},
		{"base path joined", model.Origin{Domain: "cdn.example.com", BasePath: "/assets"}, "a.jpg", "https://cdn.example.com/assets/a.jpg"},
		{"explicit scheme kept", model.Origin{Domain: "http://localhost:9000", BasePath: "img"}, "b.png", "http://localhost:9000/img/b.png"},
		{"leading slash on key", model.Origin{Domain: "cdn.example.com"}, "/c.gif", "https://cdn.example.com/c.gif"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, originURL(tc.origin, tc.key))
		})
	}
}

func TestRouterDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via http"))
	}))
	defer srv.Close()

	r := &Router{HTTP: NewHTTPFetcher(nil, 0)}

	res, err := r.Fetch(context.Background(), originFor(srv.URL), "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("via http"), res.Body)

	// Bucket origin without object storage configured
	_, err = r.Fetch(context.Background(), model.Origin{Name: "bucket", Domain: "s3://assets"}, "a.jpg")
	require.Error(t, err)
	assert.Equal(t, errordefs.IMG_SOURCE_NOT_FOUND, errordefs.AsError(err).Code)
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "base/a.jpg", joinKey("/base/", "/a.jpg"))
	assert.Equal(t, "a.jpg", joinKey("", "a.jpg"))
}
