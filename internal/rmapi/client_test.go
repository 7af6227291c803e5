package rmapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// failingToken is a test TokenSource that always returns an error.
type failingToken struct{}

func (failingToken) Token() (string, error) {
	return "", errors.New("token error")
}

// newTestClient points every endpoint at the given httptest server, uses
// a static user token, and retries without sleeping.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := NewClient(Endpoints{Auth: url, Storage: url, Discovery: url},
		http.DefaultClient, StaticToken("test-token"), testLogger(t), "test-agent")
	c.sleepFunc = noopSleep
	c.newDeviceID = func() string { return "device-id-1" }

	return c
}

func TestDo_SetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.do(context.Background(), &request{
		method: http.MethodGet, url: srv.URL + "/x", accept: "application/json", auth: authUser,
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestDo_NoAuthHeaderForPresignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.do(context.Background(), &request{method: http.MethodGet, url: srv.URL + "/blob?sig=secret"})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
		{"teapot", http.StatusTeapot, ErrUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("  something broke \n"))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			_, err := c.do(context.Background(), &request{method: http.MethodGet, url: srv.URL + "/test?q=1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "/test", apiErr.Path)
			assert.Equal(t, "something broke", apiErr.Message)
		})
	}
}

func TestDo_RetryOn5xxForGet(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.do(context.Background(), &request{method: http.MethodGet, url: srv.URL + "/r"})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestIsRetryable(t *testing.T) {
	for _, code := range []int{408, 429, 500, 501, 502, 503, 504, 507, 599} {
		assert.True(t, isRetryable(code), "status %d", code)
	}

	for _, code := range []int{200, 400, 401, 403, 404, 409} {
		assert.False(t, isRetryable(code), "status %d", code)
	}
}

func TestDo_RetryOnUnlistedServerError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.do(context.Background(), &request{method: http.MethodGet, url: srv.URL + "/r"})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_RetryExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.do(context.Background(), &request{method: http.MethodGet, url: srv.URL + "/r"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_PostNeverRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.do(context.Background(), &request{
		method: http.MethodPost, url: srv.URL + "/p", body: bytes.NewReader([]byte("{}")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_PutBodyRewoundOnRetry(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `[{"ID":"a"}]`, string(body))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.do(context.Background(), &request{
		method: http.MethodPut, url: srv.URL + "/u", body: bytes.NewReader([]byte(`[{"ID":"a"}]`)),
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_StreamingPutNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	body := struct{ io.Reader }{bytes.NewReader([]byte("data"))} // hides io.Seeker

	_, err := c.do(context.Background(), &request{method: http.MethodPut, url: srv.URL + "/u", body: body})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_TokenErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.SetTokenSource(failingToken{})

	_, err := c.do(context.Background(), &request{method: http.MethodGet, url: srv.URL + "/r", auth: authUser})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token error")
	assert.Equal(t, int32(0), calls.Load())
}

func TestDo_NilTokenSource(t *testing.T) {
	c := NewClient(Endpoints{}, nil, nil, nil, "")

	_, err := c.do(context.Background(), &request{method: http.MethodGet, url: "http://127.0.0.1:1/x", auth: authUser})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestDo_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, srv.URL)
	_, err := c.do(ctx, &request{method: http.MethodGet, url: srv.URL + "/r"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryBackoff_RetryAfter(t *testing.T) {
	c := NewClient(Endpoints{}, nil, nil, nil, "")
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")

	assert.Equal(t, 7*time.Second, c.retryBackoff(resp, 0))
}

func TestCalcBackoff_Capped(t *testing.T) {
	c := NewClient(Endpoints{}, nil, nil, nil, "")

	for range 20 {
		d := c.calcBackoff(10)
		assert.LessOrEqual(t, d, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
	}
}

func TestNewClient_DefaultsAndTrim(t *testing.T) {
	c := NewClient(Endpoints{Storage: "https://storage.example.com/"}, nil, nil, nil, "")

	e := c.Endpoints()
	assert.Equal(t, DefaultAuthURL, e.Auth)
	assert.Equal(t, "https://storage.example.com", e.Storage)
	assert.Equal(t, DefaultDiscoveryURL, e.Discovery)
	assert.Equal(t, DefaultUserAgent, c.userAgent)

	c.SetStorageURL("https://other.example.com/")
	assert.Equal(t, "https://other.example.com", c.Endpoints().Storage)

	c.SetStorageURL("")
	assert.Equal(t, "https://other.example.com", c.Endpoints().Storage)
}

func TestDisplayPath(t *testing.T) {
	assert.Equal(t, "/a/b", displayPath("https://host.example.com/a/b?sig=1"))
	assert.Equal(t, "/", displayPath("https://host.example.com"))
	assert.Equal(t, "/rel", displayPath("/rel?x"))
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestFromToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer raw-user-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"hash":"h","generation":1,"schemaVersion":3}`))
	}))
	defer srv.Close()

	c := FromToken("raw-user-token", Endpoints{Storage: srv.URL}, nil, testLogger(t))

	root, err := c.SyncRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h", root.Hash)
}
