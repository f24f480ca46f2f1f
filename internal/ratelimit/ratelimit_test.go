package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinrai-ai/trustwrapper/internal/ratelimit"
)

// stubLimiter returns canned answers for Middleware tests.
type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

func (s *stubLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAllows(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	h := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, limiter.keys, 1)
	assert.Equal(t, "203.0.113.9", limiter.keys[0])
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	h := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/verify", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestMiddlewareFailsOpenOnError(t *testing.T) {
	limiter := &stubLimiter{allowed: false, err: errors.New("limiter down")}
	h := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/verify", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareSkipsNilLimiterAndEmptyKey(t *testing.T) {
	h := ratelimit.Middleware(nil, ratelimit.IPKeyFunc)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	limiter := &stubLimiter{allowed: false}
	h = ratelimit.Middleware(limiter, func(*http.Request) string { return "" })(okHandler())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, limiter.keys)
}

func TestIPKeyFuncStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:8080"
	assert.Equal(t, "198.51.100.7", ratelimit.IPKeyFunc(req))

	req.RemoteAddr = "198.51.100.7"
	assert.Equal(t, "198.51.100.7", ratelimit.IPKeyFunc(req))
}
