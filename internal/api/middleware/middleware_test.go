package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mw "github.com/BearBump/TrackSync/internal/api/middleware"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int64, time.Duration) (bool, int64, error) {
	return false, 0, errors.New("redis: connection refused")
}

func fixedClock() time.Time { return time.Date(2026, 10, 19, 12, 30, 15, 0, time.UTC) }

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := mw.NewRateLimit(rediscache.NewRateLimiter(mr.Addr()), 2).WithClock(fixedClock)
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/trackings/ord-1", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1792413060", w.Header().Get("X-RateLimit-Reset"))
	assert.True(t, mr.Exists("tracksync:guest:10.0.0.1:202610191230"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := mw.NewRateLimit(rediscache.NewRateLimiter(mr.Addr()), 2).WithClock(fixedClock)
	handler := rl.Limit(okHandler())

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/trackings/ord-1", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "45", last.Header().Get("Retry-After"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, last.Body.String(), "RATE_LIMIT_EXCEEDED")

	// другой клиент не задет
	req := httptest.NewRequest(http.MethodGet, "/v1/trackings/ord-1", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailOpen(t *testing.T) {
	handler := mw.NewRateLimit(failingLimiter{}, 1).Limit(okHandler())
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestLogger_SetsStatus(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()
	mw.Logger(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
