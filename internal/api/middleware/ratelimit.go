package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/api/response"
)

const defaultRequestsPerMinute = 60

// Limiter is a fixed-window counter; *rediscache.RateLimiter fits.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// RateLimit throttles guest lookups per client address, one window per
// wall-clock minute.
type RateLimit struct {
	limiter        Limiter
	requestsPerMin int64
	now            func() time.Time
}

func NewRateLimit(l Limiter, requestsPerMin int64) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{limiter: l, requestsPerMin: requestsPerMin, now: time.Now}
}

func (rl *RateLimit) WithClock(now func() time.Time) *RateLimit {
	rl.now = now
	return rl
}

func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil || rl.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now().UTC()
		reset := now.Truncate(time.Minute).Add(time.Minute)
		key := fmt.Sprintf("guest:%s:%s", clientAddr(r), now.Format("200601021504"))

		_, count, err := rl.limiter.Allow(r.Context(), key, rl.requestsPerMin, 70*time.Second)
		if err != nil {
			// Redis недоступен: пропускаем запрос
			slog.Warn("guest rate limit unavailable", "error", err.Error())
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.requestsPerMin, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > rl.requestsPerMin {
			retry := int(reset.Sub(now).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
