package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/echochat/api/internal/errcode"
)

// Middleware enforces the limiter on matching routes. A nil limiter makes
// it a pass-through, so disabling rate limits needs no route changes.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := l.Allow(clientIP(r), r.Method, r.URL.Path)
			if res.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}
			if !ok {
				retryAfter := (res.RetryIn + time.Second - 1) / time.Second
				w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter), 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"success":    false,
					"message":    "too many requests, slow down",
					"code":       errcode.Contended,
					"statusCode": http.StatusTooManyRequests,
					"retryable":  true,
					"timestamp":  time.Now().UTC().Format(time.RFC3339),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port when the address still carries one. Behind the
// RealIP middleware RemoteAddr is already the bare client IP.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
