package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/securechat/internal/metrics"
)

// Middleware returns HTTP middleware that admits requests under rule. Each
// client address and request URI gets its own counter. Every response carries
// the X-RateLimit-* headers; requests over budget get 429 with a JSON body
// naming the number of seconds until the window resets.
func (l *Limiter) Middleware(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Allow(r.Context(), clientAddr(r), r.URL.RequestURI(), rule)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", res.ResetTime.UTC().Format(time.RFC3339))

			if !res.Allowed {
				metrics.RateLimited.WithLabelValues(rule.Name).Inc()
				retryAfter := int(math.Ceil(res.ResetTime.Sub(l.now()).Seconds()))
				if retryAfter < 0 {
					retryAfter = 0
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error":      rule.Message,
					"retryAfter": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr returns the host part of r.RemoteAddr. Proxy headers are expected
// to have been folded into RemoteAddr by an earlier middleware.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
