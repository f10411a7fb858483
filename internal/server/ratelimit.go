package server

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests beyond the limiter's rate with 429.
// A nil limiter disables limiting.
func RateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				log.Debug().Str("path", r.URL.Path).Msg("rate limit exceeded")
				retry := 1
				if l := float64(limiter.Limit()); l > 0 && l < 1 {
					retry = int(1/l + 0.5)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many ingest requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
