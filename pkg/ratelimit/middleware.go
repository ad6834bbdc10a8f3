package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"behavtrust/pkg/metrics"
	"behavtrust/pkg/structlog"
)

// Middleware rejects a request with 429 once its key has used up the
// limiter. A nil limiter disables limiting. route labels the metric.
func Middleware(l Limiter, route string, key func(*http.Request) string, log *structlog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			d := l.Allow(r.Context(), route+"|"+k)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			m.RateLimited(route)
			log.WithContext(r.Context()).SecurityEvent("rate_limited", structlog.Fields{"route": route, "key": k})
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "Too many attempts"})
		})
	}
}
