package admin

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
	"golang.org/x/time/rate"
)

// routeLimit is a token bucket size for one admin route.
type routeLimit struct {
	rps   rate.Limit
	burst int
}

var defaultRouteLimit = routeLimit{rps: 5, burst: 20}

// History reads go to Postgres; everything else is served from memory.
var defaultRouteLimits = map[string]routeLimit{
	routeMessageEvents: {rps: rate.Limit(30.0 / 60), burst: 5},
}

// RouteLimiter throttles the admin API with one token bucket per ServeMux
// pattern. The API is read-only and served to operators, so buckets are
// shared by all callers of a route.
type RouteLimiter struct {
	mu       sync.Mutex
	limits   map[string]routeLimit
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// NewRouteLimiter returns a limiter with the default per-route budgets.
func NewRouteLimiter(logger *slog.Logger) *RouteLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	limits := make(map[string]routeLimit, len(defaultRouteLimits))
	for pattern, l := range defaultRouteLimits {
		limits[pattern] = l
	}
	return &RouteLimiter{
		limits:   limits,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With("component", "admin_ratelimit"),
	}
}

// limiter returns the bucket for pattern. Wrapping the same pattern twice
// shares one bucket.
func (rl *RouteLimiter) limiter(pattern string) (*rate.Limiter, routeLimit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limits[pattern]
	if !ok {
		l = defaultRouteLimit
	}
	lim, ok := rl.limiters[pattern]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		rl.limiters[pattern] = lim
	}
	return lim, l
}

// Wrap guards next, registered under pattern, with the route's bucket.
// Rejected requests get 429 with Retry-After and are counted per pattern.
func (rl *RouteLimiter) Wrap(pattern string, next http.Handler) http.Handler {
	lim, l := rl.limiter(pattern)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(l.rps))))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			metrics.AdminRateLimited.WithLabelValues(pattern).Inc()
			w.Header().Set("Retry-After", retryAfter)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			rl.logger.Warn("admin API rate limit exceeded", "route", pattern, "remote_addr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}
