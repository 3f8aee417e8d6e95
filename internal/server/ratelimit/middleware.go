// Provides the rate limiting middleware and response headers.

package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Tier is a named limiter applied to a class of routes.
type Tier struct {
	Name    string
	Limiter *Limiter
}

// Config holds the limiters of the write routes.
type Config struct {
	Write Tier
	Bulk  Tier
}

// NewConfig creates the tiers from per minute budgets. A zero budget
// disables the tier.
func NewConfig(writePerMin, bulkPerMin int) *Config {
	return &Config{
		Write: Tier{Name: "write", Limiter: NewLimiter(writePerMin, time.Minute, max(writePerMin/6, 1))},
		Bulk:  Tier{Name: "bulk", Limiter: NewLimiter(bulkPerMin, time.Minute, max(bulkPerMin/6, 1))},
	}
}

// Close stops all limiter cleanup goroutines.
func (c *Config) Close() {
	c.Write.Limiter.Close()
	c.Bulk.Limiter.Close()
}

// WriteHeaders writes rate limit headers to the response.
func WriteHeaders(w http.ResponseWriter, result Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
	}
}

// BuildKey creates a bucket key from the caller identity and the tier name.
func BuildKey(identity, tierName string) string {
	return identity + ":" + tierName
}

// Middleware rejects requests over the tier budget with onLimited and sets
// the rate limit headers on the others. identify returns the caller key of a
// request, usually the actor id.
func (t *Tier) Middleware(identify func(*http.Request) string, onLimited func(http.ResponseWriter, *http.Request, Result)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if t.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := t.Limiter.Allow(BuildKey(identify(r), t.Name))
			WriteHeaders(w, res)
			if !res.Allowed {
				onLimited(w, r, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
