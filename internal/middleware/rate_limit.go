package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/labdesk/internal/auth"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultAuthRateLimit returns default rate limit config for public auth endpoints (20 requests per minute)
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
	}
}

// RateLimitByIP throttles requests per client address. This is a coarse
// transport guard in front of the attempt tracker, which keeps its own counts.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(clientIPKey(config.IPConfig)),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// RateLimitByUserID throttles authenticated requests per user, falling back to
// the client address when no claims are present
func RateLimitByUserID(config RateLimitConfig) func(next http.Handler) http.Handler {
	ipKey := clientIPKey(config.IPConfig)

	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetUserFromContext(r); claims != nil && claims.UserID != "" {
				return "user:" + claims.UserID, nil
			}
			key, err := ipKey(r)
			return "ip:" + key, err
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

func clientIPKey(ipConfig *pkghttp.IPConfig) httprate.KeyFunc {
	return func(r *http.Request) (string, error) {
		return pkghttp.ExtractClientIP(r, ipConfig), nil
	}
}

func limitExceeded(w http.ResponseWriter, r *http.Request) {
	if w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "60")
	}
	pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
}
