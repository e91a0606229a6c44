package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gourl/coord/internal/metrics"
	"github.com/gourl/coord/internal/ratelimit"
	"github.com/gourl/coord/pkg/logger"
)

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	TrustProxy     bool
	TrustedProxies []string
	// APIKeyHeader, when set and present, identifies the caller instead of
	// its address.
	APIKeyHeader string
	// FailOpen lets requests through when the store cannot be reached.
	// Otherwise they are answered with 503.
	FailOpen bool
	Logger   *logger.Logger
}

// RateLimitResponse is the JSON response for rate limited requests.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after"`
}

// RateLimit admits each request through limiter, keyed by API key or
// client IP, and answers 429 once the caller's window is full.
func RateLimit(limiter ratelimit.Limiter, cfg RateLimitConfig) Middleware {
	trusted := newProxySet(cfg.TrustedProxies)
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := getIdentifier(r, cfg, trusted)

			result, err := limiter.Allow(r.Context(), identifier)
			if err != nil {
				log.Warn("rate limit check failed",
					"request_id", GetRequestID(r.Context()),
					"fail_open", cfg.FailOpen,
					"error", err,
				)
				if cfg.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				writeJSONError(w, http.StatusServiceUnavailable, "coordination store unavailable", "STORE_UNAVAILABLE")
				return
			}

			setRateLimitHeaders(w, result)

			if !result.Allowed {
				metrics.RecordRateLimited()
				writeRateLimitResponse(w, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getIdentifier prefers the API key when configured and provided.
func getIdentifier(r *http.Request, cfg RateLimitConfig, trusted proxySet) string {
	if cfg.APIKeyHeader != "" {
		if apiKey := r.Header.Get(cfg.APIKeyHeader); apiKey != "" {
			return "api:" + apiKey
		}
	}

	ip := GetClientIP(r.Context())
	if ip == "" {
		ip = extractClientIP(r, cfg.TrustProxy, trusted)
	}
	return "ip:" + ip
}

func retrySeconds(result *ratelimit.Result) int {
	// round up so clients never retry early
	secs := int((result.RetryAfter + 999_999_999) / 1_000_000_000)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
	if !result.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(result)))
	}
}

func writeRateLimitResponse(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(RateLimitResponse{
		Error:      ratelimit.ErrRateLimitExceeded.Error(),
		Code:       "RATE_LIMIT_EXCEEDED",
		RetryAfter: retrySeconds(result),
	})
}
