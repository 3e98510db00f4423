package mw

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// AccountRequestsPerMinute limits each verified account. 0 disables it.
	AccountRequestsPerMinute int
	// IPRequestsPerMinute applies to requests without a verified principal.
	IPRequestsPerMinute int
}

// accountKey keys by ledger account, so anonymous callers are limited per
// client address and signed-in users across addresses.
func accountKey(r *http.Request) (string, error) {
	if p := GetPrincipal(r.Context()); p != nil && p.Account != "" {
		return "account:" + p.Account, nil
	}
	return httprate.KeyByIP(r)
}

// RateLimitByAccount returns a middleware that rate limits by ledger account.
// Should be applied AFTER Auth. Falls back to the IP limit without a principal.
func RateLimitByAccount(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.AccountRequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	accountLimiter := httprate.NewRateLimiter(
		cfg.AccountRequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(accountKey),
	)
	ipLimit := cfg.IPRequestsPerMinute
	if ipLimit <= 0 {
		ipLimit = cfg.AccountRequestsPerMinute
	}
	fallbackLimiter := httprate.NewRateLimiter(ipLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))

	return func(next http.Handler) http.Handler {
		limited := accountLimiter.Handler(next)
		fallback := fallbackLimiter.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetPrincipal(r.Context()) == nil {
				fallback.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP returns a middleware that rate limits by IP address.
// Useful for public endpoints or as a global fallback.
func RateLimitByIP(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
