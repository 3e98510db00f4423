package mw

import (
	"net/http"

	"github.com/jmylchreest/chatgate/internal/version"
)

const (
	HeaderAPIVersion     = "X-API-Version"
	HeaderPricingVersion = "X-Pricing-Version"
)

// VersionHeaders stamps every response with the build version and, when set,
// the pricing table version the server charges against.
func VersionHeaders(pricingVersion string) func(http.Handler) http.Handler {
	apiVersion := version.Get().Short()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderAPIVersion, apiVersion)
			if pricingVersion != "" {
				w.Header().Set(HeaderPricingVersion, pricingVersion)
			}
			next.ServeHTTP(w, r)
		})
	}
}
