// Package mw contains HTTP middleware for the chatgate API.
package mw

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/chatgate/internal/logging"
	"github.com/jmylchreest/chatgate/internal/service"
	"github.com/jmylchreest/chatgate/internal/token"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// PrincipalKey is the context key for the verified caller.
	PrincipalKey ContextKey = "principal"
)

// Principal is the caller identified by a verified bearer token.
type Principal struct {
	Subject  string
	Account  string // ledger key; differs from Subject for anonymous callers
	ClientID string
	Token    string
}

// IsAnonymous reports whether the caller used the anonymous subject.
func (p *Principal) IsAnonymous() bool {
	return p != nil && p.Subject == token.AnonymousSubject
}

// Identifier verifies a bearer token. IdentifySigned skips the expiry check.
type Identifier interface {
	Identify(tok string, now time.Time, clientID string) (subject, account string, err error)
	IdentifySigned(tok string, clientID string) (subject, account string, err error)
}

// AuthOption configures Auth.
type AuthOption func(*authConfig)

type authConfig struct {
	expiredOK map[string]bool
}

// AllowExpiredFor admits authentic but expired tokens on the given paths.
// Handlers behind those paths must bound the token's use themselves.
func AllowExpiredFor(paths ...string) AuthOption {
	return func(c *authConfig) {
		for _, p := range paths {
			c.expiredOK[p] = true
		}
	}
}

// GetPrincipal returns the verified caller from ctx, or nil.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(PrincipalKey).(*Principal)
	return p
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, PrincipalKey, p)
	return logging.WithUserID(ctx, p.Account)
}

// ClientID returns the caller's address without the port. RealIP should run first.
func ClientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Auth returns a middleware that rejects requests without a valid bearer token.
func Auth(id Identifier, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := &authConfig{expiredOK: map[string]bool{}}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteError(w, http.StatusUnauthorized, string(service.KindUnauthorized), "token_missing")
				return
			}

			tok := token.ParseBearer(authHeader)
			clientID := ClientID(r)
			subject, account, err := id.Identify(tok, time.Now(), clientID)
			if errors.Is(err, token.ErrExpired) && cfg.expiredOK[r.URL.Path] {
				subject, account, err = id.IdentifySigned(tok, clientID)
			}
			if err != nil {
				reason := service.ReasonTokenMalformed
				if ge, ok := service.AsGatewayError(err); ok {
					reason = ge.Reason
				}
				slog.DebugContext(r.Context(), "auth validation failed", "reason", reason)
				WriteError(w, http.StatusUnauthorized, string(service.KindUnauthorized), reason)
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{
				Subject:  subject,
				Account:  account,
				ClientID: clientID,
				Token:    tok,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging copies chi's request ID into the logging context.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// ErrorBody is the JSON error shape written by raw (non-huma) handlers.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, kind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: kind, Reason: reason})
}
