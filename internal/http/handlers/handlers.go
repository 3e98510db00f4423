// Package handlers contains HTTP handlers for the API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/chatgate/internal/http/mw"
	"github.com/jmylchreest/chatgate/internal/service"
	"github.com/jmylchreest/chatgate/internal/version"
)

// HealthCheckOutput represents health check response.
type HealthCheckOutput struct {
	Body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
}

// HealthCheck returns the health status of the API.
func HealthCheck(ctx context.Context, input *struct{}) (*HealthCheckOutput, error) {
	out := &HealthCheckOutput{}
	out.Body.Status = "healthy"
	out.Body.Version = version.Get().Short()
	return out, nil
}

// LivezOutput represents the liveness probe response.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Livez reports that the process is up.
func Livez(ctx context.Context, input *struct{}) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// DBPinger is the database dependency of the readiness probe.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// ReadyzOutput represents the readiness probe response.
type ReadyzOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzHandler reports whether the ledger store is reachable.
type ReadyzHandler struct {
	db DBPinger
}

// NewReadyzHandler creates a new readiness handler. db may be nil.
func NewReadyzHandler(db DBPinger) *ReadyzHandler {
	return &ReadyzHandler{db: db}
}

// Readyz pings the database.
func (h *ReadyzHandler) Readyz(ctx context.Context, input *struct{}) (*ReadyzOutput, error) {
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			slog.WarnContext(ctx, "readiness check failed", "error", err)
			return nil, huma.Error503ServiceUnavailable("database unavailable")
		}
	}
	out := &ReadyzOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// requirePrincipal returns the verified caller placed in ctx by mw.Auth.
func requirePrincipal(ctx context.Context) (*mw.Principal, error) {
	p := mw.GetPrincipal(ctx)
	if p == nil {
		return nil, huma.Error401Unauthorized("token_missing")
	}
	return p, nil
}

// gatewayError maps a GatewayError to its HTTP status. The reason code is the
// error detail; nothing else from the cause reaches the client.
func gatewayError(err error) error {
	ge, ok := service.AsGatewayError(err)
	if !ok {
		return huma.Error500InternalServerError("internal error")
	}
	switch ge.Kind {
	case service.KindUnauthorized:
		return huma.Error401Unauthorized(ge.Reason)
	case service.KindForbidden:
		return huma.Error403Forbidden(ge.Reason)
	case service.KindPaymentRequired:
		return huma.NewError(http.StatusPaymentRequired, ge.Reason)
	case service.KindUpstreamUnavailable:
		return huma.Error503ServiceUnavailable(ge.Reason)
	default:
		return huma.Error500InternalServerError("internal error")
	}
}

// accountError maps errors shared by the account-scoped services.
func accountError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidAccount):
		return huma.Error403Forbidden("account_required")
	case errors.Is(err, service.ErrUnknownProvider):
		return huma.Error404NotFound("unknown_provider")
	case errors.Is(err, service.ErrKeyNotFound):
		return huma.Error404NotFound("key_not_found")
	case errors.Is(err, service.ErrKeysUnavailable):
		return huma.Error503ServiceUnavailable("key_storage_unavailable")
	default:
		return huma.Error500InternalServerError("internal error")
	}
}
