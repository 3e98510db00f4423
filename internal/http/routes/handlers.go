package routes

import (
	"context"

	"github.com/jmylchreest/chatgate/internal/http/handlers"
)

// GatewayHandlers defines the interface for authorization and billing operations.
type GatewayHandlers interface {
	Authorize(ctx context.Context, input *handlers.AuthorizeInput) (*handlers.AuthorizeOutput, error)
	Settle(ctx context.Context, input *handlers.SettleInput) (*handlers.SettleOutput, error)
	GetBalance(ctx context.Context, input *struct{}) (*handlers.BalanceOutput, error)
	GetUsage(ctx context.Context, input *handlers.GetUsageInput) (*handlers.GetUsageOutput, error)
	ListModels(ctx context.Context, input *struct{}) (*handlers.ListModelsOutput, error)
}

// KeyHandlers defines the interface for provider key operations.
type KeyHandlers interface {
	ListKeys(ctx context.Context, input *struct{}) (*handlers.ListKeysOutput, error)
	SetKey(ctx context.Context, input *handlers.SetKeyInput) (*handlers.SetKeyOutput, error)
	DeleteKey(ctx context.Context, input *handlers.DeleteKeyInput) (*handlers.DeleteKeyOutput, error)
}

// TokenHandlers defines the interface for token issuing.
type TokenHandlers interface {
	IssueToken(ctx context.Context, input *handlers.IssueTokenInput) (*handlers.IssueTokenOutput, error)
}

// Handlers aggregates all handler interfaces for route registration.
// For the main server, pass real handler implementations.
// For OpenAPI generation, pass stub implementations.
type Handlers struct {
	// Public endpoints
	HealthCheck func(ctx context.Context, input *struct{}) (*handlers.HealthCheckOutput, error)

	// Kubernetes probes (hidden from docs)
	Livez  func(ctx context.Context, input *struct{}) (*handlers.LivezOutput, error)
	Readyz func(ctx context.Context, input *struct{}) (*handlers.ReadyzOutput, error)

	Gateway GatewayHandlers
	Keys    KeyHandlers
	Token   TokenHandlers // nil unless token issuing is enabled
}

// IncludeTokenIssue returns true if the token endpoint should be registered.
func (h *Handlers) IncludeTokenIssue() bool {
	return h.Token != nil
}

// StubHandlers returns a Handlers instance with stub implementations.
// Huma only needs the function signatures to build the OpenAPI document.
func StubHandlers() *Handlers {
	return &Handlers{
		HealthCheck: handlers.HealthCheck,
		Livez:       handlers.Livez,
		Readyz:      handlers.NewReadyzHandler(nil).Readyz,
		Gateway:     handlers.NewGatewayHandler(nil, nil),
		Keys:        handlers.NewKeyHandler(nil, nil),
		Token:       handlers.NewTokenHandler(nil),
	}
}
