package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/chatgate/internal/models"
)

// ProviderKeys manages a user's own provider API keys.
type ProviderKeys interface {
	Providers() []string
	Set(ctx context.Context, userID, provider, apiKey string) (*models.ProviderKey, error)
	Delete(ctx context.Context, userID, provider string) error
	List(ctx context.Context, userID string) ([]string, error)
}

// KeyHandler handles BYOK key endpoints.
type KeyHandler struct {
	keys   ProviderKeys
	logger *slog.Logger
}

// NewKeyHandler creates a new key handler.
func NewKeyHandler(keys ProviderKeys, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, logger: logger}
}

// ListKeysOutput represents the providers a user holds keys for.
type ListKeysOutput struct {
	Body struct {
		Providers []string `json:"providers" doc:"Providers with a stored key"`
		Available []string `json:"available" doc:"Providers a key can be registered for"`
	}
}

// ListKeys lists the caller's registered providers. Keys are never returned.
func (h *KeyHandler) ListKeys(ctx context.Context, input *struct{}) (*ListKeysOutput, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	out := &ListKeysOutput{}
	out.Body.Available = h.keys.Providers()
	out.Body.Providers = []string{}
	if p.IsAnonymous() {
		return out, nil
	}

	providers, err := h.keys.List(ctx, p.Account)
	if err != nil {
		h.logger.Error("failed to list provider keys", "user_id", p.Account, "error", err)
		return nil, huma.Error503ServiceUnavailable("tier_store_unavailable")
	}
	if providers != nil {
		out.Body.Providers = providers
	}
	return out, nil
}

// SetKeyInput represents a key registration.
type SetKeyInput struct {
	Provider string `path:"provider" doc:"Provider name, e.g. openai"`
	Body     struct {
		APIKey string `json:"api_key" minLength:"1" doc:"Provider API key"`
	}
}

// SetKeyOutput represents a stored key.
type SetKeyOutput struct {
	Body struct {
		Provider  string    `json:"provider"`
		KeyHint   string    `json:"key_hint" doc:"Last characters of the key"`
		UpdatedAt time.Time `json:"updated_at"`
	}
}

// SetKey stores or replaces the caller's key for a provider.
func (h *KeyHandler) SetKey(ctx context.Context, input *SetKeyInput) (*SetKeyOutput, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if p.IsAnonymous() {
		return nil, huma.Error403Forbidden("account_required")
	}

	key, err := h.keys.Set(ctx, p.Account, input.Provider, input.Body.APIKey)
	if err != nil {
		h.logger.Warn("failed to set provider key", "user_id", p.Account, "provider", input.Provider, "error", err)
		return nil, accountError(err)
	}

	out := &SetKeyOutput{}
	out.Body.Provider = key.Provider
	out.Body.KeyHint = key.KeyHint
	out.Body.UpdatedAt = key.UpdatedAt
	return out, nil
}

// DeleteKeyInput identifies the key to remove.
type DeleteKeyInput struct {
	Provider string `path:"provider" doc:"Provider name"`
}

// DeleteKeyOutput represents a removed key.
type DeleteKeyOutput struct {
	Body struct {
		Success bool `json:"success"`
	}
}

// DeleteKey removes the caller's key for a provider.
func (h *KeyHandler) DeleteKey(ctx context.Context, input *DeleteKeyInput) (*DeleteKeyOutput, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if p.IsAnonymous() {
		return nil, huma.Error403Forbidden("account_required")
	}

	if err := h.keys.Delete(ctx, p.Account, input.Provider); err != nil {
		h.logger.Warn("failed to delete provider key", "user_id", p.Account, "provider", input.Provider, "error", err)
		return nil, accountError(err)
	}

	out := &DeleteKeyOutput{}
	out.Body.Success = true
	return out, nil
}
