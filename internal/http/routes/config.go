// Package routes provides shared route registration for the chatgate API.
// This allows both the main server and the OpenAPI generator to use
// the same route definitions, so the OpenAPI document matches what is served.
package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/chatgate/internal/http/mw"
	"github.com/jmylchreest/chatgate/internal/version"
)

// NewHumaConfig creates the shared Huma configuration for the API.
// This includes API metadata, security schemes, and tag definitions.
func NewHumaConfig(baseURL string) huma.Config {
	cfg := huma.DefaultConfig("chatgate API", version.Get().Short())
	cfg.Info.Description = "Request authorization and credit accounting for chat model traffic."

	cfg.CreateHooks = nil

	if baseURL != "" {
		cfg.Servers = []*huma.Server{
			{URL: baseURL, Description: "API Server"},
		}
	}

	cfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		mw.SecurityScheme: {
			Type:        "http",
			Scheme:      "bearer",
			Description: "Short-lived signed token. Include it in the Authorization header as `Bearer <token>`.",
		},
	}

	cfg.Tags = []*huma.Tag{
		{Name: "Gateway", Description: "Request authorization and settlement", Extensions: map[string]any{"x-displayName": "Gateway"}},
		{Name: "Billing", Description: "Balance and usage history", Extensions: map[string]any{"x-displayName": "Billing"}},
		{Name: "Models", Description: "Model catalog and credit pricing", Extensions: map[string]any{"x-displayName": "Models"}},
		{Name: "Provider Keys", Description: "Bring-your-own provider API keys", Extensions: map[string]any{"x-displayName": "Provider Keys"}},
		{Name: "Tokens", Description: "Bearer token issuing", Extensions: map[string]any{"x-displayName": "Tokens"}},
		{Name: "Health", Description: "System health and status", Extensions: map[string]any{"x-displayName": "Health"}},
	}

	return cfg
}

// NewHiddenConfig returns a config that serves no docs, for APIs mounted on
// router groups whose operations are documented by the main API.
func NewHiddenConfig(baseURL string) huma.Config {
	cfg := NewHumaConfig(baseURL)
	cfg.DocsPath = ""
	cfg.OpenAPIPath = ""
	cfg.SchemasPath = ""
	return cfg
}
