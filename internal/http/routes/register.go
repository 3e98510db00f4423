package routes

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/chatgate/internal/http/mw"
)

// Register registers all API routes with the given Huma API instance.
// Used by the OpenAPI generator; the server splits public and protected
// routes across router groups.
func Register(api huma.API, h *Handlers) {
	RegisterPublic(api, h)
	RegisterProbes(api, h)
	RegisterProtected(api, h)
}

// RegisterPublic registers routes that need no bearer token.
func RegisterPublic(api huma.API, h *Handlers) {
	mw.PublicGet(api, "/api/v1/health", h.HealthCheck,
		mw.WithTags("Health"),
		mw.WithSummary("Health check"),
		mw.WithOperationID("healthCheck"))

	mw.PublicGet(api, "/api/v1/models", h.Gateway.ListModels,
		mw.WithTags("Models"),
		mw.WithSummary("List models and pricing"),
		mw.WithDescription("Returns the model catalog with credit rates per million tokens and the model available to free and anonymous callers."),
		mw.WithOperationID("listModels"))

	if h.IncludeTokenIssue() {
		mw.PublicPost(api, "/api/v1/token", h.Token.IssueToken,
			mw.WithTags("Tokens"),
			mw.WithSummary("Issue bearer token"),
			mw.WithDescription("Signs a five-minute bearer token for the given subject. Only enabled for self-hosted and development deployments."),
			mw.WithOperationID("issueToken"),
			mw.WithErrors(http.StatusBadRequest))
	}
}

// RegisterProbes registers the Kubernetes probes (hidden from docs).
func RegisterProbes(api huma.API, h *Handlers) {
	mw.HiddenGet(api, "/healthz", h.Livez)
	mw.HiddenGet(api, "/readyz", h.Readyz)
}

// SettlePath accepts expired bearer tokens; see mw.AllowExpiredFor.
const SettlePath = "/api/v1/settle"

// RegisterProtected registers routes that require a verified bearer token.
// The caller must mount api behind mw.Auth.
func RegisterProtected(api huma.API, h *Handlers) {
	// --- Gateway ---
	mw.ProtectedPost(api, "/api/v1/authorize", h.Gateway.Authorize,
		mw.WithTags("Gateway"),
		mw.WithSummary("Authorize a chat request"),
		mw.WithDescription("Checks the caller's tier, quota and balance against the requested model. An allowed request returns an authorization_id for settle. Denials carry a reason code: model_restricted, free_limit_reached, credits_depleted, unknown_model."),
		mw.WithOperationID("authorize"),
		mw.WithErrors(http.StatusPaymentRequired, http.StatusForbidden, http.StatusServiceUnavailable))
	mw.ProtectedPost(api, SettlePath, h.Gateway.Settle,
		mw.WithTags("Gateway"),
		mw.WithSummary("Settle a completed request"),
		mw.WithDescription("Prices the reported token usage at the model and tier recorded by authorize and deducts it, subscription allowance first, then purchased credit packs oldest first. Each authorization_id settles once; repeats return the original result. The bearer token may be past its five-minute expiry but must be authentic and name the authorizing user."),
		mw.WithOperationID("settle"),
		mw.WithErrors(http.StatusForbidden, http.StatusServiceUnavailable))

	// --- Billing ---
	mw.ProtectedGet(api, "/api/v1/balance", h.Gateway.GetBalance,
		mw.WithTags("Billing"),
		mw.WithSummary("Get balance"),
		mw.WithOperationID("getBalance"))
	mw.ProtectedGet(api, "/api/v1/usage", h.Gateway.GetUsage,
		mw.WithTags("Billing"),
		mw.WithSummary("List recent usage"),
		mw.WithOperationID("getUsage"))

	// --- Provider Keys ---
	mw.ProtectedGet(api, "/api/v1/keys", h.Keys.ListKeys,
		mw.WithTags("Provider Keys"),
		mw.WithSummary("List provider keys"),
		mw.WithOperationID("listProviderKeys"))
	mw.ProtectedPut(api, "/api/v1/keys/{provider}", h.Keys.SetKey,
		mw.WithTags("Provider Keys"),
		mw.WithSummary("Set provider key"),
		mw.WithOperationID("setProviderKey"),
		mw.WithErrors(http.StatusForbidden, http.StatusNotFound))
	mw.ProtectedDelete(api, "/api/v1/keys/{provider}", h.Keys.DeleteKey,
		mw.WithTags("Provider Keys"),
		mw.WithSummary("Delete provider key"),
		mw.WithOperationID("deleteProviderKey"),
		mw.WithErrors(http.StatusForbidden, http.StatusNotFound))
}
