package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/pricing"
	"github.com/jmylchreest/chatgate/internal/service"
)

// Gateway is the authorization and settlement engine behind the API.
type Gateway interface {
	Catalog() *pricing.Catalog
	Authorize(ctx context.Context, tok string, now time.Time, req service.ChatRequest) (*service.AuthorizedRequest, error)
	ResolveForSettlement(ctx context.Context, tok string, now time.Time, clientID, authorizationID string) (*service.AuthorizedRequest, error)
	Settle(ctx context.Context, auth *service.AuthorizedRequest, usage service.Usage, now time.Time) (*service.DeductionResult, error)
	Balance(ctx context.Context, tok string, now time.Time, clientID string) (*service.BalanceView, error)
	RecentUsage(ctx context.Context, tok string, now time.Time, clientID string, limit int) ([]models.UsageRecord, error)
}

// GatewayHandler handles the authorize, settle and balance endpoints.
type GatewayHandler struct {
	gateway Gateway
	now     func() time.Time
	logger  *slog.Logger
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(gateway Gateway, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{gateway: gateway, now: time.Now, logger: logger}
}

// AuthorizeInput represents an authorization request for one chat message.
type AuthorizeInput struct {
	Body struct {
		Model     string `json:"model" minLength:"1" doc:"Requested model ID"`
		WebSearch bool   `json:"web_search,omitempty" doc:"Whether web search was requested"`
	}
}

// AuthorizeOutput represents an allowed request.
type AuthorizeOutput struct {
	Body struct {
		AuthorizationID string `json:"authorization_id" doc:"Pass to settle once the upstream call completes"`
		Subject         string `json:"subject" doc:"Verified token subject"`
		Tier            string `json:"tier" doc:"Resolved account tier"`
		Model           string `json:"model"`
		Provider        string `json:"provider"`
		UsedOwnKey      bool   `json:"used_own_key" doc:"The caller's own provider key will be used"`
		WebSearch       bool   `json:"web_search" doc:"Web search is enabled for this request"`
		Reasoning       string `json:"reasoning,omitempty" doc:"Reasoning configuration to send upstream"`
	}
}

// Authorize decides whether the caller may send a message to the requested model.
func (h *GatewayHandler) Authorize(ctx context.Context, input *AuthorizeInput) (*AuthorizeOutput, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	auth, err := h.gateway.Authorize(ctx, p.Token, h.now(), service.ChatRequest{
		ModelID:   input.Body.Model,
		WebSearch: input.Body.WebSearch,
		ClientID:  p.ClientID,
	})
	if err != nil {
		return nil, gatewayError(err)
	}

	out := &AuthorizeOutput{}
	out.Body.AuthorizationID = auth.ID
	out.Body.Subject = auth.Subject
	out.Body.Tier = string(auth.Tier)
	out.Body.Model = auth.Model.ID
	out.Body.Provider = auth.Model.Provider
	out.Body.UsedOwnKey = auth.UsedOwnKey
	out.Body.WebSearch = auth.WebSearch
	if auth.Model.Reasoning != nil {
		out.Body.Reasoning = auth.Model.Reasoning.String()
	}
	return out, nil
}

// SettleInput reports the real token counts of a completed upstream call.
type SettleInput struct {
	Body struct {
		AuthorizationID string `json:"authorization_id" minLength:"1" doc:"ID returned by authorize"`
		InputTokens     uint64 `json:"input_tokens" doc:"Prompt tokens"`
		OutputTokens    uint64 `json:"output_tokens" doc:"Completion tokens"`
	}
}

// SettleOutput represents the deduction applied for a request.
type SettleOutput struct {
	Body struct {
		UsageID          string `json:"usage_id"`
		Cost             uint64 `json:"cost" doc:"Credits the usage was priced at"`
		Billable         bool   `json:"billable" doc:"Whether the cost was charged to the ledger"`
		FromSubscription uint64 `json:"from_subscription"`
		FromBatches      uint64 `json:"from_batches"`
		Shortfall        uint64 `json:"shortfall" doc:"Cost not covered by the balance"`
		Replayed         bool   `json:"replayed,omitempty" doc:"The authorization was already settled; this is the original result"`
	}
}

// Settle records usage and deducts its cost once the upstream response is complete.
// Repeating a settle for the same authorization returns the first result.
func (h *GatewayHandler) Settle(ctx context.Context, input *SettleInput) (*SettleOutput, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	now := h.now()
	auth, err := h.gateway.ResolveForSettlement(ctx, p.Token, now, p.ClientID, input.Body.AuthorizationID)
	if err != nil {
		return nil, gatewayError(err)
	}

	res, err := h.gateway.Settle(ctx, auth, service.Usage{
		InputTokens:  input.Body.InputTokens,
		OutputTokens: input.Body.OutputTokens,
	}, now)
	if err != nil {
		return nil, gatewayError(err)
	}

	out := &SettleOutput{}
	out.Body.UsageID = res.UsageID
	out.Body.Cost = res.Cost
	out.Body.Billable = res.Billable
	out.Body.FromSubscription = res.FromSubscription
	out.Body.FromBatches = res.FromBatches
	out.Body.Shortfall = res.Shortfall
	out.Body.Replayed = res.Replayed
	return out, nil
}

// BalanceOutput represents the caller's derived balance.
type BalanceOutput struct {
	Body struct {
		Tier                  string                     `json:"tier"`
		SubscriptionRemaining uint64                     `json:"subscription_remaining"`
		PurchasedRemaining    uint64                     `json:"purchased_remaining"`
		Total                 uint64                     `json:"total"`
		Subscription          *models.SubscriptionWindow `json:"subscription,omitempty" doc:"Active subscription window"`
		Batches               []models.CreditBatch       `json:"batches" doc:"Purchased credit packs, oldest first"`
	}
}

// GetBalance returns the caller's subscription allowance and purchased credits.
func (h *GatewayHandler) GetBalance(ctx context.Context, input *struct{}) (*BalanceOutput, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	view, err := h.gateway.Balance(ctx, p.Token, h.now(), p.ClientID)
	if err != nil {
		return nil, gatewayError(err)
	}

	out := &BalanceOutput{}
	out.Body.Tier = string(view.Tier)
	out.Body.SubscriptionRemaining = view.Funds.SubscriptionRemaining
	out.Body.PurchasedRemaining = view.Funds.PurchasedRemaining
	out.Body.Total = view.Funds.Total()
	out.Body.Subscription = view.Window
	out.Body.Batches = view.Batches
	if out.Body.Batches == nil {
		out.Body.Batches = []models.CreditBatch{}
	}
	return out, nil
}

// GetUsageInput represents a usage history request.
type GetUsageInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum records to return"`
}

// GetUsageOutput represents recent usage records.
type GetUsageOutput struct {
	Body struct {
		Records []models.UsageRecord `json:"records"`
	}
}

// GetUsage returns the caller's most recent usage records.
func (h *GatewayHandler) GetUsage(ctx context.Context, input *GetUsageInput) (*GetUsageOutput, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	records, err := h.gateway.RecentUsage(ctx, p.Token, h.now(), p.ClientID, input.Limit)
	if err != nil {
		return nil, gatewayError(err)
	}

	out := &GetUsageOutput{}
	out.Body.Records = records
	if out.Body.Records == nil {
		out.Body.Records = []models.UsageRecord{}
	}
	return out, nil
}

// ModelInfo is a catalog entry as shown to clients.
type ModelInfo struct {
	ID                string          `json:"id"`
	Provider          string          `json:"provider"`
	Free              bool            `json:"free"`
	SupportsWebSearch bool            `json:"supports_web_search"`
	Pricing           pricing.Pricing `json:"pricing"`
	Reasoning         string          `json:"reasoning,omitempty"`
}

// ListModelsOutput represents the pricing catalog.
type ListModelsOutput struct {
	Body struct {
		PricingVersion string      `json:"pricing_version"`
		FreeModel      string      `json:"free_model"`
		Models         []ModelInfo `json:"models"`
	}
}

// ListModels returns the models and their credit pricing.
func (h *GatewayHandler) ListModels(ctx context.Context, input *struct{}) (*ListModelsOutput, error) {
	catalog := h.gateway.Catalog()

	out := &ListModelsOutput{}
	out.Body.PricingVersion = catalog.Version()
	out.Body.FreeModel = catalog.FreeModelID()
	for _, m := range catalog.Models() {
		info := ModelInfo{
			ID:                m.ID,
			Provider:          m.Provider,
			Free:              catalog.IsFree(m.ID),
			SupportsWebSearch: m.SupportsWebSearch,
			Pricing:           m.Pricing,
		}
		if m.Reasoning != nil {
			info.Reasoning = m.Reasoning.String()
		}
		out.Body.Models = append(out.Body.Models, info)
	}
	return out, nil
}
