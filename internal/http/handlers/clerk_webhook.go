package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/jmylchreest/chatgate/internal/config"
	"github.com/jmylchreest/chatgate/internal/models"
)

// ClerkWebhookHandler handles Clerk billing webhook events.
type ClerkWebhookHandler struct {
	secret   string
	billing  config.BillingConfig
	payments PaymentEvents
	logger   *slog.Logger
}

// NewClerkWebhookHandler creates a new Clerk webhook handler.
func NewClerkWebhookHandler(secret string, billing config.BillingConfig, payments PaymentEvents, logger *slog.Logger) *ClerkWebhookHandler {
	return &ClerkWebhookHandler{
		secret:   secret,
		billing:  billing,
		payments: payments,
		logger:   logger,
	}
}

// ClerkWebhookEvent represents a Clerk webhook event.
type ClerkWebhookEvent struct {
	Type   string          `json:"type"`
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
}

// ClerkPlan is the plan attached to a subscription item.
type ClerkPlan struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

// ClerkPayer identifies who pays for a subscription item.
type ClerkPayer struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// SubscriptionItemData represents subscription item data from Clerk.
type SubscriptionItemData struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id,omitempty"`
	Payer       *ClerkPayer       `json:"payer,omitempty"`
	Status      string            `json:"status"`
	PlanID      string            `json:"plan_id"`
	Plan        *ClerkPlan        `json:"plan,omitempty"`
	PeriodStart models.FlexUint64 `json:"period_start,omitempty"` // Unix milliseconds
	PeriodEnd   models.FlexUint64 `json:"period_end,omitempty"`   // Unix milliseconds
}

func (d *SubscriptionItemData) userID() string {
	if d.UserID != "" {
		return d.UserID
	}
	if d.Payer != nil {
		return d.Payer.UserID
	}
	return ""
}

func (d *SubscriptionItemData) planKey() string {
	if d.Plan != nil {
		if d.Plan.Slug != "" {
			return d.Plan.Slug
		}
		if d.Plan.ID != "" {
			return d.Plan.ID
		}
	}
	return d.PlanID
}

// HandleWebhook processes incoming Clerk webhooks.
func (h *ClerkWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readWebhookBody(w, r)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Verify webhook signature using Svix
	headers := http.Header{}
	headers.Set("svix-id", r.Header.Get("svix-id"))
	headers.Set("svix-timestamp", r.Header.Get("svix-timestamp"))
	headers.Set("svix-signature", r.Header.Get("svix-signature"))

	wh, err := svix.NewWebhook(h.secret)
	if err != nil {
		h.logger.Error("failed to create webhook verifier", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := wh.Verify(payload, headers); err != nil {
		h.logger.Warn("failed to verify webhook signature", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var event ClerkWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("failed to parse webhook event", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	err = h.handleEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("failed to handle webhook event", "type", event.Type, "error", err)
	}
	ackEvent(w, err)
}

// handleEvent routes events to appropriate handlers.
func (h *ClerkWebhookHandler) handleEvent(ctx context.Context, event ClerkWebhookEvent) error {
	h.logger.Info("received Clerk webhook", "type", event.Type)

	switch event.Type {
	case "subscriptionItem.active", "subscriptionItem.updated":
		// Renewals arrive as updated with a new period.
		return h.handleSubscriptionItemActive(ctx, event.Data)

	case "subscriptionItem.ended", "subscriptionItem.pastDue":
		return h.handleSubscriptionItemEnded(ctx, event.Data)

	case "subscriptionItem.canceled":
		// Canceled items stay active until their period ends; ended follows.
		h.logger.Info("subscription item canceled, window kept until period end")
		return nil

	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
		return nil
	}
}

func (h *ClerkWebhookHandler) parseItem(data json.RawMessage) (*SubscriptionItemData, error) {
	var item SubscriptionItemData
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("%w: subscription item: %v", errMalformedEvent, err)
	}
	if item.userID() == "" {
		h.logger.Warn("subscription item missing user_id", "subscription_item_id", item.ID)
		return nil, nil
	}
	return &item, nil
}

// handleSubscriptionItemActive replaces the window with the item's billing period.
func (h *ClerkWebhookHandler) handleSubscriptionItemActive(ctx context.Context, data json.RawMessage) error {
	item, err := h.parseItem(data)
	if err != nil || item == nil {
		return err
	}
	if item.Status != "" && item.Status != "active" {
		h.logger.Debug("ignoring inactive subscription item", "subscription_item_id", item.ID, "status", item.Status)
		return nil
	}
	if item.PeriodStart == 0 || item.PeriodEnd <= item.PeriodStart {
		return fmt.Errorf("%w: subscription item %s has no period", errMalformedEvent, item.ID)
	}

	window := windowFromMillis(item.PeriodStart.Uint64(), item.PeriodEnd.Uint64(), h.billing.AllowanceFor(item.planKey()))
	return h.payments.ReplaceSubscriptionWindow(ctx, item.userID(), window)
}

// handleSubscriptionItemEnded clears the subscription window.
func (h *ClerkWebhookHandler) handleSubscriptionItemEnded(ctx context.Context, data json.RawMessage) error {
	item, err := h.parseItem(data)
	if err != nil || item == nil {
		return err
	}
	return h.payments.ReplaceSubscriptionWindow(ctx, item.userID(), nil)
}
