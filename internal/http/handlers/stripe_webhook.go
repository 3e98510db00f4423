package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/jmylchreest/chatgate/internal/config"
)

// Metadata keys set on Stripe checkout sessions and subscriptions.
const (
	stripeMetaUserID  = "clerk_user_id"
	stripeMetaCredits = "credits"
	stripeMetaPlan    = "plan"
)

// StripeWebhookHandler handles Stripe webhook events.
type StripeWebhookHandler struct {
	secret   string
	billing  config.BillingConfig
	payments PaymentEvents
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a new Stripe webhook handler.
func NewStripeWebhookHandler(secret string, billing config.BillingConfig, payments PaymentEvents, logger *slog.Logger) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		secret:   secret,
		billing:  billing,
		payments: payments,
		logger:   logger,
	}
}

// HandleWebhook processes incoming Stripe webhooks.
// This is a raw HTTP handler since huma doesn't handle raw body verification well.
func (h *StripeWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readWebhookBody(w, r)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("failed to verify webhook signature", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	err = h.handleEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("failed to handle webhook event", "type", event.Type, "id", event.ID, "error", err)
	}
	ackEvent(w, err)
}

// handleEvent routes events to appropriate handlers.
func (h *StripeWebhookHandler) handleEvent(ctx context.Context, event stripe.Event) error {
	h.logger.Info("received Stripe webhook", "type", event.Type, "id", event.ID)
	if event.Data == nil {
		return errMalformedEvent
	}

	switch event.Type {
	// Delayed payment methods complete unpaid and report payment later.
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return h.handleCheckoutComplete(ctx, event)

	case "customer.subscription.created", "customer.subscription.updated":
		return h.handleSubscriptionChanged(ctx, event)

	case "customer.subscription.deleted":
		return h.handleSubscriptionDeleted(ctx, event)

	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
		return nil
	}
}

// handleCheckoutComplete deposits a one-off credit pack purchase once the
// session is paid. The deposit is keyed by payment reference, so a session seen
// by both completion events credits once.
func (h *StripeWebhookHandler) handleCheckoutComplete(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", errMalformedEvent, err)
	}

	if session.Mode != stripe.CheckoutSessionModePayment {
		// Subscription checkouts arrive separately as customer.subscription.created.
		return nil
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		h.logger.Info("checkout session not paid yet", "session_id", session.ID, "status", session.PaymentStatus)
		return nil
	}

	userID := session.Metadata[stripeMetaUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		h.logger.Warn("checkout session missing user id", "session_id", session.ID)
		return nil
	}

	ref := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		ref = session.PaymentIntent.ID
	}

	credits := h.billing.CreditsForCents(session.AmountTotal)
	if raw, ok := session.Metadata[stripeMetaCredits]; ok {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: credits metadata %q", errMalformedEvent, raw)
		}
		credits = v
	}

	purchasedAt := time.Unix(session.Created, 0)
	if session.Created == 0 {
		purchasedAt = time.Unix(event.Created, 0)
	}

	wasNew, err := h.payments.DepositCreditPack(ctx, userID, ref, credits, purchasedAt)
	if err != nil {
		return fmt.Errorf("failed to deposit credit pack: %w", err)
	}
	if wasNew {
		h.logger.Info("added credit pack", "user_id", userID, "payment_ref", ref, "credits", credits)
	}
	return nil
}

// handleSubscriptionChanged replaces the subscription window with the current period.
func (h *StripeWebhookHandler) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	sub, userID, err := h.parseSubscription(event)
	if err != nil || userID == "" {
		return err
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
	default:
		h.logger.Info("subscription not active, clearing window", "user_id", userID, "status", sub.Status)
		return h.payments.ReplaceSubscriptionWindow(ctx, userID, nil)
	}

	if sub.CurrentPeriodStart <= 0 || sub.CurrentPeriodEnd <= sub.CurrentPeriodStart {
		return fmt.Errorf("%w: subscription %s has no current period", errMalformedEvent, sub.ID)
	}

	allowance := h.billing.AllowanceFor(subscriptionPlan(sub))
	window := windowFromMillis(
		uint64(sub.CurrentPeriodStart)*1000,
		uint64(sub.CurrentPeriodEnd)*1000,
		allowance,
	)
	return h.payments.ReplaceSubscriptionWindow(ctx, userID, window)
}

// handleSubscriptionDeleted ends the subscription window.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	_, userID, err := h.parseSubscription(event)
	if err != nil || userID == "" {
		return err
	}
	return h.payments.ReplaceSubscriptionWindow(ctx, userID, nil)
}

func (h *StripeWebhookHandler) parseSubscription(event stripe.Event) (*stripe.Subscription, string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, "", fmt.Errorf("%w: subscription: %v", errMalformedEvent, err)
	}

	userID := sub.Metadata[stripeMetaUserID]
	if userID == "" && sub.Customer != nil && sub.Customer.Metadata != nil {
		userID = sub.Customer.Metadata[stripeMetaUserID]
	}
	if userID == "" {
		h.logger.Warn("subscription missing user id", "subscription_id", sub.ID)
	}
	return &sub, userID, nil
}

// subscriptionPlan returns the plan name used to look up the monthly allowance:
// explicit metadata first, then the first item's price lookup key.
func subscriptionPlan(sub *stripe.Subscription) string {
	if plan := sub.Metadata[stripeMetaPlan]; plan != "" {
		return plan
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.LookupKey != "" {
				return item.Price.LookupKey
			}
		}
	}
	return ""
}
