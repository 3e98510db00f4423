// Package models defines the domain models for the application.
package models

import "time"

// ========================================
// Credit Batches
// ========================================

// BatchStatus tracks whether a purchased batch can still be spent.
type BatchStatus string

const (
	BatchStatusActive   BatchStatus = "active"   // Has credits remaining
	BatchStatusDepleted BatchStatus = "depleted" // Reached exactly zero
)

// CreditBatch is one discrete one-time purchase of credits, consumed FIFO.
type CreditBatch struct {
	ID                string      `json:"id"`
	PaymentRef        string      `json:"payment_ref"` // UNIQUE per user - provider idempotency reference
	PurchasedAtMillis uint64      `json:"purchased_at_ms"`
	CreditsAmount     uint64      `json:"credits_amount"`
	CreditsRemaining  uint64      `json:"credits_remaining"`
	Status            BatchStatus `json:"status"`
}

// IsActive reports whether the batch participates in deduction.
func (b CreditBatch) IsActive() bool {
	return b.Status == BatchStatusActive
}

// ========================================
// Subscription Window
// ========================================

// SubscriptionWindow is the current billing period and its fixed monthly allowance.
// The remaining allowance is never stored; it is recomputed from the usage log.
type SubscriptionWindow struct {
	PeriodStartMillis      uint64 `json:"period_start_ms"`
	PeriodEndMillis        uint64 `json:"period_end_ms"`
	MonthlyCreditAllowance uint64 `json:"monthly_credit_allowance"`
}

// ActiveAt reports whether nowMillis falls inside [start, end).
func (w *SubscriptionWindow) ActiveAt(nowMillis uint64) bool {
	return w != nil && nowMillis >= w.PeriodStartMillis && nowMillis < w.PeriodEndMillis
}

// ========================================
// Usage Records
// ========================================

// UsageRecord is one settled chat request. The sum of FromSubscription since the
// window start is the window's consumption.
type UsageRecord struct {
	ID               string `json:"id"`
	AuthorizationID  string `json:"authorization_id,omitempty"` // UNIQUE - one settlement per authorization
	UserID           string `json:"user_id"`
	Model            string `json:"model"`
	Tier             string `json:"tier"`
	InputTokens      uint64 `json:"input_tokens"`
	OutputTokens     uint64 `json:"output_tokens"`
	CostCredits      uint64 `json:"cost_credits"`
	FromSubscription uint64 `json:"from_subscription"`
	FromBatches      uint64 `json:"from_batches"`
	Shortfall        uint64 `json:"shortfall"`
	UsedOwnKey       bool   `json:"used_own_key"`
	CreatedAtMillis  uint64 `json:"created_at_ms"`
}

// ========================================
// Authorizations
// ========================================

// Authorization is the decision taken when a chat request was admitted. Settlement
// bills against it, so the model, tier and key choice cannot drift between the two.
type Authorization struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"` // Ledger account
	Subject         string `json:"subject"` // Token subject that was authorized
	Model           string `json:"model"`
	Tier            string `json:"tier"`
	UsedOwnKey      bool   `json:"used_own_key"`
	WebSearch       bool   `json:"web_search"`
	CreatedAtMillis uint64 `json:"created_at_ms"`
}

// ========================================
// Provider Keys (BYOK)
// ========================================

// ProviderKey is a user-supplied upstream provider API key.
type ProviderKey struct {
	UserID          string    `json:"user_id"`
	Provider        string    `json:"provider"` // e.g., "openai", "anthropic"
	APIKeyEncrypted string    `json:"-"`
	KeyHint         string    `json:"key_hint"` // Last 4 chars for display
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
