package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/chatgate/internal/access"
	"github.com/jmylchreest/chatgate/internal/config"
	"github.com/jmylchreest/chatgate/internal/ledger"
	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/repository"
	"github.com/jmylchreest/chatgate/internal/token"
)

// freeWindow is the rolling period the unpaid-tier message limits apply to.
const freeWindow = 24 * time.Hour

// TierState is everything the gateway needs to decide and settle one request.
type TierState struct {
	Account            string
	Tier               access.Tier
	CanSendMessage     bool
	OwnedProviderKeys  map[string]bool
	SubscriptionWindow *models.SubscriptionWindow // nil unless active now
	ConsumedInWindow   uint64
	CreditBatches      []models.CreditBatch
	Version            int64
}

// Funds returns the derived balance.
func (s *TierState) Funds() ledger.Funds {
	return ledger.Balance(s.SubscriptionWindow, s.ConsumedInWindow, s.CreditBatches)
}

// TierStateStore loads the tier and balance state for an account.
type TierStateStore interface {
	LoadTierState(ctx context.Context, account string, now time.Time) (*TierState, error)
}

// AccountKey is the ledger key for a verified subject. Anonymous callers all
// share one subject, so their usage is keyed by client address instead.
func AccountKey(subject, clientID string) string {
	if subject == token.AnonymousSubject && clientID != "" {
		return token.AnonymousSubject + ":" + clientID
	}
	return subject
}

// IsAnonymousAccount reports whether account was derived from the anonymous subject.
// Real subjects cannot contain ':' so the prefix is unambiguous.
func IsAnonymousAccount(account string) bool {
	return account == token.AnonymousSubject || strings.HasPrefix(account, token.AnonymousSubject+":")
}

// TierResolver implements TierStateStore over the repositories.
type TierResolver struct {
	ledger     repository.LedgerRepository
	keys       repository.ProviderKeyRepository
	limits     config.TierLimits
	selfHosted bool
}

// NewTierResolver creates a tier resolver.
func NewTierResolver(repos *repository.Repositories, limits config.TierLimits, selfHosted bool) *TierResolver {
	return &TierResolver{
		ledger:     repos.Ledger,
		keys:       repos.ProviderKeys,
		limits:     limits,
		selfHosted: selfHosted,
	}
}

// LoadTierState resolves:
//   - SelfHosted in a self-hosted deployment
//   - Anonymous for the anonymous subject
//   - Subscriber while a subscription window is active or purchased credits remain
//   - Free otherwise
func (r *TierResolver) LoadTierState(ctx context.Context, account string, now time.Time) (*TierState, error) {
	nowMillis := token.Millis(now)

	snap, err := r.ledger.Load(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	state := &TierState{
		Account:           account,
		CreditBatches:     snap.Batches,
		Version:           snap.Version,
		OwnedProviderKeys: map[string]bool{},
	}

	if snap.Window.ActiveAt(nowMillis) {
		state.SubscriptionWindow = snap.Window
		state.ConsumedInWindow, err = r.ledger.ConsumedSince(ctx, account, snap.Window.PeriodStartMillis)
		if err != nil {
			return nil, fmt.Errorf("failed to read window consumption: %w", err)
		}
	}

	anonymous := IsAnonymousAccount(account)
	if !anonymous {
		providers, err := r.keys.ListProviders(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("failed to list provider keys: %w", err)
		}
		for _, p := range providers {
			state.OwnedProviderKeys[p] = true
		}
	}

	switch {
	case r.selfHosted:
		state.Tier = access.TierSelfHosted
		state.CanSendMessage = true
		return state, nil
	case anonymous:
		state.Tier = access.TierAnonymous
	case state.SubscriptionWindow != nil || ledger.Total(state.CreditBatches) > 0:
		state.Tier = access.TierSubscriber
		state.CanSendMessage = state.Funds().Total() > 0
		return state, nil
	default:
		state.Tier = access.TierFree
	}

	limit := r.limits.FreeDailyMessages
	if state.Tier == access.TierAnonymous {
		limit = r.limits.AnonymousDailyMessages
	}
	since := uint64(0)
	if w := uint64(freeWindow.Milliseconds()); nowMillis > w {
		since = nowMillis - w
	}
	sent, err := r.ledger.CountMessagesSince(ctx, account, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	state.CanSendMessage = sent < limit

	return state, nil
}
