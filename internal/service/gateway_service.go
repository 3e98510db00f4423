package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/chatgate/internal/access"
	"github.com/jmylchreest/chatgate/internal/ledger"
	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/pricing"
	"github.com/jmylchreest/chatgate/internal/repository"
	"github.com/jmylchreest/chatgate/internal/token"
)

// DefaultSettleMaxAttempts bounds the reload-and-retry loop on version conflicts.
const DefaultSettleMaxAttempts = 5

// SettleWindow is how long after Authorize a request can still be settled.
// The bearer token's own expiry does not apply to settlement.
const SettleWindow = 24 * time.Hour

// ChatRequest is the caller's intent for one chat request.
type ChatRequest struct {
	ModelID   string
	WebSearch bool
	// ClientID separates anonymous callers that share the anonymous subject
	// (typically the client address).
	ClientID string
}

// AuthorizedRequest is the outcome of a successful Authorize. ID names the
// persisted decision that Settle bills against.
type AuthorizedRequest struct {
	ID         string
	Subject    string
	Account    string
	Tier       access.Tier
	Model      pricing.ModelDescriptor
	UsedOwnKey bool
	WebSearch  bool
}

// Usage is the token count reported by the upstream model call.
type Usage struct {
	InputTokens  uint64
	OutputTokens uint64
}

// DeductionResult is the outcome of Settle.
type DeductionResult struct {
	Cost             uint64
	Billable         bool
	FromSubscription uint64
	FromBatches      uint64
	Shortfall        uint64
	UpdatedBatches   []models.CreditBatch
	// Touched lists the batches whose remaining credits changed.
	Touched []string
	UsageID string
	// Replayed is set when the authorization had already been settled; the
	// first settlement is returned and nothing is written.
	Replayed bool
}

// GatewayConfig holds the gateway settings.
type GatewayConfig struct {
	TokenSecret       string
	SettleMaxAttempts int
}

// GatewayService authorizes chat requests and settles their cost.
type GatewayService struct {
	cfg    GatewayConfig
	store  TierStateStore
	ledger repository.LedgerRepository
	calc   *pricing.Calculator
	locks  *userLocks
	logger *slog.Logger
	newID  func() string
}

// NewGatewayService creates a new gateway service.
func NewGatewayService(cfg GatewayConfig, store TierStateStore, ledgerRepo repository.LedgerRepository, calc *pricing.Calculator, logger *slog.Logger) *GatewayService {
	if cfg.SettleMaxAttempts <= 0 {
		cfg.SettleMaxAttempts = DefaultSettleMaxAttempts
	}
	return &GatewayService{
		cfg:    cfg,
		store:  store,
		ledger: ledgerRepo,
		calc:   calc,
		locks:  newUserLocks(),
		logger: logger,
		newID:  func() string { return ulid.Make().String() },
	}
}

// Catalog returns the pricing catalog requests are checked against.
func (s *GatewayService) Catalog() *pricing.Catalog {
	return s.calc.Catalog()
}

// Identify verifies the bearer token and returns the subject and ledger account.
func (s *GatewayService) Identify(tok string, now time.Time, clientID string) (subject, account string, err error) {
	subject, err = token.Verify(tok, s.cfg.TokenSecret, token.Millis(now))
	if err != nil {
		return "", "", unauthorized(err)
	}
	return subject, AccountKey(subject, clientID), nil
}

// IdentifySigned is Identify without the expiry check, for callers that bound
// the token's use another way.
func (s *GatewayService) IdentifySigned(tok string, clientID string) (subject, account string, err error) {
	subject, _, err = token.VerifySignature(tok, s.cfg.TokenSecret)
	if err != nil {
		return "", "", unauthorized(err)
	}
	return subject, AccountKey(subject, clientID), nil
}

// Authorize decides whether a chat request may proceed.
// Order: token, tier state, model lookup, access rules, web search. An allowed
// request is recorded so that Settle bills it exactly as admitted.
func (s *GatewayService) Authorize(ctx context.Context, tok string, now time.Time, req ChatRequest) (*AuthorizedRequest, error) {
	subject, account, err := s.Identify(tok, now, req.ClientID)
	if err != nil {
		s.logger.Debug("token rejected", "reason", err.Error())
		return nil, err
	}

	state, err := s.store.LoadTierState(ctx, account, now)
	if err != nil {
		s.logger.Error("failed to load tier state", "user_id", account, "error", err)
		return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
	}

	catalog := s.calc.Catalog()
	model, ok := catalog.Lookup(req.ModelID)
	if !ok {
		return nil, &GatewayError{Kind: KindForbidden, Reason: ReasonUnknownModel}
	}

	hasOwnKey := state.OwnedProviderKeys[model.Provider]
	verdict := access.Decide(state.Tier, model.ID, catalog.IsFree(model.ID), state.CanSendMessage, hasOwnKey)
	if !verdict.Allowed {
		s.logger.Info("request denied",
			"user_id", account,
			"tier", state.Tier,
			"model", model.ID,
			"reason", verdict.Reason,
		)
		return nil, denied(verdict.Reason)
	}

	selfHosting := state.Tier == access.TierSelfHosted
	auth := &AuthorizedRequest{
		ID:         s.newID(),
		Subject:    subject,
		Account:    account,
		Tier:       state.Tier,
		Model:      model,
		UsedOwnKey: hasOwnKey,
		WebSearch:  access.CanUseWebSearch(state.Tier, model.SupportsWebSearch, req.WebSearch, selfHosting),
	}

	err = s.ledger.CreateAuthorization(ctx, &models.Authorization{
		ID:              auth.ID,
		UserID:          account,
		Subject:         subject,
		Model:           model.ID,
		Tier:            string(state.Tier),
		UsedOwnKey:      auth.UsedOwnKey,
		WebSearch:       auth.WebSearch,
		CreatedAtMillis: token.Millis(now),
	})
	if err != nil {
		s.logger.Error("failed to record authorization", "user_id", account, "error", err)
		return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
	}
	return auth, nil
}

// ResolveForSettlement loads the decision Authorize recorded under
// authorizationID. The token must be authentic and belong to the same
// account, but may have expired: a long stream outlives MaxAge, and
// SettleWindow bounds settlement instead. The access rules are not applied
// again; the tier, model and key choice are the ones the request was admitted
// with. A model since dropped from the catalog is priced at the fallback rate.
func (s *GatewayService) ResolveForSettlement(ctx context.Context, tok string, now time.Time, clientID, authorizationID string) (*AuthorizedRequest, error) {
	subject, account, err := s.IdentifySigned(tok, clientID)
	if err != nil {
		s.logger.Debug("settlement token rejected", "reason", err.Error())
		return nil, err
	}

	a, err := s.ledger.GetAuthorization(ctx, authorizationID)
	if err != nil {
		s.logger.Error("failed to load authorization", "authorization_id", authorizationID, "error", err)
		return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
	}
	// Another account's authorization is indistinguishable from a missing one.
	if a == nil || a.Subject != subject || a.UserID != account {
		return nil, &GatewayError{Kind: KindForbidden, Reason: ReasonUnknownAuthorization}
	}

	nowMillis := token.Millis(now)
	if nowMillis > a.CreatedAtMillis && nowMillis-a.CreatedAtMillis > uint64(SettleWindow.Milliseconds()) {
		return nil, &GatewayError{Kind: KindForbidden, Reason: ReasonAuthorizationExpired}
	}

	model, ok := s.calc.Catalog().Lookup(a.Model)
	if !ok {
		model = pricing.ModelDescriptor{ID: a.Model}
	}

	return &AuthorizedRequest{
		ID:         a.ID,
		Subject:    a.Subject,
		Account:    a.UserID,
		Tier:       access.Tier(a.Tier),
		Model:      model,
		UsedOwnKey: a.UsedOwnKey,
		WebSearch:  a.WebSearch,
	}, nil
}

// Billable reports whether a request on this tier draws on the ledger.
// Unpaid tiers only ever reach the free model; their usage is recorded for
// message counting but never charged.
func Billable(tier access.Tier, usedOwnKey bool) bool {
	return tier == access.TierSubscriber && !usedOwnKey
}

// SettlementPlan is the pure outcome of applying a cost to a tier state.
type SettlementPlan struct {
	FromSubscription uint64
	Deduction        ledger.DeductResult
}

// PlanSettlement spends the subscription allowance first, then purchased
// batches oldest first. A cost above the total balance leaves a shortfall.
func PlanSettlement(cost uint64, state *TierState) SettlementPlan {
	funds := state.Funds()
	fromSub := min(cost, funds.SubscriptionRemaining)
	return SettlementPlan{
		FromSubscription: fromSub,
		Deduction:        ledger.Deduct(state.CreditBatches, cost-fromSub),
	}
}

// Settle records the usage for an authorized request and deducts its cost,
// after the upstream response is complete. Each authorization settles once:
// a repeat returns the first result with Replayed set, whatever usage it reports.
// Concurrent settlements for the same account are serialized; a concurrent
// writer in another process is detected by the ledger version and retried.
func (s *GatewayService) Settle(ctx context.Context, auth *AuthorizedRequest, usage Usage, now time.Time) (*DeductionResult, error) {
	if auth.ID == "" {
		return nil, &GatewayError{Kind: KindForbidden, Reason: ReasonUnknownAuthorization}
	}

	cost := s.calc.Cost(auth.Model.ID, usage.InputTokens, usage.OutputTokens)
	billable := Billable(auth.Tier, auth.UsedOwnKey)

	release := s.locks.lock(auth.Account)
	defer release()

	if prior, err := s.priorSettlement(ctx, auth); prior != nil || err != nil {
		return prior, err
	}

	for attempt := 1; attempt <= s.cfg.SettleMaxAttempts; attempt++ {
		state, err := s.store.LoadTierState(ctx, auth.Account, now)
		if err != nil {
			s.logger.Error("failed to load tier state for settlement", "user_id", auth.Account, "error", err)
			return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
		}

		charge := uint64(0)
		if billable {
			charge = cost
		}
		plan := PlanSettlement(charge, state)

		result := &DeductionResult{
			Cost:             cost,
			Billable:         billable,
			FromSubscription: plan.FromSubscription,
			FromBatches:      plan.Deduction.Deducted,
			Shortfall:        plan.Deduction.Shortfall,
			UpdatedBatches:   plan.Deduction.UpdatedBatches,
			Touched:          plan.Deduction.Touched,
			UsageID:          s.newID(),
		}

		settlement := &repository.Settlement{
			UserID:          auth.Account,
			ExpectedVersion: state.Version,
			Batches:         touchedBatches(plan.Deduction),
			Usage: models.UsageRecord{
				ID:               result.UsageID,
				AuthorizationID:  auth.ID,
				UserID:           auth.Account,
				Model:            auth.Model.ID,
				Tier:             string(auth.Tier),
				InputTokens:      usage.InputTokens,
				OutputTokens:     usage.OutputTokens,
				CostCredits:      cost,
				FromSubscription: result.FromSubscription,
				FromBatches:      result.FromBatches,
				Shortfall:        result.Shortfall,
				UsedOwnKey:       auth.UsedOwnKey,
				CreatedAtMillis:  token.Millis(now),
			},
		}

		err = s.ledger.ApplySettlement(ctx, settlement)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.Debug("ledger version conflict, retrying settlement",
				"user_id", auth.Account,
				"attempt", attempt,
			)
			continue
		}
		if errors.Is(err, repository.ErrAlreadySettled) {
			// Settled by another process since the check above.
			prior, err := s.priorSettlement(ctx, auth)
			if prior == nil && err == nil {
				err = upstreamUnavailable(ReasonStoreUnavailable, repository.ErrAlreadySettled)
			}
			return prior, err
		}
		if err != nil {
			s.logger.Error("failed to apply settlement", "user_id", auth.Account, "error", err)
			return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
		}

		if result.Shortfall > 0 {
			s.logger.Warn("settlement exceeded balance",
				"user_id", auth.Account,
				"model", auth.Model.ID,
				"cost", cost,
				"shortfall", result.Shortfall,
			)
		}
		s.logger.Debug("request settled",
			"user_id", auth.Account,
			"model", auth.Model.ID,
			"cost", cost,
			"billable", billable,
			"from_subscription", result.FromSubscription,
			"from_batches", result.FromBatches,
		)
		return result, nil
	}

	s.logger.Warn("settlement abandoned after repeated version conflicts",
		"user_id", auth.Account,
		"attempts", s.cfg.SettleMaxAttempts,
	)
	return nil, upstreamUnavailable(ReasonLedgerContention, repository.ErrVersionConflict)
}

// priorSettlement returns the recorded result if auth was already settled.
func (s *GatewayService) priorSettlement(ctx context.Context, auth *AuthorizedRequest) (*DeductionResult, error) {
	u, err := s.ledger.UsageByAuthorization(ctx, auth.ID)
	if err != nil {
		s.logger.Error("failed to check prior settlement", "authorization_id", auth.ID, "error", err)
		return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
	}
	if u == nil {
		return nil, nil
	}
	s.logger.Info("authorization already settled",
		"user_id", auth.Account,
		"authorization_id", auth.ID,
		"usage_id", u.ID,
	)
	return &DeductionResult{
		Cost:             u.CostCredits,
		Billable:         Billable(access.Tier(u.Tier), u.UsedOwnKey),
		FromSubscription: u.FromSubscription,
		FromBatches:      u.FromBatches,
		Shortfall:        u.Shortfall,
		UsageID:          u.ID,
		Replayed:         true,
	}, nil
}

func touchedBatches(d ledger.DeductResult) []models.CreditBatch {
	if len(d.Touched) == 0 {
		return nil
	}
	ids := make(map[string]struct{}, len(d.Touched))
	for _, id := range d.Touched {
		ids[id] = struct{}{}
	}
	out := make([]models.CreditBatch, 0, len(d.Touched))
	for _, b := range d.UpdatedBatches {
		if _, ok := ids[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}

// BalanceView is a user's current funds and tier.
type BalanceView struct {
	Account string
	Tier    access.Tier
	Funds   ledger.Funds
	Window  *models.SubscriptionWindow
	Batches []models.CreditBatch
}

// Balance returns the derived balance for a verified bearer token.
func (s *GatewayService) Balance(ctx context.Context, tok string, now time.Time, clientID string) (*BalanceView, error) {
	_, account, err := s.Identify(tok, now, clientID)
	if err != nil {
		return nil, err
	}
	state, err := s.store.LoadTierState(ctx, account, now)
	if err != nil {
		return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
	}
	return &BalanceView{
		Account: account,
		Tier:    state.Tier,
		Funds:   state.Funds(),
		Window:  state.SubscriptionWindow,
		Batches: state.CreditBatches,
	}, nil
}

// RecentUsage returns the most recent usage records for a verified bearer token, newest first.
func (s *GatewayService) RecentUsage(ctx context.Context, tok string, now time.Time, clientID string, limit int) ([]models.UsageRecord, error) {
	_, account, err := s.Identify(tok, now, clientID)
	if err != nil {
		return nil, err
	}
	records, err := s.ledger.ListUsage(ctx, account, limit)
	if err != nil {
		return nil, upstreamUnavailable(ReasonStoreUnavailable, err)
	}
	return records, nil
}

// Busy reports whether any settlement or payment event holds a ledger lock.
func (s *GatewayService) Busy() bool {
	return s.locks.size() > 0
}
