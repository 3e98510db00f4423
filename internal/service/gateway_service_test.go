package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/chatgate/internal/access"
	"github.com/jmylchreest/chatgate/internal/ledger"
	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/pricing"
	"github.com/jmylchreest/chatgate/internal/repository"
	"github.com/jmylchreest/chatgate/internal/token"
)

func newTestGateway(t *testing.T, store TierStateStore, ledgerRepo repository.LedgerRepository) *GatewayService {
	t.Helper()
	calc := pricing.NewCalculator(testCatalog(t), testLogger())
	return NewGatewayService(GatewayConfig{TokenSecret: testSecret, SettleMaxAttempts: 3}, store, ledgerRepo, calc, testLogger())
}

func activeBatch(id string, purchasedAt, credits uint64) models.CreditBatch {
	return models.CreditBatch{
		ID:                id,
		PaymentRef:        "pi_" + id,
		PurchasedAtMillis: purchasedAt,
		CreditsAmount:     credits,
		CreditsRemaining:  credits,
		Status:            models.BatchStatusActive,
	}
}

func TestGatewayService_Authorize(t *testing.T) {
	tests := []struct {
		name       string
		token      func(t *testing.T) string
		state      *TierState
		storeErr   error
		req        ChatRequest
		wantKind   ErrorKind
		wantReason string
		wantOwnKey bool
		wantSearch bool
	}{
		{
			name:       "garbage token",
			token:      func(t *testing.T) string { return "not-a-token" },
			req:        ChatRequest{ModelID: "free-model"},
			wantKind:   KindUnauthorized,
			wantReason: ReasonTokenMalformed,
		},
		{
			name: "expired token",
			token: func(t *testing.T) string {
				return issueToken(t, "user_1", testNow.Add(-5*time.Minute-time.Millisecond))
			},
			req:        ChatRequest{ModelID: "free-model"},
			wantKind:   KindUnauthorized,
			wantReason: ReasonTokenExpired,
		},
		{
			name: "token signed with another secret",
			token: func(t *testing.T) string {
				tok, _ := token.Issue("user_1", "other-secret", token.Millis(testNow))
				return tok
			},
			req:        ChatRequest{ModelID: "free-model"},
			wantKind:   KindUnauthorized,
			wantReason: ReasonTokenInvalidSignature,
		},
		{
			name:       "store unavailable",
			storeErr:   errors.New("timeout"),
			req:        ChatRequest{ModelID: "free-model"},
			wantKind:   KindUpstreamUnavailable,
			wantReason: ReasonStoreUnavailable,
		},
		{
			name:       "unknown model",
			state:      &TierState{Tier: access.TierSubscriber, CanSendMessage: true},
			req:        ChatRequest{ModelID: "gpt-9"},
			wantKind:   KindForbidden,
			wantReason: ReasonUnknownModel,
		},
		{
			name:  "free tier on free model",
			state: &TierState{Tier: access.TierFree, CanSendMessage: true},
			req:   ChatRequest{ModelID: "free-model", WebSearch: true},
		},
		{
			name:       "free tier on paid model",
			state:      &TierState{Tier: access.TierFree, CanSendMessage: true},
			req:        ChatRequest{ModelID: "paid-model"},
			wantKind:   KindForbidden,
			wantReason: string(access.ReasonModelRestricted),
		},
		{
			name:       "anonymous over limit",
			token:      func(t *testing.T) string { return issueToken(t, token.AnonymousSubject, testNow) },
			state:      &TierState{Tier: access.TierAnonymous},
			req:        ChatRequest{ModelID: "free-model"},
			wantKind:   KindPaymentRequired,
			wantReason: string(access.ReasonFreeLimitReached),
		},
		{
			name:       "subscriber depleted",
			state:      &TierState{Tier: access.TierSubscriber},
			req:        ChatRequest{ModelID: "paid-model"},
			wantKind:   KindPaymentRequired,
			wantReason: string(access.ReasonCreditsDepleted),
		},
		{
			name:       "subscriber depleted with own key",
			state:      &TierState{Tier: access.TierSubscriber, OwnedProviderKeys: map[string]bool{"globex": true}},
			req:        ChatRequest{ModelID: "other-model", WebSearch: true},
			wantOwnKey: true,
		},
		{
			name:       "subscriber web search",
			state:      &TierState{Tier: access.TierSubscriber, CanSendMessage: true},
			req:        ChatRequest{ModelID: "paid-model", WebSearch: true},
			wantSearch: true,
		},
		{
			name:       "self hosted on any model",
			state:      &TierState{Tier: access.TierSelfHosted, CanSendMessage: true},
			req:        ChatRequest{ModelID: "premium-model"},
			wantSearch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &stubTierStore{state: tt.state, err: tt.storeErr}
			svc := newTestGateway(t, store, newMockLedgerRepository())

			tok := issueToken(t, "user_1", testNow)
			if tt.token != nil {
				tok = tt.token(t)
			}

			auth, err := svc.Authorize(context.Background(), tok, testNow, tt.req)
			if tt.wantKind != "" {
				ge, ok := AsGatewayError(err)
				if !ok {
					t.Fatalf("Authorize() error = %v, want GatewayError", err)
				}
				if ge.Kind != tt.wantKind || ge.Reason != tt.wantReason {
					t.Errorf("Authorize() = %s/%s, want %s/%s", ge.Kind, ge.Reason, tt.wantKind, tt.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize() unexpected error: %v", err)
			}
			if auth.Model.ID != tt.req.ModelID {
				t.Errorf("Model = %q, want %q", auth.Model.ID, tt.req.ModelID)
			}
			if auth.UsedOwnKey != tt.wantOwnKey {
				t.Errorf("UsedOwnKey = %v, want %v", auth.UsedOwnKey, tt.wantOwnKey)
			}
			if auth.WebSearch != tt.wantSearch {
				t.Errorf("WebSearch = %v, want %v", auth.WebSearch, tt.wantSearch)
			}
		})
	}
}

func TestGatewayService_Authorize_AnonymousAccount(t *testing.T) {
	store := &stubTierStore{state: &TierState{Tier: access.TierAnonymous, CanSendMessage: true}}
	svc := newTestGateway(t, store, newMockLedgerRepository())

	auth, err := svc.Authorize(context.Background(), issueToken(t, token.AnonymousSubject, testNow), testNow,
		ChatRequest{ModelID: "free-model", ClientID: "192.0.2.1"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.Subject != token.AnonymousSubject || auth.Account != "anonymous:192.0.2.1" {
		t.Errorf("Subject/Account = %q/%q", auth.Subject, auth.Account)
	}
}

func TestGatewayError_NeverLeaksSecrets(t *testing.T) {
	svc := newTestGateway(t, &stubTierStore{}, newMockLedgerRepository())
	svc.cfg.TokenSecret = ""

	_, err := svc.Authorize(context.Background(), issueToken(t, "user_1", testNow), testNow, ChatRequest{ModelID: "free-model"})
	ge, ok := AsGatewayError(err)
	if !ok || ge.Reason != ReasonTokenUnverifiable {
		t.Fatalf("err = %v, want unverifiable token", err)
	}
	if ge.Retryable() {
		t.Error("unauthorized error must not be retryable")
	}
	if got := ge.Error(); got != "unauthorized: token_unverifiable" {
		t.Errorf("Error() = %q", got)
	}
}

func TestPlanSettlement(t *testing.T) {
	now := token.Millis(testNow)
	window := &models.SubscriptionWindow{PeriodStartMillis: now - 10, PeriodEndMillis: now + 10, MonthlyCreditAllowance: 1000}

	tests := []struct {
		name        string
		cost        uint64
		state       TierState
		wantSub     uint64
		wantBatches uint64
		wantShort   uint64
		wantTouched []string
	}{
		{
			name:    "covered by allowance",
			cost:    400,
			state:   TierState{SubscriptionWindow: window, ConsumedInWindow: 100, CreditBatches: []models.CreditBatch{activeBatch("a", 1, 50)}},
			wantSub: 400,
		},
		{
			name:        "allowance then oldest batch",
			cost:        1000,
			state:       TierState{SubscriptionWindow: window, ConsumedInWindow: 900, CreditBatches: []models.CreditBatch{activeBatch("new", 2, 5000), activeBatch("old", 1, 500)}},
			wantSub:     100,
			wantBatches: 900,
			wantTouched: []string{"old", "new"},
		},
		{
			name:        "shortfall",
			cost:        700,
			state:       TierState{CreditBatches: []models.CreditBatch{activeBatch("a", 1, 300)}},
			wantBatches: 300,
			wantShort:   400,
			wantTouched: []string{"a"},
		},
		{
			name:  "zero cost",
			cost:  0,
			state: TierState{CreditBatches: []models.CreditBatch{activeBatch("a", 1, 300)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := ledger.Total(tt.state.CreditBatches)
			plan := PlanSettlement(tt.cost, &tt.state)

			if plan.FromSubscription != tt.wantSub {
				t.Errorf("FromSubscription = %d, want %d", plan.FromSubscription, tt.wantSub)
			}
			if plan.Deduction.Deducted != tt.wantBatches {
				t.Errorf("Deducted = %d, want %d", plan.Deduction.Deducted, tt.wantBatches)
			}
			if plan.Deduction.Shortfall != tt.wantShort {
				t.Errorf("Shortfall = %d, want %d", plan.Deduction.Shortfall, tt.wantShort)
			}
			if len(plan.Deduction.Touched) != len(tt.wantTouched) {
				t.Fatalf("Touched = %v, want %v", plan.Deduction.Touched, tt.wantTouched)
			}
			for i := range tt.wantTouched {
				if plan.Deduction.Touched[i] != tt.wantTouched[i] {
					t.Errorf("Touched = %v, want %v", plan.Deduction.Touched, tt.wantTouched)
				}
			}
			if plan.FromSubscription+plan.Deduction.Deducted+plan.Deduction.Shortfall != tt.cost {
				t.Error("split does not add up to cost")
			}
			if ledger.Total(tt.state.CreditBatches) != before {
				t.Error("PlanSettlement mutated the input batches")
			}
		})
	}
}

func TestBillable(t *testing.T) {
	tests := []struct {
		tier   access.Tier
		ownKey bool
		want   bool
	}{
		{access.TierSubscriber, false, true},
		{access.TierSubscriber, true, false},
		{access.TierFree, false, false},
		{access.TierAnonymous, false, false},
		{access.TierSelfHosted, false, false},
	}
	for _, tt := range tests {
		if got := Billable(tt.tier, tt.ownKey); got != tt.want {
			t.Errorf("Billable(%s, %v) = %v, want %v", tt.tier, tt.ownKey, got, tt.want)
		}
	}
}

func newSettleFixture(t *testing.T) (*GatewayService, *mockLedgerRepository) {
	t.Helper()
	ledgerRepo := newMockLedgerRepository()
	resolver := newTestResolver(ledgerRepo, newMockProviderKeyRepository(), false)
	return newTestGateway(t, resolver, ledgerRepo), ledgerRepo
}

var authSeq atomic.Int64

// subscriberAuth builds a distinct authorization for direct Settle calls.
func subscriberAuth(model string) *AuthorizedRequest {
	return &AuthorizedRequest{
		ID:      fmt.Sprintf("auth-%d", authSeq.Add(1)),
		Subject: "user_1",
		Account: "user_1",
		Tier:    access.TierSubscriber,
		Model:   pricing.ModelDescriptor{ID: model},
	}
}

func TestGatewayService_Settle_SubscriberFIFO(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("b", 2000, 10000))
	ledgerRepo.addBatch("user_1", activeBatch("a", 1000, 5000))
	ledgerRepo.addBatch("user_1", activeBatch("c", 3000, 15000))

	// cost 8000 = 6000 in + 2000 out at one credit per token
	res, err := svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 6000, OutputTokens: 2000}, testNow)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.Cost != 8000 || res.FromBatches != 8000 || res.Shortfall != 0 || !res.Billable {
		t.Errorf("result = %+v", res)
	}

	remaining := map[string]uint64{}
	status := map[string]models.BatchStatus{}
	for _, b := range ledgerRepo.batchesFor("user_1") {
		remaining[b.ID] = b.CreditsRemaining
		status[b.ID] = b.Status
	}
	if remaining["a"] != 0 || status["a"] != models.BatchStatusDepleted {
		t.Errorf("batch a = %d/%s, want 0/depleted", remaining["a"], status["a"])
	}
	if remaining["b"] != 7000 || remaining["c"] != 15000 {
		t.Errorf("remaining = %v, want b=7000 c=15000", remaining)
	}

	usage := ledgerRepo.usageFor("user_1")
	if len(usage) != 1 || usage[0].CostCredits != 8000 || usage[0].FromBatches != 8000 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestGatewayService_Settle_SubscriptionFirst(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	now := token.Millis(testNow)
	ledgerRepo.setWindow("user_1", models.SubscriptionWindow{PeriodStartMillis: now - 1000, PeriodEndMillis: now + 1000, MonthlyCreditAllowance: 300})
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))

	res, err := svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 500}, testNow)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.FromSubscription != 300 || res.FromBatches != 200 {
		t.Errorf("split = %d/%d, want 300/200", res.FromSubscription, res.FromBatches)
	}

	// The allowance is now spent; the next request comes only from the batch.
	res, err = svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 100}, testNow.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.FromSubscription != 0 || res.FromBatches != 100 {
		t.Errorf("split = %d/%d, want 0/100", res.FromSubscription, res.FromBatches)
	}
	if got := ledgerRepo.batchesFor("user_1")[0].CreditsRemaining; got != 700 {
		t.Errorf("batch remaining = %d, want 700", got)
	}
}

func TestGatewayService_Settle_Shortfall(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 100))

	res, err := svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 250}, testNow)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.FromBatches != 100 || res.Shortfall != 150 {
		t.Errorf("FromBatches/Shortfall = %d/%d, want 100/150", res.FromBatches, res.Shortfall)
	}
	if b := ledgerRepo.batchesFor("user_1")[0]; b.CreditsRemaining != 0 || b.Status != models.BatchStatusDepleted {
		t.Errorf("batch = %+v, want depleted", b)
	}
}

func TestGatewayService_Settle_NotBilled(t *testing.T) {
	tests := []struct {
		name string
		auth *AuthorizedRequest
	}{
		{"free tier", &AuthorizedRequest{ID: "auth-free", Account: "user_1", Tier: access.TierFree, Model: pricing.ModelDescriptor{ID: "free-model"}}},
		{"own key", &AuthorizedRequest{ID: "auth-own", Account: "user_1", Tier: access.TierSubscriber, Model: pricing.ModelDescriptor{ID: "other-model"}, UsedOwnKey: true}},
		{"self hosted", &AuthorizedRequest{ID: "auth-self", Account: "user_1", Tier: access.TierSelfHosted, Model: pricing.ModelDescriptor{ID: "premium-model"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ledgerRepo := newSettleFixture(t)
			ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))

			res, err := svc.Settle(context.Background(), tt.auth, Usage{InputTokens: 10, OutputTokens: 10}, testNow)
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if res.Billable || res.FromBatches != 0 || res.FromSubscription != 0 {
				t.Errorf("result = %+v, want nothing charged", res)
			}
			if res.Cost == 0 {
				t.Error("cost should still be computed for the usage record")
			}
			if got := ledgerRepo.batchesFor("user_1")[0].CreditsRemaining; got != 1000 {
				t.Errorf("batch remaining = %d, want untouched", got)
			}
			if n := len(ledgerRepo.usageFor("user_1")); n != 1 {
				t.Errorf("usage records = %d, want 1", n)
			}
		})
	}
}

func TestGatewayService_Settle_UnknownModelUsesFallbackPrice(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))

	res, err := svc.Settle(context.Background(), subscriberAuth("retired-model"), Usage{InputTokens: 100}, testNow)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	// premium-model is the most expensive entry at two credits per token
	if res.Cost != 200 {
		t.Errorf("Cost = %d, want 200", res.Cost)
	}
}

func TestGatewayService_Settle_RetriesVersionConflict(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))
	ledgerRepo.conflicts = 2

	res, err := svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 100}, testNow)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.FromBatches != 100 {
		t.Errorf("FromBatches = %d, want 100", res.FromBatches)
	}
	if ledgerRepo.applies != 3 {
		t.Errorf("applies = %d, want 3", ledgerRepo.applies)
	}
	if got := ledgerRepo.batchesFor("user_1")[0].CreditsRemaining; got != 900 {
		t.Errorf("remaining = %d, want 900 (charged exactly once)", got)
	}
}

func TestGatewayService_Settle_Contention(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))
	ledgerRepo.conflicts = 10

	_, err := svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 100}, testNow)
	ge, ok := AsGatewayError(err)
	if !ok || ge.Reason != ReasonLedgerContention || !ge.Retryable() {
		t.Fatalf("err = %v, want retryable ledger contention", err)
	}
	if !errors.Is(err, repository.ErrVersionConflict) {
		t.Error("contention error should wrap ErrVersionConflict")
	}
	if got := ledgerRepo.batchesFor("user_1")[0].CreditsRemaining; got != 1000 {
		t.Errorf("remaining = %d, want untouched", got)
	}
}

func TestGatewayService_Settle_StoreError(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.applyErr = errors.New("disk full")

	_, err := svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 1}, testNow)
	ge, ok := AsGatewayError(err)
	if !ok || ge.Kind != KindUpstreamUnavailable || ge.Reason != ReasonStoreUnavailable {
		t.Fatalf("err = %v, want store unavailable", err)
	}
}

func TestGatewayService_Settle_ConcurrentSameUser(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))
	ledgerRepo.addBatch("user_1", activeBatch("b", 2, 1000))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Settle(context.Background(), subscriberAuth("paid-model"), Usage{InputTokens: 50}, testNow); err != nil {
				t.Errorf("Settle: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := ledger.Total(ledgerRepo.batchesFor("user_1")); got != 1000 {
		t.Errorf("total remaining = %d, want 1000", got)
	}
	if n := len(ledgerRepo.usageFor("user_1")); n != 20 {
		t.Errorf("usage records = %d, want 20", n)
	}
	if n := svc.locks.size(); n != 0 {
		t.Errorf("locks held after settle = %d, want 0", n)
	}
	if svc.Busy() {
		t.Error("Busy() = true after all settlements returned")
	}
}

func TestGatewayService_Balance(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	now := token.Millis(testNow)
	ledgerRepo.setWindow("user_1", models.SubscriptionWindow{PeriodStartMillis: now - 1000, PeriodEndMillis: now + 1000, MonthlyCreditAllowance: 300})
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))

	view, err := svc.Balance(context.Background(), issueToken(t, "user_1", testNow), testNow, "")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if view.Tier != access.TierSubscriber || view.Funds.SubscriptionRemaining != 300 || view.Funds.PurchasedRemaining != 1000 {
		t.Errorf("view = %+v", view)
	}
}

// authorizeAt runs Authorize for subject at the given time and fails the test on error.
func authorizeAt(t *testing.T, svc *GatewayService, subject string, at time.Time, req ChatRequest) (*AuthorizedRequest, string) {
	t.Helper()
	tok := issueToken(t, subject, at)
	auth, err := svc.Authorize(context.Background(), tok, at, req)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return auth, tok
}

func TestGatewayService_Authorize_RecordsDecision(t *testing.T) {
	keys := newMockProviderKeyRepository()
	_ = keys.Upsert(context.Background(), &models.ProviderKey{UserID: "user_1", Provider: "globex"})
	ledgerRepo := newMockLedgerRepository()
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 10))
	svc := newTestGateway(t, newTestResolver(ledgerRepo, keys, false), ledgerRepo)

	auth, _ := authorizeAt(t, svc, "user_1", testNow, ChatRequest{ModelID: "other-model"})
	if auth.ID == "" {
		t.Fatal("Authorize returned no authorization ID")
	}

	got, _ := ledgerRepo.GetAuthorization(context.Background(), auth.ID)
	want := models.Authorization{
		ID: auth.ID, UserID: "user_1", Subject: "user_1", Model: "other-model",
		Tier: string(access.TierSubscriber), UsedOwnKey: true, CreatedAtMillis: token.Millis(testNow),
	}
	if got == nil || *got != want {
		t.Errorf("recorded = %+v, want %+v", got, want)
	}

	ledgerRepo.authorizeErr = errors.New("disk full")
	_, err := svc.Authorize(context.Background(), issueToken(t, "user_1", testNow), testNow, ChatRequest{ModelID: "other-model"})
	if ge, ok := AsGatewayError(err); !ok || ge.Kind != KindUpstreamUnavailable || ge.Reason != ReasonStoreUnavailable {
		t.Errorf("err = %v, want store unavailable", err)
	}
}

func TestGatewayService_ResolveForSettlement(t *testing.T) {
	ledgerRepo := newMockLedgerRepository()
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 10))
	svc := newTestGateway(t, newTestResolver(ledgerRepo, newMockProviderKeyRepository(), false), ledgerRepo)

	auth, tok := authorizeAt(t, svc, "user_1", testNow, ChatRequest{ModelID: "paid-model", WebSearch: true})
	anonAuth, anonTok := authorizeAt(t, svc, token.AnonymousSubject, testNow, ChatRequest{ModelID: "free-model", ClientID: "192.0.2.1"})

	otherSecret, _ := token.Issue("user_1", "other-secret", token.Millis(testNow))

	tests := []struct {
		name       string
		token      string
		clientID   string
		id         string
		at         time.Time
		wantKind   ErrorKind
		wantReason string
	}{
		{name: "same token", token: tok, id: auth.ID, at: testNow},
		{name: "token past max age", token: tok, id: auth.ID, at: testNow.Add(token.MaxAge + time.Millisecond)},
		{name: "fresh token", token: issueToken(t, "user_1", testNow.Add(time.Hour)), id: auth.ID, at: testNow.Add(time.Hour)},
		{name: "last moment of settle window", token: tok, id: auth.ID, at: testNow.Add(SettleWindow)},
		{name: "settle window over", token: tok, id: auth.ID, at: testNow.Add(SettleWindow + time.Millisecond), wantKind: KindForbidden, wantReason: ReasonAuthorizationExpired},
		{name: "garbage token", token: "garbage", id: auth.ID, at: testNow, wantKind: KindUnauthorized, wantReason: ReasonTokenMalformed},
		{name: "forged token", token: otherSecret, id: auth.ID, at: testNow, wantKind: KindUnauthorized, wantReason: ReasonTokenInvalidSignature},
		{name: "unknown id", token: tok, id: "auth-none", at: testNow, wantKind: KindForbidden, wantReason: ReasonUnknownAuthorization},
		{name: "other subject", token: issueToken(t, "user_2", testNow), id: auth.ID, at: testNow, wantKind: KindForbidden, wantReason: ReasonUnknownAuthorization},
		{name: "anonymous same client", token: anonTok, clientID: "192.0.2.1", id: anonAuth.ID, at: testNow},
		{name: "anonymous other client", token: anonTok, clientID: "192.0.2.2", id: anonAuth.ID, at: testNow, wantKind: KindForbidden, wantReason: ReasonUnknownAuthorization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ResolveForSettlement(context.Background(), tt.token, tt.at, tt.clientID, tt.id)
			if tt.wantKind != "" {
				ge, ok := AsGatewayError(err)
				if !ok || ge.Kind != tt.wantKind || ge.Reason != tt.wantReason {
					t.Fatalf("err = %v, want %s/%s", err, tt.wantKind, tt.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveForSettlement: %v", err)
			}
			if got.ID != tt.id {
				t.Errorf("ID = %q, want %q", got.ID, tt.id)
			}
		})
	}

	got, err := svc.ResolveForSettlement(context.Background(), tok, testNow, "", auth.ID)
	if err != nil {
		t.Fatalf("ResolveForSettlement: %v", err)
	}
	if got.Model.ID != "paid-model" || got.Tier != access.TierSubscriber || got.Account != "user_1" || !got.WebSearch {
		t.Errorf("resolved = %+v, want the authorized paid-model subscriber request with web search", got)
	}
}

func TestGatewayService_ResolveForSettlement_ModelDroppedFromCatalog(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	_ = ledgerRepo.CreateAuthorization(context.Background(), &models.Authorization{
		ID: "auth-retired", UserID: "user_1", Subject: "user_1", Model: "retired-model",
		Tier: string(access.TierSubscriber), CreatedAtMillis: token.Millis(testNow),
	})

	auth, err := svc.ResolveForSettlement(context.Background(), issueToken(t, "user_1", testNow), testNow, "", "auth-retired")
	if err != nil {
		t.Fatalf("ResolveForSettlement: %v", err)
	}
	if auth.Model.ID != "retired-model" || auth.UsedOwnKey {
		t.Errorf("auth = %+v, want unknown model kept without own key", auth)
	}
}

func TestGatewayService_Settle_OncePerAuthorization(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 10_000))

	auth, tok := authorizeAt(t, svc, "user_1", testNow, ChatRequest{ModelID: "paid-model"})

	var first *DeductionResult
	for i, reported := range []uint64{1000, 1000, 5000} {
		resolved, err := svc.ResolveForSettlement(context.Background(), tok, testNow, "", auth.ID)
		if err != nil {
			t.Fatalf("attempt %d: ResolveForSettlement: %v", i, err)
		}
		res, err := svc.Settle(context.Background(), resolved, Usage{InputTokens: reported}, testNow)
		if err != nil {
			t.Fatalf("attempt %d: Settle: %v", i, err)
		}
		if i == 0 {
			first = res
			if res.Replayed {
				t.Error("first settlement marked as replayed")
			}
			continue
		}
		if !res.Replayed || res.UsageID != first.UsageID || res.Cost != first.Cost || res.FromBatches != first.FromBatches {
			t.Errorf("attempt %d = %+v, want replay of %+v", i, res, first)
		}
	}

	if n := len(ledgerRepo.usageFor("user_1")); n != 1 {
		t.Errorf("usage records = %d, want 1", n)
	}
	if got := ledgerRepo.batchesFor("user_1")[0].CreditsRemaining; got != 9000 {
		t.Errorf("remaining = %d, want 9000 (charged once)", got)
	}
}

func TestGatewayService_Settle_BillsAuthorizedModel(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 10_000))

	auth, tok := authorizeAt(t, svc, "user_1", testNow, ChatRequest{ModelID: "premium-model"})
	resolved, err := svc.ResolveForSettlement(context.Background(), tok, testNow, "", auth.ID)
	if err != nil {
		t.Fatalf("ResolveForSettlement: %v", err)
	}

	res, err := svc.Settle(context.Background(), resolved, Usage{InputTokens: 1000}, testNow)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	// premium-model is two credits per token; free-model would be one.
	if res.Cost != 2000 || res.FromBatches != 2000 {
		t.Errorf("result = %+v, want 2000 charged", res)
	}
	if u := ledgerRepo.usageFor("user_1"); len(u) != 1 || u[0].Model != "premium-model" || u[0].AuthorizationID != auth.ID {
		t.Errorf("usage = %+v", u)
	}
}

func TestGatewayService_Settle_TierFixedAtAuthorize(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	now := token.Millis(testNow)
	ledgerRepo.setWindow("user_1", models.SubscriptionWindow{PeriodStartMillis: now - 1000, PeriodEndMillis: now + 1000, MonthlyCreditAllowance: 5000})

	auth, tok := authorizeAt(t, svc, "user_1", testNow, ChatRequest{ModelID: "premium-model"})
	if auth.Tier != access.TierSubscriber {
		t.Fatalf("tier at authorize = %s, want subscriber", auth.Tier)
	}

	// The window has ended by the time the stream completes.
	settleAt := testNow.Add(2 * time.Second)
	resolved, err := svc.ResolveForSettlement(context.Background(), tok, settleAt, "", auth.ID)
	if err != nil {
		t.Fatalf("ResolveForSettlement: %v", err)
	}
	res, err := svc.Settle(context.Background(), resolved, Usage{InputTokens: 1000}, settleAt)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.Billable || res.Cost != 2000 || res.Shortfall != 2000 {
		t.Errorf("result = %+v, want billable with the full cost as shortfall", res)
	}
	if u := ledgerRepo.usageFor("user_1"); len(u) != 1 || u[0].Tier != string(access.TierSubscriber) {
		t.Errorf("usage = %+v, want subscriber tier recorded", u)
	}
}

func TestGatewayService_Settle_AfterTokenExpiry(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))

	auth, tok := authorizeAt(t, svc, "user_1", testNow, ChatRequest{ModelID: "paid-model"})

	settleAt := testNow.Add(token.MaxAge + time.Millisecond)
	resolved, err := svc.ResolveForSettlement(context.Background(), tok, settleAt, "", auth.ID)
	if err != nil {
		t.Fatalf("ResolveForSettlement at +%s: %v", token.MaxAge+time.Millisecond, err)
	}
	res, err := svc.Settle(context.Background(), resolved, Usage{InputTokens: 100}, settleAt)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.FromBatches != 100 {
		t.Errorf("FromBatches = %d, want 100", res.FromBatches)
	}
}

func TestGatewayService_Settle_RequiresAuthorization(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addBatch("user_1", activeBatch("a", 1, 1000))

	auth := subscriberAuth("paid-model")
	auth.ID = ""
	_, err := svc.Settle(context.Background(), auth, Usage{InputTokens: 100}, testNow)
	if ge, ok := AsGatewayError(err); !ok || ge.Kind != KindForbidden || ge.Reason != ReasonUnknownAuthorization {
		t.Fatalf("err = %v, want unknown authorization", err)
	}
	if ledgerRepo.applies != 0 {
		t.Errorf("applies = %d, want 0", ledgerRepo.applies)
	}
}

// lateSettledLedger hides a settlement from the first lookup, as if another
// process wrote it between the check and the apply.
type lateSettledLedger struct {
	*mockLedgerRepository
	lookups int
}

func (l *lateSettledLedger) UsageByAuthorization(ctx context.Context, authorizationID string) (*models.UsageRecord, error) {
	l.lookups++
	if l.lookups == 1 {
		return nil, nil
	}
	return l.mockLedgerRepository.UsageByAuthorization(ctx, authorizationID)
}

func TestGatewayService_Settle_SettledConcurrentlyElsewhere(t *testing.T) {
	inner := newMockLedgerRepository()
	inner.addBatch("user_1", activeBatch("a", 1, 1000))
	inner.addUsage("user_1", models.UsageRecord{ID: "u-first", AuthorizationID: "auth-x", UserID: "user_1", Tier: "subscriber", CostCredits: 40, FromBatches: 40})
	repo := &lateSettledLedger{mockLedgerRepository: inner}
	svc := newTestGateway(t, newTestResolver(inner, newMockProviderKeyRepository(), false), repo)

	auth := subscriberAuth("paid-model")
	auth.ID = "auth-x"
	res, err := svc.Settle(context.Background(), auth, Usage{InputTokens: 100}, testNow)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.Replayed || res.UsageID != "u-first" || res.FromBatches != 40 || !res.Billable {
		t.Errorf("result = %+v, want replay of u-first", res)
	}
	if got := inner.batchesFor("user_1")[0].CreditsRemaining; got != 1000 {
		t.Errorf("remaining = %d, want untouched", got)
	}
}

func TestGatewayService_RecentUsage(t *testing.T) {
	svc, ledgerRepo := newSettleFixture(t)
	ledgerRepo.addUsage("user_1", models.UsageRecord{ID: "u1", UserID: "user_1", CostCredits: 5})
	ledgerRepo.addUsage("user_1", models.UsageRecord{ID: "u2", UserID: "user_1", CostCredits: 7})
	ledgerRepo.addUsage(AccountKey(token.AnonymousSubject, "10.0.0.1"), models.UsageRecord{ID: "anon"})

	records, err := svc.RecentUsage(context.Background(), issueToken(t, "user_1", testNow), testNow, "10.0.0.1", 1)
	if err != nil {
		t.Fatalf("RecentUsage: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len = %d, want 1 (limit)", len(records))
	}

	records, err = svc.RecentUsage(context.Background(), issueToken(t, token.AnonymousSubject, testNow), testNow, "10.0.0.1", 10)
	if err != nil {
		t.Fatalf("RecentUsage anonymous: %v", err)
	}
	if len(records) != 1 || records[0].ID != "anon" {
		t.Errorf("anonymous records = %+v, want only the per-client account", records)
	}

	_, err = svc.RecentUsage(context.Background(), "garbage", testNow, "", 10)
	if ge, ok := AsGatewayError(err); !ok || ge.Kind != KindUnauthorized {
		t.Errorf("err = %v, want unauthorized", err)
	}
}
