package service

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/pricing"
	"github.com/jmylchreest/chatgate/internal/repository"
	"github.com/jmylchreest/chatgate/internal/token"
)

const testSecret = "test-secret"

// testNow is a fixed instant well after the epoch.
var testNow = time.UnixMilli(1_760_000_000_000)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCatalog prices one credit per token so costs equal token counts.
func testCatalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	perToken := pricing.Pricing{InputCreditsPerMillionTokens: 1_000_000, OutputCreditsPerMillionTokens: 1_000_000}
	c, err := pricing.NewCatalog("test-1", "free-model", []pricing.ModelDescriptor{
		{ID: "free-model", Provider: "acme", SupportsWebSearch: true, Pricing: perToken},
		{ID: "paid-model", Provider: "acme", SupportsWebSearch: true, Pricing: perToken},
		{ID: "other-model", Provider: "globex", Pricing: perToken},
		{ID: "premium-model", Provider: "globex", Pricing: pricing.Pricing{InputCreditsPerMillionTokens: 2_000_000, OutputCreditsPerMillionTokens: 2_000_000}},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func issueToken(t *testing.T, subject string, at time.Time) string {
	t.Helper()
	tok, err := token.Issue(subject, testSecret, token.Millis(at))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

// mockLedgerRepository implements repository.LedgerRepository in memory.
type mockLedgerRepository struct {
	mu       sync.RWMutex
	windows  map[string]*models.SubscriptionWindow
	batches  map[string][]models.CreditBatch
	usage    map[string][]models.UsageRecord
	versions map[string]int64
	auths    map[string]models.Authorization

	loadErr      error
	applyErr     error
	authorizeErr error
	// conflicts makes the next N writes fail as if another process had
	// written first.
	conflicts int
	applies   int
}

func newMockLedgerRepository() *mockLedgerRepository {
	return &mockLedgerRepository{
		windows:  make(map[string]*models.SubscriptionWindow),
		batches:  make(map[string][]models.CreditBatch),
		usage:    make(map[string][]models.UsageRecord),
		versions: make(map[string]int64),
		auths:    make(map[string]models.Authorization),
	}
}

func (m *mockLedgerRepository) setWindow(userID string, w models.SubscriptionWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[userID] = &w
}

func (m *mockLedgerRepository) addBatch(userID string, b models.CreditBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[userID] = append(m.batches[userID], b)
}

func (m *mockLedgerRepository) addUsage(userID string, u models.UsageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[userID] = append(m.usage[userID], u)
}

func (m *mockLedgerRepository) batchesFor(userID string) []models.CreditBatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.batches[userID])
}

func (m *mockLedgerRepository) usageFor(userID string) []models.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.usage[userID])
}

func (m *mockLedgerRepository) Load(ctx context.Context, userID string) (*repository.LedgerSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	snap := &repository.LedgerSnapshot{
		UserID:  userID,
		Batches: slices.Clone(m.batches[userID]),
		Version: m.versions[userID],
	}
	if w, ok := m.windows[userID]; ok {
		copy := *w
		snap.Window = &copy
	}
	return snap, nil
}

func (m *mockLedgerRepository) ConsumedSince(ctx context.Context, userID string, sinceMillis uint64) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum uint64
	for _, u := range m.usage[userID] {
		if u.CreatedAtMillis >= sinceMillis {
			sum += u.FromSubscription
		}
	}
	return sum, nil
}

func (m *mockLedgerRepository) CountMessagesSince(ctx context.Context, userID string, sinceMillis uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.usage[userID] {
		if u.CreatedAtMillis >= sinceMillis {
			n++
		}
	}
	return n, nil
}

// takeConflict consumes one injected conflict. Caller holds m.mu.
func (m *mockLedgerRepository) takeConflict(userID string) bool {
	if m.conflicts == 0 {
		return false
	}
	m.conflicts--
	m.versions[userID]++
	return true
}

func (m *mockLedgerRepository) ApplySettlement(ctx context.Context, s *repository.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	if m.applyErr != nil {
		return m.applyErr
	}
	if m.takeConflict(s.UserID) || m.versions[s.UserID] != s.ExpectedVersion {
		return repository.ErrVersionConflict
	}
	if s.Usage.AuthorizationID != "" && m.settledLocked(s.Usage.AuthorizationID) != nil {
		return repository.ErrAlreadySettled
	}

	current := m.batches[s.UserID]
	for _, b := range s.Batches {
		i := slices.IndexFunc(current, func(c models.CreditBatch) bool { return c.ID == b.ID })
		if i < 0 {
			panic("mock: settlement for unknown batch " + b.ID)
		}
		current[i] = b
	}
	m.usage[s.UserID] = append(m.usage[s.UserID], s.Usage)
	m.versions[s.UserID]++
	return nil
}

func (m *mockLedgerRepository) InsertBatch(ctx context.Context, userID string, expectedVersion int64, batch models.CreditBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeConflict(userID) || m.versions[userID] != expectedVersion {
		return repository.ErrVersionConflict
	}
	for _, b := range m.batches[userID] {
		if b.PaymentRef == batch.PaymentRef {
			return repository.ErrDuplicatePaymentRef
		}
	}
	m.batches[userID] = append(m.batches[userID], batch)
	m.versions[userID]++
	return nil
}

func (m *mockLedgerRepository) ReplaceSubscriptionWindow(ctx context.Context, userID string, window *models.SubscriptionWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[userID]++
	if window == nil {
		delete(m.windows, userID)
		return nil
	}
	copy := *window
	m.windows[userID] = &copy
	return nil
}

func (m *mockLedgerRepository) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.usage[userID])
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockLedgerRepository) CreateAuthorization(ctx context.Context, a *models.Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authorizeErr != nil {
		return m.authorizeErr
	}
	m.auths[a.ID] = *a
	return nil
}

func (m *mockLedgerRepository) GetAuthorization(ctx context.Context, id string) (*models.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *mockLedgerRepository) UsageByAuthorization(ctx context.Context, authorizationID string) (*models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settledLocked(authorizationID), nil
}

// settledLocked finds the usage recorded for an authorization. Caller holds m.mu.
func (m *mockLedgerRepository) settledLocked(authorizationID string) *models.UsageRecord {
	for _, records := range m.usage {
		for _, u := range records {
			if u.AuthorizationID == authorizationID {
				return &u
			}
		}
	}
	return nil
}

// versionOf returns the current ledger version for userID.
func (m *mockLedgerRepository) versionOf(userID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[userID]
}

// mockProviderKeyRepository implements repository.ProviderKeyRepository in memory.
type mockProviderKeyRepository struct {
	mu      sync.RWMutex
	keys    map[string]*models.ProviderKey // userID + "/" + provider
	listErr error
}

func newMockProviderKeyRepository() *mockProviderKeyRepository {
	return &mockProviderKeyRepository{keys: make(map[string]*models.ProviderKey)}
}

func (m *mockProviderKeyRepository) Upsert(ctx context.Context, key *models.ProviderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *key
	m.keys[key.UserID+"/"+key.Provider] = &copy
	return nil
}

func (m *mockProviderKeyRepository) Get(ctx context.Context, userID, provider string) (*models.ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[userID+"/"+provider]
	if !ok {
		return nil, nil
	}
	copy := *k
	return &copy, nil
}

func (m *mockProviderKeyRepository) ListProviders(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []string
	for _, k := range m.keys {
		if k.UserID == userID {
			out = append(out, k.Provider)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *mockProviderKeyRepository) Delete(ctx context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, userID+"/"+provider)
	return nil
}

// stubTierStore returns a fixed state, or err.
type stubTierStore struct {
	state *TierState
	err   error
}

func (s *stubTierStore) LoadTierState(ctx context.Context, account string, now time.Time) (*TierState, error) {
	if s.err != nil {
		return nil, s.err
	}
	copy := *s.state
	copy.Account = account
	return &copy, nil
}
