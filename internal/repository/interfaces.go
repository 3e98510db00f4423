// Package repository defines repository interfaces for data access.
// user_id columns hold external identity subjects; there is no users table.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmylchreest/chatgate/internal/models"
)

var (
	// ErrVersionConflict is returned when another writer changed a user's
	// ledger between load and apply. Callers reload and retry.
	ErrVersionConflict = errors.New("ledger version conflict")

	// ErrDuplicatePaymentRef is returned when a batch with the same payment
	// reference already exists for the user.
	ErrDuplicatePaymentRef = errors.New("duplicate payment reference")

	// ErrAlreadySettled is returned when the authorization already has a usage record.
	ErrAlreadySettled = errors.New("authorization already settled")
)

// LedgerSnapshot is a consistent read of a user's ledger rows.
type LedgerSnapshot struct {
	UserID  string
	Window  *models.SubscriptionWindow
	Batches []models.CreditBatch
	Version int64
}

// Settlement is the full set of writes for one settled request. Batches holds
// only the batches whose remaining credits changed.
type Settlement struct {
	UserID          string
	ExpectedVersion int64
	Batches         []models.CreditBatch
	Usage           models.UsageRecord
}

// LedgerRepository persists subscription windows, credit batches and usage.
type LedgerRepository interface {
	Load(ctx context.Context, userID string) (*LedgerSnapshot, error)
	// ConsumedSince sums subscription-funded credits at or after sinceMillis.
	ConsumedSince(ctx context.Context, userID string, sinceMillis uint64) (uint64, error)
	// CountMessagesSince counts settled requests at or after sinceMillis.
	CountMessagesSince(ctx context.Context, userID string, sinceMillis uint64) (int, error)
	// ApplySettlement writes batch updates and the usage record in one
	// transaction, failing with ErrVersionConflict if the version moved and
	// ErrAlreadySettled if the usage's authorization was settled before.
	ApplySettlement(ctx context.Context, s *Settlement) error
	// InsertBatch appends a purchased batch under the same version check.
	InsertBatch(ctx context.Context, userID string, expectedVersion int64, batch models.CreditBatch) error
	// ReplaceSubscriptionWindow overwrites the window (nil removes it) and
	// advances the version so in-flight settlements replan.
	ReplaceSubscriptionWindow(ctx context.Context, userID string, window *models.SubscriptionWindow) error
	ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error)

	CreateAuthorization(ctx context.Context, a *models.Authorization) error
	// GetAuthorization returns nil, nil for an unknown id.
	GetAuthorization(ctx context.Context, id string) (*models.Authorization, error)
	// UsageByAuthorization returns the usage settled against an authorization, or nil.
	UsageByAuthorization(ctx context.Context, authorizationID string) (*models.UsageRecord, error)
}

// ProviderKeyRepository stores encrypted BYOK provider keys.
type ProviderKeyRepository interface {
	Upsert(ctx context.Context, key *models.ProviderKey) error
	Get(ctx context.Context, userID, provider string) (*models.ProviderKey, error)
	ListProviders(ctx context.Context, userID string) ([]string, error)
	Delete(ctx context.Context, userID, provider string) error
}

// Repositories holds all repository instances.
type Repositories struct {
	Ledger       LedgerRepository
	ProviderKeys ProviderKeyRepository
}

// NewRepositories creates all repository instances.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Ledger:       NewSQLiteLedgerRepository(db),
		ProviderKeys: NewSQLiteProviderKeyRepository(db),
	}
}
