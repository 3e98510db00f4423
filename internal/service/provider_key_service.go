package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jmylchreest/chatgate/internal/crypto"
	"github.com/jmylchreest/chatgate/internal/models"
	"github.com/jmylchreest/chatgate/internal/pricing"
	"github.com/jmylchreest/chatgate/internal/repository"
)

var (
	// ErrUnknownProvider is returned for a provider no catalog model uses.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrKeysUnavailable is returned when no encryption key is configured.
	ErrKeysUnavailable = errors.New("provider key storage is not configured")

	// ErrKeyNotFound is returned when the user has no key for the provider.
	ErrKeyNotFound = errors.New("provider key not found")
)

// ProviderKeyService manages users' own upstream provider keys. Holding a
// key for a model's provider exempts the request from billing.
type ProviderKeyService struct {
	keys    repository.ProviderKeyRepository
	sealer  *crypto.Sealer
	catalog *pricing.Catalog
	logger  *slog.Logger
}

// NewProviderKeyService creates a new provider key service. sealer may be nil,
// in which case keys cannot be stored.
func NewProviderKeyService(keys repository.ProviderKeyRepository, sealer *crypto.Sealer, catalog *pricing.Catalog, logger *slog.Logger) *ProviderKeyService {
	return &ProviderKeyService{
		keys:    keys,
		sealer:  sealer,
		catalog: catalog,
		logger:  logger,
	}
}

// Providers returns the distinct providers in the catalog, sorted.
func (s *ProviderKeyService) Providers() []string {
	var out []string
	for _, m := range s.catalog.Models() {
		if m.Provider != "" && !slices.Contains(out, m.Provider) {
			out = append(out, m.Provider)
		}
	}
	slices.Sort(out)
	return out
}

func (s *ProviderKeyService) checkProvider(provider string) error {
	if !slices.Contains(s.Providers(), provider) {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return nil
}

// Set encrypts and stores apiKey for provider, replacing any existing key.
func (s *ProviderKeyService) Set(ctx context.Context, userID, provider, apiKey string) (*models.ProviderKey, error) {
	if err := checkAccount(userID); err != nil {
		return nil, err
	}
	if err := s.checkProvider(provider); err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return nil, ErrKeysUnavailable
	}

	sealed, err := s.sealer.Seal(apiKey, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.ProviderKey{
		UserID:          userID,
		Provider:        provider,
		APIKeyEncrypted: sealed,
		KeyHint:         crypto.Hint(apiKey),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.keys.Upsert(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to store key: %w", err)
	}

	s.logger.Info("provider key stored", "user_id", userID, "provider", provider)
	return key, nil
}

// Delete removes the user's key for provider.
func (s *ProviderKeyService) Delete(ctx context.Context, userID, provider string) error {
	if err := s.checkProvider(provider); err != nil {
		return err
	}
	if err := s.keys.Delete(ctx, userID, provider); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	s.logger.Info("provider key deleted", "user_id", userID, "provider", provider)
	return nil
}

// List returns the providers the user holds keys for.
func (s *ProviderKeyService) List(ctx context.Context, userID string) ([]string, error) {
	return s.keys.ListProviders(ctx, userID)
}

// Reveal decrypts the user's key for provider for forwarding upstream.
func (s *ProviderKeyService) Reveal(ctx context.Context, userID, provider string) (string, error) {
	if s.sealer == nil {
		return "", ErrKeysUnavailable
	}
	key, err := s.keys.Get(ctx, userID, provider)
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	if key == nil {
		return "", ErrKeyNotFound
	}
	return s.sealer.Open(key.APIKeyEncrypted, userID, provider)
}
