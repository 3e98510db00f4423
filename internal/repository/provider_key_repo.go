package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmylchreest/chatgate/internal/models"
)

// SQLiteProviderKeyRepository implements ProviderKeyRepository for SQLite/libsql.
type SQLiteProviderKeyRepository struct {
	db *sql.DB
}

// NewSQLiteProviderKeyRepository creates a new SQLite provider key repository.
func NewSQLiteProviderKeyRepository(db *sql.DB) *SQLiteProviderKeyRepository {
	return &SQLiteProviderKeyRepository{db: db}
}

// Upsert creates or replaces the key for (user, provider).
func (r *SQLiteProviderKeyRepository) Upsert(ctx context.Context, key *models.ProviderKey) error {
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_provider_keys (user_id, provider, api_key_encrypted, key_hint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			key_hint = excluded.key_hint,
			updated_at = excluded.updated_at
	`, key.UserID, key.Provider, key.APIKeyEncrypted, key.KeyHint,
		key.CreatedAt.Format(time.RFC3339), key.UpdatedAt.Format(time.RFC3339))
	return err
}

// Get returns nil, nil when the user has no key for provider.
func (r *SQLiteProviderKeyRepository) Get(ctx context.Context, userID, provider string) (*models.ProviderKey, error) {
	var (
		k                    models.ProviderKey
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, provider, api_key_encrypted, key_hint, created_at, updated_at
		FROM user_provider_keys WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(&k.UserID, &k.Provider, &k.APIKeyEncrypted, &k.KeyHint, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	k.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &k, nil
}

// ListProviders returns the providers the user has keys for, sorted.
func (r *SQLiteProviderKeyRepository) ListProviders(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider FROM user_provider_keys WHERE user_id = ? ORDER BY provider
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (r *SQLiteProviderKeyRepository) Delete(ctx context.Context, userID, provider string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_provider_keys WHERE user_id = ? AND provider = ?`, userID, provider)
	return err
}
