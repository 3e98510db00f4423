package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/chatgate/internal/models"
)

// SQLiteLedgerRepository implements LedgerRepository for SQLite/libsql.
type SQLiteLedgerRepository struct {
	db *sql.DB
}

// NewSQLiteLedgerRepository creates a new SQLite ledger repository.
func NewSQLiteLedgerRepository(db *sql.DB) *SQLiteLedgerRepository {
	return &SQLiteLedgerRepository{db: db}
}

// Load reads the window, batches and version in one read transaction.
func (r *SQLiteLedgerRepository) Load(ctx context.Context, userID string) (*LedgerSnapshot, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	snap := &LedgerSnapshot{UserID: userID}

	err = tx.QueryRowContext(ctx, `SELECT version FROM ledger_versions WHERE user_id = ?`, userID).Scan(&snap.Version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read ledger version: %w", err)
	}

	var w models.SubscriptionWindow
	err = tx.QueryRowContext(ctx, `
		SELECT period_start_ms, period_end_ms, monthly_credit_allowance
		FROM subscription_windows WHERE user_id = ?
	`, userID).Scan(&w.PeriodStartMillis, &w.PeriodEndMillis, &w.MonthlyCreditAllowance)
	switch {
	case err == nil:
		snap.Window = &w
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to read subscription window: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payment_ref, purchased_at_ms, credits_amount, credits_remaining, status
		FROM credit_batches WHERE user_id = ?
		ORDER BY purchased_at_ms, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read credit batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var b models.CreditBatch
		if err := rows.Scan(&b.ID, &b.PaymentRef, &b.PurchasedAtMillis, &b.CreditsAmount, &b.CreditsRemaining, &b.Status); err != nil {
			return nil, err
		}
		snap.Batches = append(snap.Batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

func (r *SQLiteLedgerRepository) ConsumedSince(ctx context.Context, userID string, sinceMillis uint64) (uint64, error) {
	var total uint64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(from_subscription), 0) FROM usage_records
		WHERE user_id = ? AND created_at_ms >= ?
	`, userID, sinceMillis).Scan(&total)
	return total, err
}

func (r *SQLiteLedgerRepository) CountMessagesSince(ctx context.Context, userID string, sinceMillis uint64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE user_id = ? AND created_at_ms >= ?
	`, userID, sinceMillis).Scan(&count)
	return count, err
}

// bumpVersion advances the user's ledger version if it still equals expected.
func bumpVersion(ctx context.Context, tx *sql.Tx, userID string, expected int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_versions (user_id, version) VALUES (?, 0) ON CONFLICT(user_id) DO NOTHING`,
		userID,
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE ledger_versions SET version = version + 1 WHERE user_id = ? AND version = ?`,
		userID, expected,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// advanceVersion increments the user's ledger version whatever its current value.
func advanceVersion(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_versions (user_id, version) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET version = version + 1
	`, userID)
	return err
}

func (r *SQLiteLedgerRepository) ApplySettlement(ctx context.Context, s *Settlement) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := bumpVersion(ctx, tx, s.UserID, s.ExpectedVersion); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, b := range s.Batches {
		res, err := tx.ExecContext(ctx, `
			UPDATE credit_batches SET credits_remaining = ?, status = ?, updated_at = ?
			WHERE id = ? AND user_id = ?
		`, b.CreditsRemaining, string(b.Status), now, b.ID, s.UserID)
		if err != nil {
			return fmt.Errorf("failed to update batch %s: %w", b.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("batch %s not found for user", b.ID)
		}
	}

	u := s.Usage
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (id, authorization_id, user_id, model, tier, input_tokens, output_tokens, cost_credits,
			from_subscription, from_batches, shortfall, used_own_key, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, nullString(u.AuthorizationID), s.UserID, u.Model, u.Tier, u.InputTokens, u.OutputTokens, u.CostCredits,
		u.FromSubscription, u.FromBatches, u.Shortfall, u.UsedOwnKey, u.CreatedAtMillis); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") && strings.Contains(err.Error(), "authorization_id") {
			return ErrAlreadySettled
		}
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteLedgerRepository) InsertBatch(ctx context.Context, userID string, expectedVersion int64, b models.CreditBatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := bumpVersion(ctx, tx, userID, expectedVersion); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_batches (id, user_id, payment_ref, purchased_at_ms, credits_amount, credits_remaining, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, userID, b.PaymentRef, b.PurchasedAtMillis, b.CreditsAmount, b.CreditsRemaining, string(b.Status), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicatePaymentRef
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteLedgerRepository) ReplaceSubscriptionWindow(ctx context.Context, userID string, w *models.SubscriptionWindow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Unconditional: webhook state is authoritative, but settlements planned
	// against the old window must still fail their version check.
	if err := advanceVersion(ctx, tx, userID); err != nil {
		return fmt.Errorf("failed to advance ledger version: %w", err)
	}

	if w == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_windows WHERE user_id = ?`, userID); err != nil {
			return err
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_windows (user_id, period_start_ms, period_end_ms, monthly_credit_allowance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			period_start_ms = excluded.period_start_ms,
			period_end_ms = excluded.period_end_ms,
			monthly_credit_allowance = excluded.monthly_credit_allowance,
			updated_at = excluded.updated_at
	`, userID, w.PeriodStartMillis, w.PeriodEndMillis, w.MonthlyCreditAllowance, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

const usageColumns = `id, authorization_id, user_id, model, tier, input_tokens, output_tokens, cost_credits,
	from_subscription, from_batches, shortfall, used_own_key, created_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (models.UsageRecord, error) {
	var (
		u      models.UsageRecord
		authID sql.NullString
	)
	err := row.Scan(&u.ID, &authID, &u.UserID, &u.Model, &u.Tier, &u.InputTokens, &u.OutputTokens, &u.CostCredits,
		&u.FromSubscription, &u.FromBatches, &u.Shortfall, &u.UsedOwnKey, &u.CreatedAtMillis)
	u.AuthorizationID = authID.String
	return u, err
}

func (r *SQLiteLedgerRepository) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+usageColumns+`
		FROM usage_records WHERE user_id = ?
		ORDER BY created_at_ms DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.UsageRecord
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *SQLiteLedgerRepository) UsageByAuthorization(ctx context.Context, authorizationID string) (*models.UsageRecord, error) {
	u, err := scanUsage(r.db.QueryRowContext(ctx, `
		SELECT `+usageColumns+`
		FROM usage_records WHERE authorization_id = ?
	`, authorizationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *SQLiteLedgerRepository) CreateAuthorization(ctx context.Context, a *models.Authorization) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO authorizations (id, user_id, subject, model, tier, used_own_key, web_search, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Subject, a.Model, a.Tier, a.UsedOwnKey, a.WebSearch, a.CreatedAtMillis)
	if err != nil {
		return fmt.Errorf("failed to record authorization: %w", err)
	}
	return nil
}

func (r *SQLiteLedgerRepository) GetAuthorization(ctx context.Context, id string) (*models.Authorization, error) {
	var a models.Authorization
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, subject, model, tier, used_own_key, web_search, created_at_ms
		FROM authorizations WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.Subject, &a.Model, &a.Tier, &a.UsedOwnKey, &a.WebSearch, &a.CreatedAtMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
