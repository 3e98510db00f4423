package repository

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/jmylchreest/chatgate/internal/database/migrations"
)

// setupTestDB creates a migrated in-memory database that is closed when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates all repositories using a test database.
func setupTestRepos(t *testing.T) (*Repositories, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewRepositories(db), db
}

// insertTestBatch inserts a credit batch directly, bypassing the version check.
func insertTestBatch(t *testing.T, db *sql.DB, userID, id, ref string, purchasedAt, amount, remaining uint64, status string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO credit_batches (id, user_id, payment_ref, purchased_at_ms, credits_amount, credits_remaining, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, userID, ref, purchasedAt, amount, remaining, status, now, now)
	if err != nil {
		t.Fatalf("failed to insert test batch: %v", err)
	}
}

// insertTestUsage inserts a usage record directly.
func insertTestUsage(t *testing.T, db *sql.DB, userID, id string, fromSubscription, createdAtMillis uint64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO usage_records (id, user_id, model, tier, from_subscription, cost_credits, created_at_ms)
		VALUES (?, ?, 'gpt-4o', 'subscriber', ?, ?, ?)
	`, id, userID, fromSubscription, fromSubscription, createdAtMillis)
	if err != nil {
		t.Fatalf("failed to insert test usage: %v", err)
	}
}
