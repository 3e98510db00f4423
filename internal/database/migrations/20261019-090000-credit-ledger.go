package migrations

func init() {
	Register(Migration{
		Timestamp:   "20261019-090000",
		Description: "Credit ledger: subscription windows, credit batches, usage log",
		Up: []string{
			// One window per user, replaced wholesale on every subscription event.
			// user_id is an external identity subject (no FK).
			`CREATE TABLE IF NOT EXISTS subscription_windows (
				user_id TEXT PRIMARY KEY,
				period_start_ms INTEGER NOT NULL,
				period_end_ms INTEGER NOT NULL,
				monthly_credit_allowance INTEGER NOT NULL,
				updated_at TEXT NOT NULL
			)`,

			// Purchased credit packs, consumed FIFO by purchased_at_ms.
			`CREATE TABLE IF NOT EXISTS credit_batches (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				payment_ref TEXT NOT NULL,
				purchased_at_ms INTEGER NOT NULL,
				credits_amount INTEGER NOT NULL,
				credits_remaining INTEGER NOT NULL CHECK (credits_remaining >= 0),
				status TEXT NOT NULL DEFAULT 'active',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (user_id, payment_ref)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credit_batches_user ON credit_batches(user_id, purchased_at_ms, id)`,

			// Settled requests. SUM(from_subscription) since the window start is the
			// window's consumption; COUNT since now-24h drives free-tier limits.
			`CREATE TABLE IF NOT EXISTS usage_records (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				model TEXT NOT NULL,
				tier TEXT NOT NULL,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				cost_credits INTEGER NOT NULL DEFAULT 0,
				from_subscription INTEGER NOT NULL DEFAULT 0,
				from_batches INTEGER NOT NULL DEFAULT 0,
				shortfall INTEGER NOT NULL DEFAULT 0,
				used_own_key INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_records_user_time ON usage_records(user_id, created_at_ms)`,

			// Optimistic concurrency token for a user's ledger rows.
			`CREATE TABLE IF NOT EXISTS ledger_versions (
				user_id TEXT PRIMARY KEY,
				version INTEGER NOT NULL DEFAULT 0
			)`,
		},
	})
}
