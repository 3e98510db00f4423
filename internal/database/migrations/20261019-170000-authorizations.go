package migrations

func init() {
	Register(Migration{
		Timestamp:   "20261019-170000",
		Description: "Authorizations and one settlement per authorization",
		Up: []string{
			// The admission decision settlement bills against.
			`CREATE TABLE IF NOT EXISTS authorizations (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				subject TEXT NOT NULL,
				model TEXT NOT NULL,
				tier TEXT NOT NULL,
				used_own_key INTEGER NOT NULL DEFAULT 0,
				web_search INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_authorizations_user_time ON authorizations(user_id, created_at_ms)`,

			`ALTER TABLE usage_records ADD COLUMN authorization_id TEXT`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_records_authorization ON usage_records(authorization_id) WHERE authorization_id IS NOT NULL`,
		},
	})
}
