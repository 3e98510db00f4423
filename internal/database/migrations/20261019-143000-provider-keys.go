package migrations

func init() {
	Register(Migration{
		Timestamp:   "20261019-143000",
		Description: "BYOK provider keys",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS user_provider_keys (
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				api_key_encrypted TEXT NOT NULL,
				key_hint TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (user_id, provider)
			)`,
		},
	})
}
