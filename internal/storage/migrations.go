package storage

// Migration is a versioned schema change applied once.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

const migrationsTableSQL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)
`

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create payments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payments (
					id TEXT PRIMARY KEY,
					address TEXT NOT NULL,
					initial_amount TEXT NOT NULL,
					initial_credits TEXT NOT NULL,
					initial_credits_per_token TEXT NOT NULL,
					tx_hash TEXT NOT NULL,
					block_number INTEGER NOT NULL,
					timestamp INTEGER NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_rebasing INTEGER NOT NULL DEFAULT 1
				);

				CREATE INDEX IF NOT EXISTS idx_payments_address ON payments(address);
				CREATE INDEX IF NOT EXISTS idx_payments_timestamp ON payments(timestamp);
			`,
		},
		{
			Version:     "002",
			Description: "Create rebase events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rebase_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					block_number INTEGER NOT NULL UNIQUE,
					tx_hash TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					previous_credits_per_token TEXT NOT NULL,
					new_credits_per_token TEXT NOT NULL,
					rebase_percentage TEXT NOT NULL,
					estimated_apy TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rebase_events_timestamp ON rebase_events(timestamp);
			`,
		},
		{
			Version:     "003",
			Description: "Create yield history table",
			SQL: `
				CREATE TABLE IF NOT EXISTS yield_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					address TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					balance TEXT NOT NULL,
					credits_per_token TEXT NOT NULL,
					cumulative_yield TEXT NOT NULL,
					block_number INTEGER NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_yield_history_address_ts ON yield_history(address, timestamp);
			`,
		},
		{
			Version:     "004",
			Description: "Create global state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS global_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at INTEGER NOT NULL
				);
			`,
		},
		{
			Version:     "005",
			Description: "Index rebase events by credits per token",
			SQL: `
				CREATE INDEX IF NOT EXISTS idx_rebase_events_new_cpt ON rebase_events(new_credits_per_token);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create payments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payments (
					id TEXT PRIMARY KEY,
					address TEXT NOT NULL,
					initial_amount TEXT NOT NULL,
					initial_credits TEXT NOT NULL,
					initial_credits_per_token TEXT NOT NULL,
					tx_hash TEXT NOT NULL,
					block_number BIGINT NOT NULL,
					timestamp BIGINT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_rebasing BOOLEAN NOT NULL DEFAULT TRUE
				);

				CREATE INDEX IF NOT EXISTS idx_payments_address ON payments(address);
				CREATE INDEX IF NOT EXISTS idx_payments_timestamp ON payments(timestamp);
			`,
		},
		{
			Version:     "002",
			Description: "Create rebase events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rebase_events (
					id BIGSERIAL PRIMARY KEY,
					block_number BIGINT NOT NULL UNIQUE,
					tx_hash TEXT NOT NULL,
					timestamp BIGINT NOT NULL,
					previous_credits_per_token TEXT NOT NULL,
					new_credits_per_token TEXT NOT NULL,
					rebase_percentage TEXT NOT NULL,
					estimated_apy TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rebase_events_timestamp ON rebase_events(timestamp);
			`,
		},
		{
			Version:     "003",
			Description: "Create yield history table",
			SQL: `
				CREATE TABLE IF NOT EXISTS yield_history (
					id BIGSERIAL PRIMARY KEY,
					address TEXT NOT NULL,
					timestamp BIGINT NOT NULL,
					balance TEXT NOT NULL,
					credits_per_token TEXT NOT NULL,
					cumulative_yield TEXT NOT NULL,
					block_number BIGINT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_yield_history_address_ts ON yield_history(address, timestamp);
			`,
		},
		{
			Version:     "004",
			Description: "Create global state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS global_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at BIGINT NOT NULL
				);
			`,
		},
		{
			Version:     "005",
			Description: "Index rebase events by credits per token",
			SQL: `
				CREATE INDEX IF NOT EXISTS idx_rebase_events_new_cpt ON rebase_events(new_credits_per_token);
			`,
		},
	}
}
