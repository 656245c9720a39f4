package store

import "context"

// Schema is applied at startup. Statements are idempotent so every process
// (api, worker, seeder) can run them unconditionally.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id          BIGSERIAL PRIMARY KEY,
	email       TEXT NOT NULL UNIQUE,
	api_key     TEXT NOT NULL UNIQUE,
	balance     NUMERIC(15,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	version     BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id              BIGSERIAL PRIMARY KEY,
	account_id      BIGINT NOT NULL REFERENCES accounts(id),
	type            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	amount          NUMERIC(15,2) NOT NULL CHECK (amount > 0),
	bank_reference  TEXT UNIQUE,
	error_message   TEXT,
	retry_count     INT NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions (account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions (created_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	id              BIGSERIAL PRIMARY KEY,
	account_id      BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	key             TEXT NOT NULL,
	request_hash    TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'in_progress',
	response_status INT,
	response_body   TEXT, -- not JSONB: replays must be byte-identical
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (account_id, key)
);

CREATE TABLE IF NOT EXISTS jobs (
	id           BIGSERIAL PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	run_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_until TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (run_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS rate_limit_entries (
	scope TEXT NOT NULL,
	ts    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_scope_ts ON rate_limit_entries (scope, ts);
`

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}
