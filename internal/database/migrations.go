package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// schema is executed statement-by-statement at startup. Every statement is
// idempotent so repeated boots are safe. The partial unique index on
// idempotency_key is the durable backstop for duplicate submissions: the
// Redis fast path can miss, this index cannot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id               UUID PRIMARY KEY,
		email            TEXT NOT NULL UNIQUE,
		display_name     TEXT NOT NULL DEFAULT '',
		role             TEXT NOT NULL DEFAULT 'player' CHECK (role IN ('admin', 'player')),
		balance          NUMERIC(24,4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		is_banned        BOOLEAN NOT NULL DEFAULT FALSE,
		ban_reason       TEXT NOT NULL DEFAULT '',
		banned_at        TIMESTAMPTZ,
		banned_by        UUID,
		is_verified      BOOLEAN NOT NULL DEFAULT FALSE,
		verified_at      TIMESTAMPTZ,
		verified_by      UUID,
		suspicious_count INT NOT NULL DEFAULT 0,
		suspicious_flags JSONB,
		last_activity_at TIMESTAMPTZ,
		recovery_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		password_hash    TEXT NOT NULL DEFAULT '',
		version          INT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_role ON accounts (role)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_banned ON accounts (is_banned) WHERE is_banned`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id                UUID PRIMARY KEY,
		from_account_id   UUID REFERENCES accounts (id),
		to_account_id     UUID REFERENCES accounts (id),
		amount            NUMERIC(24,4) NOT NULL CHECK (amount > 0),
		kind              TEXT NOT NULL CHECK (kind IN ('manual', 'daily-mint', 'request', 'reversal', 'chip-recovery')),
		status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'reversed', 'failed')),
		idempotency_key   TEXT,
		is_reversal       BOOLEAN NOT NULL DEFAULT FALSE,
		original_tx_id    UUID REFERENCES transactions (id),
		reversed_by_tx_id UUID,
		admin_id          UUID,
		admin_ip          TEXT NOT NULL DEFAULT '',
		admin_user_agent  TEXT NOT NULL DEFAULT '',
		batch_id          UUID,
		reason            TEXT NOT NULL DEFAULT '',
		recovered_from    UUID,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency_key
		ON transactions (idempotency_key)
		WHERE idempotency_key IS NOT NULL AND idempotency_key != ''`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions (from_account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions (to_account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_batch ON transactions (batch_id) WHERE batch_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status, kind)`,

	`CREATE TABLE IF NOT EXISTS bulk_jobs (
		id               UUID PRIMARY KEY,
		admin_id         UUID NOT NULL,
		admin_ip         TEXT NOT NULL DEFAULT '',
		admin_user_agent TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'running', 'completed', 'failed')),
		attempts         INT NOT NULL DEFAULT 0,
		job_rows         JSONB NOT NULL DEFAULT '[]',
		success_count    INT NOT NULL DEFAULT 0,
		failed_count     INT NOT NULL DEFAULT 0,
		row_errors       JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bulk_jobs_status ON bulk_jobs (status, created_at)`,
}

// Migrate bootstraps the schema on the given handle.
func Migrate(db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("schema bootstrap complete")
	return nil
}
