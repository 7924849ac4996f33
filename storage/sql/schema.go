package sql

import (
	"context"
	"fmt"
)

// migrate runs a dialect's schema statements idempotently (every statement
// uses CREATE TABLE/INDEX IF NOT EXISTS). This module has exactly one
// schema generation and four entities; a migration-version ledger would be
// ceremony without a second version to migrate from.
func migrate(ctx context.Context, c *conn, statements []string) error {
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sql: apply schema: %w", err)
		}
	}
	return nil
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		provider_local_url TEXT NOT NULL,
		provider_github_oauth2_url TEXT NOT NULL,
		provider_microsoft_oauth2_url TEXT NOT NULL,
		user_allow_register BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		locale TEXT NOT NULL,
		timezone TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		password_allow_reset BOOLEAN NOT NULL,
		password_require_update BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	// email is stored case-preserving; uniqueness and lookup are
	// case-insensitive, hence the expression index instead of a plain
	// UNIQUE column constraint.
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (LOWER(email))`,
	`CREATE TABLE IF NOT EXISTS keys (
		id TEXT PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		is_revoked BOOLEAN NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL UNIQUE,
		service_id TEXT REFERENCES services(id),
		user_id TEXT REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS keys_service_user_type_idx ON keys (service_id, user_id, type)`,
	// Enforces "at most one enabled, non-revoked Token-type key
	// per (service, user)" at the database level. Postgres and SQLite3
	// support partial unique indexes and both carry this one; MySQL has
	// none, so there the only guard is key.Manager.CreateUser's
	// read-then-create check, which runs as two separate store calls.
	`CREATE UNIQUE INDEX IF NOT EXISTS keys_one_live_token_idx ON keys (service_id, user_id)
		WHERE type = 'Token' AND is_enabled = true AND is_revoked = false`,
	`CREATE TABLE IF NOT EXISTS audits (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		correlation_id TEXT NOT NULL,
		service_id TEXT,
		user_id TEXT,
		user_key_id TEXT,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		subject TEXT,
		data JSONB,
		status_code INTEGER NOT NULL,
		terminal BOOLEAN NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audits_created_at_idx ON audits (created_at, id)`,
	`CREATE INDEX IF NOT EXISTS audits_correlation_id_idx ON audits (correlation_id)`,
	`CREATE TABLE IF NOT EXISTS csrf (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		service_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS csrf_expires_at_idx ON csrf (expires_at)`,
	`CREATE TABLE IF NOT EXISTS oauth2_code (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		service_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS oauth2_code_expires_at_idx ON oauth2_code (expires_at)`,
}

var schemaMySQL = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id VARCHAR(191) PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		provider_local_url TEXT NOT NULL,
		provider_github_oauth2_url TEXT NOT NULL,
		provider_microsoft_oauth2_url TEXT NOT NULL,
		user_allow_register BOOLEAN NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	// MySQL's default utf8mb4 collation is already case-insensitive, so the
	// plain UNIQUE constraint gives case-insensitive uniqueness while the
	// stored value keeps the caller's case.
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(191) PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		name TEXT NOT NULL,
		email VARCHAR(320) NOT NULL UNIQUE,
		locale VARCHAR(32) NOT NULL,
		timezone VARCHAR(64) NOT NULL,
		password_hash TEXT NOT NULL,
		password_allow_reset BOOLEAN NOT NULL,
		password_require_update BOOLEAN NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS keys (
		id VARCHAR(191) PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		is_revoked BOOLEAN NOT NULL,
		type VARCHAR(32) NOT NULL,
		name TEXT NOT NULL,
		value VARCHAR(191) NOT NULL UNIQUE,
		service_id VARCHAR(191),
		user_id VARCHAR(191),
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX keys_service_user_type_idx (service_id, user_id, type)
	)`,
	`CREATE TABLE IF NOT EXISTS audits (
		id VARCHAR(191) PRIMARY KEY,
		created_at DATETIME(6) NOT NULL,
		correlation_id VARCHAR(191) NOT NULL,
		service_id VARCHAR(191),
		user_id VARCHAR(191),
		user_key_id VARCHAR(191),
		type VARCHAR(64) NOT NULL,
		path TEXT NOT NULL,
		subject VARCHAR(191),
		data JSON,
		status_code INTEGER NOT NULL,
		terminal BOOLEAN NOT NULL,
		INDEX audits_created_at_idx (created_at, id),
		INDEX audits_correlation_id_idx (correlation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS csrf (
		id VARCHAR(191) PRIMARY KEY,
		value TEXT NOT NULL,
		service_id VARCHAR(191) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		INDEX csrf_expires_at_idx (expires_at)
	)`,
	`CREATE TABLE IF NOT EXISTS oauth2_code (
		id VARCHAR(191) PRIMARY KEY,
		value TEXT NOT NULL,
		service_id VARCHAR(191) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		INDEX oauth2_code_expires_at_idx (expires_at)
	)`,
}

var schemaSQLite3 = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		provider_local_url TEXT NOT NULL,
		provider_github_oauth2_url TEXT NOT NULL,
		provider_microsoft_oauth2_url TEXT NOT NULL,
		user_allow_register BOOLEAN NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	// NOCASE keeps uniqueness case-insensitive while the stored value keeps
	// the caller's case.
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL COLLATE NOCASE UNIQUE,
		locale TEXT NOT NULL,
		timezone TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		password_allow_reset BOOLEAN NOT NULL,
		password_require_update BOOLEAN NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS keys (
		id TEXT PRIMARY KEY,
		is_enabled BOOLEAN NOT NULL,
		is_revoked BOOLEAN NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL UNIQUE,
		service_id TEXT,
		user_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS keys_service_user_type_idx ON keys (service_id, user_id, type)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS keys_one_live_token_idx ON keys (service_id, user_id)
		WHERE type = 'Token' AND is_enabled = 1 AND is_revoked = 0`,
	`CREATE TABLE IF NOT EXISTS audits (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		correlation_id TEXT NOT NULL,
		service_id TEXT,
		user_id TEXT,
		user_key_id TEXT,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		subject TEXT,
		data TEXT,
		status_code INTEGER NOT NULL,
		terminal BOOLEAN NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audits_created_at_idx ON audits (created_at, id)`,
	`CREATE INDEX IF NOT EXISTS audits_correlation_id_idx ON audits (correlation_id)`,
	`CREATE TABLE IF NOT EXISTS csrf (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		service_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS csrf_expires_at_idx ON csrf (expires_at)`,
	`CREATE TABLE IF NOT EXISTS oauth2_code (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		service_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS oauth2_code_expires_at_idx ON oauth2_code (expires_at)`,
}
