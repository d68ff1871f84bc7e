package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		customer_id    TEXT PRIMARY KEY,
		email          TEXT NOT NULL UNIQUE,
		phone          TEXT UNIQUE,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		phone_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS otp_records (
		id              TEXT PRIMARY KEY,
		contact_key     TEXT NOT NULL,
		email           TEXT,
		phone           TEXT,
		otp_code        TEXT NOT NULL,
		purpose         TEXT NOT NULL,
		delivery_method TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		used_at         TIMESTAMPTZ,
		attempts_count  INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL,
		CONSTRAINT otp_records_one_contact CHECK ((email IS NULL) <> (phone IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS otp_records_contact_purpose_created_idx
		ON otp_records (contact_key, purpose, created_at DESC)`,
}

// EnsureSchema creates the tables and indexes if they don't already exist.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	slog.Info("postgres schema ready")
	return nil
}
