package database

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS otp_deliveries (
    id              UUID PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    recipient       TEXT NOT NULL,
    attempts        INT NOT NULL,
    delivered_at    TIMESTAMPTZ NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_otp_deliveries_expires_at ON otp_deliveries (expires_at);

CREATE TABLE IF NOT EXISTS otp_delivery_attempts (
    id              UUID PRIMARY KEY,
    idempotency_key TEXT NOT NULL,
    recipient       TEXT NOT NULL,
    attempt         INT NOT NULL,
    status          TEXT NOT NULL,
    error_message   TEXT NOT NULL DEFAULT '',
    duration_ms     BIGINT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_otp_delivery_attempts_key ON otp_delivery_attempts (idempotency_key);
`

// EnsureSchema creates the dispatcher tables when they are missing.
func EnsureSchema(ctx context.Context, db PgxIface) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
