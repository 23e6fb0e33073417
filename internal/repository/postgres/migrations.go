package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

type migration struct {
	version int
	name    string
	sql     string
}

// Ключ advisory lock: мигрирует только один инстанс.
const migrationLockKey int64 = 0x61677061

var migrations = []migration{
	{1, "rules_and_decisions", `
CREATE TABLE IF NOT EXISTS rules (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    kind                TEXT NOT NULL,
    enabled             BOOLEAN NOT NULL DEFAULT TRUE,
    priority            INT NOT NULL DEFAULT 0,
    transaction_classes JSONB NOT NULL DEFAULT '[]',
    fallback_action     TEXT NOT NULL DEFAULT '',
    params              JSONB NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rule_assignments (
    user_id    TEXT NOT NULL,
    rule_id    TEXT NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, rule_id)
);

CREATE TABLE IF NOT EXISTS decisions (
    id                TEXT PRIMARY KEY,
    schema_version    INT NOT NULL,
    user_id           TEXT NOT NULL,
    transaction_class TEXT NOT NULL,
    amount            BIGINT NOT NULL,
    status            TEXT NOT NULL,
    request           JSONB NOT NULL,
    decision          JSONB NOT NULL,
    tx_reference      TEXT,
    nonce             TEXT,
    receipt           JSONB,
    reviewer_id       TEXT,
    comment           TEXT,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS decisions_user_created_idx ON decisions (user_id, created_at);
CREATE INDEX IF NOT EXISTS decisions_status_idx ON decisions (status);
CREATE UNIQUE INDEX IF NOT EXISTS decisions_tx_reference_idx ON decisions (tx_reference) WHERE tx_reference IS NOT NULL;
`},
	{2, "payments", `
CREATE TABLE IF NOT EXISTS payment_nonces (
    nonce        TEXT PRIMARY KEY,
    tx_reference TEXT NOT NULL,
    payer        TEXT NOT NULL DEFAULT '',
    amount       TEXT NOT NULL,
    mint         TEXT NOT NULL,
    status       TEXT NOT NULL,
    verified     BOOLEAN NOT NULL DEFAULT FALSE,
    verified_at  TIMESTAMPTZ,
    note         TEXT NOT NULL DEFAULT '',
    expires_at   TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_audit (
    id           UUID PRIMARY KEY,
    trace_id     TEXT NOT NULL,
    kind         TEXT NOT NULL,
    nonce        TEXT,
    tx_reference TEXT,
    payer        TEXT,
    pay_to       TEXT,
    mint         TEXT,
    network      TEXT,
    amount       TEXT,
    outcome      TEXT NOT NULL,
    reason       TEXT,
    details      JSONB,
    duration_ms  BIGINT NOT NULL DEFAULT 0,
    timestamp    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payment_audit_nonce_idx ON payment_audit (nonce);
`},
	// транзакция погашается одним nonce; отклоненный nonce ее освобождает
	{3, "payment_tx_single_use", `
CREATE UNIQUE INDEX IF NOT EXISTS ` + txActiveIndex + ` ON payment_nonces (tx_reference) WHERE status <> 'REJECTED';
`},
}

// Migrate применяет недостающие миграции по порядку, каждую в своей транзакции.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	// advisory lock живет на соединении, поэтому держим одно
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("postgres: migrate lock: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("postgres: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan schema version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("postgres: begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("postgres: migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("postgres: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("postgres: commit migration %d: %w", m.version, err)
		}
		logger.Info("migration applied", zap.Int("version", m.version), zap.String("name", m.name))
	}
	return nil
}
