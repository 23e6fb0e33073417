package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agentpay-gate/internal/audit"
)

// AuditRepo реализует audit.StorageInterface: пакетная вставка в payment_audit.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице payment_audit
	const numFields = 15
	placeholders := make([]string, 0, len(events))
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		ph := make([]string, numFields)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", p+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")

		var details []byte
		if len(e.Details) > 0 {
			details, _ = json.Marshal(e.Details)
		}

		vals = append(vals,
			e.ID, e.TraceID, e.Kind, e.Nonce, e.TxReference, e.Payer, e.PayTo, e.Mint,
			e.Network, e.Amount, e.Outcome, e.Reason, details, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO payment_audit (id, trace_id, kind, nonce, tx_reference, payer, pay_to, mint, network, amount, outcome, reason, details, duration_ms, timestamp) VALUES " +
		strings.Join(placeholders, ", ")

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: audit batch insert: %w", err)
	}
	return nil
}

// FetchEvents - события аудита для консоли, новые первыми. Пустой nonce не фильтрует.
func (r *AuditRepo) FetchEvents(ctx context.Context, nonce string, limit int) ([]audit.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, trace_id, kind, COALESCE(nonce, ''), COALESCE(tx_reference, ''), COALESCE(payer, ''),
	                 COALESCE(pay_to, ''), COALESCE(mint, ''), COALESCE(network, ''), COALESCE(amount, ''),
	                 outcome, COALESCE(reason, ''), details, duration_ms, timestamp
	          FROM payment_audit`
	var args []interface{}
	if nonce != "" {
		query += " WHERE nonce = $1"
		args = append(args, nonce)
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]audit.AuditEvent, 0)
	for rows.Next() {
		var (
			e       audit.AuditEvent
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Kind, &e.Nonce, &e.TxReference, &e.Payer,
			&e.PayTo, &e.Mint, &e.Network, &e.Amount, &e.Outcome, &e.Reason, &details, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}
