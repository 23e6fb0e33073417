package postgres

/*
Файл decision_repo.go - журнал решений: основа учета трат по бюджетам и очереди ручных подтверждений.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/policy"
)

const decisionColumns = `id, schema_version, status, request, decision, tx_reference, nonce, receipt, reviewer_id, comment, created_at, updated_at`

// DecisionRepo реализует policy.Ledger поверх Postgres.
type DecisionRepo struct {
	db *sql.DB
}

func NewDecisionRepo(db *sql.DB) *DecisionRepo {
	return &DecisionRepo{db: db}
}

// Serialize выполняет fn в транзакции под advisory lock пользователя:
// чтение потраченной суммы и запись решения не пересекаются с параллельными запросами.
func (r *DecisionRepo) Serialize(ctx context.Context, userID string, fn func(ctx context.Context, tx policy.LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("postgres: ledger lock: %w", err)
	}
	if err := fn(ctx, ledgerTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

type ledgerTx struct {
	q execer
}

func (t ledgerTx) SumApprovedSpend(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM decisions
		WHERE user_id = $1 AND status IN ('APPROVED', 'FLAGGED') AND created_at >= $2`,
		userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum spend: %w", err)
	}
	return total, nil
}

func (t ledgerTx) RecordDecision(ctx context.Context, rec *domain.DecisionRecord) error {
	return insertDecision(ctx, t.q, rec)
}

// RecordSettlement - оплата услуги без предварительного решения (agent-to-agent).
func (r *DecisionRepo) RecordSettlement(ctx context.Context, rec *domain.DecisionRecord) error {
	return r.Serialize(ctx, rec.Request.UserID, func(ctx context.Context, tx policy.LedgerTx) error {
		return tx.RecordDecision(ctx, rec)
	})
}

// AttachSettlement привязывает оплату к разрешенному решению. Повторная привязка запрещена.
func (r *DecisionRepo) AttachSettlement(ctx context.Context, decisionID string, st domain.Settlement) error {
	receipt, err := json.Marshal(st.Receipt)
	if err != nil {
		return fmt.Errorf("postgres: encode receipt: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE decisions
		SET tx_reference = $2, nonce = $3, receipt = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ('APPROVED', 'FLAGGED') AND tx_reference IS NULL`,
		decisionID, st.TxReference, st.Nonce, receipt)
	if err != nil {
		return fmt.Errorf("postgres: attach settlement: %w", err)
	}
	err = expectOne(res)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	// строк нет: неверный ID, решение не разрешено или оплата уже привязана
	if _, err := r.GetDecision(ctx, decisionID); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func (r *DecisionRepo) GetDecision(ctx context.Context, id string) (*domain.DecisionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	rec, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get decision: %w", err)
	}
	return rec, nil
}

// ListDecisions - история решений, новые первыми. Пустые userID и status не фильтруют.
func (r *DecisionRepo) ListDecisions(ctx context.Context, userID string, status domain.DecisionStatus, limit int) ([]domain.DecisionRecord, error) {
	var (
		where []string
		args  []any
	)
	if userID != "" {
		args = append(args, userID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, string(status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + decisionColumns + ` FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query decisions: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.DecisionRecord, 0)
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan decision: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// UpdateDecisionStatus атомарно переводит PENDING_APPROVAL в APPROVED или REJECTED.
// Условие WHERE status = 'PENDING_APPROVAL' исключает двойное решение.
func (r *DecisionRepo) UpdateDecisionStatus(ctx context.Context, d domain.ApprovalDecision) (*domain.DecisionRecord, error) {
	if d.Status != domain.StatusApproved && d.Status != domain.StatusRejected {
		return nil, domain.ErrInvalidTransition
	}
	query := `
		UPDATE decisions
		SET status = $2, reviewer_id = $3, comment = $4, updated_at = $5
		WHERE id = $1 AND status = 'PENDING_APPROVAL'
		RETURNING ` + decisionColumns

	row := r.db.QueryRowContext(ctx, query, d.DecisionID, string(d.Status), d.ReviewerID, d.Comment, d.DecidedAt)
	rec, err := scanDecision(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: failed to update decision status: %w", err)
	}
	// строк нет: либо неверный ID, либо решение уже принято
	if _, err := r.GetDecision(ctx, d.DecisionID); err != nil {
		return nil, err
	}
	return nil, domain.ErrAlreadyProcessed
}

func insertDecision(ctx context.Context, q execer, rec *domain.DecisionRecord) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("postgres: encode request: %w", err)
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return fmt.Errorf("postgres: encode decision: %w", err)
	}
	var receipt []byte
	if rec.Receipt != nil {
		if receipt, err = json.Marshal(rec.Receipt); err != nil {
			return fmt.Errorf("postgres: encode receipt: %w", err)
		}
	}

	query := `
		INSERT INTO decisions (id, schema_version, user_id, transaction_class, amount, status,
		                       request, decision, tx_reference, nonce, receipt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = q.ExecContext(ctx, query,
		rec.ID, rec.SchemaVersion, rec.Request.UserID, string(rec.Request.Class), rec.Request.Amount,
		string(rec.Status), request, decision,
		nullString(rec.TxReference), nullString(rec.Nonce), receipt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to record decision: %w", err)
	}
	return nil
}

func scanDecision(s scanner) (*domain.DecisionRecord, error) {
	var (
		rec                        domain.DecisionRecord
		status                     string
		request, decision, receipt []byte
		txRef, nonce               sql.NullString
		reviewerID, comment        sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.SchemaVersion, &status, &request, &decision,
		&txRef, &nonce, &receipt, &reviewerID, &comment, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.DecisionStatus(status)
	if err := json.Unmarshal(request, &rec.Request); err != nil {
		return nil, fmt.Errorf("decode request of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(decision, &rec.Decision); err != nil {
		return nil, fmt.Errorf("decode decision of %s: %w", rec.ID, err)
	}
	if len(receipt) > 0 && string(receipt) != "null" {
		rec.Receipt = &domain.Receipt{}
		if err := json.Unmarshal(receipt, rec.Receipt); err != nil {
			return nil, fmt.Errorf("decode receipt of %s: %w", rec.ID, err)
		}
	}
	rec.TxReference = txRef.String
	rec.Nonce = nonce.String
	rec.ReviewerID = reviewerID.String
	rec.Comment = comment.String
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
