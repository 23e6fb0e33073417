package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// Частичный уникальный индекс: одна транзакция на живой nonce.
const txActiveIndex = "payment_nonces_tx_active_idx"

// NonceRepo - журнал nonce в Postgres. Записи не удаляются: повтор отсекается навсегда.
type NonceRepo struct {
	db *sql.DB
}

func NewNonceRepo(db *sql.DB) *NonceRepo {
	return &NonceRepo{db: db}
}

func (r *NonceRepo) Get(ctx context.Context, nonce string) (*domain.NonceRecord, error) {
	query := `SELECT nonce, tx_reference, payer, amount, mint, status, verified, verified_at, note, expires_at, created_at, updated_at
	          FROM payment_nonces WHERE nonce = $1`

	var (
		rec        domain.NonceRecord
		status     string
		verifiedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, nonce).Scan(
		&rec.Nonce, &rec.TxReference, &rec.Payer, &rec.Amount, &rec.Mint, &status,
		&rec.Verified, &verifiedAt, &rec.Note, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get nonce: %w", err)
	}
	rec.Status = domain.NonceStatus(status)
	if verifiedAt.Valid {
		at := verifiedAt.Time
		rec.VerifiedAt = &at
	}
	return &rec, nil
}

// ClaimIfAbsent - захват через PRIMARY KEY: из параллельных вставок проходит одна.
// Конфликт по txActiveIndex - транзакция уже закреплена за другим nonce.
func (r *NonceRepo) ClaimIfAbsent(ctx context.Context, rec domain.NonceRecord) (bool, error) {
	query := `
		INSERT INTO payment_nonces (nonce, tx_reference, payer, amount, mint, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (nonce) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		rec.Nonce, rec.TxReference, rec.Payer, rec.Amount, rec.Mint, string(rec.Status),
		rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == txActiveIndex {
			return false, domain.ErrTxReused
		}
		return false, fmt.Errorf("postgres: failed to claim nonce: %w", err)
	}
	return affected(res)
}

func (r *NonceRepo) Transition(ctx context.Context, nonce string, from, to domain.NonceStatus, at time.Time, note string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_nonces SET status = $3, note = $4, updated_at = $5
		WHERE nonce = $1 AND status = $2`,
		nonce, string(from), string(to), note, at)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to transition nonce: %w", err)
	}
	return affected(res)
}

func (r *NonceRepo) MarkVerified(ctx context.Context, nonce, payer string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_nonces
		SET status = 'VERIFIED', verified = TRUE, verified_at = $3, payer = $2, updated_at = $3
		WHERE nonce = $1 AND status = 'CLAIMED'`,
		nonce, payer, at)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to mark nonce verified: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return n == 1, nil
}
