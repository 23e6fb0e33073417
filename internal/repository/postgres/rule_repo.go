package postgres

/*
Файл rule_repo.go отвечает за хранение правил авторизации трат и их назначений пользователям.
Горячий путь движка читает правила из MemoRuleStore; этот репозиторий - источник истины.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/policy"
)

const ruleColumns = `id, name, kind, enabled, priority, transaction_classes, fallback_action, params, created_at, updated_at`

type RuleRepo struct {
	db *sql.DB
}

func NewRuleRepo(db *sql.DB) *RuleRepo {
	return &RuleRepo{db: db}
}

// ListRules - холодная загрузка всех правил (включая выключенные) для кэша и консоли.
func (r *RuleRepo) ListRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query rules: %w", err)
	}
	return scanRules(rows)
}

// ListActiveRules - прямое чтение без кэша: включенные правила пользователя и "*" для класса.
func (r *RuleRepo) ListActiveRules(ctx context.Context, userID string, class domain.TransactionClass) ([]domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules r
		WHERE r.enabled
		  AND EXISTS (SELECT 1 FROM rule_assignments a WHERE a.rule_id = r.id AND a.user_id IN ($1, $2))
		  AND (jsonb_array_length(r.transaction_classes) = 0
		       OR r.transaction_classes ? $3
		       OR r.transaction_classes ? 'all')
		ORDER BY r.priority DESC, r.created_at ASC, r.id ASC`

	rows, err := r.db.QueryContext(ctx, query, userID, policy.WildcardUser, string(class))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query active rules: %w", err)
	}
	return scanRules(rows)
}

func (r *RuleRepo) ListAssignments(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, rule_id FROM rule_assignments ORDER BY user_id, rule_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var userID, ruleID string
		if err := rows.Scan(&userID, &ruleID); err != nil {
			return nil, fmt.Errorf("postgres: scan assignment: %w", err)
		}
		out[userID] = append(out[userID], ruleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func (r *RuleRepo) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get rule: %w", err)
	}
	return rule, nil
}

func (r *RuleRepo) CreateRule(ctx context.Context, rule *domain.Rule) error {
	classes, params, err := encodeRule(rule)
	if err != nil {
		return err
	}
	query := `INSERT INTO rules (` + ruleColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, string(rule.Kind), rule.Enabled, rule.Priority,
		classes, string(rule.FallbackAction), params, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create rule: %w", err)
	}
	return nil
}

func (r *RuleRepo) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	classes, params, err := encodeRule(rule)
	if err != nil {
		return err
	}
	query := `
		UPDATE rules
		SET name = $2, kind = $3, enabled = $4, priority = $5,
		    transaction_classes = $6, fallback_action = $7, params = $8, updated_at = $9
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, string(rule.Kind), rule.Enabled, rule.Priority,
		classes, string(rule.FallbackAction), params, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update rule: %w", err)
	}
	return expectOne(res)
}

// DeleteRule удаляет правило; назначения уходят каскадом.
func (r *RuleRepo) DeleteRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete rule: %w", err)
	}
	return expectOne(res)
}

func (r *RuleRepo) Assign(ctx context.Context, userID, ruleID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rule_assignments (user_id, rule_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, ruleID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: failed to assign rule: %w", err)
	}
	return nil
}

func (r *RuleRepo) Unassign(ctx context.Context, userID, ruleID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM rule_assignments WHERE user_id = $1 AND rule_id = $2`, userID, ruleID); err != nil {
		return fmt.Errorf("postgres: failed to unassign rule: %w", err)
	}
	return nil
}

func encodeRule(rule *domain.Rule) ([]byte, []byte, error) {
	if err := rule.Normalize(); err != nil {
		return nil, nil, fmt.Errorf("postgres: invalid rule params: %w", err)
	}
	classes := rule.TransactionClasses
	if classes == nil {
		classes = []domain.TransactionClass{}
	}
	rawClasses, err := json.Marshal(classes)
	if err != nil {
		return nil, nil, err
	}
	params := []byte(rule.RawParams)
	if len(params) == 0 {
		params = []byte(`{}`)
	}
	return rawClasses, params, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.Rule, error) {
	var (
		rule             domain.Rule
		kind, fallback   string
		classes, params  []byte
		created, updated time.Time
	)
	if err := s.Scan(&rule.ID, &rule.Name, &kind, &rule.Enabled, &rule.Priority,
		&classes, &fallback, &params, &created, &updated); err != nil {
		return nil, err
	}
	rule.Kind = domain.RuleKind(kind)
	rule.FallbackAction = domain.FallbackAction(fallback)
	rule.CreatedAt, rule.UpdatedAt = created, updated
	if len(classes) > 0 {
		if err := json.Unmarshal(classes, &rule.TransactionClasses); err != nil {
			return nil, fmt.Errorf("decode transaction_classes of %s: %w", rule.ID, err)
		}
	}
	rule.RawParams = json.RawMessage(params)
	// битые параметры - правило загружается, но не срабатывает
	rule.Params, _ = domain.ParseParams(rule.Kind, rule.RawParams)
	return &rule, nil
}

func scanRules(rows *sql.Rows) ([]domain.Rule, error) {
	defer rows.Close()
	out := make([]domain.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
