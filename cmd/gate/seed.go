package main

import (
	"context"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/policy"
)

// defaultRules - стартовый набор для режима без БД. Суммы в центах.
func defaultRules(now time.Time) []domain.Rule {
	return []domain.Rule{
		{
			ID: "rule-monthly-budget", Name: "Monthly Budget Limit - $5000",
			Kind: domain.KindBudget, Enabled: true, Priority: 100,
			FallbackAction: domain.FallbackDeny,
			Params:         domain.BudgetParams{MaxAmount: 500000, Period: domain.PeriodMonthly},
			CreatedAt:      now, UpdatedAt: now,
		},
		{
			ID: "rule-transaction-limit", Name: "Maximum Transaction Amount - $500",
			Kind: domain.KindTransactionSize, Enabled: true, Priority: 95,
			FallbackAction: domain.FallbackDeny,
			Params:         domain.TransactionSizeParams{MaxTransactionAmount: 50000},
			CreatedAt:      now, UpdatedAt: now,
		},
		{
			ID: "rule-daily-budget", Name: "Daily Spending Cap - $1000",
			Kind: domain.KindBudget, Enabled: true, Priority: 90,
			FallbackAction: domain.FallbackRequireApproval,
			Params:         domain.BudgetParams{MaxAmount: 100000, Period: domain.PeriodDaily},
			CreatedAt:      now, UpdatedAt: now,
		},
	}
}

type seedTarget interface {
	CreateRule(ctx context.Context, r *domain.Rule) error
	Assign(ctx context.Context, userID, ruleID string) error
}

// seedRules создает стартовые правила и назначает их всем пользователям.
func seedRules(ctx context.Context, store seedTarget) error {
	for _, r := range defaultRules(time.Now()) {
		if err := r.Normalize(); err != nil {
			return err
		}
		if err := store.CreateRule(ctx, &r); err != nil {
			return err
		}
		if err := store.Assign(ctx, policy.WildcardUser, r.ID); err != nil {
			return err
		}
	}
	return nil
}
