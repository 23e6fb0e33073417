package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/policy"
	"github.com/xela07ax/agentpay-gate/internal/repository/memory"
	"go.uber.org/zap"
)

// Property: без правил ни один запрос не разрешается.
func TestDenyByDefaultProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	e := policy.NewEngine(memory.NewRuleStore(), memory.NewDecisionLedger(), zap.NewNop())

	properties.Property("no rules never allows", prop.ForAll(
		func(amount int64, merchant, category string) bool {
			d, err := e.Evaluate(context.Background(), domain.TransactionRequest{
				UserID: "u", Counterparty: merchant, Category: category, Amount: amount,
			})
			return err == nil && !d.Allowed && !d.RequiresApproval
		},
		gen.Int64Range(1, 1<<40),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: сумма разрешенных трат за период не превышает лимит при любой последовательности.
func TestBudgetNeverExceededProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	now := time.Date(2025, time.May, 14, 10, 30, 0, 0, time.UTC)

	properties.Property("approved spend stays within budget", prop.ForAll(
		func(limit int64, amounts []int64) bool {
			rules := memory.NewRuleStore()
			ctx := context.Background()
			r := domain.Rule{ID: "b", Kind: domain.KindBudget, Enabled: true,
				Params: domain.BudgetParams{MaxAmount: limit, Period: domain.PeriodDaily}}
			if rules.CreateRule(ctx, &r) != nil || rules.Assign(ctx, "u", "b") != nil {
				return false
			}
			e := policy.NewEngine(rules, memory.NewDecisionLedger(), zap.NewNop(),
				policy.WithClock(func() time.Time { return now }))

			var spent int64
			for _, a := range amounts {
				d, err := e.Evaluate(ctx, domain.TransactionRequest{UserID: "u", Counterparty: "m", Amount: a})
				if err != nil {
					return false
				}
				if d.Allowed {
					spent += a
				}
			}
			return spent <= limit
		},
		gen.Int64Range(1, 10000),
		gen.SliceOf(gen.Int64Range(1, 3000)),
	))

	properties.TestingRun(t)
}

// Property: жесткий отказ правила с наивысшим приоритетом нельзя перекрыть правилами ниже.
func TestHighestPriorityHardFailWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("blocked merchant is always denied", prop.ForAll(
		func(merchant string, lowPriority int) bool {
			if merchant == "" {
				return true
			}
			rules := memory.NewRuleStore()
			ctx := context.Background()
			block := domain.Rule{ID: "block", Kind: domain.KindMerchant, Enabled: true, Priority: 1000,
				Params: domain.MerchantParams{ListParams: domain.ListParams{Block: []string{merchant}}}}
			allow := domain.Rule{ID: "allow", Kind: domain.KindMerchant, Enabled: true, Priority: lowPriority,
				FallbackAction: domain.FallbackApprove,
				Params:         domain.MerchantParams{ListParams: domain.ListParams{Allow: []string{merchant}}}}
			for _, r := range []*domain.Rule{&block, &allow} {
				if rules.CreateRule(ctx, r) != nil || rules.Assign(ctx, "u", r.ID) != nil {
					return false
				}
			}
			e := policy.NewEngine(rules, memory.NewDecisionLedger(), zap.NewNop())
			d, err := e.Evaluate(ctx, domain.TransactionRequest{UserID: "u", Counterparty: merchant, Amount: 1})
			return err == nil && !d.Allowed && d.Outcomes[0].RuleID == "block"
		},
		gen.AlphaString(),
		gen.IntRange(-100, 999),
	))

	properties.TestingRun(t)
}
