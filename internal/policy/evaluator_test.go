package policy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// Среда, 14 мая 2025, 10:30 UTC
var wednesday = time.Date(2025, time.May, 14, 10, 30, 0, 0, time.UTC)

func rule(kind domain.RuleKind, params domain.RuleParams) *domain.Rule {
	return &domain.Rule{ID: string(kind), Name: string(kind), Kind: kind, Enabled: true, Params: params}
}

func TestEvaluateBudget(t *testing.T) {
	r := rule(domain.KindBudget, domain.BudgetParams{MaxAmount: 50000, Period: domain.PeriodMonthly})
	req := &domain.TransactionRequest{Amount: 6000}

	res := Evaluate(r, req, Env{Now: wednesday, Spent: 45000})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "budget")

	res = Evaluate(r, req, Env{Now: wednesday, Spent: 44000})
	assert.True(t, res.Matched)
	assert.True(t, res.Passed)

	bad := rule(domain.KindBudget, domain.BudgetParams{MaxAmount: 100, Period: "fortnightly"})
	assert.False(t, Evaluate(bad, req, Env{}).Matched)
}

// Сумма около MaxInt64 не должна переполнять проверку бюджета.
func TestEvaluateBudgetHugeAmount(t *testing.T) {
	r := rule(domain.KindBudget, domain.BudgetParams{MaxAmount: 50000, Period: domain.PeriodMonthly})

	res := Evaluate(r, &domain.TransactionRequest{Amount: math.MaxInt64}, Env{Now: wednesday, Spent: 45000})
	assert.True(t, res.HardFail())

	res = Evaluate(r, &domain.TransactionRequest{Amount: math.MaxInt64 - 100}, Env{Now: wednesday, Spent: 1000})
	assert.True(t, res.HardFail())

	res = Evaluate(r, &domain.TransactionRequest{Amount: 5000}, Env{Now: wednesday, Spent: 45000})
	assert.True(t, res.Passed)
}

func TestEvaluateTransactionSize(t *testing.T) {
	r := rule(domain.KindTransactionSize, domain.TransactionSizeParams{MaxTransactionAmount: 1000})
	assert.True(t, Evaluate(r, &domain.TransactionRequest{Amount: 1000}, Env{}).Passed)

	res := Evaluate(r, &domain.TransactionRequest{Amount: 1001}, Env{})
	assert.True(t, res.HardFail())
	assert.Equal(t, "Exceeds transaction limit of 1000", res.Reason)
}

func TestEvaluateMerchantList(t *testing.T) {
	r := rule(domain.KindMerchant, domain.MerchantParams{ListParams: domain.ListParams{Allow: []string{"Amazon", "Best Buy"}}})

	assert.True(t, Evaluate(r, &domain.TransactionRequest{Counterparty: "amazon", Amount: 10}, Env{}).Passed)

	res := Evaluate(r, &domain.TransactionRequest{Counterparty: "Sketchy Store", Amount: 10}, Env{})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "not in the allowed list")

	blocked := rule(domain.KindMerchant, domain.MerchantParams{ListParams: domain.ListParams{Block: []string{"Casino"}}})
	res = Evaluate(blocked, &domain.TransactionRequest{Counterparty: "CASINO"}, Env{})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "blocked")
}

func TestEvaluateListCapUsesFallback(t *testing.T) {
	r := rule(domain.KindMerchant, domain.MerchantParams{ListParams: domain.ListParams{Allow: []string{"Amazon"}, MaxAmount: 500}})
	req := &domain.TransactionRequest{Counterparty: "Amazon", Amount: 800}

	r.FallbackAction = domain.FallbackRequireApproval
	res := Evaluate(r, req, Env{})
	assert.True(t, res.RequiresApproval)
	assert.False(t, res.HardFail())

	r.FallbackAction = domain.FallbackFlagReview
	res = Evaluate(r, req, Env{})
	assert.True(t, res.Passed)
	assert.True(t, res.FlaggedForReview)

	r.FallbackAction = ""
	assert.True(t, Evaluate(r, req, Env{}).HardFail())
}

func TestEvaluateCategorySkippedWithoutCategory(t *testing.T) {
	r := rule(domain.KindCategory, domain.CategoryParams{ListParams: domain.ListParams{Block: []string{"gambling"}}})
	assert.False(t, Evaluate(r, &domain.TransactionRequest{Amount: 1}, Env{}).Matched)
	assert.True(t, Evaluate(r, &domain.TransactionRequest{Amount: 1, Category: "Gambling"}, Env{}).HardFail())

	p := rule(domain.KindPurpose, domain.PurposeParams{ListParams: domain.ListParams{Allow: []string{"research"}}})
	assert.False(t, Evaluate(p, &domain.TransactionRequest{}, Env{}).Matched)
	assert.True(t, Evaluate(p, &domain.TransactionRequest{Purpose: "Research"}, Env{}).Passed)
}

func TestEvaluateTimeWindow(t *testing.T) {
	r := rule(domain.KindTime, domain.TimeWindowParams{
		Ranges:     []domain.TimeRange{{Start: "09:00", End: "17:00"}},
		DaysOfWeek: []int{1, 2, 3, 4, 5},
	})

	assert.True(t, Evaluate(r, &domain.TransactionRequest{}, Env{Now: wednesday}).Passed)

	res := Evaluate(r, &domain.TransactionRequest{TimeOfDay: "18:15"}, Env{Now: wednesday})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "09:00-17:00")

	sunday := 0
	res = Evaluate(r, &domain.TransactionRequest{DayOfWeek: &sunday}, Env{Now: wednesday})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "day of the week")

	night := rule(domain.KindTime, domain.TimeWindowParams{Ranges: []domain.TimeRange{{Start: "22:00", End: "06:00"}}})
	assert.True(t, Evaluate(night, &domain.TransactionRequest{TimeOfDay: "23:30"}, Env{}).Passed)
	assert.True(t, Evaluate(night, &domain.TransactionRequest{TimeOfDay: "05:59"}, Env{}).Passed)
	assert.True(t, Evaluate(night, &domain.TransactionRequest{TimeOfDay: "12:00"}, Env{}).HardFail())

	broken := rule(domain.KindTime, domain.TimeWindowParams{Ranges: []domain.TimeRange{{Start: "9am", End: "5pm"}}})
	assert.False(t, Evaluate(broken, &domain.TransactionRequest{}, Env{Now: wednesday}).Matched)
}

func TestEvaluateTimeWindowUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	r := rule(domain.KindTime, domain.TimeWindowParams{Ranges: []domain.TimeRange{{Start: "09:00", End: "17:00"}}})
	// 10:30 UTC = 18:30 UTC+8
	assert.True(t, Evaluate(r, &domain.TransactionRequest{}, Env{Now: wednesday, Location: loc}).HardFail())
}

func TestEvaluateAgent(t *testing.T) {
	r := rule(domain.KindAgent, domain.AgentParams{
		AllowedTypes:          []string{"shopping"},
		BlockedNames:          []string{"rogue-bot"},
		BlockedCounterparties: []string{"agent-evil"},
	})

	assert.False(t, Evaluate(r, &domain.TransactionRequest{}, Env{}).Matched)
	assert.True(t, Evaluate(r, &domain.TransactionRequest{AgentName: "helper", AgentType: "Shopping"}, Env{}).Passed)

	res := Evaluate(r, &domain.TransactionRequest{AgentName: "Rogue-Bot", AgentType: "shopping"}, Env{})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "blocked")

	res = Evaluate(r, &domain.TransactionRequest{AgentName: "helper"}, Env{})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "Agent type")

	res = Evaluate(r, &domain.TransactionRequest{AgentType: "shopping", CounterpartyAgent: "agent-evil"}, Env{})
	assert.True(t, res.HardFail())
}

func TestEvaluateComposite(t *testing.T) {
	r := rule(domain.KindComposite, domain.CompositeParams{Conditions: []domain.Condition{
		{Field: "amount", Operator: "less_than", Value: float64(10000)},
		{Field: "category", Operator: "in_list", Value: []any{"books", "software"}},
	}})

	assert.True(t, Evaluate(r, &domain.TransactionRequest{Amount: 500, Category: "Books"}, Env{}).Passed)

	res := Evaluate(r, &domain.TransactionRequest{Amount: 20000, Category: "books"}, Env{})
	assert.True(t, res.HardFail())
	assert.Contains(t, res.Reason, "amount")

	assert.True(t, Evaluate(r, &domain.TransactionRequest{Amount: 1, Category: "games"}, Env{}).HardFail())

	unknown := rule(domain.KindComposite, domain.CompositeParams{Conditions: []domain.Condition{
		{Field: "shoe_size", Operator: "equals", Value: "42"},
	}})
	assert.False(t, Evaluate(unknown, &domain.TransactionRequest{Amount: 1}, Env{}).Matched)

	badOp := rule(domain.KindComposite, domain.CompositeParams{Conditions: []domain.Condition{
		{Field: "amount", Operator: "approximately", Value: 5},
	}})
	assert.False(t, Evaluate(badOp, &domain.TransactionRequest{Amount: 1}, Env{}).Matched)

	empty := rule(domain.KindComposite, domain.CompositeParams{})
	assert.False(t, Evaluate(empty, &domain.TransactionRequest{Amount: 1}, Env{}).Matched)
}

func TestEvaluateCompositeStringOperators(t *testing.T) {
	r := rule(domain.KindComposite, domain.CompositeParams{Conditions: []domain.Condition{
		{Field: "merchant", Operator: "starts_with", Value: "aws"},
		{Field: "purpose", Operator: "not_contains", Value: "personal"},
		{Field: "transaction_type", Operator: "equals", Value: "agent-to-merchant"},
		{Field: "day_of_week", Operator: "greater_than_or_equal", Value: "1"},
	}})
	req := &domain.TransactionRequest{Counterparty: "AWS Marketplace", Purpose: "ci build", Class: domain.ClassAgentToMerchant, Amount: 1}
	assert.True(t, Evaluate(r, req, Env{Now: wednesday}).Passed)

	req.Purpose = "Personal stuff"
	assert.True(t, Evaluate(r, req, Env{Now: wednesday}).HardFail())
}

func TestEvaluateMalformedParams(t *testing.T) {
	r := &domain.Rule{ID: "x", Kind: domain.KindBudget, Enabled: true}
	assert.False(t, Evaluate(r, &domain.TransactionRequest{Amount: 1}, Env{}).Matched)
}

func TestPeriodStart(t *testing.T) {
	now := wednesday
	assert.Equal(t, time.Date(2025, 5, 14, 0, 0, 0, 0, time.UTC), PeriodStart(domain.PeriodDaily, now))
	assert.Equal(t, time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC), PeriodStart(domain.PeriodWeekly, now))
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), PeriodStart(domain.PeriodMonthly, now))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), PeriodStart(domain.PeriodYearly, now))

	sunday := time.Date(2025, 5, 11, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC), PeriodStart(domain.PeriodWeekly, sunday))
}
