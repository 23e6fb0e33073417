package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// Result - итог проверки одного правила.
//
// Matched=false: правило не применимо к запросу и в решении не участвует.
// Passed=false без RequiresApproval - жесткий отказ, дальнейшие правила не проверяются.
type Result struct {
	Matched          bool
	Passed           bool
	Reason           string
	RequiresApproval bool
	FlaggedForReview bool
}

func (r Result) HardFail() bool {
	return r.Matched && !r.Passed && !r.RequiresApproval
}

// Env - внешние данные, необходимые правилам. Evaluate сам ничего не читает.
type Env struct {
	Now      time.Time
	Location *time.Location
	Spent    int64 // потрачено за период бюджетного правила
}

var unmatched = Result{}

func pass() Result { return Result{Matched: true, Passed: true} }

func fail(format string, args ...any) Result {
	return Result{Matched: true, Reason: fmt.Sprintf(format, args...)}
}

// fallback применяет FallbackAction правила. Пустое действие - отказ.
func fallback(action domain.FallbackAction, reason string) Result {
	switch action {
	case domain.FallbackApprove:
		return Result{Matched: true, Passed: true, Reason: reason}
	case domain.FallbackFlagReview:
		return Result{Matched: true, Passed: true, FlaggedForReview: true, Reason: reason}
	case domain.FallbackRequireApproval:
		return Result{Matched: true, RequiresApproval: true, Reason: reason}
	default:
		return Result{Matched: true, Reason: reason}
	}
}

// Evaluate - чистая функция проверки одного правила.
// Битые параметры (Params == nil) означают "правило не сработало".
func Evaluate(rule *domain.Rule, req *domain.TransactionRequest, env Env) Result {
	switch p := rule.Params.(type) {
	case domain.BudgetParams:
		return evalBudget(p, req, env)
	case domain.TransactionSizeParams:
		return evalTransactionSize(p, req)
	case domain.MerchantParams:
		return evalList("Merchant", p.ListParams, req.Counterparty, req.Amount, rule.FallbackAction)
	case domain.CategoryParams:
		if req.Category == "" {
			return unmatched
		}
		return evalList("Category", p.ListParams, req.Category, req.Amount, rule.FallbackAction)
	case domain.PurposeParams:
		if req.Purpose == "" {
			return unmatched
		}
		return evalList("Purpose", p.ListParams, req.Purpose, req.Amount, rule.FallbackAction)
	case domain.TimeWindowParams:
		return evalTimeWindow(p, req, env)
	case domain.AgentParams:
		return evalAgent(p, req)
	case domain.CompositeParams:
		return evalComposite(p, req, env)
	default:
		return unmatched
	}
}

func evalBudget(p domain.BudgetParams, req *domain.TransactionRequest, env Env) Result {
	if p.MaxAmount <= 0 || !p.Period.Valid() {
		return unmatched
	}
	if env.Spent >= p.MaxAmount || req.Amount > p.MaxAmount-env.Spent {
		return fail("Would exceed %s budget of %d (current spending: %d)", p.Period, p.MaxAmount, env.Spent)
	}
	return pass()
}

func evalTransactionSize(p domain.TransactionSizeParams, req *domain.TransactionRequest) Result {
	if p.MaxTransactionAmount <= 0 {
		return unmatched
	}
	if req.Amount > p.MaxTransactionAmount {
		return fail("Exceeds transaction limit of %d", p.MaxTransactionAmount)
	}
	return pass()
}

// evalList - общий allow/block список. Блок и промах мимо allow - жесткий отказ,
// превышение собственного лимита списка уходит в fallback.
func evalList(label string, p domain.ListParams, value string, amount int64, action domain.FallbackAction) Result {
	if p.Empty() {
		return unmatched
	}
	if containsFold(p.Block, value) {
		return fail("%s %q is blocked", label, value)
	}
	if len(p.Allow) > 0 && !containsFold(p.Allow, value) {
		return fail("%s %q is not in the allowed list", label, value)
	}
	if p.MaxAmount > 0 && amount > p.MaxAmount {
		return fallback(action, fmt.Sprintf("Amount %d exceeds %s limit of %d", amount, strings.ToLower(label), p.MaxAmount))
	}
	return pass()
}

func evalTimeWindow(p domain.TimeWindowParams, req *domain.TransactionRequest, env Env) Result {
	if len(p.Ranges) == 0 && len(p.DaysOfWeek) == 0 {
		return unmatched
	}
	tod, dow := req.Clock(env.Now, env.Location)
	at, ok := parseClock(tod)
	if !ok {
		return unmatched
	}

	if len(p.DaysOfWeek) > 0 {
		allowed := false
		for _, d := range p.DaysOfWeek {
			if d < 0 || d > 6 {
				return unmatched
			}
			if d == dow {
				allowed = true
			}
		}
		if !allowed {
			return fail("Purchases are not allowed on this day of the week")
		}
	}

	if len(p.Ranges) > 0 {
		windows := make([]string, 0, len(p.Ranges))
		inside := false
		for _, r := range p.Ranges {
			start, ok1 := parseClock(r.Start)
			end, ok2 := parseClock(r.End)
			if !ok1 || !ok2 {
				return unmatched
			}
			windows = append(windows, r.Start+"-"+r.End)
			if inRange(at, start, end) {
				inside = true
			}
		}
		if !inside {
			return fail("Purchases are only allowed during %s", strings.Join(windows, ", "))
		}
	}
	return pass()
}

// inRange: границы включительно, окно через полночь (22:00-06:00) поддерживается.
func inRange(at, start, end int) bool {
	if start <= end {
		return at >= start && at <= end
	}
	return at >= start || at <= end
}

// parseClock разбирает HH:MM в минуты от полуночи.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}

func evalAgent(p domain.AgentParams, req *domain.TransactionRequest) Result {
	if !req.HasAgentContext() {
		return unmatched
	}

	checks := []struct {
		label, value   string
		allow, blocked []string
	}{
		{"Agent name", req.AgentName, p.AllowedNames, p.BlockedNames},
		{"Agent type", req.AgentType, p.AllowedTypes, p.BlockedTypes},
		{"Recipient agent", req.CounterpartyAgent, p.AllowedCounterparties, p.BlockedCounterparties},
	}
	matched := false
	for _, c := range checks {
		if len(c.allow) == 0 && len(c.blocked) == 0 {
			continue
		}
		matched = true
		if c.value != "" && containsFold(c.blocked, c.value) {
			return fail("%s %q is blocked", c.label, c.value)
		}
		if len(c.allow) > 0 && !containsFold(c.allow, c.value) {
			if c.value == "" {
				return fail("%s is required by policy", c.label)
			}
			return fail("%s %q is not in the allowed list", c.label, c.value)
		}
	}
	if !matched {
		return unmatched
	}
	return pass()
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
