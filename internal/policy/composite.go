package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// evalComposite: все условия должны выполняться. Неизвестное поле или оператор -
// правило не сработало, а не отказ.
func evalComposite(p domain.CompositeParams, req *domain.TransactionRequest, env Env) Result {
	if len(p.Conditions) == 0 {
		return unmatched
	}
	for _, c := range p.Conditions {
		actual, ok := fieldValue(c.Field, req, env)
		if !ok {
			return unmatched
		}
		holds, ok := compare(actual, c.Operator, c.Value)
		if !ok {
			return unmatched
		}
		if !holds {
			return fail("Condition %q %s %v not satisfied", c.Field, c.Operator, c.Value)
		}
	}
	return pass()
}

func fieldValue(field string, req *domain.TransactionRequest, env Env) (any, bool) {
	tod, dow := req.Clock(env.Now, env.Location)
	switch strings.ToLower(strings.ReplaceAll(field, "_", "")) {
	case "amount":
		return float64(req.Amount), true
	case "merchant", "counterparty":
		return req.Counterparty, true
	case "category":
		return req.Category, true
	case "currency":
		return req.Currency, true
	case "purpose":
		return req.Purpose, true
	case "agentname":
		return req.AgentName, true
	case "agenttype":
		return req.AgentType, true
	case "recipientagent", "counterpartyagent":
		return req.CounterpartyAgent, true
	case "transactiontype":
		return string(req.Class), true
	case "timeofday":
		return tod, true
	case "dayofweek":
		return float64(dow), true
	case "productid":
		return req.ProductID, true
	}
	return nil, false
}

// compare возвращает (результат, корректность условия).
func compare(actual any, op string, expected any) (bool, bool) {
	switch op {
	case "equals":
		return equal(actual, expected)
	case "not_equals":
		eq, ok := equal(actual, expected)
		return !eq, ok
	case "greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal":
		a, ok1 := toNumber(actual)
		b, ok2 := toNumber(expected)
		if !ok1 || !ok2 {
			return false, false
		}
		switch op {
		case "greater_than":
			return a > b, true
		case "less_than":
			return a < b, true
		case "greater_than_or_equal":
			return a >= b, true
		default:
			return a <= b, true
		}
	case "contains", "not_contains", "starts_with":
		a, ok1 := actual.(string)
		b, ok2 := expected.(string)
		if !ok1 || !ok2 {
			return false, false
		}
		a, b = strings.ToLower(a), strings.ToLower(b)
		switch op {
		case "contains":
			return strings.Contains(a, b), true
		case "not_contains":
			return !strings.Contains(a, b), true
		default:
			return strings.HasPrefix(a, b), true
		}
	case "in_list", "not_in_list":
		list, ok := toList(expected)
		if !ok {
			return false, false
		}
		found := false
		for _, item := range list {
			if eq, ok := equal(actual, item); ok && eq {
				found = true
				break
			}
		}
		if op == "in_list" {
			return found, true
		}
		return !found, true
	}
	return false, false
}

func equal(actual, expected any) (bool, bool) {
	if a, ok := actual.(float64); ok {
		b, ok := toNumber(expected)
		if !ok {
			return false, false
		}
		return a == b, true
	}
	a, ok1 := actual.(string)
	if !ok1 {
		return false, false
	}
	switch b := expected.(type) {
	case string:
		return strings.EqualFold(a, b), true
	case float64, int, int64:
		return strings.EqualFold(a, fmt.Sprint(b)), true
	}
	return false, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case string:
		parts := strings.Split(l, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, true
	}
	return nil, false
}
