package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RuleKind - тип правила авторизации. Каждому типу соответствует своя структура параметров.
type RuleKind string

const (
	KindBudget          RuleKind = "budget"
	KindTransactionSize RuleKind = "transaction"
	KindMerchant        RuleKind = "merchant"
	KindCategory        RuleKind = "category"
	KindTime            RuleKind = "time"
	KindAgent           RuleKind = "agent"
	KindPurpose         RuleKind = "purpose"
	KindComposite       RuleKind = "composite"
)

// TransactionClass - класс транзакции, к которому применяется правило.
type TransactionClass string

const (
	ClassAgentToMerchant TransactionClass = "agent-to-merchant"
	ClassAgentToAgent    TransactionClass = "agent-to-agent"
	ClassAll             TransactionClass = "all"
)

// FallbackAction - вердикт, который правило применяет, когда его условия не сработали.
type FallbackAction string

const (
	FallbackApprove         FallbackAction = "approve"
	FallbackDeny            FallbackAction = "deny"
	FallbackFlagReview      FallbackAction = "flag_review"
	FallbackRequireApproval FallbackAction = "require_approval"
)

// Period - календарное окно бюджета.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly:
		return true
	}
	return false
}

var ErrUnknownRuleKind = errors.New("unknown rule kind")

// RuleParams - tagged union параметров правила. Конкретный тип определяется RuleKind.
type RuleParams interface {
	Kind() RuleKind
}

type BudgetParams struct {
	MaxAmount int64  `json:"maxAmount"`
	Period    Period `json:"period"`
}

type TransactionSizeParams struct {
	MaxTransactionAmount int64 `json:"maxTransactionAmount"`
}

// ListParams - общая часть allow/block списков. MaxAmount - собственный лимит списка,
// превышение которого уходит в FallbackAction, а не в жесткий отказ.
type ListParams struct {
	Allow     []string `json:"allow,omitempty"`
	Block     []string `json:"block,omitempty"`
	MaxAmount int64    `json:"maxAmount,omitempty"`
}

func (p ListParams) Empty() bool {
	return len(p.Allow) == 0 && len(p.Block) == 0 && p.MaxAmount == 0
}

type MerchantParams struct{ ListParams }
type CategoryParams struct{ ListParams }
type PurposeParams struct{ ListParams }

type TimeRange struct {
	Start string `json:"start"` // HH:MM
	End   string `json:"end"`   // HH:MM
}

type TimeWindowParams struct {
	Ranges     []TimeRange `json:"ranges,omitempty"`
	DaysOfWeek []int       `json:"daysOfWeek,omitempty"` // 0-6, воскресенье = 0
}

type AgentParams struct {
	AllowedNames          []string `json:"allowedAgentNames,omitempty"`
	BlockedNames          []string `json:"blockedAgentNames,omitempty"`
	AllowedTypes          []string `json:"allowedAgentTypes,omitempty"`
	BlockedTypes          []string `json:"blockedAgentTypes,omitempty"`
	AllowedCounterparties []string `json:"allowedRecipientAgents,omitempty"`
	BlockedCounterparties []string `json:"blockedRecipientAgents,omitempty"`
}

type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type CompositeParams struct {
	Conditions []Condition `json:"conditions"`
}

func (BudgetParams) Kind() RuleKind          { return KindBudget }
func (TransactionSizeParams) Kind() RuleKind { return KindTransactionSize }
func (MerchantParams) Kind() RuleKind        { return KindMerchant }
func (CategoryParams) Kind() RuleKind        { return KindCategory }
func (PurposeParams) Kind() RuleKind         { return KindPurpose }
func (TimeWindowParams) Kind() RuleKind      { return KindTime }
func (AgentParams) Kind() RuleKind           { return KindAgent }
func (CompositeParams) Kind() RuleKind       { return KindComposite }

// ParseParams декодирует параметры правила по его типу.
// Ошибка означает битые параметры: движок трактует такое правило как "не сработавшее".
func ParseParams(kind RuleKind, raw json.RawMessage) (RuleParams, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var (
		params RuleParams
		err    error
	)
	switch kind {
	case KindBudget:
		var p BudgetParams
		err = json.Unmarshal(raw, &p)
		params = p
	case KindTransactionSize:
		var p TransactionSizeParams
		err = json.Unmarshal(raw, &p)
		params = p
	case KindMerchant:
		var p MerchantParams
		err = json.Unmarshal(raw, &p.ListParams)
		params = p
	case KindCategory:
		var p CategoryParams
		err = json.Unmarshal(raw, &p.ListParams)
		params = p
	case KindPurpose:
		var p PurposeParams
		err = json.Unmarshal(raw, &p.ListParams)
		params = p
	case KindTime:
		var p TimeWindowParams
		err = json.Unmarshal(raw, &p)
		params = p
	case KindAgent:
		var p AgentParams
		err = json.Unmarshal(raw, &p)
		params = p
	case KindComposite:
		var p CompositeParams
		err = json.Unmarshal(raw, &p)
		params = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("rule params (%s): %w", kind, err)
	}
	return params, nil
}

// Rule - одно условие авторизации. Движок читает правила, но никогда их не меняет.
type Rule struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Kind               RuleKind           `json:"type"`
	Enabled            bool               `json:"enabled"`
	Priority           int                `json:"priority"` // больше - раньше
	TransactionClasses []TransactionClass `json:"transactionTypes,omitempty"`
	FallbackAction     FallbackAction     `json:"fallbackAction,omitempty"`

	// Params - типизированные параметры. nil, если RawParams не удалось разобрать.
	Params    RuleParams      `json:"-"`
	RawParams json.RawMessage `json:"params,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppliesTo проверяет scope правила. Пустой список классов означает "все".
func (r *Rule) AppliesTo(class TransactionClass) bool {
	if len(r.TransactionClasses) == 0 {
		return true
	}
	for _, c := range r.TransactionClasses {
		if c == ClassAll || c == class {
			return true
		}
	}
	return false
}

// UnmarshalJSON разбирает правило целиком и затем параметры по типу.
// Битые параметры не ломают загрузку: Params остается nil.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Rule(p)
	r.Params, _ = ParseParams(r.Kind, r.RawParams)
	return nil
}

// MarshalJSON сериализует типизированные параметры, если они есть.
func (r Rule) MarshalJSON() ([]byte, error) {
	type plain Rule
	p := plain(r)
	if r.Params != nil {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return nil, err
		}
		p.RawParams = raw
	}
	return json.Marshal(p)
}

// Normalize синхронизирует RawParams и Params перед сохранением.
func (r *Rule) Normalize() error {
	if r.Params != nil {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return err
		}
		r.RawParams = raw
		return nil
	}
	params, err := ParseParams(r.Kind, r.RawParams)
	if err != nil {
		return err
	}
	r.Params = params
	return nil
}
