package domain

import "time"

// Verdict - итог решения движка.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictFlag            Verdict = "flag"
)

// DecisionSchemaVersion - версия формата сохраняемой записи.
const DecisionSchemaVersion = 1

// RuleOutcome - результат проверки одного сработавшего правила.
type RuleOutcome struct {
	RuleID           string   `json:"policyId"`
	Name             string   `json:"policyName"`
	Kind             RuleKind `json:"type"`
	Passed           bool     `json:"passed"`
	Reason           string   `json:"reason,omitempty"`
	RequiresApproval bool     `json:"requiresApproval,omitempty"`
	FlaggedForReview bool     `json:"flaggedForReview,omitempty"`
}

// BudgetInfo - снимок бюджета первого бюджетного правила.
type BudgetInfo struct {
	RuleID    string `json:"policyId"`
	Period    Period `json:"period"`
	Limit     int64  `json:"limit"`
	Spent     int64  `json:"spent"`
	Remaining int64  `json:"remaining"`
}

// Decision - ответ движка. Allowed=true никогда не сочетается с RequiresApproval=true.
type Decision struct {
	ID               string        `json:"id"`
	Verdict          Verdict       `json:"verdict"`
	Allowed          bool          `json:"allowed"`
	RequiresApproval bool          `json:"requiresApproval"`
	FlaggedForReview bool          `json:"flaggedForReview"`
	Reason           string        `json:"reason"`
	Outcomes         []RuleOutcome `json:"matchedPolicies"`
	Budget           *BudgetInfo   `json:"budgetInfo,omitempty"`
	EvaluatedAt      time.Time     `json:"evaluatedAt"`
}

// DecisionRecord - неизменяемая запись о решении в журнале.
// Меняться может только статус отложенной записи (см. CanTransitionTo) и данные расчета.
type DecisionRecord struct {
	ID            string             `json:"id"`
	SchemaVersion int                `json:"schema_version"`
	Request       TransactionRequest `json:"request"`
	Decision      Decision           `json:"decision"`
	Status        DecisionStatus     `json:"status"`

	TxReference string   `json:"tx_reference,omitempty"`
	Nonce       string   `json:"nonce,omitempty"`
	Receipt     *Receipt `json:"receipt,omitempty"`

	ReviewerID string `json:"reviewer_id,omitempty"`
	Comment    string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settlement - подтвержденная оплата, привязанная к записи решения.
type Settlement struct {
	TxReference string   `json:"tx_reference"`
	Nonce       string   `json:"nonce"`
	Receipt     *Receipt `json:"receipt"`
}
