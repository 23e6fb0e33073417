package domain

import (
	"errors"
	"time"
)

// Статусы записи решения. State Machine ручного подтверждения:
// PENDING_APPROVAL -> APPROVED | REJECTED. Остальные статусы терминальны с момента записи.
type DecisionStatus string

const (
	StatusApproved        DecisionStatus = "APPROVED"
	StatusDenied          DecisionStatus = "DENIED"
	StatusFlagged         DecisionStatus = "FLAGGED"
	StatusPendingApproval DecisionStatus = "PENDING_APPROVAL"
	StatusRejected        DecisionStatus = "REJECTED"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// CountsAsSpend - попадает ли запись в сумму потраченного бюджета.
func (s DecisionStatus) CountsAsSpend() bool {
	return s == StatusApproved || s == StatusFlagged
}

// StatusForVerdict отображает вердикт движка в статус сохраняемой записи.
func StatusForVerdict(v Verdict) DecisionStatus {
	switch v {
	case VerdictAllow:
		return StatusApproved
	case VerdictFlag:
		return StatusFlagged
	case VerdictRequireApproval:
		return StatusPendingApproval
	default:
		return StatusDenied
	}
}

// ApprovalDecision - решение ревьюера по отложенной транзакции.
type ApprovalDecision struct {
	DecisionID string         `json:"decision_id"`
	Status     DecisionStatus `json:"status"`
	ReviewerID string         `json:"reviewer_id"`
	Comment    string         `json:"comment,omitempty"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (r *DecisionRecord) CanTransitionTo(next DecisionStatus) error {
	if r.Status != StatusPendingApproval {
		return ErrAlreadyProcessed
	}
	if next != StatusApproved && next != StatusRejected {
		return ErrInvalidTransition
	}
	return nil
}
