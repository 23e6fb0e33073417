package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"github.com/xela07ax/agentpay-gate/internal/policy"
	"go.uber.org/zap"
)

var ErrInvalidPeriod = errors.New("invalid budget period")

// DecisionStore - журнал решений: история и очередь ручных подтверждений.
type DecisionStore interface {
	GetDecision(ctx context.Context, id string) (*domain.DecisionRecord, error)
	ListDecisions(ctx context.Context, userID string, status domain.DecisionStatus, limit int) ([]domain.DecisionRecord, error)
	UpdateDecisionStatus(ctx context.Context, d domain.ApprovalDecision) (*domain.DecisionRecord, error)
	Serialize(ctx context.Context, userID string, fn func(ctx context.Context, tx policy.LedgerTx) error) error
}

type ApprovalService struct {
	repo   DecisionStore
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
	loc    *time.Location
}

func NewApprovalService(repo DecisionStore, pub Publisher, logger *zap.Logger, loc *time.Location) *ApprovalService {
	if loc == nil {
		loc = time.UTC
	}
	return &ApprovalService{
		repo:   repo,
		pub:    pub,
		logger: logger.Named("approval-service"),
		now:    time.Now,
		loc:    loc,
	}
}

func (s *ApprovalService) Get(ctx context.Context, id string) (*domain.DecisionRecord, error) {
	return s.repo.GetDecision(ctx, id)
}

// List - история решений. Для очереди подтверждений status = PENDING_APPROVAL.
func (s *ApprovalService) List(ctx context.Context, userID string, status domain.DecisionStatus, limit int) ([]domain.DecisionRecord, error) {
	return s.repo.ListDecisions(ctx, userID, status, limit)
}

// Decide фиксирует решение ревьюера и транслирует его в Redis.
// Одобренная транзакция начинает учитываться в бюджете пользователя.
func (s *ApprovalService) Decide(ctx context.Context, id string, approved bool, reviewerID, comment string) (*domain.DecisionRecord, error) {
	status := domain.StatusRejected
	if approved {
		status = domain.StatusApproved
	}
	decision := domain.ApprovalDecision{
		DecisionID: id,
		Status:     status,
		ReviewerID: reviewerID,
		Comment:    comment,
		DecidedAt:  s.now(),
	}

	rec, err := s.repo.UpdateDecisionStatus(ctx, decision)
	if err != nil {
		return nil, err
	}

	if s.pub != nil {
		payload, _ := json.Marshal(decision)
		if err := s.pub.Publish(ctx, infra.RedisChanApprovalDecisions, payload).Err(); err != nil {
			s.logger.Warn("approval signal delivery failed", zap.String("decision_id", id), zap.Error(err))
		}
	}
	s.logger.Info("approval decided",
		zap.String("decision_id", id),
		zap.String("status", string(status)),
		zap.String("reviewer_id", reviewerID))
	return rec, nil
}

// SpendSummary - сколько пользователь потратил в текущем окне бюджета.
type SpendSummary struct {
	UserID string        `json:"userId"`
	Period domain.Period `json:"period"`
	Since  time.Time     `json:"since"`
	Spent  int64         `json:"spent"`
}

func (s *ApprovalService) Spend(ctx context.Context, userID string, period domain.Period) (*SpendSummary, error) {
	if !period.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	since := policy.PeriodStart(period, s.now().In(s.loc))
	var spent int64
	err := s.repo.Serialize(ctx, userID, func(ctx context.Context, tx policy.LedgerTx) error {
		var err error
		spent, err = tx.SumApprovedSpend(ctx, userID, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &SpendSummary{UserID: userID, Period: period, Since: since, Spent: spent}, nil
}
