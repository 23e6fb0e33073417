package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"go.uber.org/zap"
)

var ErrInvalidRule = errors.New("invalid rule")

// Publisher - широковещательные сигналы шлюзам. Реализуется *redis.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RuleRepository описывает требования сервиса к хранилищу правил
type RuleRepository interface {
	ListRules(ctx context.Context) ([]domain.Rule, error)
	ListAssignments(ctx context.Context) (map[string][]string, error)
	GetRule(ctx context.Context, id string) (*domain.Rule, error)
	CreateRule(ctx context.Context, r *domain.Rule) error
	UpdateRule(ctx context.Context, r *domain.Rule) error
	DeleteRule(ctx context.Context, id string) error
	Assign(ctx context.Context, userID, ruleID string) error
	Unassign(ctx context.Context, userID, ruleID string) error
}

type RuleService struct {
	repo   RuleRepository
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewRuleService(repo RuleRepository, pub Publisher, logger *zap.Logger) *RuleService {
	return &RuleService{
		repo:   repo,
		pub:    pub,
		logger: logger.Named("rule-service"),
		now:    time.Now,
	}
}

func (s *RuleService) List(ctx context.Context) ([]domain.Rule, error) {
	return s.repo.ListRules(ctx)
}

func (s *RuleService) Get(ctx context.Context, id string) (*domain.Rule, error) {
	return s.repo.GetRule(ctx, id)
}

func (s *RuleService) Assignments(ctx context.Context) (map[string][]string, error) {
	return s.repo.ListAssignments(ctx)
}

// Create сохраняет правило и уведомляет шлюзы об обновлении
func (s *RuleService) Create(ctx context.Context, r *domain.Rule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if err := validateRule(r); err != nil {
		return err
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := s.repo.CreateRule(ctx, r); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "create", r.ID)
	return nil
}

// Update заменяет правило целиком; CreatedAt сохраняется.
func (s *RuleService) Update(ctx context.Context, r *domain.Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	existing, err := s.repo.GetRule(ctx, r.ID)
	if err != nil {
		return err
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.now()
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "update", r.ID)
	return nil
}

func (s *RuleService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "delete", id)
	return nil
}

// Assign назначает правило пользователю; "*" - всем пользователям.
func (s *RuleService) Assign(ctx context.Context, userID, ruleID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRule)
	}
	if err := s.repo.Assign(ctx, userID, ruleID); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "assign", ruleID)
	return nil
}

func (s *RuleService) Unassign(ctx context.Context, userID, ruleID string) error {
	if err := s.repo.Unassign(ctx, userID, ruleID); err != nil {
		return err
	}
	s.notifyUpdate(ctx, "unassign", ruleID)
	return nil
}

// notifyUpdate отправляет широковещательный сигнал в Redis.
// Все инстансы шлюза, подписанные на канал, перечитают кэш правил.
// Сбой доставки не откатывает изменение: шлюзы перечитают правила по таймеру.
func (s *RuleService) notifyUpdate(ctx context.Context, action, ruleID string) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, infra.RedisChanRuleUpdate, "refresh").Err(); err != nil {
		s.logger.Warn("rule update signal delivery failed",
			zap.String("action", action),
			zap.String("rule_id", ruleID),
			zap.Error(err))
		return
	}
	s.logger.Info("rule updated", zap.String("action", action), zap.String("rule_id", ruleID))
}

func validateRule(r *domain.Rule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if err := r.Normalize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	switch r.FallbackAction {
	case "", domain.FallbackApprove, domain.FallbackDeny, domain.FallbackFlagReview, domain.FallbackRequireApproval:
	default:
		return fmt.Errorf("%w: unknown fallbackAction %q", ErrInvalidRule, r.FallbackAction)
	}
	for _, c := range r.TransactionClasses {
		switch c {
		case domain.ClassAgentToMerchant, domain.ClassAgentToAgent, domain.ClassAll:
		default:
			return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidRule, c)
		}
	}
	if bp, ok := r.Params.(domain.BudgetParams); ok && !bp.Period.Valid() {
		return fmt.Errorf("%w: unknown budget period %q", ErrInvalidRule, bp.Period)
	}
	return nil
}
