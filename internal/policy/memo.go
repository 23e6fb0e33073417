package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"go.uber.org/zap"
)

// WildcardUser - назначение правила всем пользователям.
const WildcardUser = "*"

type RuleRepository interface {
	ListRules(ctx context.Context) ([]domain.Rule, error)
	ListAssignments(ctx context.Context) (map[string][]string, error) // user_id -> rule ids
}

// MemoRuleStore - in-memory кэш правил. Синхронизируется с БД через Refresh,
// в рантайме движок обращается только к памяти. Это Hot Path.
type MemoRuleStore struct {
	mu sync.RWMutex
	// Кэш: user_id -> правила, уже отсортированные по приоритету
	byUser map[string][]domain.Rule

	repo   RuleRepository
	logger *zap.Logger
}

func NewMemoRuleStore(repo RuleRepository, logger *zap.Logger) *MemoRuleStore {
	return &MemoRuleStore{
		byUser: make(map[string][]domain.Rule),
		repo:   repo,
		logger: logger.Named("rule-cache"),
	}
}

// ListActiveRules реализует RuleSource. Персональные и wildcard-назначения объединяются.
func (s *MemoRuleStore) ListActiveRules(_ context.Context, userID string, class domain.TransactionClass) ([]domain.Rule, error) {
	s.mu.RLock()
	personal := s.byUser[userID]
	global := s.byUser[WildcardUser]
	s.mu.RUnlock()

	seen := make(map[string]struct{}, len(personal)+len(global))
	out := make([]domain.Rule, 0, len(personal)+len(global))
	for _, set := range [][]domain.Rule{personal, global} {
		for _, r := range set {
			if _, dup := seen[r.ID]; dup || !r.AppliesTo(class) {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	SortByPriority(out)
	return out, nil
}

// Refresh - холодная загрузка всех правил и назначений из PostgreSQL в память.
func (s *MemoRuleStore) Refresh(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return err
	}
	assignments, err := s.repo.ListAssignments(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]domain.Rule, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Params == nil {
			s.logger.Warn("rule has malformed params", zap.String("rule_id", r.ID), zap.String("kind", string(r.Kind)))
		}
		byID[r.ID] = r
	}

	byUser := make(map[string][]domain.Rule, len(assignments))
	for userID, ids := range assignments {
		for _, id := range ids {
			if r, ok := byID[id]; ok {
				byUser[userID] = append(byUser[userID], r)
			}
		}
		SortByPriority(byUser[userID])
	}

	s.mu.Lock()
	s.byUser = byUser
	s.mu.Unlock()

	s.logger.Info("rule cache refreshed", zap.Int("rules", len(byID)), zap.Int("users", len(byUser)))
	return nil
}

// StartListener держит кэш в актуальном состоянии: любое сообщение в канале
// обновления правил вызывает полную перезагрузку. Дополнительно - периодический Refresh.
func (s *MemoRuleStore) StartListener(ctx context.Context, rdb *redis.Client, interval time.Duration) {
	refresh := func() error {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.Refresh(rctx)
	}

	if interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := refresh(); err != nil {
						s.logger.Error("periodic refresh failed", zap.Error(err))
					}
				}
			}
		}()
	}

	infra.ListenResilient(ctx, rdb, s.logger, infra.RedisChanRuleUpdate, refresh, func(payload string) {
		if err := refresh(); err != nil {
			s.logger.Error("refresh on update failed", zap.String("payload", payload), zap.Error(err))
		}
	})
}

// SortByPriority: по убыванию приоритета, при равенстве - раньше созданное правило первым.
func SortByPriority(rules []domain.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
