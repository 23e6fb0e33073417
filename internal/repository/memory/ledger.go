package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/policy"
)

// DecisionLedger - журнал решений в памяти. Сериализация - мьютекс на пользователя.
// Используется в тестах и в dev-режиме без PostgreSQL.
type DecisionLedger struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[string]*domain.DecisionRecord
	order   []string
}

func NewDecisionLedger() *DecisionLedger {
	return &DecisionLedger{
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string]*domain.DecisionRecord),
	}
}

func (l *DecisionLedger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

func (l *DecisionLedger) Serialize(ctx context.Context, userID string, fn func(ctx context.Context, tx policy.LedgerTx) error) error {
	m := l.userLock(userID)
	m.Lock()
	defer m.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, ledgerTx{l})
}

type ledgerTx struct{ l *DecisionLedger }

func (t ledgerTx) SumApprovedSpend(_ context.Context, userID string, since time.Time) (int64, error) {
	return t.l.sum(userID, since), nil
}

func (t ledgerTx) RecordDecision(_ context.Context, rec *domain.DecisionRecord) error {
	t.l.put(rec)
	return nil
}

func (l *DecisionLedger) sum(userID string, since time.Time) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, r := range l.records {
		if r.Request.UserID == userID && r.Status.CountsAsSpend() && !r.CreatedAt.Before(since) {
			// насыщение вместо переполнения
			if r.Request.Amount > math.MaxInt64-total {
				return math.MaxInt64
			}
			total += r.Request.Amount
		}
	}
	return total
}

func (l *DecisionLedger) put(rec *domain.DecisionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *rec
	if _, exists := l.records[rec.ID]; !exists {
		l.order = append(l.order, rec.ID)
	}
	l.records[rec.ID] = &cp
}

// RecordSettlement - запись об оплаченной услуге (agent-to-agent).
func (l *DecisionLedger) RecordSettlement(ctx context.Context, rec *domain.DecisionRecord) error {
	return l.Serialize(ctx, rec.Request.UserID, func(ctx context.Context, tx policy.LedgerTx) error {
		return tx.RecordDecision(ctx, rec)
	})
}

// AttachSettlement привязывает оплату к уже разрешенному решению.
func (l *DecisionLedger) AttachSettlement(_ context.Context, decisionID string, st domain.Settlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[decisionID]
	if !ok {
		return domain.ErrNotFound
	}
	if !r.Status.CountsAsSpend() || r.TxReference != "" {
		return domain.ErrInvalidTransition
	}
	r.TxReference = st.TxReference
	r.Nonce = st.Nonce
	r.Receipt = st.Receipt
	return nil
}

func (l *DecisionLedger) GetDecision(_ context.Context, id string) (*domain.DecisionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListDecisions - история пользователя (пустой userID - все), новые первыми.
func (l *DecisionLedger) ListDecisions(_ context.Context, userID string, status domain.DecisionStatus, limit int) ([]domain.DecisionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.DecisionRecord, 0)
	for i := len(l.order) - 1; i >= 0; i-- {
		r := l.records[l.order[i]]
		if userID != "" && r.Request.UserID != userID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// UpdateDecisionStatus - атомарный переход PENDING_APPROVAL -> APPROVED | REJECTED.
func (l *DecisionLedger) UpdateDecisionStatus(_ context.Context, d domain.ApprovalDecision) (*domain.DecisionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[d.DecisionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := r.CanTransitionTo(d.Status); err != nil {
		return nil, err
	}
	r.Status = d.Status
	r.ReviewerID = d.ReviewerID
	r.Comment = d.Comment
	r.UpdatedAt = d.DecidedAt
	cp := *r
	return &cp, nil
}

// RuleStore - правила и назначения в памяти. Реализует policy.RuleRepository и policy.RuleSource.
type RuleStore struct {
	mu          sync.RWMutex
	rules       map[string]domain.Rule
	assignments map[string]map[string]struct{} // user_id -> rule ids
}

func NewRuleStore() *RuleStore {
	return &RuleStore{
		rules:       make(map[string]domain.Rule),
		assignments: make(map[string]map[string]struct{}),
	}
}

func (s *RuleStore) CreateRule(_ context.Context, r *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = *r
	return nil
}

func (s *RuleStore) UpdateRule(_ context.Context, r *domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return domain.ErrNotFound
	}
	s.rules[r.ID] = *r
	return nil
}

func (s *RuleStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.rules, id)
	for _, set := range s.assignments {
		delete(set, id)
	}
	return nil
}

func (s *RuleStore) GetRule(_ context.Context, id string) (*domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *RuleStore) Assign(_ context.Context, userID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[ruleID]; !ok {
		return domain.ErrNotFound
	}
	set, ok := s.assignments[userID]
	if !ok {
		set = make(map[string]struct{})
		s.assignments[userID] = set
	}
	set[ruleID] = struct{}{}
	return nil
}

func (s *RuleStore) Unassign(_ context.Context, userID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments[userID], ruleID)
	return nil
}

func (s *RuleStore) ListRules(_ context.Context) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	policy.SortByPriority(out)
	return out, nil
}

func (s *RuleStore) ListAssignments(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.assignments))
	for user, set := range s.assignments {
		for id := range set {
			out[user] = append(out[user], id)
		}
		sort.Strings(out[user])
	}
	return out, nil
}

func (s *RuleStore) ListActiveRules(_ context.Context, userID string, class domain.TransactionClass) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Rule, 0)
	for id, r := range s.rules {
		if !r.Enabled || !r.AppliesTo(class) {
			continue
		}
		_, personal := s.assignments[userID][id]
		_, global := s.assignments[policy.WildcardUser][id]
		if personal || global {
			out = append(out, r)
		}
	}
	policy.SortByPriority(out)
	return out, nil
}
