package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"go.uber.org/zap"
)

// RuleSource отдает активные правила пользователя для класса транзакции,
// отсортированные по убыванию приоритета.
type RuleSource interface {
	ListActiveRules(ctx context.Context, userID string, class domain.TransactionClass) ([]domain.Rule, error)
}

// LedgerTx - операции журнала внутри сериализованной секции пользователя.
type LedgerTx interface {
	SumApprovedSpend(ctx context.Context, userID string, since time.Time) (int64, error)
	RecordDecision(ctx context.Context, rec *domain.DecisionRecord) error
}

// Ledger сериализует решения одного пользователя: чтение потраченного и запись
// решения выполняются атомарно, поэтому два параллельных запроса не превысят бюджет вместе.
type Ledger interface {
	Serialize(ctx context.Context, userID string, fn func(ctx context.Context, tx LedgerTx) error) error
}

// DecisionObserver - хук метрик.
type DecisionObserver interface {
	ObserveDecision(verdict domain.Verdict, took time.Duration)
}

var ErrInvalidRequest = errors.New("invalid transaction request")

// Engine - Policy Decision Engine. Правила не меняет, пишет только в журнал решений.
type Engine struct {
	rules    RuleSource
	ledger   Ledger
	logger   *zap.Logger
	observer DecisionObserver
	location *time.Location
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.location = loc } }

func WithObserver(o DecisionObserver) Option { return func(e *Engine) { e.observer = o } }

func NewEngine(rules RuleSource, ledger Ledger, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:    rules,
		ledger:   ledger,
		logger:   logger.Named("policy-engine"),
		location: time.UTC,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate принимает решение по запросу и записывает его в журнал.
// Ошибка возвращается только при сбое инфраструктуры; отказ - это Decision c Allowed=false.
func (e *Engine) Evaluate(ctx context.Context, req domain.TransactionRequest) (*domain.Decision, error) {
	start := time.Now()
	if err := validate(&req); err != nil {
		return nil, err
	}

	rules, err := e.rules.ListActiveRules(ctx, req.UserID, req.Class)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to load rules: %w", err)
	}
	configured := len(rules) > 0
	if !configured {
		if configured, err = e.hasOtherClassRules(ctx, req); err != nil {
			return nil, fmt.Errorf("policy: failed to load rules: %w", err)
		}
	}

	var decision *domain.Decision
	err = e.ledger.Serialize(ctx, req.UserID, func(ctx context.Context, tx LedgerTx) error {
		now := e.now().In(e.location)
		d, err := e.decide(ctx, tx, rules, configured, &req, now)
		if err != nil {
			return err
		}

		rec := &domain.DecisionRecord{
			ID:            d.ID,
			SchemaVersion: domain.DecisionSchemaVersion,
			Request:       req,
			Decision:      *d,
			Status:        domain.StatusForVerdict(d.Verdict),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.RecordDecision(ctx, rec); err != nil {
			return fmt.Errorf("policy: failed to record decision: %w", err)
		}
		decision = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.observer != nil {
		e.observer.ObserveDecision(decision.Verdict, time.Since(start))
	}
	e.logger.Debug("transaction evaluated",
		zap.String("decision_id", decision.ID),
		zap.String("user_id", req.UserID),
		zap.String("verdict", string(decision.Verdict)),
		zap.Int("rules", len(rules)),
	)
	return decision, nil
}

func validate(req *domain.TransactionRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if req.Amount > domain.MaxTransactionAmount {
		return fmt.Errorf("%w: amount exceeds %d", ErrInvalidRequest, domain.MaxTransactionAmount)
	}
	if req.Class == "" {
		req.Class = domain.ClassAgentToMerchant
	}
	if req.Class != domain.ClassAgentToMerchant && req.Class != domain.ClassAgentToAgent {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidRequest, req.Class)
	}
	return nil
}

// hasOtherClassRules: есть ли у пользователя активные правила для другого класса.
func (e *Engine) hasOtherClassRules(ctx context.Context, req domain.TransactionRequest) (bool, error) {
	for _, class := range []domain.TransactionClass{domain.ClassAgentToMerchant, domain.ClassAgentToAgent} {
		if class == req.Class {
			continue
		}
		rules, err := e.rules.ListActiveRules(ctx, req.UserID, class)
		if err != nil {
			return false, err
		}
		if len(rules) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// decide - агрегация результатов правил в порядке приоритета.
// configured=false: у пользователя нет ни одного активного правила.
func (e *Engine) decide(ctx context.Context, tx LedgerTx, rules []domain.Rule, configured bool, req *domain.TransactionRequest, now time.Time) (*domain.Decision, error) {
	d := &domain.Decision{
		ID:          e.newID(),
		EvaluatedAt: now,
		Outcomes:    []domain.RuleOutcome{},
	}

	if len(rules) == 0 {
		if !configured {
			return deny(d, "No policies configured (no applicable rules)"), nil
		}
		return deny(d, fmt.Sprintf("No policies configured for transaction type %s (no applicable rules)", req.Class)), nil
	}

	var (
		approvalReason string
		flagReason     string
		anyMatched     bool
	)
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || !rule.AppliesTo(req.Class) {
			continue
		}

		env := Env{Now: now, Location: e.location}
		if bp, ok := rule.Params.(domain.BudgetParams); ok && bp.Period.Valid() {
			spent, err := tx.SumApprovedSpend(ctx, req.UserID, PeriodStart(bp.Period, now))
			if err != nil {
				return nil, fmt.Errorf("policy: failed to sum spend: %w", err)
			}
			env.Spent = spent
			if d.Budget == nil && bp.MaxAmount > 0 {
				d.Budget = &domain.BudgetInfo{
					RuleID:    rule.ID,
					Period:    bp.Period,
					Limit:     bp.MaxAmount,
					Spent:     spent,
					Remaining: max(bp.MaxAmount-spent, 0),
				}
			}
		}

		res := Evaluate(rule, req, env)
		if !res.Matched {
			continue
		}
		anyMatched = true
		d.Outcomes = append(d.Outcomes, outcome(rule, res))

		if res.HardFail() {
			return deny(d, res.Reason), nil
		}
		if res.RequiresApproval {
			d.RequiresApproval = true
			if approvalReason == "" {
				approvalReason = res.Reason
			}
		}
		if res.FlaggedForReview {
			d.FlaggedForReview = true
			if flagReason == "" {
				flagReason = res.Reason
			}
		}
	}

	if !anyMatched {
		return e.applyFallback(d, firstApplicable(rules, req.Class)), nil
	}

	switch {
	case d.RequiresApproval:
		d.Verdict = domain.VerdictRequireApproval
		d.Allowed = false
		d.Reason = approvalReason
	case d.FlaggedForReview:
		d.Verdict = domain.VerdictFlag
		d.Allowed = true
		d.Reason = flagReason
	default:
		d.Verdict = domain.VerdictAllow
		d.Allowed = true
		d.Reason = "All policies passed"
	}
	return d, nil
}

// applyFallback: ни одно правило не сработало - решает fallbackAction
// правила с наивысшим приоритетом. Не задан - отказ.
func (e *Engine) applyFallback(d *domain.Decision, rule *domain.Rule) *domain.Decision {
	if rule == nil {
		return deny(d, "No policies configured (no applicable rules)")
	}
	action := rule.FallbackAction
	if action == "" {
		action = domain.FallbackDeny
	}
	reason := fmt.Sprintf("No policy conditions matched; fallback action %s", action)
	res := fallback(action, reason)
	d.Outcomes = append(d.Outcomes, outcome(rule, res))

	switch {
	case res.RequiresApproval:
		d.Verdict, d.RequiresApproval, d.Allowed = domain.VerdictRequireApproval, true, false
	case res.FlaggedForReview:
		d.Verdict, d.FlaggedForReview, d.Allowed = domain.VerdictFlag, true, true
	case res.Passed:
		d.Verdict, d.Allowed = domain.VerdictAllow, true
	default:
		d.Verdict, d.Allowed = domain.VerdictDeny, false
	}
	d.Reason = reason
	return d
}

func firstApplicable(rules []domain.Rule, class domain.TransactionClass) *domain.Rule {
	for i := range rules {
		if rules[i].Enabled && rules[i].AppliesTo(class) {
			return &rules[i]
		}
	}
	return nil
}

func deny(d *domain.Decision, reason string) *domain.Decision {
	d.Verdict = domain.VerdictDeny
	d.Allowed = false
	d.RequiresApproval = false
	d.FlaggedForReview = false
	d.Reason = reason
	return d
}

func outcome(rule *domain.Rule, res Result) domain.RuleOutcome {
	return domain.RuleOutcome{
		RuleID:           rule.ID,
		Name:             rule.Name,
		Kind:             rule.Kind,
		Passed:           res.Passed,
		Reason:           res.Reason,
		RequiresApproval: res.RequiresApproval,
		FlaggedForReview: res.FlaggedForReview,
	}
}
