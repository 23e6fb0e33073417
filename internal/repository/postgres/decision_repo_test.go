package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/policy"
	"github.com/xela07ax/agentpay-gate/internal/repository/memory"
	"go.uber.org/zap"
)

var decisionCols = []string{"id", "schema_version", "status", "request", "decision", "tx_reference", "nonce", "receipt", "reviewer_id", "comment", "created_at", "updated_at"}

// timeArg сравнивает время через Equal, без учета представления зоны.
type timeArg time.Time

func (a timeArg) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	return ok && t.Equal(time.Time(a))
}

func decisionRow(t *testing.T, id string, status domain.DecisionStatus) *sqlmock.Rows {
	t.Helper()
	req, err := json.Marshal(domain.TransactionRequest{UserID: "user-1", Counterparty: "Amazon", Amount: 500})
	require.NoError(t, err)
	dec, err := json.Marshal(domain.Decision{ID: id, Verdict: domain.VerdictRequireApproval})
	require.NoError(t, err)
	now := time.Now()
	return sqlmock.NewRows(decisionCols).AddRow(id, 1, string(status), req, dec, nil, nil, nil, nil, nil, now, now)
}

func TestEngineOverPostgresLedger(t *testing.T) {
	db, mock := newMock(t)
	ledger := NewDecisionRepo(db)

	rules := memory.NewRuleStore()
	ctx := context.Background()
	require.NoError(t, rules.CreateRule(ctx, &domain.Rule{ID: "b1", Name: "Budget", Kind: domain.KindBudget, Enabled: true,
		Params: domain.BudgetParams{MaxAmount: 50000, Period: domain.PeriodMonthly}}))
	require.NoError(t, rules.Assign(ctx, "user-1", "b1"))

	now := time.Date(2025, time.May, 14, 10, 0, 0, 0, time.UTC)
	engine := policy.NewEngine(rules, ledger, zap.NewNop(), policy.WithClock(func() time.Time { return now }))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM decisions")).
		WithArgs("user-1", timeArg(time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC))).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(45000))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decisions")).
		WithArgs(sqlmock.AnyArg(), domain.DecisionSchemaVersion, "user-1", "agent-to-merchant", 6000, "DENIED",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), timeArg(now), timeArg(now)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d, err := engine.Evaluate(ctx, domain.TransactionRequest{UserID: "user-1", Counterparty: "Amazon", Amount: 6000})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Would exceed monthly budget of 50000")
	require.NotNil(t, d.Budget)
	assert.Equal(t, int64(5000), d.Budget.Remaining)
}

func TestSerializeRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	ledger := NewDecisionRepo(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := ledger.Serialize(context.Background(), "user-1", func(context.Context, policy.LedgerTx) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestUpdateDecisionStatus(t *testing.T) {
	decidedAt := time.Now()
	approve := domain.ApprovalDecision{DecisionID: "d1", Status: domain.StatusApproved, ReviewerID: "rev-1", DecidedAt: decidedAt}

	t.Run("pending", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE decisions")).
			WithArgs("d1", "APPROVED", "rev-1", "", decidedAt).
			WillReturnRows(decisionRow(t, "d1", domain.StatusApproved))

		rec, err := NewDecisionRepo(db).UpdateDecisionStatus(context.Background(), approve)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusApproved, rec.Status)
		assert.Equal(t, "user-1", rec.Request.UserID)
		assert.Nil(t, rec.Receipt)
	})

	t.Run("already processed", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE decisions")).
			WillReturnRows(sqlmock.NewRows(decisionCols))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT " + decisionColumns + " FROM decisions WHERE id = $1")).
			WithArgs("d1").
			WillReturnRows(decisionRow(t, "d1", domain.StatusRejected))

		_, err := NewDecisionRepo(db).UpdateDecisionStatus(context.Background(), approve)
		assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	})

	t.Run("missing", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE decisions")).
			WillReturnRows(sqlmock.NewRows(decisionCols))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT " + decisionColumns)).
			WillReturnRows(sqlmock.NewRows(decisionCols))

		_, err := NewDecisionRepo(db).UpdateDecisionStatus(context.Background(), approve)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("invalid target", func(t *testing.T) {
		db, _ := newMock(t)
		bad := approve
		bad.Status = domain.StatusFlagged
		_, err := NewDecisionRepo(db).UpdateDecisionStatus(context.Background(), bad)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestAttachSettlement(t *testing.T) {
	st := domain.Settlement{TxReference: "sig", Nonce: "n1", Receipt: &domain.Receipt{OK: true}}

	t.Run("attached", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE decisions")).
			WithArgs("d1", "sig", "n1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, NewDecisionRepo(db).AttachSettlement(context.Background(), "d1", st))
	})

	t.Run("not attachable", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE decisions")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT " + decisionColumns)).
			WithArgs("d1").
			WillReturnRows(decisionRow(t, "d1", domain.StatusDenied))
		assert.ErrorIs(t, NewDecisionRepo(db).AttachSettlement(context.Background(), "d1", st), domain.ErrInvalidTransition)
	})
}

func TestListDecisionsFilters(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM decisions WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 20")).
		WithArgs("user-1", "PENDING_APPROVAL").
		WillReturnRows(decisionRow(t, "d1", domain.StatusPendingApproval))

	recs, err := NewDecisionRepo(db).ListDecisions(context.Background(), "user-1", domain.StatusPendingApproval, 20)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d1", recs[0].ID)
}
