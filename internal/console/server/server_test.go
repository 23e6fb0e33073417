package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentpay-gate/internal/audit"
	"github.com/xela07ax/agentpay-gate/internal/console/handler"
	"github.com/xela07ax/agentpay-gate/internal/console/service"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"github.com/xela07ax/agentpay-gate/internal/infra/auth"
	"github.com/xela07ax/agentpay-gate/internal/repository/memory"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *fakePublisher) Publish(_ context.Context, channel string, _ interface{}) *redis.IntCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return redis.NewIntResult(1, nil)
}

type consoleFixture struct {
	srv    *ConsoleServer
	key    *rsa.PrivateKey
	ledger *memory.DecisionLedger
	rules  *memory.RuleStore
	audit  *memory.AuditLog
	pub    *fakePublisher
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &consoleFixture{
		key:    key,
		ledger: memory.NewDecisionLedger(),
		rules:  memory.NewRuleStore(),
		audit:  memory.NewAuditLog(100),
		pub:    &fakePublisher{},
	}
	logger := zap.NewNop()
	f.srv = NewConsoleServer(logger,
		auth.NewReviewerValidator(&key.PublicKey),
		handler.NewRuleHandler(service.NewRuleService(f.rules, f.pub, logger)),
		handler.NewApprovalHandler(service.NewApprovalService(f.ledger, f.pub, logger, time.UTC)),
		handler.NewAuditHandler(service.NewAuditService(f.audit)),
	)
	return f
}

func (f *consoleFixture) token(t *testing.T, user string, scopes ...string) string {
	t.Helper()
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &domain.ReviewerClaims{
		UserID: user,
		Scopes: set,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(f.key)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *consoleFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func TestConsoleHealthIsPublic(t *testing.T) {
	f := newConsoleFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/rules", "", nil).Code)
}

func TestRuleLifecycle(t *testing.T) {
	f := newConsoleFixture(t)
	writer := f.token(t, "admin-1", ScopeRulesWrite)
	reader := f.token(t, "viewer-1")

	body := map[string]any{
		"name":    "Monthly budget",
		"type":    "budget",
		"enabled": true,
		"params":  map[string]any{"maxAmount": 50000, "period": "monthly"},
	}

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/rules", reader, body).Code)

	w := f.do(t, http.MethodPost, "/v1/rules", writer, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created domain.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = f.do(t, http.MethodGet, "/v1/rules/"+created.ID, reader, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/rules/"+created.ID+"/assignments", writer, map[string]string{"userId": "user-1"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/v1/assignments", reader, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var assignments map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assignments))
	assert.Contains(t, assignments["user-1"], created.ID)

	bad := map[string]any{"name": "Broken", "type": "budget", "params": map[string]any{"maxAmount": 1, "period": "hourly"}}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/v1/rules/"+created.ID, writer, bad).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/rules/"+created.ID, writer, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/rules/"+created.ID, reader, nil).Code)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	assert.Len(t, f.pub.channels, 3)
	assert.Equal(t, infra.RedisChanRuleUpdate, f.pub.channels[0])
}

func TestApprovalQueueAndDecide(t *testing.T) {
	f := newConsoleFixture(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.ledger.RecordSettlement(ctx, &domain.DecisionRecord{
		ID: "d1", Status: domain.StatusPendingApproval, CreatedAt: now,
		Request: domain.TransactionRequest{UserID: "user-1", Amount: 700},
	}))
	require.NoError(t, f.ledger.RecordSettlement(ctx, &domain.DecisionRecord{
		ID: "d2", Status: domain.StatusApproved, CreatedAt: now,
		Request: domain.TransactionRequest{UserID: "user-1", Amount: 300},
	}))

	reader := f.token(t, "viewer-1")
	reviewer := f.token(t, "reviewer-1", ScopeApprovalsDecide)

	w := f.do(t, http.MethodGet, "/v1/approvals", reader, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queue []domain.DecisionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, "d1", queue[0].ID)

	decide := handler.DecideRequest{Approved: true, Comment: "ok"}
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/approvals/d1/decide", reader, decide).Code)

	w = f.do(t, http.MethodPost, "/v1/approvals/d1/decide", reviewer, decide)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec domain.DecisionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, domain.StatusApproved, rec.Status)
	assert.Equal(t, "reviewer-1", rec.ReviewerID)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/approvals/d1/decide", reviewer, decide).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/approvals/nope/decide", reviewer, decide).Code)

	// одобренная транзакция учитывается в тратах
	w = f.do(t, http.MethodGet, "/v1/users/user-1/spend?period=monthly", reader, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary service.SpendSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, int64(1000), summary.Spent)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/users/user-1/spend?period=hourly", reader, nil).Code)

	w = f.do(t, http.MethodGet, "/v1/decisions?userId=user-1&limit=1", reader, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []domain.DecisionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 1)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	assert.Equal(t, []string{infra.RedisChanApprovalDecisions}, f.pub.channels)
}

func TestAuditEndpoint(t *testing.T) {
	f := newConsoleFixture(t)
	require.NoError(t, f.audit.WriteBatch(context.Background(), []audit.AuditEvent{
		{Nonce: "n1", Kind: audit.KindPaymentRequired},
		{Nonce: "n2", Kind: audit.KindPaymentRequired},
	}))

	w := f.do(t, http.MethodGet, "/v1/audit?nonce=n2", f.token(t, "viewer-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []audit.AuditEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "n2", events[0].Nonce)
}
