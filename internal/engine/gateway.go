package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/xela07ax/agentpay-gate/internal/audit"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/facilitator"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"github.com/xela07ax/agentpay-gate/internal/payment"
	"github.com/xela07ax/agentpay-gate/internal/policy"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const maxBodyBytes = 1 << 20

// ServiceExecutor исполняет оплаченную услугу продавца.
type ServiceExecutor interface {
	Execute(ctx context.Context, service string, payload []byte) ([]byte, error)
}

// SettlementRecorder пишет подтвержденные оплаты в журнал решений.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, rec *domain.DecisionRecord) error
	AttachSettlement(ctx context.Context, decisionID string, st domain.Settlement) error
}

// Gateway - HTTP-поверхность шлюза: решения по тратам, x402 handshake и фасилитатор.
type Gateway struct {
	engine      *policy.Engine
	builder     *payment.Builder
	issued      payment.IssuedStore
	facilitator *facilitator.Facilitator
	executor    ServiceExecutor
	settlements SettlementRecorder
	prices      func(service string) uint64
	auditor     audit.Auditor
	metrics     *Metrics
	logger      *zap.Logger
	secretHash  []byte
	sellerID    string
}

type GatewayDeps struct {
	Engine      *policy.Engine
	Builder     *payment.Builder
	Issued      payment.IssuedStore
	Facilitator *facilitator.Facilitator
	Executor    ServiceExecutor
	Settlements SettlementRecorder
	Prices      func(service string) uint64
	Auditor     audit.Auditor
	Metrics     *Metrics
	Logger      *zap.Logger

	// bcrypt-хеш общего секрета фасилитатора. Пусто - проверка отключена.
	FacilitatorSecretHash string
	SellerID              string
}

func NewGateway(d GatewayDeps) *Gateway {
	if d.Auditor == nil {
		d.Auditor = audit.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	return &Gateway{
		engine:      d.Engine,
		builder:     d.Builder,
		issued:      d.Issued,
		facilitator: d.Facilitator,
		executor:    d.Executor,
		settlements: d.Settlements,
		prices:      d.Prices,
		auditor:     d.Auditor,
		metrics:     d.Metrics,
		logger:      d.Logger.Named("gateway"),
		secretHash:  []byte(d.FacilitatorSecretHash),
		sellerID:    d.SellerID,
	}
}

func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(g.metrics.MetricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/v1/evaluate", g.HandleEvaluate)
	r.Post("/v1/services/{service}", g.HandleService)

	r.Route("/v1/facilitator", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "network": g.builder.Config().Network})
		})
		r.With(g.facilitatorAuth).Post("/verify", g.HandleVerify)
	})
	return r
}

// HandleEvaluate - решение по запросу на трату.
// 200 - разрешено, 202 - ждет ручного подтверждения, 403 - отказ.
func (g *Gateway) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := g.engine.Evaluate(r.Context(), req)
	if err != nil {
		if errors.Is(err, policy.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("evaluation failed", zap.String("trace_id", infra.TraceID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusOK
	switch {
	case d.RequiresApproval:
		status = http.StatusAccepted
	case !d.Allowed:
		status = http.StatusForbidden
	}
	writeJSON(w, status, d)
}

// HandleService - x402 handshake: без PAYMENT-SIGNATURE отвечает 402 с требованием,
// с ним - проверяет оплату и исполняет услугу.
func (g *Gateway) HandleService(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	fingerprint := payment.Fingerprint(body)

	header := r.Header.Get(payment.HeaderSignature)
	if header == "" {
		g.requirePayment(w, r, service, fingerprint)
		return
	}

	proof, err := payment.DecodeProof(header)
	if err != nil {
		writeRejection(w, err)
		return
	}

	issued, err := g.issued.Get(r.Context(), proof.Nonce)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeRejection(w, domain.Reject(domain.CodeRequirementExpired, "unknown or expired payment requirement"))
			return
		}
		g.logger.Error("issued requirement lookup failed", zap.Error(err))
		writeRejection(w, &domain.Rejection{Code: domain.CodeStoreError, Reason: "requirement store unavailable", Err: err})
		return
	}
	if issued.Resource.Path != r.URL.Path || issued.Resource.Method != r.Method {
		writeRejection(w, domain.Reject(domain.CodeInvalidProof, "requirement was issued for a different resource"))
		return
	}

	// Ожидания - только из собственной конфигурации и выданного требования
	cfg := g.builder.Config()
	expected := domain.ExpectedFrom(issued)
	expected.BodyHash = fingerprint
	expected.PayTo = cfg.PayTo
	expected.Mint = cfg.Mint
	expected.Network = cfg.Network

	receipt, err := g.facilitator.Verify(r.Context(), proof, expected)
	if err != nil {
		writeRejection(w, err)
		return
	}

	g.recordSettlement(r, service, issued, receipt)

	result, err := g.executor.Execute(r.Context(), service, body)
	if err != nil {
		g.logger.Error("paid service failed", zap.String("service", service), zap.String("nonce", proof.Nonce), zap.Error(err))
		writeError(w, http.StatusBadGateway, "service execution failed")
		return
	}

	encoded, err := payment.EncodeHeader(receipt)
	if err == nil {
		w.Header().Set(payment.HeaderResponse, encoded)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"result":  json.RawMessage(result),
		"receipt": receipt,
	})
}

func (g *Gateway) requirePayment(w http.ResponseWriter, r *http.Request, service, fingerprint string) {
	price := g.prices(service)
	req, err := g.builder.Build(payment.Params{
		Amount:   price,
		Method:   r.Method,
		Path:     r.URL.Path,
		BodyHash: fingerprint,
	})
	if err != nil {
		g.logger.Error("failed to build payment requirement", zap.String("service", service), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "payment requirement unavailable")
		return
	}

	// Храним дольше окна, чтобы опоздавший клиент получил REQUIREMENT_EXPIRED, а не "неизвестно"
	window := time.Until(req.Expiry())
	if err := g.issued.Put(r.Context(), req, 2*window); err != nil {
		g.logger.Error("failed to store payment requirement", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "payment requirement unavailable")
		return
	}

	encoded, err := payment.EncodeHeader(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "payment requirement unavailable")
		return
	}

	g.auditor.Log(audit.AuditEvent{
		TraceID: infra.TraceID(r.Context()),
		Kind:    audit.KindPaymentRequired,
		Nonce:   req.Nonce,
		PayTo:   req.PayTo,
		Mint:    req.Mint,
		Network: req.Network,
		Amount:  strconv.FormatUint(req.Amount, 10),
		Outcome: "PAYMENT_REQUIRED",
		Details: map[string]interface{}{"service": service, "path": req.Resource.Path},
	})

	w.Header().Set(payment.HeaderRequired, encoded)
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":           "payment_required",
		"paymentRequired": req,
	})
}

// recordSettlement: оплата уже подтверждена, сбой записи не отменяет услугу.
func (g *Gateway) recordSettlement(r *http.Request, service string, issued *domain.PaymentRequirement, receipt *domain.Receipt) {
	ctx := context.WithoutCancel(r.Context())
	st := domain.Settlement{TxReference: receipt.TxSignature, Nonce: receipt.Nonce, Receipt: receipt}

	if decisionID := r.Header.Get("X-Decision-ID"); decisionID != "" {
		if err := g.settlements.AttachSettlement(ctx, decisionID, st); err != nil {
			g.logger.Warn("failed to attach settlement", zap.String("decision_id", decisionID), zap.Error(err))
		}
		return
	}

	buyer := r.Header.Get("X-User-ID")
	if buyer == "" {
		buyer = receipt.Buyer
	}
	now := time.Now()
	id := uuid.New().String()
	rec := &domain.DecisionRecord{
		ID:            id,
		SchemaVersion: domain.DecisionSchemaVersion,
		Request: domain.TransactionRequest{
			UserID:       buyer,
			Counterparty: g.sellerID,
			Amount:       int64(issued.Amount),
			Currency:     issued.Mint,
			Class:        domain.ClassAgentToAgent,
			ProductID:    service,
		},
		Decision: domain.Decision{
			ID:          id,
			Verdict:     domain.VerdictAllow,
			Allowed:     true,
			Reason:      "payment verified",
			Outcomes:    []domain.RuleOutcome{},
			EvaluatedAt: now,
		},
		Status:      domain.StatusApproved,
		TxReference: st.TxReference,
		Nonce:       st.Nonce,
		Receipt:     receipt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.settlements.RecordSettlement(ctx, rec); err != nil {
		g.logger.Error("failed to record settlement", zap.String("nonce", receipt.Nonce), zap.Error(err))
		return
	}
	g.auditor.Log(audit.AuditEvent{
		TraceID:     infra.TraceID(r.Context()),
		Kind:        audit.KindSettlement,
		Nonce:       receipt.Nonce,
		TxReference: receipt.TxSignature,
		Payer:       buyer,
		PayTo:       receipt.PayTo,
		Mint:        receipt.Mint,
		Amount:      receipt.Amount,
		Outcome:     string(domain.StatusApproved),
		Details:     map[string]interface{}{"decision_id": rec.ID, "service": service},
	})
}

type verifyRequest struct {
	Proof    *domain.PaymentProof `json:"proof"`
	Expected domain.Expected      `json:"expected"`
}

// HandleVerify - фасилитатор как отдельный сервис для сторонних продавцов.
func (g *Gateway) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeRejection(w, domain.Reject(domain.CodeInvalidProof, "invalid request body"))
		return
	}
	receipt, err := g.facilitator.Verify(r.Context(), req.Proof, req.Expected)
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (g *Gateway) facilitatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.secretHash) > 0 {
			secret := r.Header.Get("X-Facilitator-Secret")
			if secret == "" || bcrypt.CompareHashAndPassword(g.secretHash, []byte(secret)) != nil {
				writeError(w, http.StatusUnauthorized, "invalid facilitator secret")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeRejection(w http.ResponseWriter, err error) {
	rej, ok := domain.AsRejection(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, rej.Code.HTTPStatus(), map[string]any{
		"error":     rej.Code,
		"detail":    rej.Reason,
		"retryable": rej.Code.Retryable(),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
