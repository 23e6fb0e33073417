package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentpay-gate/internal/console/service"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra/auth"
)

type ApprovalHandler struct {
	service *service.ApprovalService
}

func NewApprovalHandler(s *service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

// Queue - очередь решений, ожидающих ревьюера
func (h *ApprovalHandler) Queue(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), r.URL.Query().Get("userId"), domain.StatusPendingApproval, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// History GET /v1/decisions?userId=...&status=...&limit=...
func (h *ApprovalHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.service.List(r.Context(), q.Get("userId"), domain.DecisionStatus(q.Get("status")), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	// ReviewerID - из проверенного токена
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.UserID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "reviewer identity is required"})
		return
	}

	rec, err := h.service.Decide(r.Context(), chi.URLParam(r, "id"), req.Approved, claims.UserID, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Spend GET /v1/users/{userID}/spend?period=monthly
func (h *ApprovalHandler) Spend(w http.ResponseWriter, r *http.Request) {
	period := domain.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = domain.PeriodMonthly
	}
	summary, err := h.service.Spend(r.Context(), chi.URLParam(r, "userID"), period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
