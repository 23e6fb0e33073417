package handler

import (
	"net/http"

	"github.com/xela07ax/agentpay-gate/internal/console/service"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает события платежного аудита
// GET /v1/audit?nonce=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.FetchEvents(r.Context(), r.URL.Query().Get("nonce"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
