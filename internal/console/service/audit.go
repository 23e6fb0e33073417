package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentpay-gate/internal/audit"
)

// AuditLogProvider описывает контракт для чтения данных аудита.
type AuditLogProvider interface {
	FetchEvents(ctx context.Context, nonce string, limit int) ([]audit.AuditEvent, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

func (s *AuditService) FetchEvents(ctx context.Context, nonce string, limit int) ([]audit.AuditEvent, error) {
	events, err := s.repo.FetchEvents(ctx, nonce, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch events: %w", err)
	}
	return events, nil
}
