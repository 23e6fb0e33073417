package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/agentpay-gate/internal/audit"
)

// AuditLog - хранилище аудита для dev-режима. Держит последние max событий.
type AuditLog struct {
	mu     sync.RWMutex
	events []audit.AuditEvent
	max    int
}

func NewAuditLog(max int) *AuditLog {
	if max <= 0 {
		max = 10000
	}
	return &AuditLog{max: max}
}

func (l *AuditLog) WriteBatch(_ context.Context, events []audit.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
	if over := len(l.events) - l.max; over > 0 {
		l.events = append([]audit.AuditEvent(nil), l.events[over:]...)
	}
	return nil
}

func (l *AuditLog) FetchEvents(_ context.Context, nonce string, limit int) ([]audit.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]audit.AuditEvent, 0)
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		if nonce != "" && l.events[i].Nonce != nonce {
			continue
		}
		out = append(out, l.events[i])
	}
	return out, nil
}
