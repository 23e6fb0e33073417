package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// NonceStore - одноразовые nonce в памяти. Claim и переходы статусов под одним мьютексом.
// Транзакция закреплена за первым nonce, пока тот не отклонен.
type NonceStore struct {
	mu      sync.Mutex
	records map[string]domain.NonceRecord
	byTx    map[string]string // tx reference -> nonce
}

func NewNonceStore() *NonceStore {
	return &NonceStore{
		records: make(map[string]domain.NonceRecord),
		byTx:    make(map[string]string),
	}
}

func (s *NonceStore) Get(_ context.Context, nonce string) (*domain.NonceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[nonce]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *NonceStore) ClaimIfAbsent(_ context.Context, rec domain.NonceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.Nonce]; exists {
		return false, nil
	}
	if _, held := s.byTx[rec.TxReference]; held && rec.TxReference != "" {
		return false, domain.ErrTxReused
	}
	s.records[rec.Nonce] = rec
	if rec.TxReference != "" {
		s.byTx[rec.TxReference] = rec.Nonce
	}
	return true, nil
}

func (s *NonceStore) Transition(_ context.Context, nonce string, from, to domain.NonceStatus, at time.Time, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[nonce]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.Note = note
	r.UpdatedAt = at
	s.records[nonce] = r
	if to == domain.NonceRejected && s.byTx[r.TxReference] == nonce {
		delete(s.byTx, r.TxReference)
	}
	return true, nil
}

func (s *NonceStore) MarkVerified(_ context.Context, nonce, payer string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[nonce]
	if !ok || r.Status != domain.NonceClaimed {
		return false, nil
	}
	r.Status = domain.NonceVerified
	r.Verified = true
	r.VerifiedAt = &at
	r.Payer = payer
	r.UpdatedAt = at
	s.records[nonce] = r
	return true, nil
}

// RequirementStore - выданные требования оплаты до истечения TTL.
type RequirementStore struct {
	mu    sync.Mutex
	items map[string]requirementEntry
	now   func() time.Time
}

type requirementEntry struct {
	req      domain.PaymentRequirement
	deadline time.Time
}

func NewRequirementStore() *RequirementStore {
	return &RequirementStore{items: make(map[string]requirementEntry), now: time.Now}
}

func (s *RequirementStore) Put(_ context.Context, req *domain.PaymentRequirement, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.items {
		if now.After(e.deadline) {
			delete(s.items, k)
		}
	}
	s.items[req.Nonce] = requirementEntry{req: *req, deadline: now.Add(ttl)}
	return nil
}

func (s *RequirementStore) Get(_ context.Context, nonce string) (*domain.PaymentRequirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[nonce]
	if !ok || s.now().After(e.deadline) {
		return nil, domain.ErrNotFound
	}
	return &e.req, nil
}
