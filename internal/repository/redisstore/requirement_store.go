package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra"
)

// RequirementStore - выданные требования оплаты, общие для всех инстансов шлюза.
type RequirementStore struct {
	rdb *redis.Client
}

func NewRequirementStore(rdb *redis.Client) *RequirementStore {
	return &RequirementStore{rdb: rdb}
}

func (s *RequirementStore) Put(ctx context.Context, req *domain.PaymentRequirement, ttl time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal requirement: %w", err)
	}
	if err := s.rdb.Set(ctx, infra.RequirementKey(req.Nonce), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis requirement put: %w", err)
	}
	return nil
}

func (s *RequirementStore) Get(ctx context.Context, nonce string) (*domain.PaymentRequirement, error) {
	data, err := s.rdb.Get(ctx, infra.RequirementKey(nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis requirement get: %w", err)
	}
	var req domain.PaymentRequirement
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode requirement: %w", err)
	}
	return &req, nil
}
