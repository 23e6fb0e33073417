package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agentpay-gate/internal/domain"
)

var ErrInvalidRequirement = errors.New("invalid payment requirement")

// Config - параметры сети и получателя, общие для всех требований.
type Config struct {
	Network      string
	Mint         string
	PayTo        string
	Facilitator  string
	ExpiryWindow time.Duration
}

// Params - параметры одного требования. Пустые поля берутся из Config.
type Params struct {
	Amount   uint64
	Method   string
	Path     string
	BodyHash string

	PayTo     string
	Mint      string
	Network   string
	ExpiresIn time.Duration
}

// IssuedStore хранит выданные требования до истечения их окна,
// чтобы проверяющая сторона знала nonce, сумму и срок без доверия к клиенту.
type IssuedStore interface {
	Put(ctx context.Context, req *domain.PaymentRequirement, ttl time.Duration) error
	Get(ctx context.Context, nonce string) (*domain.PaymentRequirement, error)
}

// Builder собирает PaymentRequirement со свежим nonce.
type Builder struct {
	cfg      Config
	now      func() time.Time
	newNonce func() string
}

func NewBuilder(cfg Config) *Builder {
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = domain.DefaultExpiry
	}
	return &Builder{
		cfg:      cfg,
		now:      time.Now,
		newNonce: func() string { return uuid.New().String() },
	}
}

// WithClock подменяет часы (тесты).
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Config() Config { return b.cfg }

func (b *Builder) Build(p Params) (*domain.PaymentRequirement, error) {
	req := &domain.PaymentRequirement{
		Protocol:    domain.ProtocolX402,
		Version:     domain.ProtocolV2,
		Scheme:      domain.SchemeExact,
		Network:     firstNonEmpty(p.Network, b.cfg.Network),
		Mint:        firstNonEmpty(p.Mint, b.cfg.Mint),
		Amount:      p.Amount,
		PayTo:       firstNonEmpty(p.PayTo, b.cfg.PayTo),
		Nonce:       b.newNonce(),
		Resource:    domain.Resource{Method: p.Method, Path: p.Path, BodyHash: p.BodyHash},
		Facilitator: b.cfg.Facilitator,
	}

	window := b.cfg.ExpiryWindow
	if p.ExpiresIn > 0 {
		window = p.ExpiresIn
	}
	req.ExpiresAt = b.now().Add(window).UnixMilli()

	switch {
	case req.Amount == 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequirement)
	case req.PayTo == "":
		return nil, fmt.Errorf("%w: payTo is required", ErrInvalidRequirement)
	case req.Mint == "":
		return nil, fmt.Errorf("%w: mint is required", ErrInvalidRequirement)
	case req.Network == "":
		return nil, fmt.Errorf("%w: network is required", ErrInvalidRequirement)
	case !isFingerprint(req.Resource.BodyHash):
		return nil, fmt.Errorf("%w: bodyHash must be 64 hex chars", ErrInvalidRequirement)
	}
	return req, nil
}

func isFingerprint(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
