package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/agentpay-gate/internal/domain"
)

var ErrNoReviewer = errors.New("token carries no reviewer identity")

// ReviewerValidator проверяет RS256 токены ревьюеров консоли.
// exp обязателен; iss и aud сверяются, если заданы.
type ReviewerValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
	leeway    time.Duration
}

type ValidatorOption func(*ReviewerValidator)

func WithIssuer(iss string) ValidatorOption      { return func(v *ReviewerValidator) { v.issuer = iss } }
func WithAudience(aud string) ValidatorOption    { return func(v *ReviewerValidator) { v.audience = aud } }
func WithLeeway(d time.Duration) ValidatorOption { return func(v *ReviewerValidator) { v.leeway = d } }

func NewReviewerValidator(pubKey *rsa.PublicKey, opts ...ValidatorOption) *ReviewerValidator {
	v := &ReviewerValidator{publicKey: pubKey}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *ReviewerValidator) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	return jwt.NewParser(opts...)
}

// VerifyToken реализует TokenValidator. Принимает токен с префиксом "Bearer " и без.
func (v *ReviewerValidator) VerifyToken(raw string) (*domain.ReviewerClaims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))

	claims := &domain.ReviewerClaims{}
	if _, err := v.parser().ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("auth: invalid reviewer token: %w", err)
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("auth: %w", ErrNoReviewer)
	}
	return claims, nil
}

// ParseRSAPublicKey - PEM ключа проверки токенов консоли.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("auth: public key is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey - PEM ключа подписи квитанций.
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, errors.New("auth: private key is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	return key, nil
}
