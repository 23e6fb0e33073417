package facilitator

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// ReceiptClaims - подписанная квитанция об оплате (RS256).
type ReceiptClaims struct {
	TxSignature string `json:"tx"`
	Amount      string `json:"amount"`
	Mint        string `json:"mint"`
	PayTo       string `json:"pay_to"`
	Buyer       string `json:"buyer,omitempty"`
	jwt.RegisteredClaims
}

// ReceiptSigner подписывает квитанции ключом продавца, чтобы их можно было предъявить третьей стороне.
type ReceiptSigner struct {
	key    *rsa.PrivateKey
	issuer string
	ttl    time.Duration
}

func NewReceiptSigner(key *rsa.PrivateKey, issuer string, ttl time.Duration) *ReceiptSigner {
	return &ReceiptSigner{key: key, issuer: issuer, ttl: ttl}
}

func (s *ReceiptSigner) Sign(r *domain.Receipt) (string, error) {
	issued := time.UnixMilli(r.VerifiedAt)
	claims := ReceiptClaims{
		TxSignature: r.TxSignature,
		Amount:      r.Amount,
		Mint:        r.Mint,
		PayTo:       r.PayTo,
		Buyer:       r.Buyer,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       r.Nonce,
			Issuer:   s.issuer,
			Subject:  r.TxSignature,
			IssuedAt: jwt.NewNumericDate(issued),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(issued.Add(s.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("receipt: failed to sign: %w", err)
	}
	return token, nil
}

// VerifyReceipt проверяет подпись квитанции публичным ключом продавца.
func VerifyReceipt(token string, pub *rsa.PublicKey) (*ReceiptClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ReceiptClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("receipt: invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(*ReceiptClaims)
	if !ok {
		return nil, fmt.Errorf("receipt: invalid claims")
	}
	return claims, nil
}
