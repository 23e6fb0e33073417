package payment

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// Имена заголовков x402 v2.
const (
	HeaderRequired  = "PAYMENT-REQUIRED"
	HeaderSignature = "PAYMENT-SIGNATURE"
	HeaderResponse  = "PAYMENT-RESPONSE"
)

// Fingerprint - sha256 тела запроса в hex.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EncodeHeader - JSON в base64url без паддинга.
func EncodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("payment: failed to encode header: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeHeader принимает base64url и стандартный base64, с паддингом и без.
func DecodeHeader(value string, v any) error {
	value = strings.TrimRight(strings.TrimSpace(value), "=")
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		var stdErr error
		if data, stdErr = base64.RawStdEncoding.DecodeString(value); stdErr != nil {
			return fmt.Errorf("payment: header is not base64: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("payment: header is not valid json: %w", err)
	}
	return nil
}

// DecodeProof разбирает PAYMENT-SIGNATURE. Любая ошибка - INVALID_PROOF.
func DecodeProof(value string) (*domain.PaymentProof, error) {
	if value == "" {
		return nil, domain.Reject(domain.CodeInvalidProof, "PAYMENT-SIGNATURE header is empty")
	}
	var p domain.PaymentProof
	if err := DecodeHeader(value, &p); err != nil {
		return nil, &domain.Rejection{Code: domain.CodeInvalidProof, Reason: "malformed PAYMENT-SIGNATURE header", Err: err}
	}
	return &p, nil
}
