package payment

import (
	"regexp"
	"strconv"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

var digits = regexp.MustCompile(`^\d+$`)

const (
	minTxSignatureLen = 40
	minNonceLen       = 8
)

// ValidateProof - структурная проверка доказательства оплаты до любых обращений к хранилищу или сети.
func ValidateProof(p *domain.PaymentProof) error {
	switch {
	case p == nil:
		return domain.Reject(domain.CodeInvalidProof, "payment proof is missing")
	case len(p.TxSignature) < minTxSignatureLen:
		return domain.Reject(domain.CodeInvalidProof, "txSignature is too short")
	case len(p.Nonce) < minNonceLen:
		return domain.Reject(domain.CodeInvalidProof, "nonce is too short")
	case !isFingerprint(p.BodyHash):
		return domain.Reject(domain.CodeInvalidProof, "bodyHash must be 64 hex chars")
	case p.PayTo == "":
		return domain.Reject(domain.CodeInvalidProof, "payTo is required")
	case p.Mint == "":
		return domain.Reject(domain.CodeInvalidProof, "mint is required")
	case p.Network == "":
		return domain.Reject(domain.CodeInvalidProof, "network is required")
	case !digits.MatchString(p.Amount):
		return domain.Reject(domain.CodeInvalidProof, "amount must be a non-negative integer string")
	}
	if _, err := strconv.ParseUint(p.Amount, 10, 64); err != nil {
		return domain.Reject(domain.CodeInvalidProof, "amount is out of range")
	}
	return nil
}
