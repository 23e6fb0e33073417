package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTxNotFound       = errors.New("transaction not found on chain")
	ErrChainUnavailable = errors.New("chain unavailable")
	ErrTxReused         = errors.New("transaction reference already claimed")
)

// RejectionCode - стабильный код отказа в проверке платежа.
type RejectionCode string

const (
	CodeInvalidProof        RejectionCode = "INVALID_PROOF"
	CodeNonceReused         RejectionCode = "NONCE_REUSED"
	CodeTxReused            RejectionCode = "TX_REUSED"
	CodeBodyHashMismatch    RejectionCode = "BODY_HASH_MISMATCH"
	CodeAssetMismatch       RejectionCode = "MINT_MISMATCH"
	CodeDestinationMismatch RejectionCode = "PAYTO_MISMATCH"
	CodeNetworkMismatch     RejectionCode = "NETWORK_MISMATCH"
	CodeNonceMismatch       RejectionCode = "NONCE_MISMATCH"
	CodeRequirementExpired  RejectionCode = "REQUIREMENT_EXPIRED"
	CodeChainUnavailable    RejectionCode = "RPC_ERROR"
	CodeTxNotFound          RejectionCode = "TX_NOT_FOUND"
	CodeTxFailed            RejectionCode = "TX_FAILED"
	CodeInvalidTransfer     RejectionCode = "INVALID_TRANSFER"
	CodeInsufficientAmount  RejectionCode = "INSUFFICIENT_AMOUNT"
	CodeVerificationAborted RejectionCode = "VERIFICATION_ABORTED"
	CodeStoreError          RejectionCode = "STORE_ERROR"
)

// Retryable - можно ли повторить то же доказательство позже.
func (c RejectionCode) Retryable() bool {
	return c == CodeChainUnavailable || c == CodeStoreError
}

// HTTPStatus - статус ответа фасилитатора для кода.
func (c RejectionCode) HTTPStatus() int {
	switch c {
	case CodeNonceReused, CodeTxReused:
		return 409
	case CodeTxNotFound:
		return 404
	case CodeChainUnavailable:
		return 502
	case CodeStoreError:
		return 503
	case CodeVerificationAborted:
		return 499
	default:
		return 400
	}
}

// Rejection - отказ в проверке с кодом и человекочитаемой причиной.
type Rejection struct {
	Code   RejectionCode `json:"error"`
	Reason string        `json:"detail"`
	Err    error         `json:"-"`
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Code, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

func Reject(code RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsRejection извлекает Rejection из цепочки ошибок.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
