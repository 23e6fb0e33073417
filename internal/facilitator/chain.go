package facilitator

import (
	"context"
	"errors"
	"math/big"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// ChainReader - чтение транзакции из блокчейна.
// domain.ErrTxNotFound - транзакции нет; любая другая ошибка - сеть недоступна.
type ChainReader interface {
	GetTransaction(ctx context.Context, reference string) (*domain.ChainTransaction, error)
}

// Transfer - найденный перевод, покрывающий требование.
type Transfer struct {
	Amount *big.Int
	Payer  string
}

// ChainVerifier подтверждает, что транзакция действительно перевела нужный актив получателю.
type ChainVerifier struct {
	rpc ChainReader
}

func NewChainVerifier(rpc ChainReader) *ChainVerifier {
	return &ChainVerifier{rpc: rpc}
}

// Confirm ищет среди инструкций перевод на expected.PayTo в активе expected.Mint
// на сумму не меньше expected.Amount.
func (v *ChainVerifier) Confirm(ctx context.Context, reference string, expected domain.Expected) (*Transfer, error) {
	tx, err := v.rpc.GetTransaction(ctx, reference)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &domain.Rejection{Code: domain.CodeVerificationAborted, Reason: "verification cancelled", Err: ctx.Err()}
		}
		if errors.Is(err, domain.ErrTxNotFound) {
			return nil, domain.Reject(domain.CodeTxNotFound, "transaction %s not found", reference)
		}
		return nil, &domain.Rejection{Code: domain.CodeChainUnavailable, Reason: "failed to fetch transaction", Err: err}
	}
	if tx == nil {
		return nil, domain.Reject(domain.CodeTxNotFound, "transaction %s not found", reference)
	}
	if !tx.Succeeded {
		return nil, domain.Reject(domain.CodeTxFailed, "transaction failed on chain: %s", tx.Error)
	}

	required := new(big.Int).SetUint64(expected.Amount)
	var best *Transfer
	for _, t := range tx.Transfers {
		if !matchesTransfer(t, expected) {
			continue
		}
		amount, ok := new(big.Int).SetString(t.Amount, 10)
		if !ok || amount.Sign() < 0 {
			continue
		}
		if best == nil || amount.Cmp(best.Amount) > 0 {
			best = &Transfer{Amount: amount, Payer: t.Payer()}
		}
	}
	if best == nil {
		return nil, domain.Reject(domain.CodeInvalidTransfer, "no matching %s transfer to %s", expected.Mint, expected.PayTo)
	}
	if best.Amount.Cmp(required) < 0 {
		return nil, domain.Reject(domain.CodeInsufficientAmount, "transferred %s, required %s", best.Amount, required)
	}
	return best, nil
}

// matchesTransfer: transferChecked обязан нести ожидаемый mint; у простого transfer
// mint в инструкции нет, и принадлежность активу определяется адресом получателя.
func matchesTransfer(t domain.TransferEffect, expected domain.Expected) bool {
	switch t.Type {
	case "transferChecked":
		if t.Mint != expected.Mint {
			return false
		}
	case "transfer":
		if t.Mint != "" && t.Mint != expected.Mint {
			return false
		}
	default:
		return false
	}
	return t.Destination == expected.PayTo
}
