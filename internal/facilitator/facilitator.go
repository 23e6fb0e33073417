package facilitator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/audit"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra"
	"github.com/xela07ax/agentpay-gate/internal/payment"
	"go.uber.org/zap"
)

// NonceLedger - хранилище одноразовых nonce.
// ClaimIfAbsent и Transition атомарны: из N параллельных вызовов выигрывает ровно один.
type NonceLedger interface {
	Get(ctx context.Context, nonce string) (*domain.NonceRecord, error)
	ClaimIfAbsent(ctx context.Context, rec domain.NonceRecord) (bool, error)
	Transition(ctx context.Context, nonce string, from, to domain.NonceStatus, at time.Time, note string) (bool, error)
	MarkVerified(ctx context.Context, nonce, payer string, at time.Time) (bool, error)
}

// Observer - хук метрик проверки.
type Observer interface {
	ObserveVerification(outcome string, took time.Duration)
}

// Facilitator проверяет доказательство оплаты и выдает квитанцию.
type Facilitator struct {
	nonces   NonceLedger
	verifier *ChainVerifier
	signer   *ReceiptSigner
	auditor  audit.Auditor
	observer Observer
	logger   *zap.Logger
	nonceTTL time.Duration
	now      func() time.Time
}

type Option func(*Facilitator)

func WithSigner(s *ReceiptSigner) Option    { return func(f *Facilitator) { f.signer = s } }
func WithAuditor(a audit.Auditor) Option    { return func(f *Facilitator) { f.auditor = a } }
func WithObserver(o Observer) Option        { return func(f *Facilitator) { f.observer = o } }
func WithNonceTTL(ttl time.Duration) Option { return func(f *Facilitator) { f.nonceTTL = ttl } }
func WithClock(now func() time.Time) Option { return func(f *Facilitator) { f.now = now } }

func New(nonces NonceLedger, verifier *ChainVerifier, logger *zap.Logger, opts ...Option) *Facilitator {
	f := &Facilitator{
		nonces:   nonces,
		verifier: verifier,
		auditor:  audit.Nop{},
		logger:   logger.Named("facilitator"),
		nonceTTL: domain.NonceTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Verify - полный цикл проверки:
//  1. структура доказательства;
//  2. nonce еще не использован;
//  3. привязка к ожидаемым значениям (тело, актив, получатель, сеть, nonce, срок);
//  4. атомарный захват nonce вместе с транзакцией;
//  5. подтверждение перевода в блокчейне;
//  6. nonce помечается VERIFIED, выдается квитанция.
//
// Отказ возвращается как *domain.Rejection. Захваченный nonce не освобождается никогда;
// при недоступности сети он переходит в RETRYABLE и может быть дожат тем же доказательством.
func (f *Facilitator) Verify(ctx context.Context, proof *domain.PaymentProof, expected domain.Expected) (*domain.Receipt, error) {
	start := time.Now()
	receipt, err := f.verify(ctx, proof, expected)

	outcome := string(domain.NonceVerified)
	reason := ""
	if err != nil {
		rej, ok := domain.AsRejection(err)
		if !ok {
			rej = &domain.Rejection{Code: domain.CodeStoreError, Reason: "nonce store failure", Err: err}
			err = rej
		}
		outcome = string(rej.Code)
		reason = rej.Reason
	}
	f.record(ctx, proof, expected, receipt, outcome, reason, time.Since(start))
	return receipt, err
}

func (f *Facilitator) verify(ctx context.Context, proof *domain.PaymentProof, expected domain.Expected) (*domain.Receipt, error) {
	// 1.
	if err := payment.ValidateProof(proof); err != nil {
		return nil, err
	}
	now := f.now()

	// 2.
	resume := false
	existing, err := f.nonces.Get(ctx, proof.Nonce)
	switch {
	case err == nil:
		if existing.Status != domain.NonceRetryable || existing.TxReference != proof.TxSignature {
			return nil, domain.Reject(domain.CodeNonceReused, "nonce %s was already used", proof.Nonce)
		}
		resume = true
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, &domain.Rejection{Code: domain.CodeStoreError, Reason: "failed to read nonce", Err: err}
	}

	// 3.
	if err := checkBinding(proof, expected, now); err != nil {
		return nil, err
	}

	// 4.
	claimed, err := f.claim(ctx, proof, expected, now, resume)
	if errors.Is(err, domain.ErrTxReused) {
		return nil, domain.Reject(domain.CodeTxReused, "transaction %s was already redeemed", proof.TxSignature)
	}
	if err != nil {
		return nil, &domain.Rejection{Code: domain.CodeStoreError, Reason: "failed to claim nonce", Err: err}
	}
	if !claimed {
		return nil, domain.Reject(domain.CodeNonceReused, "nonce %s was already used", proof.Nonce)
	}

	// 5.
	transfer, err := f.verifier.Confirm(ctx, proof.TxSignature, expected)
	if err != nil {
		f.settleFailure(ctx, proof.Nonce, err)
		return nil, err
	}

	// 6.
	verifiedAt := f.now()
	bg := context.WithoutCancel(ctx)
	ok, err := f.nonces.MarkVerified(bg, proof.Nonce, transfer.Payer, verifiedAt)
	if err != nil {
		return nil, &domain.Rejection{Code: domain.CodeStoreError, Reason: "failed to mark nonce verified", Err: err}
	}
	if !ok {
		return nil, domain.Reject(domain.CodeNonceReused, "nonce %s changed state during verification", proof.Nonce)
	}

	receipt := &domain.Receipt{
		OK:          true,
		TxSignature: proof.TxSignature,
		Amount:      transfer.Amount.String(),
		Mint:        expected.Mint,
		PayTo:       expected.PayTo,
		Nonce:       proof.Nonce,
		Buyer:       transfer.Payer,
		VerifiedAt:  verifiedAt.UnixMilli(),
	}
	if f.signer != nil {
		token, err := f.signer.Sign(receipt)
		if err != nil {
			// оплата подтверждена, квитанция остается без подписи
			f.logger.Error("receipt signing failed", zap.String("nonce", proof.Nonce), zap.Error(err))
		} else {
			receipt.Token = token
		}
	}
	return receipt, nil
}

func checkBinding(proof *domain.PaymentProof, expected domain.Expected, now time.Time) error {
	switch {
	case proof.BodyHash != expected.BodyHash:
		return domain.Reject(domain.CodeBodyHashMismatch, "payment is bound to a different request body")
	case proof.Mint != expected.Mint:
		return domain.Reject(domain.CodeAssetMismatch, "expected mint %s, got %s", expected.Mint, proof.Mint)
	case proof.PayTo != expected.PayTo:
		return domain.Reject(domain.CodeDestinationMismatch, "expected payTo %s, got %s", expected.PayTo, proof.PayTo)
	case proof.Network != expected.Network:
		return domain.Reject(domain.CodeNetworkMismatch, "expected network %s, got %s", expected.Network, proof.Network)
	case expected.Nonce != "" && proof.Nonce != expected.Nonce:
		return domain.Reject(domain.CodeNonceMismatch, "nonce does not match the issued requirement")
	case expected.ExpiresAt.IsZero():
		return domain.Reject(domain.CodeRequirementExpired, "payment requirement has no expiry")
	case now.After(expected.ExpiresAt):
		return domain.Reject(domain.CodeRequirementExpired, "payment requirement expired at %s", expected.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (f *Facilitator) claim(ctx context.Context, proof *domain.PaymentProof, expected domain.Expected, now time.Time, resume bool) (bool, error) {
	if resume {
		return f.nonces.Transition(ctx, proof.Nonce, domain.NonceRetryable, domain.NonceClaimed, now, "resumed")
	}
	// запись nonce переживает требование: после ее истечения повтор упрется в срок
	expires := now.Add(f.nonceTTL)
	if expected.ExpiresAt.After(expires) {
		expires = expected.ExpiresAt
	}
	return f.nonces.ClaimIfAbsent(ctx, domain.NonceRecord{
		Nonce:       proof.Nonce,
		TxReference: proof.TxSignature,
		Amount:      fmt.Sprint(expected.Amount),
		Mint:        expected.Mint,
		Status:      domain.NonceClaimed,
		ExpiresAt:   expires,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// settleFailure фиксирует захваченный nonce после отказа сети/цепочки.
// Отмена вызывающей стороной оставляет nonce в CLAIMED: он сожжен.
func (f *Facilitator) settleFailure(ctx context.Context, nonce string, cause error) {
	rej, _ := domain.AsRejection(cause)
	if rej == nil || rej.Code == domain.CodeVerificationAborted {
		return
	}
	next := domain.NonceRejected
	if rej.Code.Retryable() {
		next = domain.NonceRetryable
	}
	bg := context.WithoutCancel(ctx)
	if _, err := f.nonces.Transition(bg, nonce, domain.NonceClaimed, next, f.now(), string(rej.Code)); err != nil {
		f.logger.Error("failed to settle nonce state", zap.String("nonce", nonce), zap.String("next", string(next)), zap.Error(err))
	}
}

func (f *Facilitator) record(ctx context.Context, proof *domain.PaymentProof, expected domain.Expected, receipt *domain.Receipt, outcome, reason string, took time.Duration) {
	if f.observer != nil {
		f.observer.ObserveVerification(outcome, took)
	}
	ev := audit.AuditEvent{
		TraceID:    infra.TraceID(ctx),
		Kind:       audit.KindPaymentVerification,
		PayTo:      expected.PayTo,
		Mint:       expected.Mint,
		Network:    expected.Network,
		Amount:     fmt.Sprint(expected.Amount),
		Outcome:    outcome,
		Reason:     reason,
		DurationMs: took.Milliseconds(),
	}
	if proof != nil {
		ev.Nonce = proof.Nonce
		ev.TxReference = proof.TxSignature
	}
	if receipt != nil {
		ev.Payer = receipt.Buyer
		ev.Amount = receipt.Amount
	}
	f.auditor.Log(ev)

	fields := []zap.Field{zap.String("outcome", outcome), zap.Duration("took", took)}
	if proof != nil {
		fields = append(fields, zap.String("nonce", proof.Nonce))
	}
	if receipt != nil {
		f.logger.Info("payment verified", fields...)
		return
	}
	f.logger.Warn("payment rejected", append(fields, zap.String("reason", reason))...)
}
