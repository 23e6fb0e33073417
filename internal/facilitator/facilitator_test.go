package facilitator_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentpay-gate/internal/audit"
	"github.com/xela07ax/agentpay-gate/internal/connectors"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/facilitator"
	"github.com/xela07ax/agentpay-gate/internal/payment"
	"github.com/xela07ax/agentpay-gate/internal/repository/memory"
	"go.uber.org/zap"
)

const (
	mint    = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	payTo   = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	network = "solana:devnet"
)

var body = []byte(`{"url":"https://example.com"}`)

type recorder struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (r *recorder) Log(e audit.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type harness struct {
	chain  *connectors.MockLedger
	nonces *memory.NonceStore
	audit  *recorder
	fac    *facilitator.Facilitator
}

func newHarness(t *testing.T, opts ...facilitator.Option) *harness {
	t.Helper()
	h := &harness{chain: connectors.NewMockLedger(), nonces: memory.NewNonceStore(), audit: &recorder{}}
	opts = append([]facilitator.Option{facilitator.WithAuditor(h.audit)}, opts...)
	h.fac = facilitator.New(h.nonces, facilitator.NewChainVerifier(h.chain), zap.NewNop(), opts...)
	return h
}

func signature(seed string) string {
	return seed + strings.Repeat("x", 88-len(seed))
}

func proofFor(sig, nonce, amount string) *domain.PaymentProof {
	return &domain.PaymentProof{
		TxSignature: sig,
		Nonce:       nonce,
		BodyHash:    payment.Fingerprint(body),
		PayTo:       payTo,
		Amount:      amount,
		Mint:        mint,
		Network:     network,
	}
}

func expected(amount uint64) domain.Expected {
	return domain.Expected{Mint: mint, PayTo: payTo, Network: network, BodyHash: payment.Fingerprint(body), Amount: amount,
		ExpiresAt: time.Now().Add(time.Minute)}
}

func requireCode(t *testing.T, err error, code domain.RejectionCode) {
	t.Helper()
	rej, ok := domain.AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, code, rej.Code)
}

func TestVerifyIssuesReceipt(t *testing.T) {
	h := newHarness(t)
	sig := signature("ok")
	h.chain.PutTransfer(sig, "buyer-ata", payTo, mint, "100000")

	receipt, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-0001", "100000"), expected(100000))
	require.NoError(t, err)

	assert.True(t, receipt.OK)
	assert.Equal(t, sig, receipt.TxSignature)
	assert.Equal(t, "100000", receipt.Amount)
	assert.Equal(t, "buyer-ata", receipt.Buyer)

	rec, err := h.nonces.Get(context.Background(), "nonce-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.NonceVerified, rec.Status)
	assert.True(t, rec.Verified)

	require.Len(t, h.audit.events, 1)
	assert.Equal(t, "VERIFIED", h.audit.events[0].Outcome)
}

func TestVerifyRejectsReplay(t *testing.T) {
	h := newHarness(t)
	sig := signature("replay")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")

	_, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-0002", "100000"), expected(100000))
	require.NoError(t, err)

	_, err = h.fac.Verify(context.Background(), proofFor(sig, "nonce-0002", "100000"), expected(100000))
	requireCode(t, err, domain.CodeNonceReused)

	rej, _ := domain.AsRejection(err)
	assert.Equal(t, 409, rej.Code.HTTPStatus())
}

// Одна транзакция не оплачивает два разных nonce.
func TestVerifyRejectsTxAcrossNonces(t *testing.T) {
	h := newHarness(t)
	sig := signature("twice")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")

	_, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-first", "100000"), expected(100000))
	require.NoError(t, err)

	_, err = h.fac.Verify(context.Background(), proofFor(sig, "nonce-second", "100000"), expected(100000))
	requireCode(t, err, domain.CodeTxReused)
	rej, _ := domain.AsRejection(err)
	assert.Equal(t, 409, rej.Code.HTTPStatus())
	assert.False(t, rej.Code.Retryable())

	_, err = h.nonces.Get(context.Background(), "nonce-second")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, h.chain.Calls())
}

func TestVerifyRejectedNonceReleasesTx(t *testing.T) {
	h := newHarness(t)
	sig := signature("late")

	_, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-early", "100000"), expected(100000))
	requireCode(t, err, domain.CodeTxNotFound)

	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")
	receipt, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-late", "100000"), expected(100000))
	require.NoError(t, err)
	assert.True(t, receipt.OK)
}

// Параллельные попытки погасить одну транзакцию разными nonce: проходит одна.
func TestVerifyConcurrentTxAcrossNonces(t *testing.T) {
	h := newHarness(t)
	sig := signature("fanout")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")
	h.chain.SetLatency(5 * time.Millisecond)

	var (
		wg     sync.WaitGroup
		ok     atomic.Int64
		reused atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.fac.Verify(context.Background(), proofFor(sig, fmt.Sprintf("nonce-fan-%d", i), "100000"), expected(100000))
			if err == nil {
				ok.Add(1)
				return
			}
			if rej, isRej := domain.AsRejection(err); isRej && rej.Code == domain.CodeTxReused {
				reused.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(15), reused.Load())
}

func TestVerifyRequiresExpiry(t *testing.T) {
	h := newHarness(t)
	sig := signature("noexp")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")

	e := expected(100000)
	e.ExpiresAt = time.Time{}
	_, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-noexp", "100000"), e)
	requireCode(t, err, domain.CodeRequirementExpired)
	assert.Equal(t, 0, h.chain.Calls())
}

// Запись nonce не истекает раньше требования.
func TestVerifyNonceOutlivesRequirement(t *testing.T) {
	h := newHarness(t, facilitator.WithNonceTTL(time.Minute))
	sig := signature("long")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")

	e := expected(100000)
	e.ExpiresAt = time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)
	_, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-long", "100000"), e)
	require.NoError(t, err)

	rec, err := h.nonces.Get(context.Background(), "nonce-long")
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.Equal(e.ExpiresAt))
}

func TestVerifyBindingMismatches(t *testing.T) {
	cases := map[domain.RejectionCode]func(p *domain.PaymentProof, e *domain.Expected){
		domain.CodeBodyHashMismatch:    func(p *domain.PaymentProof, _ *domain.Expected) { p.BodyHash = payment.Fingerprint([]byte("other")) },
		domain.CodeAssetMismatch:       func(p *domain.PaymentProof, _ *domain.Expected) { p.Mint = "FAKE" },
		domain.CodeDestinationMismatch: func(p *domain.PaymentProof, _ *domain.Expected) { p.PayTo = "attacker" },
		domain.CodeNetworkMismatch:     func(p *domain.PaymentProof, _ *domain.Expected) { p.Network = "solana:mainnet" },
		domain.CodeNonceMismatch:       func(_ *domain.PaymentProof, e *domain.Expected) { e.Nonce = "issued-nonce-1" },
		domain.CodeRequirementExpired:  func(_ *domain.PaymentProof, e *domain.Expected) { e.ExpiresAt = time.Now().Add(-time.Second) },
		domain.CodeInvalidProof:        func(p *domain.PaymentProof, _ *domain.Expected) { p.TxSignature = "short" },
	}
	for code, mutate := range cases {
		t.Run(string(code), func(t *testing.T) {
			h := newHarness(t)
			sig := signature("bind")
			h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")

			p, e := proofFor(sig, "nonce-bind", "100000"), expected(100000)
			mutate(p, &e)
			_, err := h.fac.Verify(context.Background(), p, e)
			requireCode(t, err, code)
			assert.Equal(t, 0, h.chain.Calls())
		})
	}
}

func TestVerifyChainOutcomes(t *testing.T) {
	h := newHarness(t)

	_, err := h.fac.Verify(context.Background(), proofFor(signature("missing"), "nonce-miss", "1"), expected(1))
	requireCode(t, err, domain.CodeTxNotFound)

	failed := signature("failed")
	h.chain.Put(domain.ChainTransaction{Reference: failed, Succeeded: false, Error: "InstructionError"})
	_, err = h.fac.Verify(context.Background(), proofFor(failed, "nonce-fail", "1"), expected(1))
	requireCode(t, err, domain.CodeTxFailed)

	wrongDest := signature("dest")
	h.chain.PutTransfer(wrongDest, "buyer", "someone-else", mint, "100000")
	_, err = h.fac.Verify(context.Background(), proofFor(wrongDest, "nonce-dest", "100000"), expected(100000))
	requireCode(t, err, domain.CodeInvalidTransfer)

	wrongMint := signature("mint")
	h.chain.PutTransfer(wrongMint, "buyer", payTo, "OTHER", "100000")
	_, err = h.fac.Verify(context.Background(), proofFor(wrongMint, "nonce-mint", "100000"), expected(100000))
	requireCode(t, err, domain.CodeInvalidTransfer)

	short := signature("short")
	h.chain.PutTransfer(short, "buyer", payTo, mint, "99999")
	_, err = h.fac.Verify(context.Background(), proofFor(short, "nonce-short", "100000"), expected(100000))
	requireCode(t, err, domain.CodeInsufficientAmount)

	// отклоненный nonce сожжен
	rec, err := h.nonces.Get(context.Background(), "nonce-short")
	require.NoError(t, err)
	assert.Equal(t, domain.NonceRejected, rec.Status)
	_, err = h.fac.Verify(context.Background(), proofFor(short, "nonce-short", "100000"), expected(100000))
	requireCode(t, err, domain.CodeNonceReused)
}

func TestVerifyPlainTransferWithoutMint(t *testing.T) {
	h := newHarness(t)
	sig := signature("plain")
	h.chain.Put(domain.ChainTransaction{Reference: sig, Succeeded: true, Transfers: []domain.TransferEffect{
		{Type: "transfer", Authority: "buyer-wallet", Destination: payTo, Amount: "150000"},
	}})

	receipt, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-plain", "150000"), expected(100000))
	require.NoError(t, err)
	assert.Equal(t, "150000", receipt.Amount)
	assert.Equal(t, "buyer-wallet", receipt.Buyer)
}

func TestVerifyChainUnavailableIsRetryable(t *testing.T) {
	h := newHarness(t)
	sig := signature("retry")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")
	h.chain.SetFailure(errors.New("connection refused"))

	_, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-retry", "100000"), expected(100000))
	requireCode(t, err, domain.CodeChainUnavailable)
	rej, _ := domain.AsRejection(err)
	assert.True(t, rej.Code.Retryable())

	rec, err := h.nonces.Get(context.Background(), "nonce-retry")
	require.NoError(t, err)
	assert.Equal(t, domain.NonceRetryable, rec.Status)

	// другая транзакция под тем же nonce не проходит
	_, err = h.fac.Verify(context.Background(), proofFor(signature("other"), "nonce-retry", "100000"), expected(100000))
	requireCode(t, err, domain.CodeNonceReused)

	h.chain.SetFailure(nil)
	receipt, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-retry", "100000"), expected(100000))
	require.NoError(t, err)
	assert.True(t, receipt.OK)
}

func TestVerifyCancelledBurnsNonce(t *testing.T) {
	h := newHarness(t)
	sig := signature("cancel")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")
	h.chain.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.fac.Verify(ctx, proofFor(sig, "nonce-cancel", "100000"), expected(100000))
	requireCode(t, err, domain.CodeVerificationAborted)

	rec, err := h.nonces.Get(context.Background(), "nonce-cancel")
	require.NoError(t, err)
	assert.Equal(t, domain.NonceClaimed, rec.Status)

	h.chain.SetLatency(0)
	_, err = h.fac.Verify(context.Background(), proofFor(sig, "nonce-cancel", "100000"), expected(100000))
	requireCode(t, err, domain.CodeNonceReused)
}

// N параллельных проверок одного доказательства: ровно одна успешна.
func TestVerifyConcurrentSingleUse(t *testing.T) {
	h := newHarness(t)
	sig := signature("race")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")
	h.chain.SetLatency(5 * time.Millisecond)

	var (
		wg     sync.WaitGroup
		ok     atomic.Int64
		reused atomic.Int64
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-race", "100000"), expected(100000))
			if err == nil {
				ok.Add(1)
				return
			}
			if rej, isRej := domain.AsRejection(err); isRej && rej.Code == domain.CodeNonceReused {
				reused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(31), reused.Load())
}

func TestVerifySignsReceipt(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	h := newHarness(t, facilitator.WithSigner(facilitator.NewReceiptSigner(key, "seller-agent", time.Hour)))
	sig := signature("signed")
	h.chain.PutTransfer(sig, "buyer", payTo, mint, "100000")

	receipt, err := h.fac.Verify(context.Background(), proofFor(sig, "nonce-signed", "100000"), expected(100000))
	require.NoError(t, err)
	require.NotEmpty(t, receipt.Token)

	claims, err := facilitator.VerifyReceipt(receipt.Token, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, sig, claims.TxSignature)
	assert.Equal(t, "nonce-signed", claims.ID)
	assert.Equal(t, "seller-agent", claims.Issuer)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = facilitator.VerifyReceipt(receipt.Token, &other.PublicKey)
	assert.Error(t, err)
}

// Property: квитанция выдается тогда и только тогда, когда переведено не меньше требуемого.
func TestAmountFloorProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	var seq atomic.Int64
	properties.Property("receipt iff transferred >= required", prop.ForAll(
		func(required, transferred uint64) bool {
			h := newHarness(t)
			n := seq.Add(1)
			sig := signature(fmt.Sprintf("p%d", n))
			h.chain.PutTransfer(sig, "buyer", payTo, mint, strconv.FormatUint(transferred, 10))

			nonce := fmt.Sprintf("nonce-prop-%d", n)
			_, err := h.fac.Verify(context.Background(), proofFor(sig, nonce, strconv.FormatUint(required, 10)), expected(required))
			if transferred >= required {
				return err == nil
			}
			rej, ok := domain.AsRejection(err)
			return ok && rej.Code == domain.CodeInsufficientAmount
		},
		gen.UInt64Range(1, 1_000_000),
		gen.UInt64Range(0, 1_000_000),
	))

	properties.TestingRun(t)
}
