package domain

import "time"

const (
	ProtocolX402  = "x402"
	ProtocolV2    = "v2"
	SchemeExact   = "exact"
	DefaultExpiry = 60 * time.Second
	NonceTTL      = time.Hour
)

// Resource - к какому запросу привязано требование оплаты.
type Resource struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	BodyHash string `json:"bodyHash"`
}

// PaymentRequirement - тело заголовка PAYMENT-REQUIRED.
type PaymentRequirement struct {
	Protocol    string   `json:"protocol"`
	Version     string   `json:"version"`
	Scheme      string   `json:"scheme"`
	Network     string   `json:"network"`
	Mint        string   `json:"mint"`
	Amount      uint64   `json:"amount,string"`
	PayTo       string   `json:"payTo"`
	Nonce       string   `json:"nonce"`
	ExpiresAt   int64    `json:"expiresAt"` // unix ms
	Resource    Resource `json:"resource"`
	Facilitator string   `json:"facilitator,omitempty"`
}

func (p *PaymentRequirement) Expiry() time.Time {
	return time.UnixMilli(p.ExpiresAt)
}

// PaymentProof - тело заголовка PAYMENT-SIGNATURE. Amount строкой: валидируется отдельно.
type PaymentProof struct {
	TxSignature string `json:"txSignature"`
	Nonce       string `json:"nonce"`
	BodyHash    string `json:"bodyHash"`
	PayTo       string `json:"payTo"`
	Amount      string `json:"amount"`
	Mint        string `json:"mint"`
	Network     string `json:"network"`
}

// Expected - значения, которые проверяющая сторона ожидает независимо от доказательства.
type Expected struct {
	Mint      string    `json:"mint"`
	PayTo     string    `json:"payTo"`
	Network   string    `json:"network"`
	BodyHash  string    `json:"bodyHash"`
	Amount    uint64    `json:"amount,string"`
	Nonce     string    `json:"nonce,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// ExpectedFrom строит ожидание из выданного требования.
func ExpectedFrom(req *PaymentRequirement) Expected {
	return Expected{
		Mint:      req.Mint,
		PayTo:     req.PayTo,
		Network:   req.Network,
		BodyHash:  req.Resource.BodyHash,
		Amount:    req.Amount,
		Nonce:     req.Nonce,
		ExpiresAt: req.Expiry(),
	}
}

// NonceStatus - состояние записи одноразового nonce.
type NonceStatus string

const (
	NonceClaimed   NonceStatus = "CLAIMED"
	NonceVerified  NonceStatus = "VERIFIED"
	NonceRejected  NonceStatus = "REJECTED"
	NonceRetryable NonceStatus = "RETRYABLE"
)

// NonceRecord - запись потребленного nonce. Единожды заявленный nonce не освобождается.
type NonceRecord struct {
	Nonce       string      `json:"nonce"`
	TxReference string      `json:"txSignature"`
	Payer       string      `json:"agentId,omitempty"`
	Amount      string      `json:"amount"`
	Mint        string      `json:"mint"`
	Status      NonceStatus `json:"status"`
	Verified    bool        `json:"verified"`
	VerifiedAt  *time.Time  `json:"verifiedAt,omitempty"`
	Note        string      `json:"note,omitempty"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Receipt - тело заголовка PAYMENT-RESPONSE.
type Receipt struct {
	OK          bool   `json:"ok"`
	TxSignature string `json:"txSignature"`
	Amount      string `json:"amount"`
	Mint        string `json:"mint"`
	PayTo       string `json:"payTo"`
	Nonce       string `json:"nonce"`
	Buyer       string `json:"buyer,omitempty"`
	VerifiedAt  int64  `json:"verifiedAt"`      // unix ms
	Token       string `json:"token,omitempty"` // подписанная JWT-квитанция
}

// ChainTransaction - то, что фасилитатор читает из блокчейна.
type ChainTransaction struct {
	Reference string           `json:"reference"`
	Succeeded bool             `json:"succeeded"`
	Error     string           `json:"error,omitempty"`
	Transfers []TransferEffect `json:"transfers"`
}

// TransferEffect - разобранная инструкция перевода токена.
type TransferEffect struct {
	Type        string `json:"type"` // transfer | transferChecked
	Source      string `json:"source,omitempty"`
	Authority   string `json:"authority,omitempty"`
	Destination string `json:"destination"`
	Mint        string `json:"mint,omitempty"`
	Amount      string `json:"amount"`
}

// Payer - кто отправил перевод.
func (t TransferEffect) Payer() string {
	if t.Source != "" {
		return t.Source
	}
	return t.Authority
}
