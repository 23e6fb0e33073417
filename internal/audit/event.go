package audit

import "time"

// Типы событий журнала
const (
	KindPaymentVerification = "payment_verification"
	KindPaymentRequired     = "payment_required"
	KindSettlement          = "settlement"
)

// AuditEvent - запись платежного аудита: каждая попытка проверки, успешная или нет.
type AuditEvent struct {
	ID      string `json:"id"`       // UUID события
	TraceID string `json:"trace_id"` // Сквозной ID запроса
	Kind    string `json:"kind"`

	Nonce       string `json:"nonce,omitempty"`
	TxReference string `json:"tx_reference,omitempty"`
	Payer       string `json:"payer,omitempty"`
	PayTo       string `json:"pay_to,omitempty"`
	Mint        string `json:"mint,omitempty"`
	Network     string `json:"network,omitempty"`
	Amount      string `json:"amount,omitempty"`

	// Результат: VERIFIED или код отказа
	Outcome    string                 `json:"outcome"`
	Reason     string                 `json:"reason,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMs int64                  `json:"duration_ms"`
}
