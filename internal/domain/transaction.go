package domain

import "time"

// MaxTransactionAmount - верхняя граница суммы одного запроса (2^53-1).
const MaxTransactionAmount int64 = 1<<53 - 1

// TransactionRequest - запрос агента на трату. Суммы в минимальных единицах актива.
type TransactionRequest struct {
	UserID       string           `json:"userId"`
	Counterparty string           `json:"merchant"` // имя мерчанта или id агента-получателя
	Amount       int64            `json:"amount"`
	Currency     string           `json:"currency,omitempty"`
	Category     string           `json:"category,omitempty"`
	Class        TransactionClass `json:"transactionType"`
	ProductID    string           `json:"productId,omitempty"`

	AgentName         string `json:"agentName,omitempty"`
	AgentType         string `json:"agentType,omitempty"`
	CounterpartyAgent string `json:"recipientAgent,omitempty"`
	Purpose           string `json:"purpose,omitempty"`

	// Явное время запроса. Если пусто - используются часы движка.
	TimeOfDay string `json:"timeOfDay,omitempty"` // HH:MM
	DayOfWeek *int   `json:"dayOfWeek,omitempty"` // 0-6, воскресенье = 0
}

// HasAgentContext - передал ли агент сведения о себе или о получателе.
func (t *TransactionRequest) HasAgentContext() bool {
	return t.AgentName != "" || t.AgentType != "" || t.CounterpartyAgent != ""
}

// Clock возвращает время суток и день недели запроса в зоне loc.
func (t *TransactionRequest) Clock(now time.Time, loc *time.Location) (string, int) {
	if loc != nil {
		now = now.In(loc)
	}
	tod := t.TimeOfDay
	if tod == "" {
		tod = now.Format("15:04")
	}
	dow := int(now.Weekday())
	if t.DayOfWeek != nil {
		dow = *t.DayOfWeek
	}
	return tod, dow
}
