package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentpay"
)

// Ключи (состояние)
const (
	RedisKeyNoncePrefix       = RedisNamespace + ":nonce:"
	RedisKeyRequirementPrefix = RedisNamespace + ":requirement:"
	RedisKeyTxPrefix          = RedisNamespace + ":tx:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalDecisions - канал для трансляции решений ревьюера.
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
	RedisChanRuleUpdate        = RedisNamespace + ":rules:update"
)

func NonceKey(nonce string) string {
	return RedisKeyNoncePrefix + nonce
}

// TxKey - закрепление транзакции за nonce.
func TxKey(txReference string) string {
	return RedisKeyTxPrefix + txReference
}

func RequirementKey(nonce string) string {
	return RedisKeyRequirementPrefix + nonce
}
