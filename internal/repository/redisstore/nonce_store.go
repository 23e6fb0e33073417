package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/infra"
)

// claimScript - атомарный захват nonce и транзакции.
// KEYS[1] = ключ nonce, KEYS[2] = ключ транзакции
// ARGV[1] = TTL в миллисекундах, далее пары поле/значение
// 1 - захвачен, 0 - nonce занят, -1 - транзакция закреплена за другим nonce
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
    return -1
end
for i = 2, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("PEXPIRE", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], KEYS[1], "PX", ARGV[1])
return 1
`)

// transitionScript - compare-and-set статуса.
// KEYS[1] = ключ nonce, KEYS[2] = ключ транзакции
// ARGV[1] = ожидаемый статус, ARGV[2] = новый, ARGV[3] = updated_at, далее пары поле/значение
// VERIFIED закрепляет транзакцию без срока, REJECTED освобождает ее.
var transitionScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[3])
for i = 4, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
if redis.call("GET", KEYS[2]) == KEYS[1] then
    if ARGV[2] == "VERIFIED" then
        redis.call("PERSIST", KEYS[2])
    elseif ARGV[2] == "REJECTED" then
        redis.call("DEL", KEYS[2])
    end
end
return 1
`)

// NonceStore - журнал nonce в Redis для нескольких инстансов фасилитатора.
// Ключ nonce живет не меньше срока требования; повтор после истечения отсекается сроком.
// Ключ подтвержденной транзакции бессрочный.
type NonceStore struct {
	rdb *redis.Client
}

func NewNonceStore(rdb *redis.Client) *NonceStore {
	return &NonceStore{rdb: rdb}
}

func (s *NonceStore) Get(ctx context.Context, nonce string) (*domain.NonceRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, infra.NonceKey(nonce)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis nonce get: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeNonce(nonce, fields), nil
}

func (s *NonceStore) ClaimIfAbsent(ctx context.Context, rec domain.NonceRecord) (bool, error) {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = domain.NonceTTL
	}
	args := []interface{}{ttl.Milliseconds(),
		"tx_reference", rec.TxReference,
		"payer", rec.Payer,
		"amount", rec.Amount,
		"mint", rec.Mint,
		"status", string(rec.Status),
		"expires_at", millis(rec.ExpiresAt),
		"created_at", millis(rec.CreatedAt),
		"updated_at", millis(rec.UpdatedAt),
	}
	keys := []string{infra.NonceKey(rec.Nonce), infra.TxKey(rec.TxReference)}
	res, err := claimScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redis nonce claim: %w", err)
	}
	if res < 0 {
		return false, domain.ErrTxReused
	}
	return res == 1, nil
}

func (s *NonceStore) Transition(ctx context.Context, nonce string, from, to domain.NonceStatus, at time.Time, note string) (bool, error) {
	return s.cas(ctx, nonce, from, to, at, "note", note)
}

func (s *NonceStore) MarkVerified(ctx context.Context, nonce, payer string, at time.Time) (bool, error) {
	return s.cas(ctx, nonce, domain.NonceClaimed, domain.NonceVerified, at,
		"payer", payer, "verified", "1", "verified_at", millis(at))
}

func (s *NonceStore) cas(ctx context.Context, nonce string, from, to domain.NonceStatus, at time.Time, extra ...interface{}) (bool, error) {
	key := infra.NonceKey(nonce)
	// tx_reference не меняется после захвата: чтение вне скрипта безопасно
	txRef, err := s.rdb.HGet(ctx, key, "tx_reference").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis nonce transition: %w", err)
	}
	args := append([]interface{}{string(from), string(to), millis(at)}, extra...)
	res, err := transitionScript.Run(ctx, s.rdb, []string{key, infra.TxKey(txRef)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redis nonce transition: %w", err)
	}
	return res == 1, nil
}

func decodeNonce(nonce string, f map[string]string) *domain.NonceRecord {
	rec := &domain.NonceRecord{
		Nonce:       nonce,
		TxReference: f["tx_reference"],
		Payer:       f["payer"],
		Amount:      f["amount"],
		Mint:        f["mint"],
		Status:      domain.NonceStatus(f["status"]),
		Verified:    f["verified"] == "1",
		Note:        f["note"],
		ExpiresAt:   fromMillis(f["expires_at"]),
		CreatedAt:   fromMillis(f["created_at"]),
		UpdatedAt:   fromMillis(f["updated_at"]),
	}
	if v, ok := f["verified_at"]; ok {
		at := fromMillis(v)
		rec.VerifiedAt = &at
	}
	return rec
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
