package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/agentpay-gate/internal/connectors"
	"github.com/xela07ax/agentpay-gate/internal/domain"
	"github.com/xela07ax/agentpay-gate/internal/facilitator"
	"golang.org/x/time/rate"
)

// ReliabilityConfig - параметры защиты от деградации RPC.
type ReliabilityConfig struct {
	Name           string
	RateLimit      float64
	RateBurst      int
	Attempts       uint
	RequestTimeout time.Duration
	MaxRequests    uint32
	Interval       time.Duration
	Timeout        time.Duration
	Failures       uint32
}

// ReliabilityWrapper оборачивает ChainReader: Rate Limiter -> Circuit Breaker -> Retry.
// "Транзакция не найдена" - валидный ответ RPC: не ретраится и не открывает предохранитель.
type ReliabilityWrapper struct {
	next    facilitator.ChainReader
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	metrics *Metrics
}

func NewReliabilityWrapper(next facilitator.ChainReader, cfg ReliabilityConfig, metrics *Metrics) *ReliabilityWrapper {
	if cfg.Name == "" {
		cfg.Name = "chain-rpc"
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	w := &ReliabilityWrapper{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
		metrics: metrics,
	}
	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout, // через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := 0.0
			switch to {
			case gobreaker.StateOpen:
				state = 1
			case gobreaker.StateHalfOpen:
				state = 0.5
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	return w
}

// State - текущее состояние предохранителя (для health).
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}

func (w *ReliabilityWrapper) GetTransaction(ctx context.Context, reference string) (*domain.ChainTransaction, error) {
	start := time.Now()
	tx, err := w.getTransaction(ctx, reference)

	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrTxNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	w.metrics.ChainRPCDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return tx, err
}

func (w *ReliabilityWrapper) getTransaction(ctx context.Context, reference string) (*domain.ChainTransaction, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: rate limit exceeded: %v", domain.ErrChainUnavailable, err)
	}

	var (
		tx       *domain.ChainTransaction
		notFound bool
	)

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// RPC вернул 429 с Retry-After
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
			defer cancel()

			res, callErr := w.next.GetTransaction(tCtx, reference)
			if errors.Is(callErr, domain.ErrTxNotFound) {
				notFound = true
				return nil
			}
			tx = res
			return callErr
		})
		return nil, retryErr
	})

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrChainUnavailable, err)
	}
	if notFound {
		return nil, domain.ErrTxNotFound
	}
	return tx, nil
}
