package connectors

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// MockLedger - блокчейн в памяти для dev-режима и тестов.
type MockLedger struct {
	mu      sync.RWMutex
	txs     map[string]domain.ChainTransaction
	latency time.Duration
	fail    error
	calls   int
}

func NewMockLedger() *MockLedger {
	return &MockLedger{txs: make(map[string]domain.ChainTransaction)}
}

// Put регистрирует транзакцию.
func (m *MockLedger) Put(tx domain.ChainTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.Reference] = tx
}

// PutTransfer - успешный transferChecked одной инструкцией.
func (m *MockLedger) PutTransfer(reference, source, destination, mint, amount string) {
	m.Put(domain.ChainTransaction{
		Reference: reference,
		Succeeded: true,
		Transfers: []domain.TransferEffect{{
			Type: "transferChecked", Source: source, Destination: destination, Mint: mint, Amount: amount,
		}},
	})
}

// SetFailure заставляет все вызовы возвращать err (nil - починить).
func (m *MockLedger) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MockLedger) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

func (m *MockLedger) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MockLedger) GetTransaction(ctx context.Context, reference string) (*domain.ChainTransaction, error) {
	m.mu.Lock()
	m.calls++
	latency, fail := m.latency, m.fail
	tx, ok := m.txs[reference]
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	if !ok {
		return nil, domain.ErrTxNotFound
	}
	return &tx, nil
}
