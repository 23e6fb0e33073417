package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// MockServiceExecutor - продавец-агент: исполняет оплаченную услугу.
type MockServiceExecutor struct {
	MaxLatency time.Duration
}

func (c *MockServiceExecutor) Execute(ctx context.Context, service string, payload []byte) ([]byte, error) {
	if c.MaxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(c.MaxLatency)))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var input map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &input); err != nil {
			return nil, fmt.Errorf("service %s: payload is not json: %w", service, err)
		}
	}

	switch strings.ToLower(service) {
	case "scrape":
		return json.Marshal(map[string]any{
			"service": "scrape",
			"url":     input["url"],
			"status":  "completed",
			"content": "Scraped page content",
		})
	case "data-analysis":
		return json.Marshal(map[string]any{
			"service":  "data-analysis",
			"status":   "completed",
			"insights": []string{"trend: up", "anomalies: 0"},
		})
	default:
		return json.Marshal(map[string]any{
			"service": service,
			"status":  "completed",
			"input":   input,
		})
	}
}
