package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/xela07ax/agentpay-gate/internal/domain"
)

// SolanaRPC - клиент JSON-RPC метода getTransaction (encoding=jsonParsed).
// Реализует facilitator.ChainReader.
type SolanaRPC struct {
	url        string
	commitment string
	client     *http.Client
	seq        atomic.Uint64
}

func NewSolanaRPC(url, commitment string, timeout time.Duration) *SolanaRPC {
	if commitment == "" {
		commitment = "confirmed"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SolanaRPC{
		url:        url,
		commitment: commitment,
		client:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type parsedTransaction struct {
	Meta *struct {
		Err               json.RawMessage `json:"err"`
		InnerInstructions []struct {
			Instructions []instruction `json:"instructions"`
		} `json:"innerInstructions"`
	} `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			Instructions []instruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type instruction struct {
	Program string          `json:"program"`
	Parsed  json.RawMessage `json:"parsed"`
}

type parsedInstruction struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Authority   string `json:"authority"`
		Mint        string `json:"mint"`
		Amount      string `json:"amount"`
		TokenAmount *struct {
			Amount string `json:"amount"`
		} `json:"tokenAmount"`
	} `json:"info"`
}

func (c *SolanaRPC) GetTransaction(ctx context.Context, signature string) (*domain.ChainTransaction, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  "getTransaction",
		Params: []any{signature, map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solana: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottleError{RetryAfter: retryAfter(resp.Header), Cause: fmt.Errorf("solana: http %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solana: unexpected http status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("solana: failed to read response: %w", err)
	}
	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("solana: malformed response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	if len(rr.Result) == 0 || string(rr.Result) == "null" {
		return nil, domain.ErrTxNotFound
	}

	var tx parsedTransaction
	if err := json.Unmarshal(rr.Result, &tx); err != nil {
		return nil, fmt.Errorf("solana: malformed transaction: %w", err)
	}
	return convert(signature, &tx), nil
}

func convert(signature string, tx *parsedTransaction) *domain.ChainTransaction {
	out := &domain.ChainTransaction{Reference: signature, Succeeded: true}
	if tx.Meta == nil {
		out.Succeeded = false
		out.Error = "transaction metadata unavailable"
		return out
	}
	if len(tx.Meta.Err) > 0 && string(tx.Meta.Err) != "null" {
		out.Succeeded = false
		out.Error = string(tx.Meta.Err)
	}

	all := append([]instruction(nil), tx.Transaction.Message.Instructions...)
	for _, inner := range tx.Meta.InnerInstructions {
		all = append(all, inner.Instructions...)
	}
	for _, ix := range all {
		// parsed бывает строкой (memo) - такие инструкции пропускаем
		var p parsedInstruction
		if len(ix.Parsed) == 0 || ix.Parsed[0] != '{' || json.Unmarshal(ix.Parsed, &p) != nil {
			continue
		}
		if p.Type != "transfer" && p.Type != "transferChecked" {
			continue
		}
		if ix.Program != "" && ix.Program != "spl-token" && ix.Program != "spl-token-2022" {
			continue
		}
		amount := p.Info.Amount
		if p.Info.TokenAmount != nil && p.Info.TokenAmount.Amount != "" {
			amount = p.Info.TokenAmount.Amount
		}
		out.Transfers = append(out.Transfers, domain.TransferEffect{
			Type:        p.Type,
			Source:      p.Info.Source,
			Authority:   p.Info.Authority,
			Destination: p.Info.Destination,
			Mint:        p.Info.Mint,
			Amount:      amount,
		})
	}
	return out
}
