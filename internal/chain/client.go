// Package chain implements ChainClient: the sole owner of the wallet
// keypair and every Solana RPC call the engine makes. It samples
// priority fees, confirms transactions, and classifies failures into a
// small retry/reject/fatal taxonomy the executor and engine key off of.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Client handles every Solana JSON-RPC call the engine needs, with a
// failover circuit breaker between a primary and fallback endpoint.
type Client struct {
	primaryURL  string
	fallbackURL string
	apiKey      string
	httpClient  *http.Client

	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool

	feeMu      sync.Mutex
	feeSamples []uint64 // recent per-compute-unit priority fee observations, micro-lamports
}

const (
	minPriorityFeeMicroLamports = 1_000
	maxPriorityFeeMicroLamports = 1_000_000
	feeSampleWindow              = 20
)

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error shape.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message) }

// BlockhashResult is the result of getLatestBlockhash.
type BlockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// New constructs a Client against a primary and fallback RPC endpoint.
func New(primaryURL, fallbackURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// GetLatestBlockhash fetches the latest blockhash with its expiry height.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*BlockhashResult, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getLatestBlockhash",
		Params: []interface{}{map[string]string{"commitment": "confirmed"}}}
	var result BlockhashResult
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Balance returns the SOL balance in lamports for a wallet address, or
// the SPL token balance for (address, mint) when mint is non-empty.
func (c *Client) Balance(ctx context.Context, address, mint string) (uint64, error) {
	if mint == "" {
		req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getBalance",
			Params: []interface{}{address, map[string]string{"commitment": "confirmed"}}}
		var result struct {
			Value uint64 `json:"value"`
		}
		if err := c.call(ctx, req, &result); err != nil {
			return 0, err
		}
		return result.Value, nil
	}

	accounts, err := c.GetTokenAccountsByOwner(ctx, address, mint)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, a := range accounts {
		total += a.Amount
	}
	return total, nil
}

// Send submits a signed, base64-encoded transaction and returns its
// signature. skipPreflight skips the node's own preflight simulation;
// the executor passes true because it calls Simulate itself first.
func (c *Client) Send(ctx context.Context, signedTxBase64 string, skipPreflight bool) (string, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "sendTransaction", Params: []interface{}{
		signedTxBase64,
		map[string]interface{}{
			"encoding":            "base64",
			"skipPreflight":       skipPreflight,
			"preflightCommitment": "processed",
			"maxRetries":          3,
		},
	}}
	var result string
	if err := c.call(ctx, req, &result); err != nil {
		return "", err
	}
	return result, nil
}

// Simulate runs simulateTransaction and returns the error field (nil on
// success); the executor calls it as a pre-send check before Send.
func (c *Client) Simulate(ctx context.Context, txBase64 string) (interface{}, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "simulateTransaction", Params: []interface{}{
		txBase64,
		map[string]interface{}{
			"encoding":      "base64",
			"sigVerify":     false,
			"replaceRecentBlockhash": true,
		},
	}}
	var result struct {
		Value struct {
			Err  interface{} `json:"err"`
			Logs []string    `json:"logs"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result.Value.Err, nil
}

// Confirm polls getSignatureStatuses at ~2Hz until the signature reaches
// commitment or timeout elapses.
func (c *Client) Confirm(ctx context.Context, signature, commitment string, timeout time.Duration) (*TxCheckResult, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		result, err := c.CheckTransaction(ctx, signature)
		if err == nil {
			if result.Status == "SUCCESS" || result.Status == "FAILED" {
				if result.ConfirmationStatus == commitment || result.ConfirmationStatus == "finalized" || result.Status == "FAILED" {
					return result, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return &TxCheckResult{Signature: signature, Status: "TIMEOUT", Message: "confirmation timed out"}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetSignatureStatuses checks the status of a batch of signatures.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getSignatureStatuses", Params: []interface{}{
		signatures, map[string]bool{"searchTransactionHistory": true},
	}}
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// SignatureStatus is one row of getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// TxCheckResult is a human-readable transaction check result.
type TxCheckResult struct {
	Signature          string
	Status             string // SUCCESS, FAILED, NOT_FOUND, TIMEOUT
	Message            string
	Slot               uint64
	Confirmations      uint64
	ConfirmationStatus string
	ErrorDetails       interface{}
}

// CheckTransaction checks a single signature and returns a human-readable
// result.
func (c *Client) CheckTransaction(ctx context.Context, signature string) (*TxCheckResult, error) {
	statuses, err := c.GetSignatureStatuses(ctx, []string{signature})
	if err != nil {
		return nil, err
	}
	result := &TxCheckResult{Signature: signature}
	if len(statuses) == 0 || statuses[0] == nil {
		result.Status = "NOT_FOUND"
		result.Message = "transaction not found (may still be processing)"
		return result, nil
	}
	status := statuses[0]
	result.Slot = status.Slot
	result.ConfirmationStatus = status.ConfirmationStatus
	if status.Confirmations != nil {
		result.Confirmations = *status.Confirmations
	}
	if status.Err == nil {
		result.Status = "SUCCESS"
		result.Message = fmt.Sprintf("confirmed (%s)", status.ConfirmationStatus)
	} else {
		result.Status = "FAILED"
		errBytes, _ := json.Marshal(status.Err)
		result.Message = string(errBytes)
		result.ErrorDetails = status.Err
	}
	return result, nil
}

// RecordPriorityFeeSample feeds one observed per-compute-unit fee
// (micro-lamports) into the rolling sample window.
func (c *Client) RecordPriorityFeeSample(microLamportsPerCU uint64) {
	c.feeMu.Lock()
	defer c.feeMu.Unlock()
	c.feeSamples = append(c.feeSamples, microLamportsPerCU)
	if len(c.feeSamples) > feeSampleWindow {
		c.feeSamples = c.feeSamples[len(c.feeSamples)-feeSampleWindow:]
	}
}

// SamplePriorityFee reads up to the most recent 20 observed per-slot
// priority fees, drops zeros, takes the 75th percentile, multiplies by
// 1.2, and clamps into [1_000, 1_000_000] micro-lamports. An empty
// sample (after dropping zeros) returns defaultMicroLamports unclamped.
func (c *Client) SamplePriorityFee(ctx context.Context, defaultMicroLamports uint64) uint64 {
	c.feeMu.Lock()
	samples := append([]uint64(nil), c.feeSamples...)
	c.feeMu.Unlock()

	if len(samples) == 0 {
		recent, err := c.getRecentPrioritizationFees(ctx)
		if err == nil && len(recent) > 0 {
			samples = recent
		}
	}

	nonZero := samples[:0:0]
	for _, s := range samples {
		if s > 0 {
			nonZero = append(nonZero, s)
		}
	}
	if len(nonZero) == 0 {
		return defaultMicroLamports
	}

	sort.Slice(nonZero, func(i, j int) bool { return nonZero[i] < nonZero[j] })
	idx := int(float64(len(nonZero)) * 0.75)
	if idx >= len(nonZero) {
		idx = len(nonZero) - 1
	}
	fee := uint64(float64(nonZero[idx]) * 1.2)
	if fee < minPriorityFeeMicroLamports {
		fee = minPriorityFeeMicroLamports
	}
	if fee > maxPriorityFeeMicroLamports {
		fee = maxPriorityFeeMicroLamports
	}
	return fee
}

func (c *Client) getRecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getRecentPrioritizationFees", Params: []interface{}{}}
	var result []struct {
		Slot            uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	fees := make([]uint64, 0, len(result))
	for _, r := range result {
		fees = append(fees, r.PrioritizationFee)
	}
	return fees, nil
}

func (c *Client) call(ctx context.Context, req rpcRequest, result interface{}) error {
	if c.isCircuitOpen() {
		return c.callURL(ctx, c.fallbackURL, req, result)
	}
	if err := c.callURL(ctx, c.primaryURL, req, result); err != nil {
		c.recordFailure()
		log.Warn().Err(err).Msg("primary RPC failed, trying fallback")
		return c.callURL(ctx, c.fallbackURL, req, result)
	}
	c.recordSuccess()
	return nil
}

func (c *Client) callURL(ctx context.Context, url string, rpcReq rpcRequest, result interface{}) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

func (c *Client) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.circuitOpen {
		return false
	}
	return time.Since(c.lastFailure) <= 30*time.Second
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = time.Now()
	if c.failures >= 5 {
		c.circuitOpen = true
		log.Warn().Msg("chain client circuit breaker opened")
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.circuitOpen = false
}

const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// TokenAccountInfo describes one SPL token account.
type TokenAccountInfo struct {
	Address  string
	Mint     string
	Amount   uint64
	Decimals uint8
}

// GetTokenAccountsByOwner fetches token accounts for owner, filtered by
// mint if non-empty, otherwise scanning both the Token and Token-2022
// programs.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccountInfo, error) {
	if mint != "" {
		return c.fetchTokenAccounts(ctx, owner, map[string]string{"mint": mint})
	}
	accounts, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": TokenProgramID})
	if err != nil {
		return nil, err
	}
	accounts2022, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": Token2022ProgramID})
	if err != nil {
		return nil, fmt.Errorf("fetch token-2022 accounts: %w", err)
	}
	return append(accounts, accounts2022...), nil
}

func (c *Client) fetchTokenAccounts(ctx context.Context, owner string, filter map[string]string) ([]TokenAccountInfo, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getTokenAccountsByOwner", Params: []interface{}{
		owner, filter, map[string]string{"encoding": "jsonParsed"},
	}}
	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	accounts := make([]TokenAccountInfo, 0, len(result.Value))
	for _, v := range result.Value {
		var amount uint64
		fmt.Sscanf(v.Account.Data.Parsed.Info.TokenAmount.Amount, "%d", &amount)
		accounts = append(accounts, TokenAccountInfo{
			Address:  v.Pubkey,
			Mint:     v.Account.Data.Parsed.Info.Mint,
			Amount:   amount,
			Decimals: v.Account.Data.Parsed.Info.TokenAmount.Decimals,
		})
	}
	return accounts, nil
}
