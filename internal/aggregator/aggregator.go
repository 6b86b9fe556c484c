// Package aggregator wraps a DEX aggregator's quote/swap-build API
// (Jupiter's Metis endpoint) behind a small Quote/BuildSwapTx surface
// with a bounded retry policy, so callers never hand-roll backoff
// around a flaky HTTP dependency.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// MetisSwapURL is the default Jupiter Metis v1 endpoint.
const MetisSwapURL = "https://api.jup.ag/swap/v1"

// SOLMint is wrapped SOL's mint address, the universal quote currency.
const SOLMint = "So11111111111111111111111111111111111111112"

// RetryPolicy controls how many times a quote/swap-build call is
// retried and the exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is the standard retry envelope: 4 attempts,
// exponential backoff from 0.5s to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, MinBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.MinBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// QuoteRejected marks a non-retryable 4xx response from the aggregator
// (e.g. route not found, amount too small): the caller should treat it
// as a rejection of this trade, not a transient failure to retry.
type QuoteRejected struct {
	StatusCode int
	Body       string
}

func (e *QuoteRejected) Error() string {
	return fmt.Sprintf("quote rejected (%d): %s", e.StatusCode, e.Body)
}

// Client is the Aggregator implementation.
type Client struct {
	baseURL     string
	slippageBps int
	pool        *httpClientPool
	apiKeys     []string
	keyIdx      atomic.Uint32
	maxLamports uint64
	retry       RetryPolicy

	simMu         sync.RWMutex
	simMode       bool
	simMultiplier float64
}

type httpClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

func newHTTPClientPool(size int, timeout time.Duration) *httpClientPool {
	pool := &httpClientPool{clients: make([]*http.Client, size)}
	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		http2.ConfigureTransport(transport)
		pool.clients[i] = &http.Client{Transport: transport, Timeout: timeout}
	}
	log.Info().Int("poolSize", size).Msg("aggregator HTTP/2 client pool initialized")
	return pool
}

func (p *httpClientPool) get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return c
}

// defaultAPIKeys is the fallback key set used when neither an explicit
// key list nor JUPITER_API_KEYS is supplied.
func defaultAPIKeys() []string { return []string{"public-key"} }

// New constructs an aggregator Client. apiKeys may be nil, in which case
// JUPITER_API_KEYS (comma-separated) or a public fallback key is used.
func New(baseURL string, slippageBps int, timeout time.Duration, apiKeys []string) *Client {
	if baseURL == "" {
		baseURL = MetisSwapURL
	}
	if len(apiKeys) == 0 {
		if envKeys := os.Getenv("JUPITER_API_KEYS"); envKeys != "" {
			apiKeys = strings.Split(envKeys, ",")
		} else {
			apiKeys = defaultAPIKeys()
		}
	}
	return &Client{
		baseURL:       baseURL,
		slippageBps:   slippageBps,
		pool:          newHTTPClientPool(4, timeout),
		apiKeys:       apiKeys,
		maxLamports:   1_250_000,
		simMultiplier: 1.0,
		retry:         DefaultRetryPolicy(),
	}
}

// SetSimulation toggles dry-run mode: quote/build_swap_tx short-circuit
// to deterministic synthetic responses instead of calling the network.
func (c *Client) SetSimulation(enabled bool, multiplier float64) {
	c.simMu.Lock()
	defer c.simMu.Unlock()
	c.simMode = enabled
	c.simMultiplier = multiplier
	log.Info().Bool("enabled", enabled).Float64("mult", multiplier).Msg("aggregator simulation mode configured")
}

// SetMaxPriorityFee caps the priority fee lamports requested on swap
// builds.
func (c *Client) SetMaxPriorityFee(lamports uint64) { c.maxLamports = lamports }

// SetRetryPolicy overrides the default retry envelope.
func (c *Client) SetRetryPolicy(p RetryPolicy) { c.retry = p }

func (c *Client) nextAPIKey() string {
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

// Quote is the normalized quote response.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	raw            *quoteResponse
}

type quoteResponse struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []routePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
	TimeTaken            float64         `json:"timeTaken"`
}

type routePlanStep struct {
	SwapInfo swapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

type swapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	FeeAmount  string `json:"feeAmount"`
	FeeMint    string `json:"feeMint"`
}

type swapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

type priorityLevelWithMaxLamports struct {
	PriorityLevelWithMaxLamports struct {
		PriorityLevel string `json:"priorityLevel"`
		MaxLamports   uint64 `json:"maxLamports"`
		Global        bool   `json:"global,omitempty"`
	} `json:"priorityLevelWithMaxLamports"`
}

// Quote fetches a swap quote at slippageBps (0 falls back to the
// Client's construction-time default), retrying transport/429/5xx
// failures with exponential backoff. A 4xx response is returned as
// *QuoteRejected and never retried.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amountLamports uint64, slippageBps int) (*Quote, error) {
	if slippageBps <= 0 {
		slippageBps = c.slippageBps
	}

	c.simMu.RLock()
	isSim, mult := c.simMode, c.simMultiplier
	c.simMu.RUnlock()
	if isSim {
		return c.simulatedQuote(inputMint, outputMint, amountLamports, mult), nil
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retry.backoff(attempt)):
			}
		}

		q, err := c.fetchQuote(ctx, inputMint, outputMint, amountLamports, slippageBps)
		if err == nil {
			return q, nil
		}
		if rejected, ok := err.(*QuoteRejected); ok {
			return nil, rejected
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("quote attempt failed, retrying")
	}
	return nil, fmt.Errorf("quote failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) simulatedQuote(inputMint, outputMint string, amountLamports uint64, mult float64) *Quote {
	if inputMint != SOLMint {
		outAmt := uint64(float64(amountLamports) * mult)
		return &Quote{InputMint: inputMint, OutputMint: outputMint, InAmount: amountLamports, OutAmount: outAmt}
	}
	return &Quote{InputMint: inputMint, OutputMint: outputMint, InAmount: amountLamports, OutAmount: amountLamports}
}

func (c *Client) fetchQuote(ctx context.Context, inputMint, outputMint string, amountLamports uint64, slippageBps int) (*Quote, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		c.baseURL, inputMint, outputMint, amountLamports, slippageBps)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.nextAPIKey())

	resp, err := c.pool.get().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &QuoteRejected{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var raw quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}

	inAmt, _ := strconv.ParseUint(raw.InAmount, 10, 64)
	outAmt, _ := strconv.ParseUint(raw.OutAmount, 10, 64)
	impact, _ := strconv.ParseFloat(raw.PriceImpactPct, 64)

	log.Debug().Dur("latency", time.Since(start)).Uint64("outAmount", outAmt).Msg("aggregator quote")
	return &Quote{InputMint: raw.InputMint, OutputMint: raw.OutputMint, InAmount: inAmt, OutAmount: outAmt,
		PriceImpactPct: impact, raw: &raw}, nil
}

// BuildSwapTx fetches a fresh quote at slippageBps (0 falls back to the
// Client's construction-time default) and builds the unsigned swap
// transaction (base64, Jupiter's versioned-tx format) at "veryHigh"
// priority capped by SetMaxPriorityFee, applying the same retry policy
// as Quote.
func (c *Client) BuildSwapTx(ctx context.Context, inputMint, outputMint, userPubkey string, amountLamports uint64, slippageBps int) (string, error) {
	c.simMu.RLock()
	isSim := c.simMode
	c.simMu.RUnlock()
	if isSim {
		return "AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABAA==", nil
	}

	quote, err := c.Quote(ctx, inputMint, outputMint, amountLamports, slippageBps)
	if err != nil {
		return "", fmt.Errorf("get quote: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retry.backoff(attempt)):
			}
		}
		tx, err := c.buildSwap(ctx, quote, userPubkey)
		if err == nil {
			return tx, nil
		}
		if rejected, ok := err.(*QuoteRejected); ok {
			return "", rejected
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("swap build attempt failed, retrying")
	}
	return "", fmt.Errorf("build swap tx failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) buildSwap(ctx context.Context, quote *Quote, userPubkey string) (string, error) {
	start := time.Now()

	reqBody := struct {
		QuoteResponse             *quoteResponse                `json:"quoteResponse"`
		UserPublicKey             string                        `json:"userPublicKey"`
		WrapAndUnwrapSol          bool                          `json:"wrapAndUnwrapSol"`
		DynamicComputeUnitLimit   bool                          `json:"dynamicComputeUnitLimit"`
		SkipUserAccountsRpcCalls  bool                          `json:"skipUserAccountsRpcCalls"`
		PrioritizationFeeLamports *priorityLevelWithMaxLamports `json:"prioritizationFeeLamports"`
	}{
		QuoteResponse:            quote.raw,
		UserPublicKey:            userPubkey,
		WrapAndUnwrapSol:         true,
		DynamicComputeUnitLimit:  true,
		SkipUserAccountsRpcCalls: true,
	}
	reqBody.PrioritizationFeeLamports = &priorityLevelWithMaxLamports{}
	reqBody.PrioritizationFeeLamports.PriorityLevelWithMaxLamports.PriorityLevel = "veryHigh"
	reqBody.PrioritizationFeeLamports.PriorityLevelWithMaxLamports.MaxLamports = c.maxLamports

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/swap", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.nextAPIKey())

	resp, err := c.pool.get().Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &QuoteRejected{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("swap build failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var swapResp swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&swapResp); err != nil {
		return "", fmt.Errorf("decode swap response: %w", err)
	}

	log.Info().Dur("latency", time.Since(start)).Uint64("priorityFee", swapResp.PrioritizationFeeLamports).
		Msg("aggregator swap tx built")
	return swapResp.SwapTransaction, nil
}
