// Package trading implements the Executor: the component that composes
// the Aggregator and ChainClient to drive a single buy or sell all the
// way to a confirmed (or classified-failed) outcome, via a
// quote -> sign -> send -> confirm sequence.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"treasury-engine/internal/aggregator"
	"treasury-engine/internal/chain"
)

// BuyOutcome is the result of a successful execute_buy.
type BuyOutcome struct {
	Signature     string
	FilledInput   uint64
	FilledOutput  uint64
	PriceImpact   float64
	PrioritizationFeeLamports uint64
}

// SellOutcome is the result of a successful execute_sell.
type SellOutcome struct {
	Signature    string
	FilledInput  uint64
	FilledOutput uint64
	PriceImpact  float64
}

// Position is the minimal view the Executor needs of an open position to
// build a sell; the engine supplies this from domain.Position.
type Position struct {
	Mint     string
	Amount   uint64
	Decimals uint8
}

// Executor drives execute_buy/execute_sell. It never decides whether a
// trade should happen — that's the engine's and the RiskGate's job.
type Executor struct {
	aggregator *aggregator.Client
	chain      *chain.Client
	wallet     *chain.Wallet
	txBuilder  *chain.TransactionBuilder
	metrics    *ExecutionMetrics

	dryRun bool

	confirmTimeout time.Duration
}

// New constructs an Executor. dryRun makes build/sign/send/confirm return
// a synthetic signature without touching the chain; the quote still comes
// from the aggregator, which only avoids the network in its own
// simulation mode.
func New(agg *aggregator.Client, chainClient *chain.Client, wallet *chain.Wallet, txBuilder *chain.TransactionBuilder, dryRun bool) *Executor {
	return &Executor{
		aggregator:     agg,
		chain:          chainClient,
		wallet:         wallet,
		txBuilder:      txBuilder,
		metrics:        NewExecutionMetrics(),
		dryRun:         dryRun,
		confirmTimeout: 30 * time.Second,
	}
}

// Metrics exposes the rolling ExecutionStats aggregator.
func (e *Executor) Metrics() *ExecutionMetrics { return e.metrics }

// ExecuteBuy converts amountUSD to lamports via solPrice, quotes,
// optionally simulates, signs, sends with retry, and confirms.
func (e *Executor) ExecuteBuy(ctx context.Context, mint string, amountUSD, solPrice float64, slippageBps int) (*BuyOutcome, error) {
	start := time.Now()
	if solPrice <= 0 {
		return nil, fmt.Errorf("invalid sol price %.4f", solPrice)
	}
	amountLamports := uint64((amountUSD / solPrice) * 1e9)

	quote, err := e.aggregator.Quote(ctx, aggregator.SOLMint, mint, amountLamports, slippageBps)
	if err != nil {
		e.metrics.RecordFailure("buy", classifyAggregatorErr(err))
		return nil, fmt.Errorf("quote: %w", err)
	}

	signature, outcome, err := e.buildSignSend(ctx, aggregator.SOLMint, mint, e.wallet.Address(), amountLamports, slippageBps, quote)
	if err != nil {
		e.metrics.RecordFailure("buy", outcome)
		return nil, err
	}

	log.Info().Str("mint", mint).Str("sig", signature).Dur("elapsed", time.Since(start)).Msg("buy executed")
	e.metrics.RecordSuccess("buy", time.Since(start))
	return &BuyOutcome{
		Signature:    signature,
		FilledInput:  quote.InAmount,
		FilledOutput: quote.OutAmount,
		PriceImpact:  quote.PriceImpactPct,
	}, nil
}

// ExecuteSell sells the full position amount back to SOL.
func (e *Executor) ExecuteSell(ctx context.Context, pos Position, slippageBps int) (*SellOutcome, error) {
	start := time.Now()

	quote, err := e.aggregator.Quote(ctx, pos.Mint, aggregator.SOLMint, pos.Amount, slippageBps)
	if err != nil {
		e.metrics.RecordFailure("sell", classifyAggregatorErr(err))
		return nil, fmt.Errorf("quote: %w", err)
	}

	signature, outcome, err := e.buildSignSend(ctx, pos.Mint, aggregator.SOLMint, e.wallet.Address(), pos.Amount, slippageBps, quote)
	if err != nil {
		e.metrics.RecordFailure("sell", outcome)
		return nil, err
	}

	log.Info().Str("mint", pos.Mint).Str("sig", signature).Dur("elapsed", time.Since(start)).Msg("sell executed")
	e.metrics.RecordSuccess("sell", time.Since(start))
	return &SellOutcome{
		Signature:    signature,
		FilledInput:  quote.InAmount,
		FilledOutput: quote.OutAmount,
		PriceImpact:  quote.PriceImpactPct,
	}, nil
}

// buildSignSend builds the swap tx, optionally simulates it, signs,
// sends with retry on retryable classification, and confirms.
func (e *Executor) buildSignSend(ctx context.Context, inputMint, outputMint, payer string, amount uint64, slippageBps int, quote *aggregator.Quote) (string, string, error) {
	if e.dryRun {
		return fmt.Sprintf("DRYRUN-%d", time.Now().UnixNano()), "", nil
	}

	const maxSendAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		swapTx, err := e.aggregator.BuildSwapTx(ctx, inputMint, outputMint, payer, amount, slippageBps)
		if err != nil {
			return "", string(chain.FailureSimulationFailed), fmt.Errorf("build swap tx: %w", err)
		}

		signedTx, err := e.txBuilder.SignSerializedTransaction(swapTx)
		if err != nil {
			return "", string(chain.FailureUnknown), fmt.Errorf("sign transaction: %w", err)
		}

		if simErr, err := e.chain.Simulate(ctx, signedTx); err == nil && simErr != nil {
			return "", string(chain.FailureSimulationFailed), fmt.Errorf("simulation failed: %v", simErr)
		}

		signature, err := e.chain.Send(ctx, signedTx, true)
		if err != nil {
			txErr := chain.ClassifyError(err)
			lastErr = err
			if txErr.Disposition != chain.DispositionRetry {
				return "", string(txErr.Kind), fmt.Errorf("send: %w", err)
			}
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("send failed, retrying with fresh blockhash")
			continue
		}

		result, err := e.chain.Confirm(ctx, signature, "confirmed", e.confirmTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if result.Status == "TIMEOUT" {
			lastErr = fmt.Errorf("confirmation timeout for %s", signature)
			continue
		}
		if result.Status == "FAILED" {
			return "", string(chain.FailureUnknown), fmt.Errorf("transaction failed on-chain: %s", result.Message)
		}
		return signature, "", nil
	}
	return "", string(chain.FailureTimeout), fmt.Errorf("exhausted send attempts: %w", lastErr)
}

func classifyAggregatorErr(err error) string {
	if _, ok := err.(*aggregator.QuoteRejected); ok {
		return "quote_rejected"
	}
	return string(chain.FailureUnknown)
}
