package trading

import (
	"context"
	"testing"
	"time"

	"treasury-engine/internal/aggregator"
	"treasury-engine/internal/chain"
)

const testWalletKey = "4wBqpZM9xaSheZzJSMawUHDgZ7miWfSsxmfVF5BJWybHxPNzLwBY3k1BwBWmPaqXLuxYXq5TtF8z1rJNNmLxmXe7"

func newTestExecutor(t *testing.T, dryRun bool) *Executor {
	wallet, err := chain.NewWallet(testWalletKey)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	chainClient := chain.New("http://127.0.0.1:1", "http://127.0.0.1:1", "")
	blockhashCache := chain.NewBlockhashCache(chainClient, time.Minute, time.Minute)
	txBuilder := chain.NewTransactionBuilder(wallet, blockhashCache, 0)
	agg := aggregator.New("http://127.0.0.1:1", 50, time.Second, []string{"test-key"})
	agg.SetSimulation(true, 1.0)
	return New(agg, chainClient, wallet, txBuilder, dryRun)
}

func TestExecuteBuyDryRunNeverHitsNetwork(t *testing.T) {
	e := newTestExecutor(t, true)
	outcome, err := e.ExecuteBuy(context.Background(), "SomeMint11111111111111111111111111111111", 100, 150.0, 100)
	if err != nil {
		t.Fatalf("ExecuteBuy: %v", err)
	}
	if outcome.Signature == "" {
		t.Fatal("expected a synthetic signature")
	}
	stats := e.Metrics().Stats()
	if stats.SuccessfulExecutions != 1 {
		t.Fatalf("SuccessfulExecutions = %d, want 1", stats.SuccessfulExecutions)
	}
}

func TestExecuteBuyRejectsNonPositiveSolPrice(t *testing.T) {
	e := newTestExecutor(t, true)
	_, err := e.ExecuteBuy(context.Background(), "Mint1", 100, 0, 100)
	if err == nil {
		t.Fatal("expected error for zero sol price")
	}
}

func TestExecuteSellDryRunComputesFilledAmounts(t *testing.T) {
	e := newTestExecutor(t, true)
	pos := Position{Mint: "SomeMint11111111111111111111111111111111", Amount: 1000, Decimals: 6}
	outcome, err := e.ExecuteSell(context.Background(), pos, 100)
	if err != nil {
		t.Fatalf("ExecuteSell: %v", err)
	}
	if outcome.FilledInput != 1000 {
		t.Fatalf("FilledInput = %d, want 1000", outcome.FilledInput)
	}
}

func TestExecuteBuyRecordsFailureOnQuoteError(t *testing.T) {
	e := newTestExecutor(t, true)
	e.aggregator.SetSimulation(false, 1.0) // force fetchQuote against the unreachable baseURL
	e.aggregator.SetRetryPolicy(aggregator.RetryPolicy{MaxAttempts: 1, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	_, err := e.ExecuteBuy(context.Background(), "Mint1", 100, 150.0, 100)
	if err == nil {
		t.Fatal("expected quote failure against an unreachable aggregator endpoint")
	}
	stats := e.Metrics().Stats()
	if stats.FailedExecutions != 1 {
		t.Fatalf("FailedExecutions = %d, want 1", stats.FailedExecutions)
	}
}

func TestCategorizeSlippageBuckets(t *testing.T) {
	cases := []struct {
		pct  float64
		want SlippageImpact
	}{
		{0.0005, SlippageNone},
		{-0.0005, SlippageNone},
		{0.003, SlippageLow},
		{0.007, SlippageMedium},
		{0.015, SlippageHigh},
		{0.05, SlippageSevere},
	}
	for _, tc := range cases {
		if got := CategorizeSlippage(tc.pct); got != tc.want {
			t.Errorf("CategorizeSlippage(%v) = %s, want %s", tc.pct, got, tc.want)
		}
	}
}

func TestExecutionMetricsStatsComputesSuccessRateAndLatency(t *testing.T) {
	m := NewExecutionMetrics()
	m.RecordSuccess("buy", 10*time.Millisecond)
	m.RecordSuccess("buy", 20*time.Millisecond)
	m.RecordFailure("buy", "timeout")

	stats := m.Stats()
	if stats.TotalExecutions != 3 {
		t.Fatalf("TotalExecutions = %d, want 3", stats.TotalExecutions)
	}
	if stats.SuccessfulExecutions != 2 || stats.FailedExecutions != 1 {
		t.Fatalf("unexpected success/fail split: %+v", stats)
	}
	wantRate := 2.0 / 3.0 * 100
	if stats.SuccessRatePct != wantRate {
		t.Fatalf("SuccessRatePct = %v, want %v", stats.SuccessRatePct, wantRate)
	}
	if stats.ErrorTypes["timeout"] != 1 {
		t.Fatalf("expected one timeout error recorded, got %+v", stats.ErrorTypes)
	}
}

func TestExecutionMetricsRecordSuccessWithSlippageBucketsCorrectly(t *testing.T) {
	m := NewExecutionMetrics()
	m.RecordSuccessWithSlippage("sell", 5*time.Millisecond, 0.015)

	stats := m.Stats()
	if stats.SlippageByImpact[SlippageHigh] != 1 {
		t.Fatalf("expected one HIGH slippage sample, got %+v", stats.SlippageByImpact)
	}
	if stats.AvgSlippagePct != 0.015 {
		t.Fatalf("AvgSlippagePct = %v, want 0.015", stats.AvgSlippagePct)
	}
}
