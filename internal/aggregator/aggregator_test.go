package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetSimulationQuoteSellSideAppliesMultiplier(t *testing.T) {
	c := New("", 50, time.Second, []string{"test-key"})
	c.SetSimulation(true, 2.5)

	q, err := c.Quote(context.Background(), "SomeOtherMint1111111111111111111111111111", SOLMint, 1000, 50)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.OutAmount != 2500 {
		t.Fatalf("OutAmount = %d, want 2500 (1000 * 2.5)", q.OutAmount)
	}
}

func TestSetSimulationQuoteBuySidePassesThroughAmount(t *testing.T) {
	c := New("", 50, time.Second, []string{"test-key"})
	c.SetSimulation(true, 2.5)

	q, err := c.Quote(context.Background(), SOLMint, "SomeOtherMint1111111111111111111111111111", 5000, 50)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.OutAmount != 5000 {
		t.Fatalf("OutAmount = %d, want 5000 (pass-through for SOL input)", q.OutAmount)
	}
}

func TestSetSimulationBuildSwapTxSkipsNetwork(t *testing.T) {
	c := New("http://127.0.0.1:1", 50, time.Second, []string{"test-key"}) // unreachable if actually dialed
	c.SetSimulation(true, 1.0)

	tx, err := c.BuildSwapTx(context.Background(), SOLMint, "Mint2", "userPubkey", 1000, 50)
	if err != nil {
		t.Fatalf("BuildSwapTx: %v", err)
	}
	if tx == "" {
		t.Fatal("expected non-empty synthetic transaction")
	}
}

func TestQuoteParsesSuccessfulResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"inputMint":"in","inAmount":"1000","outputMint":"out","outAmount":"2000","priceImpactPct":"0.01"}`))
	}))
	defer server.Close()

	c := New(server.URL, 50, time.Second, []string{"test-key"})
	q, err := c.Quote(context.Background(), "in", "out", 1000, 0)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.InAmount != 1000 || q.OutAmount != 2000 {
		t.Fatalf("unexpected amounts: %+v", q)
	}
	if q.PriceImpactPct != 0.01 {
		t.Fatalf("PriceImpactPct = %v, want 0.01", q.PriceImpactPct)
	}
}

func TestQuoteZeroSlippageFallsBackToClientDefault(t *testing.T) {
	var gotSlippage string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSlippage = r.URL.Query().Get("slippageBps")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"inputMint":"in","inAmount":"1000","outputMint":"out","outAmount":"2000","priceImpactPct":"0.01"}`))
	}))
	defer server.Close()

	c := New(server.URL, 75, time.Second, []string{"test-key"})
	if _, err := c.Quote(context.Background(), "in", "out", 1000, 0); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if gotSlippage != "75" {
		t.Fatalf("slippageBps = %q, want client default %q", gotSlippage, "75")
	}
}

func TestQuoteExplicitSlippageOverridesClientDefault(t *testing.T) {
	var gotSlippage string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSlippage = r.URL.Query().Get("slippageBps")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"inputMint":"in","inAmount":"1000","outputMint":"out","outAmount":"2000","priceImpactPct":"0.01"}`))
	}))
	defer server.Close()

	c := New(server.URL, 75, time.Second, []string{"test-key"})
	if _, err := c.Quote(context.Background(), "in", "out", 1000, 500); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if gotSlippage != "500" {
		t.Fatalf("slippageBps = %q, want explicit override %q", gotSlippage, "500")
	}
}

func TestQuoteReturnsQuoteRejectedWithoutRetryOn4xx(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("route not found"))
	}))
	defer server.Close()

	c := New(server.URL, 50, time.Second, []string{"test-key"})
	c.SetRetryPolicy(RetryPolicy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond})

	_, err := c.Quote(context.Background(), "in", "out", 1000, 0)
	if err == nil {
		t.Fatal("expected QuoteRejected error")
	}
	if _, ok := err.(*QuoteRejected); !ok {
		t.Fatalf("expected *QuoteRejected, got %T: %v", err, err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx rejection, got %d", attempts)
	}
}

func TestQuoteRetriesOn5xxThenFails(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, 50, time.Second, []string{"test-key"})
	c.SetRetryPolicy(RetryPolicy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	_, err := c.Quote(context.Background(), "in", "out", 1000, 0)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyBackoffCapsAtMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, MinBackoff: time.Second, MaxBackoff: 5 * time.Second}
	if d := p.backoff(10); d != 5*time.Second {
		t.Fatalf("backoff(10) = %v, want capped at 5s", d)
	}
	if d := p.backoff(0); d != time.Second {
		t.Fatalf("backoff(0) = %v, want 1s", d)
	}
}
