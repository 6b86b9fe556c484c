package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testWalletKey = "4wBqpZM9xaSheZzJSMawUHDgZ7miWfSsxmfVF5BJWybHxPNzLwBY3k1BwBWmPaqXLuxYXq5TtF8z1rJNNmLxmXe7"

func TestNewWalletRoundTripsAddressAndSign(t *testing.T) {
	w, err := NewWallet(testWalletKey)
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	if w.Address() == "" {
		t.Fatal("expected non-empty address")
	}
	sig := w.Sign([]byte("hello"))
	if len(sig) != 64 {
		t.Fatalf("expected 64-byte ed25519 signature, got %d", len(sig))
	}
}

func TestNewWalletRejectsBadLength(t *testing.T) {
	if _, err := NewWallet("2VfUX"); err == nil {
		t.Fatal("expected error for short decoded key")
	}
}

func TestBalanceTrackerHasSufficientBalance(t *testing.T) {
	w, _ := NewWallet(testWalletKey)
	tracker := NewBalanceTracker(w, nil)
	tracker.SetBalance(10_000)

	if !tracker.HasSufficientBalance(5_000, 1_000) {
		t.Fatal("expected 10_000 lamports to cover 5_000+1_000")
	}
	if tracker.HasSufficientBalance(9_000, 2_000) {
		t.Fatal("expected 10_000 lamports to not cover 9_000+2_000")
	}
	if tracker.BalanceSOL() != 10_000.0/1e9 {
		t.Fatalf("BalanceSOL: got %v", tracker.BalanceSOL())
	}
}

func TestClassifyErrorMapsKnownPatterns(t *testing.T) {
	cases := []struct {
		raw  string
		kind FailureKind
		disp Disposition
	}{
		{"insufficient lamports for transaction", FailureInsufficientBalance, DispositionReject},
		{"Error: Slippage tolerance exceeded", FailureSlippageExceeded, DispositionRetry},
		{"blockhash not found", FailureBlockhashExpired, DispositionRetry},
		{"dial tcp: i/o timeout", FailureTimeout, DispositionRetry},
		{"simulation failed: custom program error: 0x1", FailureSimulationFailed, DispositionReject},
		{"AccountNotFound: no account", FailureUnknown, DispositionFatal},
		{"something totally unrecognized", FailureUnknown, DispositionReject},
	}
	for _, tc := range cases {
		got := ClassifyError(errors.New(tc.raw))
		if got.Kind != tc.kind || got.Disposition != tc.disp {
			t.Errorf("ClassifyError(%q) = (%s,%s), want (%s,%s)", tc.raw, got.Kind, got.Disposition, tc.kind, tc.disp)
		}
	}
}

func TestClassifyErrorNilIsNil(t *testing.T) {
	if ClassifyError(nil) != nil {
		t.Fatal("expected nil TxError for nil input")
	}
}

// rpcStub answers JSON-RPC calls by method name, for Client's httpClient
// seam. Each test wires only the methods it exercises.
type rpcStub struct {
	blockhash    string
	height       uint64
	balanceLamports uint64
	fail         bool
}

func (s *rpcStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	json.NewDecoder(r.Body).Decode(&req)

	if s.fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	var result interface{}
	switch req.Method {
	case "getLatestBlockhash":
		result = map[string]interface{}{
			"value": map[string]interface{}{
				"blockhash":            s.blockhash,
				"lastValidBlockHeight": s.height,
			},
		}
	case "getBalance":
		result = map[string]interface{}{"value": s.balanceLamports}
	default:
		result = map[string]interface{}{}
	}

	resultJSON, _ := json.Marshal(result)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: resultJSON}
	json.NewEncoder(w).Encode(resp)
}

func TestClientGetLatestBlockhash(t *testing.T) {
	stub := &rpcStub{blockhash: "Hash111111111111111111111111111111111111", height: 42}
	server := httptest.NewServer(stub)
	defer server.Close()

	c := New(server.URL, server.URL, "")
	result, err := c.GetLatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("GetLatestBlockhash: %v", err)
	}
	if result.Value.Blockhash != stub.blockhash || result.Value.LastValidBlockHeight != 42 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestClientBalanceSOLPath(t *testing.T) {
	stub := &rpcStub{balanceLamports: 7_500_000_000}
	server := httptest.NewServer(stub)
	defer server.Close()

	c := New(server.URL, server.URL, "")
	balance, err := c.Balance(context.Background(), "someAddress", "")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 7_500_000_000 {
		t.Fatalf("Balance = %d, want 7_500_000_000", balance)
	}
}

func TestClientFailsOverToFallback(t *testing.T) {
	primary := httptest.NewServer(&rpcStub{fail: true})
	defer primary.Close()
	fallback := httptest.NewServer(&rpcStub{balanceLamports: 1})
	defer fallback.Close()

	c := New(primary.URL, fallback.URL, "")
	balance, err := c.Balance(context.Background(), "addr", "")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("Balance = %d, want 1 from fallback", balance)
	}
}

func TestSamplePriorityFeeClampsAndPercentiles(t *testing.T) {
	c := New("", "", "")
	for _, fee := range []uint64{0, 100, 200, 300, 400, 500, 600, 700, 800, 900} {
		c.RecordPriorityFeeSample(fee)
	}
	fee := c.SamplePriorityFee(context.Background(), 999)
	if fee < minPriorityFeeMicroLamports || fee > maxPriorityFeeMicroLamports {
		t.Fatalf("fee %d out of clamp range", fee)
	}
}

func TestSamplePriorityFeeFallsBackToDefaultWhenAllZero(t *testing.T) {
	c := New("", "", "")
	c.RecordPriorityFeeSample(0)
	c.RecordPriorityFeeSample(0)
	fee := c.SamplePriorityFee(context.Background(), 12345)
	if fee != 12345 {
		t.Fatalf("fee = %d, want unclamped default 12345", fee)
	}
}

func TestTransactionBuilderComputeBudgetInstructions(t *testing.T) {
	w, _ := NewWallet(testWalletKey)
	b := NewTransactionBuilder(w, nil, 1_000_000) // 1_000_000 lamports/tx priority fee
	setLimit, setPrice := b.BuildComputeBudgetInstructions()

	if setLimit[0] != 2 || len(setLimit) != 5 {
		t.Fatalf("unexpected setLimit instruction: %v", setLimit)
	}
	if setPrice[0] != 3 || len(setPrice) != 9 {
		t.Fatalf("unexpected setPrice instruction: %v", setPrice)
	}
}

func TestTransactionBuilderSignSerializedTransactionZeroSigSlot(t *testing.T) {
	w, _ := NewWallet(testWalletKey)
	b := NewTransactionBuilder(w, nil, 0)

	message := []byte("fake-message-bytes")
	raw := append([]byte{0}, message...)
	encoded := base64.StdEncoding.EncodeToString(raw)

	signedB64, err := b.SignSerializedTransaction(encoded)
	if err != nil {
		t.Fatalf("SignSerializedTransaction: %v", err)
	}
	signed, err := base64.StdEncoding.DecodeString(signedB64)
	if err != nil {
		t.Fatalf("decode signed: %v", err)
	}
	if signed[0] != 1 {
		t.Fatalf("expected sig count byte 1, got %d", signed[0])
	}
	if string(signed[65:]) != string(message) {
		t.Fatalf("message bytes not preserved after signing")
	}
}

func TestBlockhashCacheServesFromCacheWithoutRefetch(t *testing.T) {
	stub := &rpcStub{blockhash: "abc", height: 1}
	server := httptest.NewServer(stub)
	defer server.Close()

	c := New(server.URL, server.URL, "")
	cache := NewBlockhashCache(c, time.Hour, time.Hour)
	if err := cache.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cache.Stop()

	hash, err := cache.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hash != "abc" {
		t.Fatalf("hash = %q, want abc", hash)
	}

	stub.blockhash = "changed"
	hash2, err := cache.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hash2 != "abc" {
		t.Fatalf("expected cached hash to survive upstream change, got %q", hash2)
	}
}
