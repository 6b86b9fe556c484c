package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"treasury-engine/internal/aggregator"
	"treasury-engine/internal/chain"
	"treasury-engine/internal/domain"
	"treasury-engine/internal/emergency"
	"treasury-engine/internal/monitor"
	"treasury-engine/internal/priceoracle"
	"treasury-engine/internal/risk"
	"treasury-engine/internal/store"
	"treasury-engine/internal/trading"
)

// testWalletKey is a throwaway ed25519 keypair, base58-encoded. It holds
// no funds and is used only to exercise chain.NewWallet.
const testWalletKey = "4wBqpZM9xaSheZzJSMawUHDgZ7miWfSsxmfVF5BJWybHxPNzLwBY3k1BwBWmPaqXLuxYXq5TtF8z1rJNNmLxmXe7"

// rpcHandler answers Solana JSON-RPC calls by method name, so chain.Client
// never touches a real cluster. mintBalances backs getBalance (mint "")
// and per-mint getTokenAccountsByOwner lookups; sweep backs the
// programId-filtered owner-wide sweep reconciliation uses to find
// untracked balances.
type rpcHandler struct {
	solLamports  uint64
	mintBalances map[string]uint64
	sweep        []sweepAccount
}

type sweepAccount struct {
	Mint   string
	Amount uint64
}

type rpcEnvelope struct {
	ID     int               `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result interface{}
	switch req.Method {
	case "getLatestBlockhash":
		result = map[string]interface{}{
			"value": map[string]interface{}{
				"blockhash":            "11111111111111111111111111111111",
				"lastValidBlockHeight": 1000,
			},
		}
	case "getBalance":
		result = map[string]interface{}{"value": h.solLamports}
	case "getTokenAccountsByOwner":
		var filter map[string]string
		if len(req.Params) > 1 {
			_ = json.Unmarshal(req.Params[1], &filter)
		}
		result = map[string]interface{}{"value": h.tokenAccountsFor(filter)}
	default:
		result = map[string]interface{}{}
	}

	body, _ := json.Marshal(result)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(body)}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *rpcHandler) tokenAccountsFor(filter map[string]string) []map[string]interface{} {
	if mint, ok := filter["mint"]; ok {
		amount, ok := h.mintBalances[mint]
		if !ok {
			return nil
		}
		return []map[string]interface{}{tokenAccountJSON(mint, amount)}
	}
	if programID, ok := filter["programId"]; ok && programID == chain.TokenProgramID {
		accounts := make([]map[string]interface{}, 0, len(h.sweep))
		for _, a := range h.sweep {
			accounts = append(accounts, tokenAccountJSON(a.Mint, a.Amount))
		}
		return accounts
	}
	return nil
}

func tokenAccountJSON(mint string, amount uint64) map[string]interface{} {
	return map[string]interface{}{
		"pubkey": "acct-" + mint,
		"account": map[string]interface{}{
			"data": map[string]interface{}{
				"parsed": map[string]interface{}{
					"info": map[string]interface{}{
						"mint": mint,
						"tokenAmount": map[string]interface{}{
							"amount":   fmt.Sprintf("%d", amount),
							"decimals": 6,
						},
					},
				},
			},
		},
	}
}

// fakeQuoteSource is a priceoracle.QuoteSource stub keyed by mint.
type fakeQuoteSource struct {
	prices map[string]float64
}

func (f *fakeQuoteSource) PriceUSD(ctx context.Context, mint string) (float64, error) {
	p, ok := f.prices[mint]
	if !ok {
		return 0, fmt.Errorf("no price for %s", mint)
	}
	return p, nil
}

// fakeNativeSource is a priceoracle.NativeSource stub with a fixed price.
type fakeNativeSource struct {
	price float64
}

func (f *fakeNativeSource) NativePriceUSD(ctx context.Context) (float64, error) {
	return f.price, nil
}

// testRig bundles the engine under test with the handles needed to drive
// it: the RPC mock (so tests can change on-chain balances mid-run) and the
// underlying store (so tests can assert persisted state directly).
type testRig struct {
	engine  *Engine
	store   *store.Store
	rpc     *rpcHandler
	wallet  *chain.Wallet
	quotes  *fakeQuoteSource
	server  *httptest.Server
}

// newTestRig builds a rig whose native price source answers nativePrice
// for every lookup. Oracle.Price falls back to the native source for ANY
// mint once the quote source misses, so nativePrice=0 is how a test
// simulates every price source being exhausted (PriceUnavailable).
func newTestRig(t *testing.T, cfg risk.Config, nativePrice float64) *testRig {
	t.Helper()

	rpc := &rpcHandler{
		solLamports:  5_000_000_000,
		mintBalances: map[string]uint64{},
	}
	server := httptest.NewServer(rpc)
	t.Cleanup(server.Close)

	chainClient := chain.New(server.URL, server.URL, "")
	wallet, err := chain.NewWallet(testWalletKey)
	if err != nil {
		t.Fatalf("NewWallet() failed: %v", err)
	}

	blockhashCache := chain.NewBlockhashCache(chainClient, time.Minute, time.Minute)
	txBuilder := chain.NewTransactionBuilder(wallet, blockhashCache, 0)

	agg := aggregator.New("", 100, 5*time.Second, []string{"test-key"})
	agg.SetSimulation(true, 1.0)

	executor := trading.New(agg, chainClient, wallet, txBuilder, true)

	positionStore, err := store.Open(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}

	emergencyCtl := emergency.New(positionStore)
	riskGate := risk.New(cfg)

	quotes := &fakeQuoteSource{prices: map[string]float64{aggregator.SOLMint: 150.0}}
	oracle := priceoracle.New(quotes, nil, &fakeNativeSource{price: nativePrice}, nil, aggregator.SOLMint)

	mon := monitor.New(oracle, monitorSeller{executor}, monitor.PositionStore{
		GetPosition:         positionStore.GetPosition,
		OpenPositions:       positionStore.OpenPositions,
		ClosePosition:       positionStore.ClosePosition,
		PersistOpenPosition: positionStore.PersistOpenPosition,
		UpsertTrigger:       positionStore.UpsertTrigger,
		TriggersForPosition: positionStore.TriggersForPosition,
	})

	eng := New(emergencyCtl, riskGate, oracle, executor, chainClient, wallet, positionStore, mon, true, nil)

	return &testRig{engine: eng, store: positionStore, rpc: rpc, wallet: wallet, quotes: quotes, server: server}
}

// monitorSeller adapts trading.Executor to monitor.Seller.
type monitorSeller struct {
	executor *trading.Executor
}

func (m monitorSeller) ExecuteSell(ctx context.Context, mint string, amount uint64, decimals uint8, slippageBps int) (string, error) {
	outcome, err := m.executor.ExecuteSell(ctx, trading.Position{Mint: mint, Amount: amount, Decimals: decimals}, slippageBps)
	if err != nil {
		return "", err
	}
	return outcome.Signature, nil
}

func permissiveRiskConfig() risk.Config {
	return risk.Config{
		EstablishedMints: map[string]bool{"GoodMint111": true},
		AdminIDs:         map[string]bool{"admin-1": true},
		StackingEnabled:  false,
		MaxPositions:     10,
		MinNotionalUSD:   1,
		MaxTradeUSD:      100000,
		MaxDailyUSD:      1000000,
		MaxPositionPct:   1.0,
		MaxMintAllocPct:  1.0,
	}
}

func TestOpenPosition_RejectedByRiskGateNeverCallsExecutor(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)

	admitted, reason, pos, err := rig.engine.OpenPosition(context.Background(), OpenRequest{
		Mint: "GoodMint111", AmountUSD: 100, SentimentGrade: "F",
	}, "admin-1")

	if err != nil {
		t.Fatalf("OpenPosition() returned error %v, want nil", err)
	}
	if admitted {
		t.Fatal("OpenPosition() admitted a grade=F request")
	}
	if pos != nil {
		t.Error("OpenPosition() returned a position despite rejection")
	}
	if reason == "" {
		t.Error("OpenPosition() rejection reason is empty")
	}
	if len(rig.store.OpenPositions()) != 0 {
		t.Error("a rejected OpenPosition() left a position behind in the store")
	}
}

func TestOpenPosition_AdmittedBuysAndArmsTriggers(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)

	admitted, reason, pos, err := rig.engine.OpenPosition(context.Background(), OpenRequest{
		Mint: "GoodMint111", Symbol: "GOOD", AmountUSD: 100, SentimentGrade: "B",
	}, "admin-1")

	if err != nil {
		t.Fatalf("OpenPosition() failed: %v", err)
	}
	if !admitted {
		t.Fatalf("OpenPosition() rejected: %s", reason)
	}
	if pos == nil {
		t.Fatal("OpenPosition() = nil position on success")
	}
	if pos.Status != domain.StatusOpen {
		t.Errorf("Status = %v, want OPEN", pos.Status)
	}
	if !(pos.TPPrice > pos.EntryPrice && pos.EntryPrice > pos.SLPrice && pos.SLPrice > 0) {
		t.Errorf("tp/sl invariant violated: tp=%v entry=%v sl=%v", pos.TPPrice, pos.EntryPrice, pos.SLPrice)
	}

	triggers := rig.store.TriggersForPosition(pos.ID)
	if len(triggers) != 2 {
		t.Fatalf("len(triggers) = %d, want 2", len(triggers))
	}

	if got := rig.store.DailyVolume(); got != 100 {
		t.Errorf("DailyVolume() = %v, want 100", got)
	}
}

func TestClosePosition_ZeroBalanceClosesAsNoBalance(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)
	rig.quotes.prices["GoodMint111"] = 1.2

	pos := &domain.Position{
		ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen,
		Amount: 1000, AmountUSD: 100, EntryPrice: 1.0, TPPrice: 1.2, SLPrice: 0.9,
	}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}
	// rpc.mintBalances has no entry for GoodMint111, so Balance() returns 0.

	ok, msg, err := rig.engine.ClosePosition(context.Background(), "p1", "admin-1", "manual", 0)
	if err != nil {
		t.Fatalf("ClosePosition() failed: %v", err)
	}
	if !ok {
		t.Fatalf("ClosePosition() = rejected: %s", msg)
	}
	if rig.store.GetPosition("p1") != nil {
		t.Error("position still open after ClosePosition()")
	}

	history := rig.store.History(1)
	if len(history) != 1 || history[0].CloseReason != domain.CloseReasonNoBalance {
		t.Errorf("history = %+v, want one NO_BALANCE close", history)
	}
}

func TestClosePosition_NonZeroBalanceSellsAndClosesManual(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)
	rig.quotes.prices["GoodMint111"] = 1.3
	rig.rpc.mintBalances["GoodMint111"] = 1000

	pos := &domain.Position{
		ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen,
		Amount: 1000, AmountUSD: 100, EntryPrice: 1.0, TPPrice: 1.2, SLPrice: 0.9,
	}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}

	ok, msg, err := rig.engine.ClosePosition(context.Background(), "p1", "admin-1", "manual", 0)
	if err != nil {
		t.Fatalf("ClosePosition() failed: %v", err)
	}
	if !ok {
		t.Fatalf("ClosePosition() = rejected: %s", msg)
	}

	history := rig.store.History(1)
	if len(history) != 1 || history[0].CloseReason != domain.CloseReasonManual {
		t.Errorf("history = %+v, want one MANUAL close", history)
	}
}

func TestClosePosition_UnknownIDIsRejectedNotError(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)
	ok, msg, err := rig.engine.ClosePosition(context.Background(), "nope", "admin-1", "manual", 0)
	if err != nil {
		t.Fatalf("ClosePosition(unknown) returned error %v, want nil", err)
	}
	if ok {
		t.Fatal("ClosePosition(unknown) = admitted, want rejected")
	}
	if msg == "" {
		t.Error("ClosePosition(unknown) rejection message is empty")
	}
}

func TestUpdatePositions_RecomputesPnL(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)
	rig.quotes.prices["GoodMint111"] = 1.5

	pos := &domain.Position{
		ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen,
		Amount: 1000, AmountUSD: 100, EntryPrice: 1.0, TPPrice: 1.2, SLPrice: 0.9,
	}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}

	if err := rig.engine.UpdatePositions(context.Background()); err != nil {
		t.Fatalf("UpdatePositions() failed: %v", err)
	}

	got := rig.store.GetPosition("p1")
	if got.CurrentPrice != 1.5 {
		t.Errorf("CurrentPrice = %v, want 1.5", got.CurrentPrice)
	}
	if got.PnLPct != 50.0 {
		t.Errorf("PnLPct = %v, want 50.0", got.PnLPct)
	}
	if got.PnLUSD != 50.0 {
		t.Errorf("PnLUSD = %v, want 50.0", got.PnLUSD)
	}
}

func TestUpdatePositions_SkipsPositionOnPriceFailure(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 0)
	// No price registered for GoodMint111 and the native fallback is
	// disabled (nativePrice=0), so every source is exhausted.

	pos := &domain.Position{
		ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen,
		Amount: 1000, AmountUSD: 100, EntryPrice: 1.0, CurrentPrice: 1.0, TPPrice: 1.2, SLPrice: 0.9,
	}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}

	if err := rig.engine.UpdatePositions(context.Background()); err != nil {
		t.Fatalf("UpdatePositions() failed: %v", err)
	}

	got := rig.store.GetPosition("p1")
	if got.CurrentPrice != 1.0 {
		t.Errorf("CurrentPrice = %v, want unchanged 1.0 (price lookup failed)", got.CurrentPrice)
	}
}

func TestReconcileWithOnchain_FourWaySplit(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)

	matched := &domain.Position{ID: "matched", Mint: "MintMatched", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 100, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9}
	mismatched := &domain.Position{ID: "mismatched", Mint: "MintMismatched", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 100, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9}
	orphaned := &domain.Position{ID: "orphaned", Mint: "MintOrphaned", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 100, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9}
	for _, p := range []*domain.Position{matched, mismatched, orphaned} {
		if err := rig.store.AddPosition(p); err != nil {
			t.Fatalf("AddPosition(%s) failed: %v", p.ID, err)
		}
	}

	rig.rpc.mintBalances["MintMatched"] = 1000     // within tolerance
	rig.rpc.mintBalances["MintMismatched"] = 500   // >5% off
	// MintOrphaned has no entry -> Balance() == 0
	rig.rpc.sweep = []sweepAccount{
		{Mint: "MintMatched", Amount: 1000},
		{Mint: "MintUntracked", Amount: 5000},
	}

	recon, err := rig.engine.ReconcileWithOnchain(context.Background())
	if err != nil {
		t.Fatalf("ReconcileWithOnchain() failed: %v", err)
	}

	if len(recon.Matched) != 1 || recon.Matched[0] != "matched" {
		t.Errorf("Matched = %v, want [matched]", recon.Matched)
	}
	if len(recon.Mismatched) != 1 || recon.Mismatched[0] != "mismatched" {
		t.Errorf("Mismatched = %v, want [mismatched]", recon.Mismatched)
	}
	if len(recon.Orphaned) != 1 || recon.Orphaned[0] != "orphaned" {
		t.Errorf("Orphaned = %v, want [orphaned]", recon.Orphaned)
	}
	if len(recon.Untracked) != 1 || recon.Untracked[0].Mint != "MintUntracked" {
		t.Errorf("Untracked = %v, want [MintUntracked]", recon.Untracked)
	}
}

func TestReconcileWithOnchain_ExcludesStableMintsFromUntracked(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)
	rig.engine.stableMints = map[string]bool{"StableMint111": true}
	rig.rpc.sweep = []sweepAccount{{Mint: "StableMint111", Amount: 9999}}

	recon, err := rig.engine.ReconcileWithOnchain(context.Background())
	if err != nil {
		t.Fatalf("ReconcileWithOnchain() failed: %v", err)
	}
	if len(recon.Untracked) != 0 {
		t.Errorf("Untracked = %v, want empty (stablecoin dust excluded)", recon.Untracked)
	}
}

func TestAutoReconcileOrphaned_ClosesAndAttributesLossOnPriceFailure(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 0)

	pos := &domain.Position{ID: "orphan1", Mint: "NoPriceMint", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 250, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}
	// No balance registered -> orphaned. Native fallback disabled -> price lookup fails.

	if err := rig.engine.AutoReconcileOrphaned(context.Background()); err != nil {
		t.Fatalf("AutoReconcileOrphaned() failed: %v", err)
	}

	if rig.store.GetPosition("orphan1") != nil {
		t.Error("orphaned position was not closed")
	}
	history := rig.store.History(1)
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1", len(history))
	}
	if history[0].CloseReason != domain.CloseReasonOrphaned {
		t.Errorf("CloseReason = %v, want AUTO_CLOSE_ORPHANED", history[0].CloseReason)
	}
	if history[0].PnLUSD != -250 {
		t.Errorf("PnLUSD = %v, want -250 (full notional attributed as loss)", history[0].PnLUSD)
	}
}

func TestGetPortfolioValue_SumsWalletAndPositions(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)
	rig.rpc.solLamports = 2_000_000_000 // 2 SOL

	pos := &domain.Position{ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 100, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9, PnLUSD: 10}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}

	sol, usd, err := rig.engine.GetPortfolioValue(context.Background())
	if err != nil {
		t.Fatalf("GetPortfolioValue() failed: %v", err)
	}
	if sol != 2.0 {
		t.Errorf("sol = %v, want 2.0", sol)
	}
	wantUSD := 2.0*150.0 + 100 + 10
	if usd != wantUSD {
		t.Errorf("usd = %v, want %v", usd, wantUSD)
	}
}

func TestHandleEmergencyEscalation_ImmediateUnwindsOpenPositions(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)
	rig.quotes.prices["GoodMint111"] = 1.1

	pos := &domain.Position{ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 100, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}

	emergencyCtl := rig.engine.emergencyStop
	if err := emergencyCtl.ActivateHardStop("test", "admin-1", domain.UnwindImmediate); err != nil {
		t.Fatalf("ActivateHardStop() failed: %v", err)
	}

	rig.engine.HandleEmergencyEscalation(context.Background())

	if rig.store.GetPosition("p1") != nil {
		t.Error("HandleEmergencyEscalation() with IMMEDIATE strategy left the position open")
	}
}

func TestHandleEmergencyEscalation_ManualStrategyLeavesPositionsOpen(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)

	pos := &domain.Position{ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 100, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}
	tp := &domain.TriggerOrder{ID: "t-tp", PositionID: "p1", Kind: domain.TriggerTP, Status: domain.TriggerActive}
	if err := rig.store.UpsertTrigger(tp); err != nil {
		t.Fatalf("UpsertTrigger() failed: %v", err)
	}

	emergencyCtl := rig.engine.emergencyStop
	if err := emergencyCtl.ActivateHardStop("test", "admin-1", domain.UnwindManual); err != nil {
		t.Fatalf("ActivateHardStop() failed: %v", err)
	}

	rig.engine.HandleEmergencyEscalation(context.Background())

	if rig.store.GetPosition("p1") == nil {
		t.Error("HandleEmergencyEscalation() with MANUAL strategy auto-closed a position")
	}
	triggers := rig.store.TriggersForPosition("p1")
	if len(triggers) != 1 || triggers[0].Status != domain.TriggerCancelled {
		t.Errorf("triggers = %+v, want the TP trigger CANCELLED regardless of unwind strategy", triggers)
	}
}

func TestHandleEmergencyEscalation_SoftStopDoesNotUnwind(t *testing.T) {
	rig := newTestRig(t, permissiveRiskConfig(), 150.0)

	pos := &domain.Position{ID: "p1", Mint: "GoodMint111", Status: domain.StatusOpen, Amount: 1000, AmountUSD: 100, EntryPrice: 1, TPPrice: 1.2, SLPrice: 0.9}
	if err := rig.store.AddPosition(pos); err != nil {
		t.Fatalf("AddPosition() failed: %v", err)
	}

	if err := rig.engine.emergencyStop.ActivateSoftStop("test", "admin-1"); err != nil {
		t.Fatalf("ActivateSoftStop() failed: %v", err)
	}

	rig.engine.HandleEmergencyEscalation(context.Background())

	if rig.store.GetPosition("p1") == nil {
		t.Error("SOFT_STOP must never unwind existing positions")
	}
}
