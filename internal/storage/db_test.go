package storage

import (
	"path/filepath"
	"testing"

	"treasury-engine/internal/trading"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndRecentExecutionsOrdersNewestFirst(t *testing.T) {
	db := openTestDB(t)

	for i, ts := range []int64{100, 200, 300} {
		rec := &ExecutionRecord{
			PositionID: "p1", Mint: "Mint1", Direction: "BUY", Success: true,
			AmountUSD: float64(i * 10), Timestamp: ts,
		}
		if err := db.InsertExecution(rec); err != nil {
			t.Fatalf("InsertExecution: %v", err)
		}
	}

	recs, err := db.RecentExecutions(10)
	if err != nil {
		t.Fatalf("RecentExecutions: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	if recs[0].Timestamp != 300 || recs[2].Timestamp != 100 {
		t.Fatalf("expected newest-first ordering, got timestamps %d,%d,%d", recs[0].Timestamp, recs[1].Timestamp, recs[2].Timestamp)
	}
}

func TestExecutionsForMintFiltersAndOrdersAscending(t *testing.T) {
	db := openTestDB(t)
	db.InsertExecution(&ExecutionRecord{Mint: "MintA", Direction: "BUY", Success: true, Timestamp: 1})
	db.InsertExecution(&ExecutionRecord{Mint: "MintB", Direction: "BUY", Success: true, Timestamp: 2})
	db.InsertExecution(&ExecutionRecord{Mint: "MintA", Direction: "SELL", Success: false, Timestamp: 3})

	recs, err := db.ExecutionsForMint("MintA")
	if err != nil {
		t.Fatalf("ExecutionsForMint: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if recs[0].Timestamp != 1 || recs[1].Timestamp != 3 {
		t.Fatalf("expected ascending timestamp order, got %d,%d", recs[0].Timestamp, recs[1].Timestamp)
	}
}

func TestAggregateStatsComputesSuccessCountAndAvgSlippage(t *testing.T) {
	db := openTestDB(t)
	db.InsertExecution(&ExecutionRecord{Mint: "M", Direction: "BUY", Success: true, SlippagePct: 0.01, Timestamp: 1})
	db.InsertExecution(&ExecutionRecord{Mint: "M", Direction: "BUY", Success: true, SlippagePct: 0.03, Timestamp: 2})
	db.InsertExecution(&ExecutionRecord{Mint: "M", Direction: "SELL", Success: false, Timestamp: 3})

	total, successful, avgSlippage, err := db.AggregateStats()
	if err != nil {
		t.Fatalf("AggregateStats: %v", err)
	}
	if total != 3 || successful != 2 {
		t.Fatalf("total=%d successful=%d, want 3,2", total, successful)
	}
	if avgSlippage != 0.02 {
		t.Fatalf("avgSlippage = %v, want 0.02", avgSlippage)
	}
}

func TestReplayIntoMetricsFeedsExecutionMetrics(t *testing.T) {
	db := openTestDB(t)
	db.InsertExecution(&ExecutionRecord{Mint: "M", Direction: "BUY", Success: true, LatencyMs: 50, SlippagePct: 0.01, Timestamp: 1})
	db.InsertExecution(&ExecutionRecord{Mint: "M", Direction: "SELL", Success: false, ErrorType: "timeout", Retries: 2, Timestamp: 2})

	m := trading.NewExecutionMetrics()
	if err := db.ReplayIntoMetrics(m, 10); err != nil {
		t.Fatalf("ReplayIntoMetrics: %v", err)
	}

	stats := m.Stats()
	if stats.TotalExecutions != 2 {
		t.Fatalf("TotalExecutions = %d, want 2", stats.TotalExecutions)
	}
	if stats.SuccessfulExecutions != 1 || stats.FailedExecutions != 1 {
		t.Fatalf("unexpected success/fail split: %+v", stats)
	}
	if stats.RetryDistribution[2] != 1 {
		t.Fatalf("expected one failure recorded at 2 retries, got %+v", stats.RetryDistribution)
	}
}
