package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath, testPricing())
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]Pricing {
	return map[string]Pricing{
		"gemini-pro":   {InputPerMillion: 1.25, OutputPerMillion: 10.0},
		"gemini-flash": {InputPerMillion: 0.30, OutputPerMillion: 2.5},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TaskID: "t1", ConversationID: "conv-1", Persona: "Alice", Model: "gemini-pro", InputTokens: 1000, OutputTokens: 500},
		{Timestamp: now, TaskID: "t2", ConversationID: "conv-1", Persona: "Belinda", Model: "gemini-flash", InputTokens: 2000, OutputTokens: 1000},
		{Timestamp: now, ConversationID: "conv-1", Persona: "memory", Model: "gemini-flash", InputTokens: 4000, OutputTokens: 200, Kind: KindSummary},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 7000 || sum.TotalOutputTokens != 1700 {
		t.Errorf("tokens = %d/%d, want 7000/1700", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
	// 1000*1.25 + 500*10 + 2000*0.3 + 1000*2.5 + 4000*0.3 + 200*2.5, per million
	wantCost := (1250.0 + 5000 + 600 + 2500 + 1200 + 500) / 1_000_000
	if !approx(sum.TotalCostUSD, wantCost) {
		t.Errorf("TotalCostUSD = %v, want %v", sum.TotalCostUSD, wantCost)
	}
}

func TestSummaryByPersona(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, p := range []string{"Alice", "Alice", "Belinda"} {
		if err := s.Record(ctx, Record{Timestamp: now, Persona: p, Model: "gemini-pro", InputTokens: 10, OutputTokens: 5}); err != nil {
			t.Fatal(err)
		}
	}

	by, err := s.SummaryByPersona(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByPersona: %v", err)
	}
	if by["Alice"] == nil || by["Alice"].TotalRecords != 2 {
		t.Errorf("Alice = %+v, want 2 records", by["Alice"])
	}
	if by["Belinda"] == nil || by["Belinda"].TotalInputTokens != 10 {
		t.Errorf("Belinda = %+v", by["Belinda"])
	}
}

func TestSummary_OutsideWindow(t *testing.T) {
	s := testStore(t)
	old := time.Now().Add(-48 * time.Hour)
	if err := s.Record(context.Background(), Record{Timestamp: old, Model: "gemini-pro", InputTokens: 1}); err != nil {
		t.Fatal(err)
	}
	sum, err := s.Summary(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", sum.TotalRecords)
	}
}

func TestComputeCost(t *testing.T) {
	if got := ComputeCost("unknown", 1000, 1000, testPricing()); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
	if got := ComputeCost("gemini-pro", 1_000_000, 0, testPricing()); !approx(got, 1.25) {
		t.Errorf("cost = %v, want 1.25", got)
	}
}
