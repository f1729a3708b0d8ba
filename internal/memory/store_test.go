package memory

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testStores(t *testing.T) map[string]SummaryStore {
	t.Helper()

	file, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory_test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { file.Close() })

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	inMem, err := NewSQLiteStoreDB(db)
	if err != nil {
		t.Fatalf("NewSQLiteStoreDB: %v", err)
	}

	return map[string]SummaryStore{
		"memory":        NewMemoryStore(),
		"sqlite":        file,
		"sqlite-memory": inMem,
	}
}

func TestSummaryStore_AppendAndList(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Append(ctx, "conv-1", summaryAt(5, "first")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := s.Append(ctx, "conv-1", summaryAt(9, "second")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := s.Append(ctx, "conv-2", summaryAt(1, "other")); err != nil {
				t.Fatalf("Append: %v", err)
			}

			got, err := s.List(ctx, "conv-1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if !equalIDs(ids(got), []string{"s5", "s9"}) {
				t.Errorf("List = %v, want [s5 s9]", ids(got))
			}
			if got[1].Text() != "second" || !got[1].IsSummary() {
				t.Errorf("second summary = %+v", got[1])
			}

			empty, err := s.List(ctx, "missing")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("List(missing) = %v, want empty", ids(empty))
			}
		})
	}
}

func TestSummaryStore_RejectsNonMonotonic(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Append(ctx, "conv-1", summaryAt(5, "first")); err != nil {
				t.Fatalf("Append: %v", err)
			}

			for _, ts := range []int64{5, 4} {
				err := s.Append(ctx, "conv-1", summaryAt(ts, "stale"))
				if !errors.Is(err, ErrNotMonotonic) {
					t.Errorf("Append(ts=%d) = %v, want ErrNotMonotonic", ts, err)
				}
			}

			got, _ := s.List(ctx, "conv-1")
			if len(got) != 1 {
				t.Errorf("log has %d summaries, want 1", len(got))
			}
		})
	}
}

func TestMemoryStore_ListIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Append(ctx, "conv-1", summaryAt(5, "first")); err != nil {
		t.Fatal(err)
	}

	got, _ := s.List(ctx, "conv-1")
	got[0].Parts[0].Text = "mutated"

	again, _ := s.List(ctx, "conv-1")
	if again[0].Text() != "first" {
		t.Errorf("stored summary mutated through List result: %q", again[0].Text())
	}
	if convs := s.Conversations(); len(convs) != 1 || convs[0] != "conv-1" {
		t.Errorf("Conversations = %v", convs)
	}
}
