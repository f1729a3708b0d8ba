package memory

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/nugget/roundtable/internal/conversation"
)

func msgAt(ts int64, text string) conversation.Message {
	return conversation.Message{
		ID:        fmt.Sprintf("m%d", ts),
		Speaker:   conversation.SpeakerUser,
		Parts:     []conversation.Part{{ID: fmt.Sprintf("p%d", ts), Text: text}},
		Timestamp: ts,
	}
}

func summaryAt(ts int64, text string) conversation.Message {
	return conversation.Message{
		ID:        fmt.Sprintf("s%d", ts),
		Speaker:   conversation.SpeakerModel,
		Persona:   conversation.MemoryPersona,
		Parts:     []conversation.Part{{ID: fmt.Sprintf("sp%d", ts), Text: text}},
		Timestamp: ts,
	}
}

func ids(msgs []conversation.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMerge(t *testing.T) {
	history := []conversation.Message{
		msgAt(1, "a"), msgAt(2, "b"), msgAt(3, "c"), msgAt(4, "d"), msgAt(5, "e"), msgAt(6, "f"),
	}

	tests := []struct {
		name      string
		history   []conversation.Message
		summaries []conversation.Message
		want      []string
	}{
		{
			name:    "no summaries",
			history: history,
			want:    []string{"m1", "m2", "m3", "m4", "m5", "m6"},
		},
		{
			name:      "no history",
			summaries: []conversation.Message{summaryAt(3, "x")},
			want:      []string{"s3"},
		},
		{
			name:      "one summary subsumes prefix",
			history:   history,
			summaries: []conversation.Message{summaryAt(3, "x")},
			want:      []string{"s3", "m4", "m5", "m6"},
		},
		{
			name:      "chained summaries",
			history:   history,
			summaries: []conversation.Message{summaryAt(2, "x"), summaryAt(4, "y")},
			want:      []string{"s2", "s4", "m5", "m6"},
		},
		{
			name:      "summary covers everything",
			history:   history,
			summaries: []conversation.Message{summaryAt(6, "x")},
			want:      []string{"s6"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Merge(tt.history, tt.summaries))
			if !equalIDs(got, tt.want) {
				t.Errorf("Merge = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMerge_Idempotent(t *testing.T) {
	var history []conversation.Message
	for ts := int64(1); ts <= 15; ts++ {
		history = append(history, msgAt(ts, "x"))
	}
	summaries := []conversation.Message{summaryAt(5, "first"), summaryAt(9, "second")}

	once := Merge(history, summaries)
	twice := Merge(once, summaries)
	if !equalIDs(ids(once), ids(twice)) {
		t.Errorf("Merge not idempotent:\n once  %v\n twice %v", ids(once), ids(twice))
	}
}

// checkMergeProperties asserts that merging is idempotent, keeps every
// summary, keeps the view ascending, and keeps only raw messages newer
// than the newest summary.
func checkMergeProperties(t *testing.T, history, summaries []conversation.Message) {
	t.Helper()
	once := Merge(history, summaries)
	twice := Merge(once, summaries)
	if !equalIDs(ids(once), ids(twice)) {
		t.Fatalf("Merge not idempotent:\n history   %v\n summaries %v\n once      %v\n twice     %v",
			ids(history), ids(summaries), ids(once), ids(twice))
	}
	for i := 1; i < len(once); i++ {
		if once[i].Timestamp < once[i-1].Timestamp {
			t.Fatalf("view out of order at %d: %v", i, ids(once))
		}
	}

	seen := make(map[string]bool, len(once))
	for _, m := range once {
		seen[m.ID] = true
	}
	logged := make(map[string]bool, len(summaries))
	for _, sm := range summaries {
		logged[sm.ID] = true
		if !seen[sm.ID] {
			t.Errorf("summary %s missing from view %v", sm.ID, ids(once))
		}
	}
	if len(summaries) > 0 {
		newest := summaries[len(summaries)-1].Timestamp
		for _, m := range history {
			if logged[m.ID] {
				continue
			}
			if kept := seen[m.ID]; kept != (m.Timestamp > newest) {
				t.Errorf("raw %s (ts %d) kept=%v with newest summary at %d", m.ID, m.Timestamp, kept, newest)
			}
		}
	}
}

func withID(m conversation.Message, id string) conversation.Message {
	m.ID = id
	return m
}

func TestMerge_IdempotentEdgeCases(t *testing.T) {
	raw := []conversation.Message{msgAt(1, "a"), msgAt(2, "b"), msgAt(3, "c"), msgAt(4, "d")}

	tests := []struct {
		name      string
		history   []conversation.Message
		summaries []conversation.Message
	}{
		{"empty history and log", nil, nil},
		{"empty history", nil, []conversation.Message{summaryAt(2, "x"), summaryAt(5, "y")}},
		{"empty log", raw, nil},
		{
			name:    "summaries with equal timestamps",
			history: raw,
			summaries: []conversation.Message{
				withID(summaryAt(2, "x"), "sA"),
				withID(summaryAt(2, "y"), "sB"),
			},
		},
		{"summary newer than every raw message", raw, []conversation.Message{summaryAt(9, "x")}},
		{"raw timestamp equals summary", raw, []conversation.Message{summaryAt(3, "x")}},
		{
			name:      "history already contains the summary",
			history:   []conversation.Message{msgAt(1, "a"), summaryAt(2, "x"), msgAt(3, "c"), msgAt(4, "d")},
			summaries: []conversation.Message{summaryAt(2, "x")},
		},
		{
			name:      "history contains a summary the log does not",
			history:   []conversation.Message{msgAt(1, "a"), withID(summaryAt(3, "old"), "stale"), msgAt(5, "e")},
			summaries: []conversation.Message{summaryAt(2, "x")},
		},
		{
			name:      "duplicate raw timestamps",
			history:   []conversation.Message{msgAt(1, "a"), withID(msgAt(3, "b"), "m3a"), withID(msgAt(3, "c"), "m3b"), msgAt(4, "d")},
			summaries: []conversation.Message{summaryAt(3, "x")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkMergeProperties(t, tt.history, tt.summaries)
		})
	}
}

func TestMerge_IdempotentRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for iter := 0; iter < 500; iter++ {
		var history, summaries []conversation.Message

		ts := int64(0)
		for n := rng.IntN(20); len(history) < n; {
			ts += int64(rng.IntN(3)) // zero steps give equal timestamps
			id := fmt.Sprintf("h%d-%d", iter, len(history))
			if rng.IntN(5) == 0 {
				history = append(history, withID(summaryAt(ts, "inline"), id))
			} else {
				history = append(history, withID(msgAt(ts, "raw"), id))
			}
		}

		ts = 0
		for n := rng.IntN(4); len(summaries) < n; {
			ts += int64(rng.IntN(int(ts/2) + 8))
			summaries = append(summaries, withID(summaryAt(ts, "s"), fmt.Sprintf("s%d-%d", iter, len(summaries))))
		}

		// Sometimes feed the log's own summaries back in as history, the
		// way a previously merged view would carry them.
		if rng.IntN(4) == 0 {
			history = Merge(history, summaries)
		}

		checkMergeProperties(t, history, summaries)
	}
}

func TestMerge_ViewIsTimestampOrdered(t *testing.T) {
	history := []conversation.Message{msgAt(10, "a"), msgAt(20, "b"), msgAt(30, "c"), msgAt(40, "d")}
	summaries := []conversation.Message{summaryAt(25, "x")}

	view := Merge(history, summaries)
	for i := 1; i < len(view); i++ {
		if view[i].Timestamp < view[i-1].Timestamp {
			t.Fatalf("view out of order at %d: %v", i, ids(view))
		}
	}
}
