package memory

import "github.com/nugget/roundtable/internal/conversation"

// Merge splices the summary log into raw history and returns the view
// sent downstream. Both inputs must be ascending by timestamp.
//
// The walk runs from the tail of both lists. A raw message newer than
// the newest remaining summary is emitted as is. Otherwise the summary is
// emitted and every raw message at or before its timestamp is skipped as
// subsumed. Merge is idempotent: Merge(Merge(h, s), s) == Merge(h, s).
func Merge(history, summaries []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, 0, len(history)+len(summaries))
	i, j := len(history)-1, len(summaries)-1

	for i >= 0 || j >= 0 {
		if j < 0 || (i >= 0 && history[i].Timestamp > summaries[j].Timestamp) {
			out = append(out, history[i])
			i--
			continue
		}
		s := summaries[j]
		out = append(out, s)
		for i >= 0 && history[i].Timestamp <= s.Timestamp {
			i--
		}
		j--
	}

	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
