package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nugget/roundtable/internal/conversation"
)

// ErrNotMonotonic is returned when a summary does not come strictly
// after the latest summary already logged for its conversation.
var ErrNotMonotonic = errors.New("summary timestamp must be after the latest summary")

// SummaryStore is the append-only summary log, keyed by conversation
// and ordered by timestamp.
type SummaryStore interface {
	// Append logs a summary. Its timestamp must be strictly greater than
	// every summary already logged for the conversation.
	Append(ctx context.Context, conversationID string, summary conversation.Message) error
	// List returns every summary for the conversation, ascending.
	List(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

// MemoryStore is an in-process SummaryStore.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]conversation.Message
}

// NewMemoryStore creates an empty in-process summary log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]conversation.Message)}
}

// Append implements SummaryStore.
func (s *MemoryStore) Append(_ context.Context, conversationID string, summary conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	if n := len(log); n > 0 && summary.Timestamp <= log[n-1].Timestamp {
		return ErrNotMonotonic
	}
	s.logs[conversationID] = append(log, conversation.Clone([]conversation.Message{summary})...)
	return nil
}

// List implements SummaryStore.
func (s *MemoryStore) List(_ context.Context, conversationID string) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conversation.Clone(s.logs[conversationID]), nil
}

// Conversations returns the IDs that have at least one summary.
func (s *MemoryStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
