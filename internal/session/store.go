// Package session owns the conversation logs that personas reply into.
// A Session pairs one conversation's message log with its scheduler and
// memory compressor; a Manager keeps sessions by conversation ID.
package session

import (
	"sync"
	"time"

	"github.com/nugget/roundtable/internal/content"
	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/llm"
)

// Store is one conversation's in-memory message log. It satisfies
// scheduler.Conversation. Reads return copies so callers never observe
// later mutations.
type Store struct {
	id  string
	bus *events.Bus
	now func() time.Time

	mu        sync.RWMutex
	messages  []conversation.Message
	createdAt time.Time
	updatedAt time.Time
}

// NewStore creates an empty log for conversation id.
func NewStore(id string, bus *events.Bus) *Store {
	now := time.Now()
	return &Store{id: id, bus: bus, now: time.Now, createdAt: now, updatedAt: now}
}

// ID returns the conversation ID.
func (s *Store) ID() string {
	return s.id
}

// Append adds msgs and returns a snapshot of the full history.
func (s *Store) Append(msgs ...conversation.Message) []conversation.Message {
	s.mu.Lock()
	s.messages = append(s.messages, conversation.Clone(msgs)...)
	s.updatedAt = s.now()
	snapshot := conversation.Clone(s.messages)
	s.mu.Unlock()

	if len(msgs) > 0 {
		s.bus.Emit(events.SourceSession, events.KindMessageAppended, map[string]any{
			"conversation_id": s.id,
			"count":           len(msgs),
			"persona":         msgs[len(msgs)-1].Persona,
		})
	}
	return snapshot
}

// Snapshot returns a copy of the full history.
func (s *Store) Snapshot() []conversation.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conversation.Clone(s.messages)
}

// Len returns the number of messages, deleted ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// UpdatedAt returns when the log last changed.
func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// MarkAttachmentExpired flags every attachment whose handle matches.
func (s *Store) MarkAttachmentExpired(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		for j := range s.messages[i].Parts {
			a := s.messages[i].Parts[j].Attachment
			if a != nil && a.FileHandle != "" && llm.HandleMatches(a.FileHandle, handle) {
				a.Expired = true
			}
		}
	}
}

// RecordUpload stores the handle assigned to a local attachment. The
// inline bytes are dropped once a handle exists.
func (s *Store) RecordUpload(u content.Upload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID != u.MessageID {
			continue
		}
		for j := range s.messages[i].Parts {
			p := &s.messages[i].Parts[j]
			if p.ID != u.PartID || p.Attachment == nil {
				continue
			}
			p.Attachment.FileHandle = u.File.URI
			p.Attachment.UploadedAt = conversation.Millis(u.File.UploadedAt)
			p.Attachment.Expired = false
			p.Attachment.Data = nil
			if p.Attachment.MIME == "" {
				p.Attachment.MIME = u.File.MIME
			}
			p.LastUpdate = conversation.Millis(s.now())
			return
		}
	}
}

// Delete flags a message as deleted. Deleted messages stay in the log
// but are never sent to a persona or summarized.
func (s *Store) Delete(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Deleted = true
			s.updatedAt = s.now()
			return true
		}
	}
	return false
}

// EditText rewrites one text part in place. It returns
// conversation.ErrNotFound for an unknown message or part and a
// *conversation.ValidationError for blank text, leaving the log as it was.
func (s *Store) EditText(messageID, partID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID != messageID {
			continue
		}
		now := s.now()
		if err := s.messages[i].EditText(partID, text, now); err != nil {
			return err
		}
		s.updatedAt = now
		return nil
	}
	return conversation.ErrNotFound
}
