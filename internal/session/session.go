package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/memory"
	"github.com/nugget/roundtable/internal/persona"
	"github.com/nugget/roundtable/internal/scheduler"
)

// ErrClosed is returned by Submit after the session was closed.
var ErrClosed = errors.New("session closed")

// ErrMemoryDisabled is returned by Compact when memory compression is
// turned off.
var ErrMemoryDisabled = errors.New("memory compression disabled")

// Session is one live conversation: its log, the scheduler replying into
// it and the compressor that keeps its view bounded.
type Session struct {
	store      *Store
	scheduler  *scheduler.Scheduler
	compressor *memory.Compressor
	personas   *persona.Registry
	defaults   []string
	logger     *slog.Logger
	now        func() time.Time
	closed     atomic.Bool
}

// ID returns the conversation ID.
func (s *Session) ID() string {
	return s.store.ID()
}

// Store returns the session's message log.
func (s *Session) Store() *Store {
	return s.store
}

// Submission is the result of Submit.
type Submission struct {
	Message conversation.Message
	Handles []*scheduler.Handle
}

// Personas returns the names of the scheduled personas.
func (sub *Submission) Personas() []string {
	names := make([]string, len(sub.Handles))
	for i, h := range sub.Handles {
		names[i] = h.Task().Persona
	}
	return names
}

// Wait blocks until every scheduled task is terminal or ctx is done.
func (sub *Submission) Wait(ctx context.Context) ([]scheduler.TaskResult, error) {
	results := make([]scheduler.TaskResult, 0, len(sub.Handles))
	for _, h := range sub.Handles {
		r, err := h.Wait(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Submit appends a user turn and schedules the personas it addresses:
// every @mentioned persona, or the session defaults when none is named.
func (s *Session) Submit(ctx context.Context, text string, attachments []conversation.Attachment) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var parts []conversation.Part
	if t := strings.TrimSpace(text); t != "" {
		parts = append(parts, conversation.Part{Text: t})
	}
	for i := range attachments {
		a := attachments[i]
		parts = append(parts, conversation.Part{Attachment: &a})
	}
	if len(parts) == 0 {
		return nil, conversation.Invalid("message needs text or an attachment")
	}

	msg := conversation.NewMessage(conversation.SpeakerUser, "", s.now(), parts...)
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	targets := s.personas.Mentions(text, "")
	if len(targets) == 0 {
		targets = s.defaults
	}
	if len(targets) == 0 {
		return nil, conversation.Invalid("no persona addressed and no default personas configured")
	}

	snapshot := s.store.Append(msg)
	sub := &Submission{Message: msg}
	for _, name := range targets {
		h, deduped := s.scheduler.Schedule(name, msg, snapshot)
		if !deduped {
			sub.Handles = append(sub.Handles, h)
		}
	}

	s.logger.Info("user turn submitted",
		"message_id", msg.ID,
		"personas", sub.Personas(),
		"attachments", len(attachments),
	)
	return sub, nil
}

// Messages returns the raw history.
func (s *Session) Messages() []conversation.Message {
	return s.store.Snapshot()
}

// View returns the history as personas see it, with summaries spliced in.
func (s *Session) View() []conversation.Message {
	if s.compressor == nil {
		return s.store.Snapshot()
	}
	return s.compressor.View(s.store.Snapshot())
}

// Summaries returns the committed summary log.
func (s *Session) Summaries() []conversation.Message {
	if s.compressor == nil {
		return nil
	}
	return s.compressor.Summaries()
}

// Compact summarizes the eligible segment now rather than waiting for a
// threshold. It returns nil when there is too little to summarize.
func (s *Session) Compact(ctx context.Context) (*conversation.Message, error) {
	if s.compressor == nil {
		return nil, ErrMemoryDisabled
	}
	return s.compressor.Compact(ctx, s.store.Snapshot())
}

// Cancel cancels every queued or running task for persona.
func (s *Session) Cancel(personaName string) int {
	return s.scheduler.Cancel(personaName)
}

// Status reports scheduler occupancy.
func (s *Session) Status() scheduler.Status {
	return s.scheduler.Stats()
}

// Active returns the queued and running tasks.
func (s *Session) Active() []*scheduler.Task {
	return s.scheduler.Active()
}

// Wait blocks until no task is queued or running.
func (s *Session) Wait(ctx context.Context) error {
	return s.scheduler.Wait(ctx)
}

// Close cancels outstanding tasks and waits for them and for any
// background compression to finish.
func (s *Session) Close(ctx context.Context) error {
	s.closed.Store(true)
	err := s.scheduler.Close(ctx)
	if s.compressor != nil {
		s.compressor.Wait()
	}
	return err
}
