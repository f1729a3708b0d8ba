package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/roundtable/internal/agent"
	"github.com/nugget/roundtable/internal/content"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/memory"
	"github.com/nugget/roundtable/internal/persona"
	"github.com/nugget/roundtable/internal/scheduler"
)

// Deps holds the process-wide components every session shares.
type Deps struct {
	Personas   *persona.Registry
	Loop       *agent.Loop
	Preparer   *content.Preparer
	Summaries  memory.SummaryStore
	Summarizer memory.Summarizer
	// Recorder persists terminal task runs. Optional.
	Recorder scheduler.Recorder
	Bus      *events.Bus
	Logger   *slog.Logger

	Scheduler scheduler.Config
	Memory    memory.Config
	// DisableMemory sends raw history with no summaries.
	DisableMemory bool
	// DefaultPersonas reply to user turns that mention nobody.
	DefaultPersonas []string
	// OnStatus receives each session's scheduler status after every
	// task completes. It must not block.
	OnStatus func(conversationID string, st scheduler.Status)
}

// Manager creates and tracks sessions by conversation ID.
type Manager struct {
	deps     Deps
	defaults []string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager validates deps and returns a Manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Personas == nil || deps.Loop == nil || deps.Preparer == nil {
		return nil, errors.New("session: personas, loop and preparer are required")
	}
	if deps.Summaries == nil {
		deps.Summaries = memory.NewMemoryStore()
	}
	if deps.Summarizer == nil {
		deps.Summarizer = memory.SimpleSummarizer{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	var defaults []string
	for _, name := range deps.DefaultPersonas {
		p, ok := deps.Personas.Get(name)
		if !ok {
			return nil, fmt.Errorf("session: default persona %q is not configured", name)
		}
		defaults = append(defaults, p.Name)
	}

	return &Manager{
		deps:     deps,
		defaults: defaults,
		logger:   deps.Logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}, nil
}

// Get returns the session for id, if it exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating it on first use.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: conversation id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	s := m.newSession(id)
	m.sessions[id] = s
	m.logger.Info("session created", "conversation_id", id)
	return s, nil
}

func (m *Manager) newSession(id string) *Session {
	logger := m.deps.Logger.With("conversation_id", id)
	store := NewStore(id, m.deps.Bus)

	var (
		compressor *memory.Compressor
		mem        agent.Memory
	)
	if !m.deps.DisableMemory {
		compressor = memory.NewCompressor(id, m.deps.Memory, m.deps.Summaries, m.deps.Summarizer, m.deps.Logger,
			memory.WithEventBus(m.deps.Bus),
		)
		mem = compressor
	}
	responder := agent.NewResponder(m.deps.Personas, m.deps.Preparer, m.deps.Loop, mem, logger)

	opts := []scheduler.Option{
		scheduler.WithConversationID(id),
		scheduler.WithEventBus(m.deps.Bus),
	}
	if m.deps.Recorder != nil {
		opts = append(opts, scheduler.WithRecorder(m.deps.Recorder))
	}
	if fn := m.deps.OnStatus; fn != nil {
		opts = append(opts, scheduler.WithIdleObserver(func(st scheduler.Status) { fn(id, st) }))
	}
	sched := scheduler.New(m.deps.Scheduler, responder, store, m.deps.Personas, m.deps.Logger, opts...)

	return &Session{
		store:      store,
		scheduler:  sched,
		compressor: compressor,
		personas:   m.deps.Personas,
		defaults:   m.defaults,
		logger:     logger.With("component", "session"),
		now:        time.Now,
	}
}

// IDs returns the known conversation IDs, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status sums occupancy across every session.
func (m *Manager) Status() scheduler.Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var total scheduler.Status
	for _, s := range sessions {
		st := s.Status()
		total.Running += st.Running
		total.Queued += st.Queued
	}
	return total
}

// Close closes every session and rejects new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}
