// Package events carries operational events from the scheduler, tool
// loop, memory compressor and conversation stores to subscribers such as
// the websocket stream. A nil *Bus accepts and discards everything, so
// components emit without guard checks.
package events

import (
	"sync"
	"time"

	"github.com/nugget/roundtable/internal/metrics"
)

// Source constants identify which component published an event.
const (
	// SourceScheduler identifies events from the role request scheduler.
	SourceScheduler = "scheduler"
	// SourceAgent identifies events from the tool execution loop.
	SourceAgent = "agent"
	// SourceMemory identifies events from the memory compressor.
	SourceMemory = "memory"
	// SourceSession identifies events from conversation sessions.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindTaskQueued signals a persona task entered the admission queue.
	// Data: task_id, persona, dedupe_key, depth.
	KindTaskQueued = "task_queued"
	// KindTaskStarted signals a task was admitted to an execution slot.
	// Data: task_id, persona.
	KindTaskStarted = "task_started"
	// KindTaskDeduped signals a schedule request collapsed onto an
	// existing task. Data: task_id, persona, dedupe_key.
	KindTaskDeduped = "task_deduped"
	// KindTaskSuperseded signals an older task for the same persona
	// was cancelled. Data: task_id, persona, by.
	KindTaskSuperseded = "task_superseded"
	// KindTaskComplete signals a task reached a terminal outcome.
	// Data: task_id, persona, outcome, messages, elapsed_ms, error.
	KindTaskComplete = "task_complete"
	// KindIdle signals that no tasks are running or queued.
	KindIdle = "idle"

	// KindLLMCall signals the start of a completion request.
	// Data: task_id, persona, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a completion request.
	// Data: task_id, persona, iter, finish_reason, tokens_in,
	// tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindRetry signals a retryable outcome consumed retry budget.
	// Data: task_id, persona, cause, attempt.
	KindRetry = "retry"
	// KindToolCall signals the start of a tool execution.
	// Data: task_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: task_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindCompressionStart signals a compression run began.
	// Data: segment, tokens.
	KindCompressionStart = "compression_start"
	// KindCompressionComplete signals a summary was committed.
	// Data: segment, summary_ts, elapsed_ms.
	KindCompressionComplete = "compression_complete"
	// KindCompressionFailed signals a compression run failed and
	// history was left untouched. Data: error.
	KindCompressionFailed = "compression_failed"

	// KindMessageAppended signals messages were appended to a
	// conversation. Data: conversation_id, count, persona.
	KindMessageAppended = "message_appended"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Filter selects the events a subscription receives.
type Filter func(Event) bool

// ForConversation matches events tagged with the given conversation_id.
// An empty id matches everything.
func ForConversation(id string) Filter {
	return func(e Event) bool {
		if id == "" {
			return true
		}
		got, _ := e.Data["conversation_id"].(string)
		return got == id
	}
}

// OfSource matches events from any of the named sources.
func OfSource(sources ...string) Filter {
	return func(e Event) bool {
		for _, src := range sources {
			if e.Source == src {
				return true
			}
		}
		return false
	}
}

type subscription struct {
	ch      chan Event
	filters []Filter
}

func (s *subscription) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a full subscriber misses the event and the drop
// is counted, publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every subscriber whose filters accept it. Safe
// to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events that pass every
// filter. The caller must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, filters ...Filter) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &subscription{ch: ch, filters: filters}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
