// Package scheduler dispatches persona tasks against conversation
// snapshots under a global concurrency ceiling. It deduplicates repeat
// requests, supersedes stale tasks for the same persona and fans out to
// personas mentioned in a reply.
package scheduler

import (
	"context"
	"time"

	"github.com/nugget/roundtable/internal/content"
	"github.com/nugget/roundtable/internal/conversation"
)

// Task is one scheduled request/response cycle for a persona.
type Task struct {
	ID        string `json:"id"` // UUIDv7
	Persona   string `json:"persona"`
	DedupeKey string `json:"dedupe_key"`
	// Trigger is the message that caused the task: the user's turn, or
	// the reply whose mention fanned out to this persona.
	Trigger  conversation.Message   `json:"-"`
	Snapshot []conversation.Message `json:"-"`
	// Depth counts mention hops from the originating user turn.
	Depth    int       `json:"depth"`
	QueuedAt time.Time `json:"queued_at"`

	ctx    context.Context
	cancel context.CancelFunc
}

// DedupeKey identifies a (trigger, persona) pair.
func DedupeKey(triggerID, persona string) string {
	return triggerID + "/" + persona
}

// Cancelled reports whether the task was superseded or cancelled. Once
// true it never reverts.
func (t *Task) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Context returns the task's cancellation context.
func (t *Task) Context() context.Context {
	return t.ctx
}

// Outcome is a task's terminal state.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeCancelled
	OutcomeFailed
)

// String returns the outcome name used in logs, metrics and the API.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is what an Executor produced for a task.
type Result struct {
	// Messages to append, in order. Returned alongside an error they
	// are partial progress and are still appended.
	Messages []conversation.Message
	// Uploads are attachments that received a handle while preparing.
	Uploads []content.Upload
	// Expired are handles the completion service reported as expired.
	Expired []string
}

// Executor runs one task. ctx is cancelled when the task is superseded;
// implementations check it after each suspension point.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *Task) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*Result, error) {
	return f(ctx, task)
}

// Conversation is the caller-owned conversation log. The scheduler never
// mutates history itself; it hands results to the conversation.
type Conversation interface {
	// Append adds messages and returns a snapshot of the full history
	// including them.
	Append(msgs ...conversation.Message) []conversation.Message
	// MarkAttachmentExpired flags every attachment using handle.
	MarkAttachmentExpired(handle string)
	// RecordUpload stores the handle assigned to a local attachment.
	RecordUpload(u content.Upload)
}

// Status is a point-in-time view of scheduler occupancy.
type Status struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// Idle reports whether no task is running or queued.
func (s Status) Idle() bool {
	return s.Running == 0 && s.Queued == 0
}

// TaskResult is the terminal state of a task as seen through its Handle.
type TaskResult struct {
	Outcome  Outcome
	Messages []conversation.Message
	Err      error
}

// Handle observes a scheduled task.
type Handle struct {
	task   *Task
	done   chan struct{}
	result TaskResult
}

func newHandle(t *Task) *Handle {
	return &Handle{task: t, done: make(chan struct{})}
}

// Task returns the scheduled task.
func (h *Handle) Task() *Task {
	return h.task
}

// Done is closed once the task reaches a terminal outcome.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the task is terminal and returns its result.
func (h *Handle) Result() TaskResult {
	<-h.done
	return h.result
}

// Wait blocks until the task is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

func (h *Handle) resolve(r TaskResult) {
	h.result = r
	close(h.done)
}
