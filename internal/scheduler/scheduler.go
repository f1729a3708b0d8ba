package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/metrics"
	"github.com/nugget/roundtable/internal/persona"
	"github.com/nugget/roundtable/internal/tools"
)

// Defaults for Config.
const (
	DefaultMaxConcurrent   = 3
	DefaultMaxMentionDepth = 4
)

// Config holds scheduler limits.
type Config struct {
	// MaxConcurrent is the number of tasks that may execute at once.
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxMentionDepth bounds chains of persona-to-persona mentions.
	// Negative disables mention fan-out.
	MaxMentionDepth int `yaml:"max_mention_depth"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxMentionDepth == 0 {
		c.MaxMentionDepth = DefaultMaxMentionDepth
	}
	return c
}

// Recorder persists terminal task runs. *Store satisfies it.
type Recorder interface {
	RecordRun(ctx context.Context, r *Run) error
}

// Scheduler manages persona tasks for one conversation.
type Scheduler struct {
	cfg            Config
	conversationID string
	exec           Executor
	conv           Conversation
	personas       *persona.Registry
	logger         *slog.Logger
	bus            *events.Bus
	recorder       Recorder
	observer       func(Status)

	slots    *semaphore.Weighted
	notifyMu sync.Mutex

	mu      sync.Mutex
	queue   *list.List        // *entry, FIFO
	running map[string]*entry // task ID -> entry
	byKey   map[string]*entry // dedupe key -> queued or running entry
	pending int               // tasks not yet resolved
	idle    chan struct{}     // closed while pending == 0
	closed  bool

	// occupancy last reported to the process-wide gauges
	gaugeRunning, gaugeQueued int
}

type entry struct {
	task      *Task
	handle    *Handle
	elem      *list.Element
	startedAt time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventBus publishes scheduler events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithRecorder persists every terminal task run.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithIdleObserver registers fn to receive the scheduler status after
// every terminal completion. fn runs on the completing goroutine; it
// must not block or call back into the scheduler.
func WithIdleObserver(fn func(Status)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithConversationID tags task contexts and logs with the conversation.
func WithConversationID(id string) Option {
	return func(s *Scheduler) { s.conversationID = id }
}

// New creates a scheduler. personas may be nil, in which case persona
// names are taken verbatim and mention fan-out is disabled.
func New(cfg Config, exec Executor, conv Conversation, personas *persona.Registry, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		cfg:      cfg,
		exec:     exec,
		conv:     conv,
		personas: personas,
		logger:   logger.With("component", "scheduler"),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queue:    list.New(),
		running:  make(map[string]*entry),
		byKey:    make(map[string]*entry),
		idle:     idle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.conversationID != "" {
		s.logger = s.logger.With("conversation_id", s.conversationID)
	}
	return s
}

// Schedule requests a reply from personaName to trigger over snapshot.
// If a task with the same (trigger, persona) is already queued or
// running, its handle is returned with deduped true and nothing new is
// scheduled. Otherwise every older task for the persona is cancelled
// and a new task is queued.
//
// An unknown persona yields a handle that is already failed.
func (s *Scheduler) Schedule(personaName string, trigger conversation.Message, snapshot []conversation.Message) (*Handle, bool) {
	return s.schedule(personaName, trigger, snapshot, 0)
}

func (s *Scheduler) schedule(personaName string, trigger conversation.Message, snapshot []conversation.Message, depth int) (*Handle, bool) {
	name := personaName
	if s.personas != nil {
		name = s.personas.Canonical(personaName)
	}
	if name == "" {
		t := &Task{ID: conversation.NewID(), Persona: personaName, Trigger: trigger, Depth: depth}
		t.ctx, t.cancel = context.WithCancel(context.Background())
		h := newHandle(t)
		h.resolve(TaskResult{Outcome: OutcomeFailed, Err: conversation.Invalid("unknown persona %q", personaName)})
		return h, false
	}

	key := DedupeKey(trigger.ID, name)

	s.mu.Lock()
	if existing, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		metrics.TasksScheduled.WithLabelValues("deduped").Inc()
		s.emit(events.KindTaskDeduped, map[string]any{
			"task_id":    existing.task.ID,
			"persona":    name,
			"dedupe_key": key,
		})
		s.logger.Debug("schedule deduplicated", "task_id", existing.task.ID, "persona", name, "dedupe_key", key)
		return existing.handle, true
	}
	if s.closed {
		s.mu.Unlock()
		t := &Task{ID: conversation.NewID(), Persona: name, DedupeKey: key, Trigger: trigger, Depth: depth}
		t.ctx, t.cancel = context.WithCancel(context.Background())
		t.cancel()
		h := newHandle(t)
		h.resolve(TaskResult{Outcome: OutcomeCancelled})
		return h, false
	}

	t := &Task{
		ID:        conversation.NewID(),
		Persona:   name,
		DedupeKey: key,
		Trigger:   trigger,
		Snapshot:  conversation.Clone(snapshot),
		Depth:     depth,
		QueuedAt:  time.Now(),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	dropped := s.supersedeLocked(name, t.ID)

	e := &entry{task: t, handle: newHandle(t)}
	e.elem = s.queue.PushBack(e)
	s.byKey[key] = e
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.dispatchLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	metrics.TasksScheduled.WithLabelValues("queued").Inc()
	s.emit(events.KindTaskQueued, map[string]any{
		"task_id":    t.ID,
		"persona":    name,
		"dedupe_key": key,
		"depth":      depth,
	})
	s.logger.Info("task queued", "task_id", t.ID, "persona", name, "depth", depth, "trigger", trigger.ID)

	for _, d := range dropped {
		s.resolve(d, TaskResult{Outcome: OutcomeCancelled})
	}
	return e.handle, false
}

// supersedeLocked cancels every queued or running task for persona.
// Queued tasks are removed and returned for resolution outside the
// lock; running tasks resolve when their executor returns.
func (s *Scheduler) supersedeLocked(personaName, by string) []*entry {
	var dropped []*entry
	cancel := func(e *entry) {
		e.task.cancel()
		delete(s.byKey, e.task.DedupeKey)
		s.emit(events.KindTaskSuperseded, map[string]any{
			"task_id": e.task.ID,
			"persona": personaName,
			"by":      by,
		})
		s.logger.Info("task superseded", "task_id", e.task.ID, "persona", personaName, "by", by)
	}

	for el := s.queue.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if e.task.Persona == personaName {
			s.queue.Remove(el)
			cancel(e)
			dropped = append(dropped, e)
		}
		el = next
	}
	for _, e := range s.running {
		if e.task.Persona == personaName && !e.task.Cancelled() {
			cancel(e)
		}
	}
	return dropped
}

// dispatchLocked admits queued tasks in FIFO order while slots are free.
func (s *Scheduler) dispatchLocked() {
	for s.queue.Len() > 0 {
		if !s.slots.TryAcquire(1) {
			return
		}
		e := s.queue.Remove(s.queue.Front()).(*entry)
		e.elem = nil
		e.startedAt = time.Now()
		s.running[e.task.ID] = e
		go s.run(e)
	}
}

func (s *Scheduler) run(e *entry) {
	t := e.task
	s.emit(events.KindTaskStarted, map[string]any{
		"task_id": t.ID,
		"persona": t.Persona,
	})
	s.logger.Info("task started",
		"task_id", t.ID,
		"persona", t.Persona,
		"waited", e.startedAt.Sub(t.QueuedAt).Round(time.Millisecond),
	)

	ctx := tools.WithTaskID(t.ctx, t.ID)
	if s.conversationID != "" {
		ctx = tools.WithConversationID(ctx, s.conversationID)
	}
	res, err := s.execute(ctx, t)
	s.finish(e, res, err)
}

func (s *Scheduler) execute(ctx context.Context, t *Task) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("executor panicked", "task_id", t.ID, "persona", t.Persona, "panic", p)
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return s.exec.Execute(ctx, t)
}

// finish applies a task's result to the conversation, frees its slot,
// fans out mentions and resolves its handle.
func (s *Scheduler) finish(e *entry, res *Result, err error) {
	t := e.task
	if res == nil {
		res = &Result{}
	}

	// Attachment notices describe the conversation's files rather than
	// the task's output, so they apply even to cancelled tasks.
	for _, u := range res.Uploads {
		s.conv.RecordUpload(u)
	}
	for _, h := range res.Expired {
		s.conv.MarkAttachmentExpired(h)
	}

	s.mu.Lock()
	// The cancellation check and the append happen under the same lock
	// as supersession, so a superseded task can never append.
	outcome := OutcomeSucceeded
	var snapshot []conversation.Message
	switch {
	case t.Cancelled():
		outcome = OutcomeCancelled
	case err != nil:
		outcome = OutcomeFailed
	}
	if outcome != OutcomeCancelled && len(res.Messages) > 0 {
		snapshot = s.conv.Append(res.Messages...)
	}
	delete(s.running, t.ID)
	if s.byKey[t.DedupeKey] == e {
		delete(s.byKey, t.DedupeKey)
	}
	s.slots.Release(1)
	s.dispatchLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	if outcome == OutcomeCancelled {
		err = nil
		res.Messages = nil
	}

	if outcome == OutcomeSucceeded {
		s.fanOut(t, res.Messages, snapshot)
	}

	elapsed := time.Since(t.QueuedAt)
	metrics.TaskDuration.WithLabelValues(t.Persona).Observe(elapsed.Seconds())
	if err != nil {
		s.logger.Error("task failed",
			"task_id", t.ID,
			"persona", t.Persona,
			"messages", len(res.Messages),
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
	} else {
		s.logger.Info("task completed",
			"task_id", t.ID,
			"persona", t.Persona,
			"outcome", outcome.String(),
			"messages", len(res.Messages),
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}

	s.record(e, outcome, len(res.Messages), err)
	s.resolve(e, TaskResult{Outcome: outcome, Messages: res.Messages, Err: err})
}

// fanOut schedules one task per persona mentioned in the task's reply.
func (s *Scheduler) fanOut(t *Task, msgs []conversation.Message, snapshot []conversation.Message) {
	if s.personas == nil || s.cfg.MaxMentionDepth < 0 {
		return
	}
	reply, ok := finalReply(msgs, t.Persona)
	if !ok {
		return
	}
	mentioned := s.personas.Mentions(reply.Text(), t.Persona)
	if len(mentioned) == 0 {
		return
	}
	if t.Depth >= s.cfg.MaxMentionDepth {
		s.logger.Warn("mention depth reached, not fanning out",
			"task_id", t.ID,
			"persona", t.Persona,
			"depth", t.Depth,
			"mentions", mentioned,
		)
		return
	}
	for _, name := range mentioned {
		s.logger.Debug("mention fan-out", "from", t.Persona, "to", name, "depth", t.Depth+1)
		s.schedule(name, reply, snapshot, t.Depth+1)
	}
}

// finalReply returns the last model message authored by personaName.
func finalReply(msgs []conversation.Message, personaName string) (conversation.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Speaker == conversation.SpeakerModel && m.Persona == personaName && !m.HasToolCalls() {
			return m, true
		}
	}
	return conversation.Message{}, false
}

// resolve completes a handle and notifies the idle observer.
func (s *Scheduler) resolve(e *entry, r TaskResult) {
	t := e.task
	t.cancel()
	if e.startedAt.IsZero() {
		s.record(e, r.Outcome, 0, nil)
	}
	e.handle.resolve(r)

	metrics.TasksCompleted.WithLabelValues(t.Persona, r.Outcome.String()).Inc()
	data := map[string]any{
		"task_id":  t.ID,
		"persona":  t.Persona,
		"outcome":  r.Outcome.String(),
		"messages": len(r.Messages),
	}
	if r.Err != nil {
		data["error"] = r.Err.Error()
	}
	s.emit(events.KindTaskComplete, data)

	// Notifications are serialized in completion order, and Wait only
	// returns once the notification for the last task has been delivered.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.pending--
	idle := s.idle
	drained := s.pending == 0
	st := s.statusLocked()
	s.mu.Unlock()

	if st.Idle() {
		s.emit(events.KindIdle, nil)
	}
	if s.observer != nil {
		s.observer(st)
	}
	if drained {
		close(idle)
	}
}

func (s *Scheduler) record(e *entry, outcome Outcome, messages int, err error) {
	if s.recorder == nil {
		return
	}
	t := e.task
	r := &Run{
		TaskID:         t.ID,
		ConversationID: s.conversationID,
		Persona:        t.Persona,
		TriggerID:      t.Trigger.ID,
		Depth:          t.Depth,
		QueuedAt:       t.QueuedAt,
		CompletedAt:    time.Now(),
		Outcome:        outcome.String(),
		Messages:       messages,
	}
	if !e.startedAt.IsZero() {
		started := e.startedAt
		r.StartedAt = &started
	}
	if err != nil {
		r.Error = err.Error()
	}
	if rerr := s.recorder.RecordRun(context.Background(), r); rerr != nil {
		s.logger.Warn("failed to record task run", "task_id", t.ID, "error", rerr)
	}
}

// Cancel cancels every queued or running task for personaName and
// reports how many were cancelled.
func (s *Scheduler) Cancel(personaName string) int {
	if s.personas != nil {
		if c := s.personas.Canonical(personaName); c != "" {
			personaName = c
		}
	}
	s.mu.Lock()
	n := len(s.byKeyFor(personaName))
	dropped := s.supersedeLocked(personaName, "")
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, d := range dropped {
		s.resolve(d, TaskResult{Outcome: OutcomeCancelled})
	}
	return n
}

func (s *Scheduler) byKeyFor(personaName string) []*entry {
	var out []*entry
	for _, e := range s.byKey {
		if e.task.Persona == personaName {
			out = append(out, e)
		}
	}
	return out
}

// CancelAll cancels every queued or running task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	var dropped []*entry
	for el := s.queue.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.task.cancel()
		dropped = append(dropped, e)
	}
	s.queue.Init()
	for _, e := range s.running {
		e.task.cancel()
	}
	clear(s.byKey)
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, d := range dropped {
		s.resolve(d, TaskResult{Outcome: OutcomeCancelled})
	}
}

// Close cancels all tasks, rejects new ones and waits for running
// tasks to drain or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelAll()
	return s.Wait(ctx)
}

// Wait blocks until no task is queued or running, including tasks
// fanned out from mentions, or until ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current occupancy.
func (s *Scheduler) Stats() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Active returns the tasks currently queued or running, queued first.
func (s *Scheduler) Active() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, s.queue.Len()+len(s.running))
	for el := s.queue.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).task)
	}
	for _, e := range s.running {
		out = append(out, e.task)
	}
	return out
}

func (s *Scheduler) statusLocked() Status {
	return Status{Running: len(s.running), Queued: s.queue.Len()}
}

// updateGaugesLocked reports occupancy changes as deltas, since the
// gauges are shared by every conversation's scheduler.
func (s *Scheduler) updateGaugesLocked() {
	r, q := len(s.running), s.queue.Len()
	metrics.TasksRunning.Add(float64(r - s.gaugeRunning))
	metrics.TasksQueued.Add(float64(q - s.gaugeQueued))
	s.gaugeRunning, s.gaugeQueued = r, q
}

// emit publishes a scheduler event tagged with the conversation ID.
func (s *Scheduler) emit(kind string, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 1)
	}
	if s.conversationID != "" {
		data["conversation_id"] = s.conversationID
	}
	s.bus.Emit(events.SourceScheduler, kind, data)
}
