// Package agent implements the tool execution loop: one persona's
// completion exchange, including tool rounds and recovery from the
// retryable failures of the completion service.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/roundtable/internal/content"
	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/llm"
	"github.com/nugget/roundtable/internal/metrics"
	"github.com/nugget/roundtable/internal/persona"
	"github.com/nugget/roundtable/internal/prompts"
	"github.com/nugget/roundtable/internal/tools"
	"github.com/nugget/roundtable/internal/upload"
	"github.com/nugget/roundtable/internal/usage"
)

// MaxRetries is the retry budget shared by every retryable cause within
// one Run.
const MaxRetries = 3

// ErrMaxRetriesExceeded is returned when retryable failures persist past
// MaxRetries. The returned error wraps it together with the last cause.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Reply is the result of one Run.
type Reply struct {
	// Messages holds everything to append, in order: the model and
	// tool-result turns of each tool round, then the final reply.
	Messages []conversation.Message
	// Text is the final reply text with speaker tags stripped.
	Text string
	// Expired lists file handles found expired during the run. The
	// caller should mark them in the persisted conversation.
	Expired []string
	// Retries counts retry budget consumed.
	Retries int

	Model        string
	InputTokens  int
	OutputTokens int
}

// UsageRecorder persists token usage. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop runs completion exchanges for personas.
type Loop struct {
	client   llm.Client
	tools    *tools.Registry
	personas *persona.Registry
	tracker  *upload.Tracker
	usage    UsageRecorder
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	defaultModel    string
	maxOutputTokens int
	includeThoughts bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithUsage records one usage row per completion exchange.
func WithUsage(u UsageRecorder) Option {
	return func(l *Loop) { l.usage = u }
}

// WithEventBus publishes loop events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithTracker marks handles reported expired by the completion service.
func WithTracker(t *upload.Tracker) Option {
	return func(l *Loop) { l.tracker = t }
}

// WithDefaultModel sets the model used by personas that name none.
func WithDefaultModel(model string) Option {
	return func(l *Loop) { l.defaultModel = model }
}

// WithMaxOutputTokens caps reply length. Zero leaves the service default.
func WithMaxOutputTokens(n int) Option {
	return func(l *Loop) { l.maxOutputTokens = n }
}

// WithThoughts asks the model to return its reasoning as thought parts.
func WithThoughts(include bool) Option {
	return func(l *Loop) { l.includeThoughts = include }
}

// WithClock overrides the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a Loop. registry may be nil when no tools exist.
func NewLoop(client llm.Client, registry *tools.Registry, personas *persona.Registry, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		client:   client,
		tools:    registry,
		personas: personas,
		logger:   logger.With("component", "agent"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run drives the exchange for persona p over prepared contents until the
// model replies with text, a fatal outcome occurs, or the retry budget is
// spent. Tool rounds are unbounded; only retries consume the budget.
//
// On error the returned Reply still carries the tool rounds completed so
// far. When ctx is cancelled, the in-flight request is allowed to finish
// but its result is discarded and Run returns ctx.Err().
func (l *Loop) Run(ctx context.Context, contents []llm.Content, p persona.Persona, toolsEnabled bool) (*Reply, error) {
	if len(contents) == 0 {
		return nil, conversation.Invalid("no contents to send for %s", p.Name)
	}

	model := p.Model
	if model == "" {
		model = l.defaultModel
	}
	reply := &Reply{Model: model}
	taskID := tools.TaskIDFromContext(ctx)

	reg := l.registryFor(p, toolsEnabled)
	names := reg.AllToolNames()
	req := l.request(p, reg)

	history := append([]llm.Content(nil), contents...)
	start := time.Now()

	l.logger.Info("persona exchange started",
		"task_id", taskID,
		"persona", p.Name,
		"model", model,
		"contents", len(contents),
		"tools", len(names),
	)

	for iter := 0; ; iter++ {
		req.Contents = history

		l.logger.Info("llm call",
			"task_id", taskID,
			"persona", p.Name,
			"iter", iter,
			"model", model,
			"msgs", len(history),
		)
		l.emit(ctx, events.KindLLMCall, map[string]any{
			"task_id": taskID,
			"persona": p.Name,
			"iter":    iter,
			"model":   model,
		})

		iterStart := time.Now()
		resp, err := l.client.Generate(context.WithoutCancel(ctx), model, req)
		if ctx.Err() != nil {
			l.logger.Debug("exchange cancelled, discarding response",
				"task_id", taskID,
				"persona", p.Name,
				"iter", iter,
			)
			return reply, ctx.Err()
		}

		outcome := llm.Classify(resp, err)
		calls := candidateCalls(resp)
		if outcome == llm.OutcomeSuccess && len(calls) > 0 && len(names) == 0 {
			outcome = llm.OutcomeRetryMalformed
		}
		l.account(ctx, reply, p, resp, outcome)

		l.logger.Info("llm response",
			"task_id", taskID,
			"persona", p.Name,
			"iter", iter,
			"model", model,
			"outcome", outcome.String(),
			"finish_reason", finishReason(resp),
			"tool_calls", len(calls),
			"elapsed", time.Since(iterStart).Round(time.Millisecond),
		)
		in, out := resp.Usage()
		l.emit(ctx, events.KindLLMResponse, map[string]any{
			"task_id":       taskID,
			"persona":       p.Name,
			"iter":          iter,
			"finish_reason": finishReason(resp),
			"tokens_in":     in,
			"tokens_out":    out,
			"tool_calls":    len(calls),
		})

		switch outcome {
		case llm.OutcomeRetryMalformed:
			if err := l.spendRetry(ctx, reply, p, outcome); err != nil {
				return reply, err
			}
			history = append(history, llm.Content{
				Role:  llm.RoleUser,
				Parts: []llm.Part{{Text: prompts.CorrectiveInstruction(names)}},
			})
			continue

		case llm.OutcomeRetryExpired:
			if err := l.spendRetry(ctx, reply, p, outcome); err != nil {
				return reply, err
			}
			handle := llm.ExpiredHandle(err)
			l.tracker.MarkExpired(handle)
			metrics.ExpiredAttachments.Inc()
			reply.Expired = append(reply.Expired, handle)
			stripped, changed := content.StripHandle(history, handle)
			if !changed {
				l.logger.Warn("expired handle not found in contents",
					"task_id", taskID,
					"persona", p.Name,
					"handle", handle,
				)
			}
			history = stripped
			continue

		case llm.OutcomeFatal:
			switch {
			case err != nil:
			case resp == nil || len(resp.Candidates) == 0:
				err = conversation.Invalid("completion returned no candidates")
			default:
				err = llm.FinishError(resp.Candidates[0])
			}
			l.logger.Error("persona exchange failed",
				"task_id", taskID,
				"persona", p.Name,
				"iter", iter,
				"error", err,
			)
			return reply, err
		}

		cand := resp.Candidates[0]
		now := l.now()

		if len(calls) == 0 {
			msg, text := replyMessage(p.Name, cand.Content, now)
			reply.Text = text
			if len(msg.Parts) > 0 {
				reply.Messages = append(reply.Messages, msg)
			}
			l.logger.Info("persona exchange completed",
				"task_id", taskID,
				"persona", p.Name,
				"iterations", iter+1,
				"retries", reply.Retries,
				"input_tokens", reply.InputTokens,
				"output_tokens", reply.OutputTokens,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return reply, nil
		}

		// Tool round: record the model turn, run each call in order,
		// then hand the results back as a user turn.
		history = append(history, llm.Content{Role: llm.RoleModel, Parts: visibleParts(cand.Content.Parts)})
		modelMsg := toolCallMessage(p.Name, cand.Content, now)

		var results []llm.Part
		var resultParts []conversation.Part
		for _, call := range calls {
			res := l.execute(ctx, reg, p.Name, call)
			if ctx.Err() != nil {
				return reply, ctx.Err()
			}
			payload := res.Map()
			results = append(results, llm.Part{FunctionResponse: &llm.FunctionResponse{ID: call.ID, Name: call.Name, Response: payload}})
			resultParts = append(resultParts, conversation.Part{ToolResult: &conversation.ToolResult{ID: call.ID, Name: call.Name, Result: payload}})
		}

		history = append(history, llm.Content{Role: llm.RoleUser, Parts: results})
		reply.Messages = append(reply.Messages,
			modelMsg,
			conversation.NewMessage(conversation.SpeakerUser, p.Name, l.now(), resultParts...),
		)
	}
}

// registryFor returns the tools offered to p, or nil when tools are off.
func (l *Loop) registryFor(p persona.Persona, toolsEnabled bool) *tools.Registry {
	if !toolsEnabled || l.tools == nil {
		return nil
	}
	return l.tools.FilteredCopy(p.AllowedTools)
}

func (l *Loop) request(p persona.Persona, reg *tools.Registry) *llm.Request {
	req := &llm.Request{}
	if l.personas != nil {
		req.SystemInstruction = &llm.Content{Parts: []llm.Part{{Text: l.personas.SystemInstruction(p)}}}
	} else if p.SystemPrompt != "" {
		req.SystemInstruction = &llm.Content{Parts: []llm.Part{{Text: p.SystemPrompt}}}
	}
	if decls := reg.Declarations(); len(decls) > 0 {
		req.Tools = []llm.Tool{{FunctionDeclarations: decls}}
	}
	gc := &llm.GenerationConfig{Temperature: p.Temperature, MaxOutputTokens: l.maxOutputTokens}
	if l.includeThoughts {
		gc.ThinkingConfig = &llm.ThinkingConfig{IncludeThoughts: true}
	}
	req.GenerationConfig = gc
	return req
}

// spendRetry consumes one unit of retry budget, or returns the wrapped
// ErrMaxRetriesExceeded when none is left.
func (l *Loop) spendRetry(ctx context.Context, reply *Reply, p persona.Persona, cause llm.Outcome) error {
	if reply.Retries >= MaxRetries {
		l.logger.Warn("retry budget exhausted",
			"task_id", tools.TaskIDFromContext(ctx),
			"persona", p.Name,
			"cause", cause.String(),
			"retries", reply.Retries,
		)
		return fmt.Errorf("%w: %d retries, last cause %s", ErrMaxRetriesExceeded, reply.Retries, cause)
	}
	reply.Retries++
	metrics.Retries.WithLabelValues(cause.String()).Inc()
	l.emit(ctx, events.KindRetry, map[string]any{
		"task_id": tools.TaskIDFromContext(ctx),
		"persona": p.Name,
		"cause":   cause.String(),
		"attempt": reply.Retries,
	})
	l.logger.Info("retrying exchange",
		"task_id", tools.TaskIDFromContext(ctx),
		"persona", p.Name,
		"cause", cause.String(),
		"attempt", reply.Retries,
	)
	return nil
}

// execute runs one tool call. Like completion requests, an in-flight
// tool call is not interrupted by cancellation.
func (l *Loop) execute(ctx context.Context, reg *tools.Registry, personaName string, call llm.FunctionCall) tools.Result {
	taskID := tools.TaskIDFromContext(ctx)
	l.logger.Info("tool exec",
		"task_id", taskID,
		"persona", personaName,
		"tool", call.Name,
	)
	l.emit(ctx, events.KindToolCall, map[string]any{
		"task_id": taskID,
		"tool":    call.Name,
	})

	start := time.Now()
	res := reg.Execute(context.WithoutCancel(ctx), call.Name, call.Args)
	elapsed := time.Since(start)

	metrics.ToolCalls.WithLabelValues(call.Name, metrics.Status(res.Success)).Inc()
	metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
	l.emit(ctx, events.KindToolDone, map[string]any{
		"task_id":     taskID,
		"tool":        call.Name,
		"ok":          res.Success,
		"duration_ms": elapsed.Milliseconds(),
	})
	if !res.Success {
		l.logger.Warn("tool exec failed",
			"task_id", taskID,
			"persona", personaName,
			"tool", call.Name,
			"error", res.Error,
		)
	}
	return res
}

// account records tokens and outcome for one exchange.
func (l *Loop) account(ctx context.Context, reply *Reply, p persona.Persona, resp *llm.Response, outcome llm.Outcome) {
	in, out := resp.Usage()
	reply.InputTokens += in
	reply.OutputTokens += out

	metrics.CompletionRequests.WithLabelValues(reply.Model, outcome.String()).Inc()
	metrics.CompletionTokens.WithLabelValues(reply.Model, "input").Add(float64(in))
	metrics.CompletionTokens.WithLabelValues(reply.Model, "output").Add(float64(out))

	if l.usage == nil || resp == nil {
		return
	}
	rec := usage.Record{
		Timestamp:      l.now(),
		TaskID:         tools.TaskIDFromContext(ctx),
		ConversationID: tools.ConversationIDFromContext(ctx),
		Persona:        p.Name,
		Model:          reply.Model,
		InputTokens:    in,
		OutputTokens:   out,
		Kind:           usage.KindReply,
		Outcome:        outcome.String(),
	}
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("failed to record usage", "persona", p.Name, "error", err)
	}
}

func candidateCalls(resp *llm.Response) []llm.FunctionCall {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	return resp.Candidates[0].Content.FunctionCalls()
}

func finishReason(resp *llm.Response) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	return resp.Candidates[0].FinishReason
}

// visibleParts drops thought parts, which are never replayed as input.
func visibleParts(parts []llm.Part) []llm.Part {
	out := make([]llm.Part, 0, len(parts))
	for _, p := range parts {
		if !p.Thought {
			out = append(out, p)
		}
	}
	return out
}

// replyMessage converts the final candidate into a persona message.
// Thought parts are kept for display; text parts are joined and any
// echoed speaker tags are stripped.
func replyMessage(name string, c llm.Content, now time.Time) (conversation.Message, string) {
	var parts []conversation.Part
	for _, p := range c.Parts {
		if p.Thought && p.Text != "" {
			parts = append(parts, conversation.Part{Text: p.Text, Thought: true})
		}
	}
	text := prompts.StripSpeakerTags(c.Text())
	if text != "" {
		parts = append(parts, conversation.Part{Text: text})
	}
	return conversation.NewMessage(conversation.SpeakerModel, name, now, parts...), text
}

// toolCallMessage converts a tool-calling candidate into a persona
// message holding its text and calls.
func toolCallMessage(name string, c llm.Content, now time.Time) conversation.Message {
	var parts []conversation.Part
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			fc := p.FunctionCall
			parts = append(parts, conversation.Part{ToolCall: &conversation.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}})
		case p.Text != "":
			parts = append(parts, conversation.Part{Text: p.Text, Thought: p.Thought})
		}
	}
	return conversation.NewMessage(conversation.SpeakerModel, name, now, parts...)
}

// emit publishes an agent event tagged with the conversation carried by
// ctx, if any.
func (l *Loop) emit(ctx context.Context, kind string, data map[string]any) {
	if id := tools.ConversationIDFromContext(ctx); id != "" {
		data["conversation_id"] = id
	}
	l.bus.Emit(events.SourceAgent, kind, data)
}
