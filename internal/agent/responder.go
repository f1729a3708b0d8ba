package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/roundtable/internal/content"
	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/persona"
	"github.com/nugget/roundtable/internal/scheduler"
)

// Memory supplies the compressed view of a conversation. *memory.Compressor
// satisfies it.
type Memory interface {
	View(history []conversation.Message) []conversation.Message
	MaybeCompress(history []conversation.Message) bool
}

// Responder executes scheduled persona tasks: it prepares the task's
// snapshot for the persona and runs the tool loop over it.
type Responder struct {
	personas *persona.Registry
	preparer *content.Preparer
	loop     *Loop
	memory   Memory
	logger   *slog.Logger
}

// NewResponder creates a Responder. mem may be nil to send raw history.
func NewResponder(personas *persona.Registry, preparer *content.Preparer, loop *Loop, mem Memory, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		personas: personas,
		preparer: preparer,
		loop:     loop,
		memory:   mem,
		logger:   logger.With("component", "responder"),
	}
}

// Execute implements scheduler.Executor.
func (r *Responder) Execute(ctx context.Context, task *scheduler.Task) (*scheduler.Result, error) {
	p, ok := r.personas.Get(task.Persona)
	if !ok {
		return nil, conversation.Invalid("unknown persona %q", task.Persona)
	}

	history := task.Snapshot
	if r.memory != nil {
		if r.memory.MaybeCompress(history) {
			r.logger.Debug("compression triggered", "task_id", task.ID)
		}
		history = r.memory.View(history)
	}

	// Uploads started here must finish so their handles are recorded.
	prepared, err := r.preparer.Prepare(context.WithoutCancel(ctx), history, p.Name)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	result := &scheduler.Result{Uploads: prepared.Uploads}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	r.logger.Debug("responding",
		"task_id", task.ID,
		"persona", p.Name,
		"contents", len(prepared.Contents),
		"placeholders", prepared.Placeholders,
	)

	reply, err := r.loop.Run(ctx, prepared.Contents, p, p.ToolsEnabled)
	if reply != nil {
		result.Messages = reply.Messages
		result.Expired = reply.Expired
	}
	return result, err
}
