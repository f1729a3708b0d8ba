package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/llm"
	"github.com/nugget/roundtable/internal/prompts"
	"github.com/nugget/roundtable/internal/tools"
	"github.com/nugget/roundtable/internal/usage"
)

// Summarizer turns a segment of conversation into prose. prior is the
// text of the latest existing summary, or "".
type Summarizer interface {
	Summarize(ctx context.Context, segment []conversation.Message, prior string) (string, error)
}

// UsageRecorder persists token usage. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// LLMSummarizer asks the completion service for a summary with tools
// and thinking disabled.
type LLMSummarizer struct {
	client llm.Client
	model  string
	usage  UsageRecorder
	logger *slog.Logger
}

// NewLLMSummarizer creates a summarizer that uses model. u may be nil.
func NewLLMSummarizer(client llm.Client, model string, u UsageRecorder, logger *slog.Logger) *LLMSummarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSummarizer{client: client, model: model, usage: u, logger: logger.With("component", "summarizer")}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, segment []conversation.Message, prior string) (string, error) {
	req := &llm.Request{
		Contents: []llm.Content{{
			Role:  llm.RoleUser,
			Parts: []llm.Part{{Text: prompts.CompactionPrompt(Transcript(segment), prior)}},
		}},
		GenerationConfig: &llm.GenerationConfig{
			ThinkingConfig: &llm.ThinkingConfig{ThinkingBudget: llm.IntPtr(0)},
		},
	}

	resp, err := s.client.Generate(ctx, s.model, req)
	outcome := llm.Classify(resp, err)
	s.record(ctx, resp, outcome)

	if outcome != llm.OutcomeSuccess {
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 {
			return "", conversation.Invalid("summary response had no candidates")
		}
		return "", fmt.Errorf("summarize: %w", llm.FinishError(resp.Candidates[0]))
	}

	text := strings.TrimSpace(resp.Candidates[0].Content.Text())
	if text == "" {
		return "", fmt.Errorf("summarize: empty summary")
	}
	return text, nil
}

func (s *LLMSummarizer) record(ctx context.Context, resp *llm.Response, outcome llm.Outcome) {
	if s.usage == nil || resp == nil {
		return
	}
	in, out := resp.Usage()
	err := s.usage.Record(ctx, usage.Record{
		Timestamp:      time.Now(),
		ConversationID: tools.ConversationIDFromContext(ctx),
		Persona:        conversation.MemoryPersona,
		Model:          s.model,
		InputTokens:    in,
		OutputTokens:   out,
		Kind:           usage.KindSummary,
		Outcome:        outcome.String(),
	})
	if err != nil {
		s.logger.Warn("failed to record summary usage", "error", err)
	}
}

// maxToolPayload bounds tool arguments and results in transcripts.
const maxToolPayload = 500

// Transcript serializes a segment as one "[Speaker]: text" line per
// visible part. Thought and hidden parts are omitted.
func Transcript(segment []conversation.Message) string {
	var sb strings.Builder
	for _, m := range segment {
		if m.Deleted {
			continue
		}
		speaker := "User"
		if m.Speaker == conversation.SpeakerModel {
			speaker = m.Persona
		}
		for _, p := range m.Parts {
			if p.Thought || p.Hide {
				continue
			}
			switch p.Kind() {
			case conversation.KindText:
				fmt.Fprintf(&sb, "[%s]: %s\n", speaker, p.Text)
			case conversation.KindAttachment:
				fmt.Fprintf(&sb, "[%s]: (attached %s %q)\n", speaker, p.Attachment.MIME, p.Attachment.Name)
			case conversation.KindToolCall:
				fmt.Fprintf(&sb, "[%s]: (called %s %s)\n", speaker, p.ToolCall.Name, compactJSON(p.ToolCall.Args))
			case conversation.KindToolResult:
				fmt.Fprintf(&sb, "[tool %s]: %s\n", p.ToolResult.Name, compactJSON(p.ToolResult.Result))
			}
		}
	}
	return sb.String()
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{?}"
	}
	if len(b) > maxToolPayload {
		cut := maxToolPayload
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		return string(b[:cut]) + "..."
	}
	return string(b)
}

// SimpleSummarizer creates a basic summary without an LLM. It is the
// fallback when no summary model is configured.
type SimpleSummarizer struct{}

// Summarize creates a simple extractive summary.
func (SimpleSummarizer) Summarize(_ context.Context, segment []conversation.Message, _ string) (string, error) {
	var topics []string
	speakers := make(map[string]int)
	toolCalls := 0

	for _, m := range segment {
		switch {
		case m.Speaker == conversation.SpeakerUser:
			// Extract short user questions as topics
			if t := m.Text(); t != "" && len([]rune(t)) < 100 {
				topics = append(topics, "- "+t)
			}
		case m.Speaker == conversation.SpeakerModel:
			speakers[m.Persona]++
		}
		for _, p := range m.Parts {
			if p.ToolCall != nil {
				toolCalls++
			}
		}
	}

	var sb strings.Builder
	sb.WriteString("Topics discussed:\n")
	if len(topics) > 0 {
		for _, t := range topics[:min(5, len(topics))] {
			sb.WriteString(t + "\n")
		}
	} else {
		sb.WriteString("- General conversation\n")
	}

	if len(speakers) > 0 {
		sb.WriteString("\nParticipants:\n")
		for _, name := range sortedKeys(speakers) {
			fmt.Fprintf(&sb, "- %s (%d replies)\n", name, speakers[name])
		}
	}

	if toolCalls > 0 {
		sb.WriteString("\nActions taken:\n")
		fmt.Fprintf(&sb, "- %d tool calls\n", toolCalls)
	}

	return sb.String(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
