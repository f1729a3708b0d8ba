package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/metrics"
	"github.com/nugget/roundtable/internal/tools"
)

// Config controls when and how much history is compressed.
type Config struct {
	// TokenThreshold triggers compression when the estimated size of
	// the merged view exceeds it.
	TokenThreshold int `yaml:"token_threshold"`
	// MaxAge triggers compression when the oldest raw message in the
	// view is older than it. Zero disables the age trigger.
	MaxAge time.Duration `yaml:"max_age"`
	// KeepRecent is the number of most recent messages never summarized.
	KeepRecent int `yaml:"keep_recent"`
	// MinBatch is the smallest segment worth summarizing.
	MinBatch int `yaml:"min_batch"`
	// Timeout bounds one background summarization call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TokenThreshold: 24000,
		MaxAge:         6 * time.Hour,
		KeepRecent:     10,
		MinBatch:       5,
		Timeout:        2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TokenThreshold <= 0 {
		c.TokenThreshold = d.TokenThreshold
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.MinBatch <= 0 {
		c.MinBatch = d.MinBatch
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Per-message and per-attachment token estimates.
const (
	messageOverheadTokens = 4
	attachmentTokens      = 258
)

// Compressor summarizes old segments of one conversation. At most one
// compression runs at a time; triggers that arrive while one is running
// are dropped.
type Compressor struct {
	cfg            Config
	conversationID string
	store          SummaryStore
	summarizer     Summarizer
	logger         *slog.Logger
	bus            *events.Bus
	now            func() time.Time

	// slot holds a token while a compression runs.
	slot chan struct{}
	wg   sync.WaitGroup

	mu        sync.RWMutex
	loaded    bool
	summaries []conversation.Message
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithEventBus publishes compression events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Compressor) { c.bus = bus }
}

// WithClock overrides the time source for the age trigger.
func WithClock(now func() time.Time) Option {
	return func(c *Compressor) { c.now = now }
}

// NewCompressor creates a compressor for conversationID.
func NewCompressor(conversationID string, cfg Config, store SummaryStore, summarizer Summarizer, logger *slog.Logger, opts ...Option) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compressor{
		cfg:            cfg.withDefaults(),
		conversationID: conversationID,
		store:          store,
		summarizer:     summarizer,
		logger:         logger.With("component", "memory", "conversation_id", conversationID),
		now:            time.Now,
		slot:           make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Summaries returns the cached summary log, loading it on first use.
func (c *Compressor) Summaries() []conversation.Message {
	c.mu.RLock()
	if c.loaded {
		defer c.mu.RUnlock()
		return conversation.Clone(c.summaries)
	}
	c.mu.RUnlock()

	if err := c.reload(context.Background()); err != nil {
		c.logger.Warn("failed to load summaries", "error", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return conversation.Clone(c.summaries)
}

func (c *Compressor) reload(ctx context.Context) error {
	list, err := c.store.List(ctx, c.conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.summaries = list
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// View returns history with the summary log spliced in.
func (c *Compressor) View(history []conversation.Message) []conversation.Message {
	return Merge(history, c.Summaries())
}

// ShouldCompress reports whether the merged view of history crosses the
// token or age threshold.
func (c *Compressor) ShouldCompress(history []conversation.Message) bool {
	view := c.View(history)
	if EstimateTokens(view) > c.cfg.TokenThreshold {
		return true
	}
	if c.cfg.MaxAge <= 0 {
		return false
	}
	for _, m := range view {
		if m.IsSummary() || m.Deleted {
			continue
		}
		return c.now().Sub(time.UnixMilli(m.Timestamp)) > c.cfg.MaxAge
	}
	return false
}

// MaybeCompress starts a background compression of history if a
// threshold is crossed and none is running. It never blocks and reports
// whether a run was started.
func (c *Compressor) MaybeCompress(history []conversation.Message) bool {
	if !c.ShouldCompress(history) {
		return false
	}
	select {
	case c.slot <- struct{}{}:
	default:
		metrics.Compressions.WithLabelValues("busy").Inc()
		c.logger.Debug("compression already running, trigger dropped")
		return false
	}

	snapshot := conversation.Clone(history)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.slot }()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		if _, err := c.compact(ctx, snapshot); err != nil {
			c.logger.Warn("background compression failed", "error", err)
		}
	}()
	return true
}

// Compact runs one compression synchronously, waiting for any running
// compression first. It returns the committed summary, or nil when the
// segment was too small.
func (c *Compressor) Compact(ctx context.Context, history []conversation.Message) (*conversation.Message, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.slot }()
	return c.compact(ctx, history)
}

// Wait blocks until no background compression is running.
func (c *Compressor) Wait() {
	c.wg.Wait()
}

func (c *Compressor) compact(ctx context.Context, history []conversation.Message) (*conversation.Message, error) {
	if err := c.reload(ctx); err != nil {
		metrics.Compressions.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	summaries := c.Summaries()

	var latest int64
	prior := ""
	if n := len(summaries); n > 0 {
		latest = summaries[n-1].Timestamp
		prior = summaries[n-1].Text()
	}

	segment := SelectSegment(history, latest, c.cfg.KeepRecent)
	if len(segment) < c.cfg.MinBatch {
		metrics.Compressions.WithLabelValues("skipped").Inc()
		c.logger.Debug("compression skipped: segment too small",
			"segment", len(segment),
			"min_batch", c.cfg.MinBatch,
		)
		return nil, nil
	}

	start := time.Now()
	c.logger.Info("compression started",
		"segment", len(segment),
		"tokens", EstimateTokens(segment),
	)
	c.bus.Emit(events.SourceMemory, events.KindCompressionStart, map[string]any{
		"conversation_id": c.conversationID,
		"segment":         len(segment),
		"tokens":          EstimateTokens(segment),
	})

	ctx = tools.WithConversationID(ctx, c.conversationID)
	text, err := c.summarizer.Summarize(ctx, segment, prior)
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("summarize: %w", err)
	}

	last := segment[len(segment)-1].Timestamp
	summary := conversation.NewTextMessage(conversation.SpeakerModel, conversation.MemoryPersona, formatSummary(segment, text), c.now())
	summary.Timestamp = last

	if err := c.store.Append(ctx, c.conversationID, summary); err != nil {
		c.fail(err)
		return nil, fmt.Errorf("append summary: %w", err)
	}

	c.mu.Lock()
	c.summaries = append(c.summaries, summary)
	c.mu.Unlock()

	metrics.Compressions.WithLabelValues("committed").Inc()
	c.bus.Emit(events.SourceMemory, events.KindCompressionComplete, map[string]any{
		"conversation_id": c.conversationID,
		"segment":         len(segment),
		"summary_ts":      last,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	})
	c.logger.Info("compression committed",
		"segment", len(segment),
		"summary_ts", last,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return &summary, nil
}

func (c *Compressor) fail(err error) {
	metrics.Compressions.WithLabelValues("failed").Inc()
	c.bus.Emit(events.SourceMemory, events.KindCompressionFailed, map[string]any{
		"conversation_id": c.conversationID,
		"error":           err.Error(),
	})
}

// SelectSegment returns the messages eligible for summarization: not
// deleted, newer than the latest summary, and outside the last
// keepRecent messages. The segment never ends on a timestamp shared with
// a retained message, so a summary cannot subsume the recency window.
// A segment made only of summaries is returned empty.
func SelectSegment(history []conversation.Message, latestSummary int64, keepRecent int) []conversation.Message {
	var live []conversation.Message
	for _, m := range history {
		if !m.Deleted {
			live = append(live, m)
		}
	}
	if len(live) <= keepRecent {
		return nil
	}
	older, recent := live[:len(live)-keepRecent], live[len(live)-keepRecent:]

	var segment []conversation.Message
	onlySummaries := true
	for _, m := range older {
		if m.Timestamp <= latestSummary {
			continue
		}
		segment = append(segment, m)
		if !m.IsSummary() {
			onlySummaries = false
		}
	}
	if onlySummaries {
		return nil
	}

	if len(recent) > 0 {
		boundary := recent[0].Timestamp
		for len(segment) > 0 && segment[len(segment)-1].Timestamp >= boundary {
			segment = segment[:len(segment)-1]
		}
	}
	return segment
}

// EstimateTokens approximates the token count of msgs at four runes per
// token plus a fixed per-message overhead.
func EstimateTokens(msgs []conversation.Message) int {
	runes, fixed := 0, 0
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		fixed += messageOverheadTokens
		for _, p := range m.Parts {
			switch {
			case p.Attachment != nil:
				fixed += attachmentTokens
			case p.ToolCall != nil:
				runes += len(p.ToolCall.Name) + jsonLen(p.ToolCall.Args)
			case p.ToolResult != nil:
				runes += len(p.ToolResult.Name) + jsonLen(p.ToolResult.Result)
			case !p.Thought:
				runes += utf8.RuneCountInString(p.Text)
			}
		}
	}
	return runes/4 + fixed
}

func jsonLen(v map[string]any) int {
	if len(v) == 0 {
		return 0
	}
	b, _ := json.Marshal(v)
	return len(b)
}

// formatSummary prefixes the summary text with the period it covers.
func formatSummary(segment []conversation.Message, summary string) string {
	start := time.UnixMilli(segment[0].Timestamp).UTC()
	end := time.UnixMilli(segment[len(segment)-1].Timestamp).UTC()
	return fmt.Sprintf("[Conversation Summary]\nPeriod: %s to %s\nMessages compacted: %d\n\n%s",
		start.Format("2006-01-02 15:04"),
		end.Format("2006-01-02 15:04"),
		len(segment),
		summary,
	)
}
