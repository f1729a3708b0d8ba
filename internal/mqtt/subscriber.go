package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Submitter delivers one inbound user turn to a conversation.
type Submitter func(ctx context.Context, conversationID, text string) error

// askRequest is the JSON form of an ask payload. Plain-text payloads
// are treated as Text for the default conversation.
type askRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// parseAsk decodes payload into a conversation and text, falling back
// to defaultConv when the payload names none.
func parseAsk(payload []byte, defaultConv string) (conv, text string) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var req askRequest
		if err := json.Unmarshal([]byte(trimmed), &req); err == nil {
			conv = strings.TrimSpace(req.ConversationID)
			if conv == "" {
				conv = defaultConv
			}
			return conv, strings.TrimSpace(req.Text)
		}
	}
	return defaultConv, trimmed
}

// askHandler turns ask-topic messages into conversation submissions.
type askHandler struct {
	defaultConv string
	submit      Submitter
	limiter     *messageRateLimiter
	logger      *slog.Logger
}

func newAskHandler(defaultConv string, submit Submitter, limiter *messageRateLimiter, logger *slog.Logger) *askHandler {
	return &askHandler{
		defaultConv: defaultConv,
		submit:      submit,
		limiter:     limiter,
		logger:      logger,
	}
}

// handle submits one payload. It reports whether a submission was
// attempted.
func (h *askHandler) handle(ctx context.Context, payload []byte) bool {
	if h.limiter != nil && !h.limiter.allow() {
		return false
	}
	conv, text := parseAsk(payload, h.defaultConv)
	if text == "" {
		h.logger.Debug("mqtt ask ignored, empty text", "payload_size", len(payload))
		return false
	}
	if err := h.submit(ctx, conv, text); err != nil {
		h.logger.Warn("mqtt ask rejected", "conversation", conv, "error", err)
		return true
	}
	h.logger.Info("mqtt ask accepted", "conversation", conv, "text_len", len(text))
	return true
}

// messageRateLimiter admits at most limit messages per fixed window.
// A limit of zero or less admits everything.
type messageRateLimiter struct {
	mu       sync.Mutex
	limit    int64
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	windowStart time.Time
	count       int64
	dropped     int64
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// allow counts one message and reports whether it fits the current
// window. Drops from the previous window are logged when it closes.
func (r *messageRateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.windowStart) >= r.interval {
		if r.dropped > 0 {
			r.logger.Warn("mqtt messages dropped due to rate limit",
				"received", r.count,
				"dropped", r.dropped,
				"interval", r.interval.String(),
				"limit", r.limit,
			)
		}
		r.windowStart = now
		r.count, r.dropped = 0, 0
	}

	r.count++
	if r.count > r.limit {
		r.dropped++
		return false
	}
	return true
}
