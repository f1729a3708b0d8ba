package tools

import "context"

type contextKey int

const (
	conversationIDKey contextKey = iota
	taskIDKey
)

// WithConversationID adds a conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithTaskID adds the persona task ID to the context so tool handlers
// and usage records can be correlated with the scheduler.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskIDFromContext returns the task ID, or "" if not set.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}
