package conversation

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an edit names a message or part that does
// not exist or is not editable text.
var ErrNotFound = errors.New("message part not found")

// ValidationError reports malformed or empty input. It is always local
// and never retried.
type ValidationError struct {
	// Index is the offending message position, or -1 when the error
	// concerns the history as a whole.
	Index  int
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "invalid history: " + e.Reason
	}
	return fmt.Sprintf("invalid message %d: %s", e.Index, e.Reason)
}

// Invalid returns a history-level ValidationError.
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Index: -1, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a single message. The returned error, if any, is a
// *ValidationError with Index -1; ValidateHistory fills in the position.
func (m Message) Validate() error {
	switch m.Speaker {
	case SpeakerUser, SpeakerModel:
	default:
		return Invalid("unknown speaker %q", m.Speaker)
	}
	if len(m.Parts) == 0 {
		return Invalid("message has no parts")
	}
	for i, p := range m.Parts {
		switch n := p.payloads(); {
		case n == 0:
			return Invalid("part %d carries no payload", i)
		case n > 1:
			return Invalid("part %d carries %d payloads", i, n)
		}
		if p.ToolCall != nil && p.ToolCall.Name == "" {
			return Invalid("part %d: tool call without a name", i)
		}
		if p.Attachment != nil && p.Attachment.MIME == "" {
			return Invalid("part %d: attachment without a mime type", i)
		}
	}
	return nil
}

// ValidateHistory checks every live message in order and reports the
// first failure with its index. Deleted messages are never sent, so they
// are skipped.
func ValidateHistory(history []Message) error {
	for i, m := range history {
		if m.Deleted {
			continue
		}
		if err := m.Validate(); err != nil {
			ve := err.(*ValidationError)
			return &ValidationError{Index: i, Reason: ve.Reason}
		}
	}
	return nil
}
