// Package conversation defines the message model shared by the
// orchestration core: messages, their tagged-union parts, and the
// validation rules every history must satisfy before it is prepared for
// the completion service.
//
// The conversation log itself is owned by the caller. The core only ever
// receives snapshots (see [Clone]) and hands back messages to append.
package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies which side of the exchange authored a message.
type Speaker string

const (
	// SpeakerUser marks messages typed by the human, and synthetic
	// turns (tool results, corrective instructions) sent on their behalf.
	SpeakerUser Speaker = "user"
	// SpeakerModel marks messages authored by a persona.
	SpeakerModel Speaker = "model"
)

// MemoryPersona is the distinguished persona that authors summary
// messages produced by memory compression.
const MemoryPersona = "memory"

// Message is one conversational turn. Insertion order is conversational
// order; Timestamp (milliseconds since the Unix epoch) is authoritative
// for merge and compression ordering.
type Message struct {
	ID        string  `json:"id"`
	Speaker   Speaker `json:"speaker"`
	Persona   string  `json:"persona,omitempty"`
	Parts     []Part  `json:"parts"`
	Timestamp int64   `json:"timestamp"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// PartKind names the payload carried by a Part.
type PartKind string

const (
	KindText       PartKind = "text"
	KindAttachment PartKind = "attachment"
	KindToolCall   PartKind = "tool_call"
	KindToolResult PartKind = "tool_result"
	KindEmpty      PartKind = ""
)

// Part is a tagged union: exactly one of Text, Attachment, ToolCall or
// ToolResult is set. Thought and Hide only apply to text parts.
type Part struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	LastUpdate int64  `json:"last_update"`

	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
	Hide    bool   `json:"hide,omitempty"`

	Attachment *Attachment `json:"attachment,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Attachment references a file. A local attachment carries LocalPath or
// Data and has no FileHandle yet; once uploaded, FileHandle holds the
// remote URI and UploadedAt the upload time in milliseconds.
type Attachment struct {
	Name       string `json:"name,omitempty"`
	MIME       string `json:"mime"`
	FileHandle string `json:"file_handle,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Preview    []byte `json:"preview,omitempty"`
	UploadedAt int64  `json:"uploaded_at,omitempty"`
	Expired    bool   `json:"expired,omitempty"`
}

// Local reports whether the attachment still needs uploading.
func (a *Attachment) Local() bool {
	return a.FileHandle == "" && (a.LocalPath != "" || len(a.Data) > 0)
}

// ToolCall is a model-initiated function invocation.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the structured outcome of a ToolCall.
type ToolResult struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}

// Kind reports which payload the part carries, or KindEmpty when the
// part carries none. Parts carrying more than one payload report the
// first in declaration order; Validate rejects them.
func (p Part) Kind() PartKind {
	switch {
	case p.Attachment != nil:
		return KindAttachment
	case p.ToolCall != nil:
		return KindToolCall
	case p.ToolResult != nil:
		return KindToolResult
	case p.Text != "":
		return KindText
	}
	return KindEmpty
}

func (p Part) payloads() int {
	n := 0
	if p.Text != "" {
		n++
	}
	if p.Attachment != nil {
		n++
	}
	if p.ToolCall != nil {
		n++
	}
	if p.ToolResult != nil {
		n++
	}
	return n
}

// NewID returns a time-ordered identifier for messages and parts.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Millis converts t to the millisecond timestamps used throughout the model.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewPart stamps a part with a fresh identity and creation time.
func NewPart(p Part, now time.Time) Part {
	ms := Millis(now)
	if p.ID == "" {
		p.ID = NewID()
	}
	p.Timestamp = ms
	p.LastUpdate = ms
	return p
}

// NewTextMessage builds a single-text-part message.
func NewTextMessage(speaker Speaker, persona, text string, now time.Time) Message {
	return NewMessage(speaker, persona, now, Part{Text: text})
}

// NewMessage builds a message from parts, stamping identities and times.
func NewMessage(speaker Speaker, persona string, now time.Time, parts ...Part) Message {
	m := Message{
		ID:        NewID(),
		Speaker:   speaker,
		Persona:   persona,
		Timestamp: Millis(now),
	}
	for _, p := range parts {
		m.Parts = append(m.Parts, NewPart(p, now))
	}
	return m
}

// Text joins the visible, non-thought text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind() != KindText || p.Thought || p.Hide {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// IsSummary reports whether the message was produced by memory compression.
func (m Message) IsSummary() bool {
	return m.Speaker == SpeakerModel && m.Persona == MemoryPersona
}

// HasToolCalls reports whether any part is a tool call.
func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.ToolCall != nil {
			return true
		}
	}
	return false
}

// EditText rewrites the text of the part with the given ID. Identity and
// creation timestamp are preserved; only Text and LastUpdate change.
// Blank text is rejected with a *ValidationError because a text part
// without text carries no payload. An unknown or non-text part yields
// ErrNotFound.
func (m *Message) EditText(partID, text string, now time.Time) error {
	for i := range m.Parts {
		if m.Parts[i].ID != partID || m.Parts[i].Kind() != KindText {
			continue
		}
		if strings.TrimSpace(text) == "" {
			return Invalid("edited text is empty")
		}
		m.Parts[i].Text = text
		m.Parts[i].LastUpdate = Millis(now)
		return nil
	}
	return ErrNotFound
}

// Clone returns a deep copy of the history so that a snapshot handed to
// a task cannot observe later mutations by the caller.
func Clone(history []Message) []Message {
	if history == nil {
		return nil
	}
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m
		out[i].Parts = make([]Part, len(m.Parts))
		for j, p := range m.Parts {
			if p.Attachment != nil {
				a := *p.Attachment
				p.Attachment = &a
			}
			if p.ToolCall != nil {
				tc := *p.ToolCall
				p.ToolCall = &tc
			}
			if p.ToolResult != nil {
				tr := *p.ToolResult
				p.ToolResult = &tr
			}
			out[i].Parts[j] = p
		}
	}
	return out
}
