package conversation

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewTextMessage(t *testing.T) {
	m := NewTextMessage(SpeakerModel, "Alice", "hello", testNow)

	if m.ID == "" {
		t.Error("ID is empty")
	}
	if m.Timestamp != testNow.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", m.Timestamp, testNow.UnixMilli())
	}
	if len(m.Parts) != 1 {
		t.Fatalf("len(Parts) = %d, want 1", len(m.Parts))
	}
	p := m.Parts[0]
	if p.ID == "" || p.Timestamp != p.LastUpdate {
		t.Errorf("part not stamped: %+v", p)
	}
	if m.Text() != "hello" {
		t.Errorf("Text() = %q, want %q", m.Text(), "hello")
	}
}

func TestMessageText_SkipsThoughtsAndHidden(t *testing.T) {
	m := NewMessage(SpeakerModel, "Alice", testNow,
		Part{Text: "thinking...", Thought: true},
		Part{Text: "visible"},
		Part{Text: "secret", Hide: true},
		Part{Attachment: &Attachment{MIME: "image/png", FileHandle: "files/a"}},
		Part{Text: "more"},
	)
	if got := m.Text(); got != "visible\nmore" {
		t.Errorf("Text() = %q, want %q", got, "visible\nmore")
	}
}

func TestPartKind(t *testing.T) {
	tests := []struct {
		name string
		part Part
		want PartKind
	}{
		{"text", Part{Text: "x"}, KindText},
		{"attachment", Part{Attachment: &Attachment{MIME: "a/b"}}, KindAttachment},
		{"tool call", Part{ToolCall: &ToolCall{Name: "f"}}, KindToolCall},
		{"tool result", Part{ToolResult: &ToolResult{Name: "f"}}, KindToolResult},
		{"empty", Part{}, KindEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.part.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateHistory(t *testing.T) {
	good := NewTextMessage(SpeakerUser, "", "hi", testNow)

	tests := []struct {
		name    string
		history []Message
		wantIdx int
	}{
		{"valid", []Message{good}, -2},
		{"empty parts", []Message{good, {Speaker: SpeakerUser}}, 1},
		{"bad speaker", []Message{{Speaker: "robot", Parts: []Part{{Text: "x"}}}}, 0},
		{"empty part", []Message{{Speaker: SpeakerUser, Parts: []Part{{}}}}, 0},
		{"two payloads", []Message{{Speaker: SpeakerUser, Parts: []Part{{Text: "x", ToolCall: &ToolCall{Name: "f"}}}}}, 0},
		{"attachment without mime", []Message{{Speaker: SpeakerUser, Parts: []Part{{Attachment: &Attachment{}}}}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHistory(tt.history)
			if tt.wantIdx == -2 {
				if err != nil {
					t.Fatalf("ValidateHistory() error = %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if ve.Index != tt.wantIdx {
				t.Errorf("Index = %d, want %d", ve.Index, tt.wantIdx)
			}
		})
	}
}

func TestEditText_PreservesIdentity(t *testing.T) {
	m := NewTextMessage(SpeakerUser, "", "draft", testNow)
	id, ts := m.Parts[0].ID, m.Parts[0].Timestamp

	later := testNow.Add(time.Minute)
	if err := m.EditText(id, "final", later); err != nil {
		t.Fatalf("EditText: %v", err)
	}
	p := m.Parts[0]
	if p.Text != "final" || p.ID != id || p.Timestamp != ts {
		t.Errorf("unexpected part after edit: %+v", p)
	}
	if p.LastUpdate != later.UnixMilli() {
		t.Errorf("LastUpdate = %d, want %d", p.LastUpdate, later.UnixMilli())
	}
	if err := m.EditText("missing", "x", later); !errors.Is(err, ErrNotFound) {
		t.Errorf("EditText on unknown part = %v, want ErrNotFound", err)
	}
}

func TestEditText_RejectsBlankText(t *testing.T) {
	m := NewTextMessage(SpeakerUser, "", "draft", testNow)
	id := m.Parts[0].ID

	for _, text := range []string{"", "   ", "\n\t"} {
		err := m.EditText(id, text, testNow.Add(time.Minute))
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("EditText(%q) = %v, want *ValidationError", text, err)
		}
	}
	if m.Parts[0].Text != "draft" || m.Parts[0].LastUpdate != m.Parts[0].Timestamp {
		t.Errorf("rejected edit changed the part: %+v", m.Parts[0])
	}
	if err := m.Validate(); err != nil {
		t.Errorf("message invalid after rejected edits: %v", err)
	}
}

func TestValidateHistory_SkipsDeleted(t *testing.T) {
	broken := NewMessage(SpeakerUser, "", testNow, Part{})
	broken.Deleted = true
	live := NewTextMessage(SpeakerUser, "", "hello", testNow)

	if err := ValidateHistory([]Message{broken, live}); err != nil {
		t.Errorf("ValidateHistory = %v, want deleted message skipped", err)
	}

	broken.Deleted = false
	var ve *ValidationError
	if err := ValidateHistory([]Message{live, broken}); !errors.As(err, &ve) || ve.Index != 1 {
		t.Errorf("ValidateHistory = %v, want error at index 1", err)
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := []Message{NewMessage(SpeakerUser, "", testNow,
		Part{Attachment: &Attachment{MIME: "image/png", FileHandle: "files/a"}},
	)}
	cp := Clone(orig)
	cp[0].Parts[0].Attachment.Expired = true
	cp[0].Parts = append(cp[0].Parts, Part{Text: "x"})

	if orig[0].Parts[0].Attachment.Expired {
		t.Error("mutating clone changed original attachment")
	}
	if len(orig[0].Parts) != 1 {
		t.Error("appending to clone changed original parts")
	}
}

func TestIsSummary(t *testing.T) {
	s := NewTextMessage(SpeakerModel, MemoryPersona, "summary", testNow)
	if !s.IsSummary() {
		t.Error("memory persona message not reported as summary")
	}
	u := NewTextMessage(SpeakerUser, MemoryPersona, "x", testNow)
	if u.IsSummary() {
		t.Error("user message reported as summary")
	}
}
