package session

import (
	"errors"
	"testing"
	"time"

	"github.com/nugget/roundtable/internal/content"
	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/upload"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStore_AppendReturnsIsolatedSnapshot(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	s := NewStore("conv-1", bus)
	msg := conversation.NewTextMessage(conversation.SpeakerUser, "", "hello", testNow)

	snap := s.Append(msg)
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	snap[0].Parts[0].Text = "mutated"
	if got := s.Snapshot()[0].Text(); got != "hello" {
		t.Errorf("store mutated through snapshot: %q", got)
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindMessageAppended || e.Data["conversation_id"] != "conv-1" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no message_appended event")
	}
}

func TestStore_MarkAttachmentExpired(t *testing.T) {
	s := NewStore("conv-1", nil)
	m := conversation.NewMessage(conversation.SpeakerUser, "", testNow,
		conversation.Part{Attachment: &conversation.Attachment{MIME: "image/png", FileHandle: "https://files.test/v1beta/files/abc123"}},
		conversation.Part{Attachment: &conversation.Attachment{MIME: "image/png", FileHandle: "https://files.test/v1beta/files/other"}},
	)
	s.Append(m)

	s.MarkAttachmentExpired("files/abc123")

	got := s.Snapshot()[0]
	if !got.Parts[0].Attachment.Expired {
		t.Error("matching attachment not marked expired")
	}
	if got.Parts[1].Attachment.Expired {
		t.Error("unrelated attachment marked expired")
	}
}

func TestStore_RecordUpload(t *testing.T) {
	s := NewStore("conv-1", nil)
	m := conversation.NewMessage(conversation.SpeakerUser, "", testNow,
		conversation.Part{Text: "see attached"},
		conversation.Part{Attachment: &conversation.Attachment{Name: "notes.txt", MIME: "text/plain", Data: []byte("hi")}},
	)
	s.Append(m)

	uploadedAt := testNow.Add(time.Minute)
	s.RecordUpload(content.Upload{
		MessageID: m.ID,
		PartID:    m.Parts[1].ID,
		File:      upload.File{Name: "files/n1", URI: "https://files.test/v1beta/files/n1", MIME: "text/plain", UploadedAt: uploadedAt},
	})

	a := s.Snapshot()[0].Parts[1].Attachment
	if a.FileHandle != "https://files.test/v1beta/files/n1" {
		t.Errorf("FileHandle = %q", a.FileHandle)
	}
	if a.UploadedAt != uploadedAt.UnixMilli() {
		t.Errorf("UploadedAt = %d, want %d", a.UploadedAt, uploadedAt.UnixMilli())
	}
	if a.Data != nil || a.Local() {
		t.Error("attachment should no longer be local")
	}
}

func TestStore_EditRejectsBlankText(t *testing.T) {
	s := NewStore("conv-1", nil)
	first := conversation.NewTextMessage(conversation.SpeakerUser, "", "hello", testNow)
	second := conversation.NewTextMessage(conversation.SpeakerUser, "", "anyone there?", testNow.Add(time.Second))
	s.Append(first, second)

	err := s.EditText(first.ID, first.Parts[0].ID, " ")
	var ve *conversation.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("EditText(blank) = %v, want *conversation.ValidationError", err)
	}
	if err := conversation.ValidateHistory(s.Snapshot()); err != nil {
		t.Errorf("history invalid after rejected edit: %v", err)
	}
	if got := s.Snapshot()[0].Text(); got != "hello" {
		t.Errorf("text = %q, want unchanged", got)
	}
}

func TestStore_DeleteAndEdit(t *testing.T) {
	s := NewStore("conv-1", nil)
	m := conversation.NewTextMessage(conversation.SpeakerUser, "", "typo", testNow)
	s.Append(m)

	if err := s.EditText(m.ID, m.Parts[0].ID, "fixed"); err != nil {
		t.Fatalf("EditText: %v", err)
	}
	got := s.Snapshot()[0]
	if got.Text() != "fixed" || got.Parts[0].ID != m.Parts[0].ID || got.Parts[0].Timestamp != m.Parts[0].Timestamp {
		t.Errorf("edited part = %+v", got.Parts[0])
	}

	if !s.Delete(m.ID) {
		t.Fatal("Delete returned false")
	}
	if !s.Snapshot()[0].Deleted {
		t.Error("message not flagged deleted")
	}
	if s.Delete("missing") {
		t.Error("Delete on a missing message should report false")
	}
	if err := s.EditText("missing", "p", "x"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("EditText on a missing message = %v, want ErrNotFound", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}
