package content

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/llm"
	"github.com/nugget/roundtable/internal/upload"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUploader struct {
	calls int
	err   error
}

func (f *fakeUploader) UploadAttachment(ctx context.Context, a *conversation.Attachment) (*upload.File, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &upload.File{Name: "files/new1", URI: "https://files.test/v1beta/files/new1", MIME: a.MIME, UploadedAt: testNow}, nil
}

func newPreparer(u Uploader, tr *upload.Tracker) *Preparer {
	return New(u, tr, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(func() time.Time { return testNow }))
}

func msg(speaker conversation.Speaker, persona string, parts ...conversation.Part) conversation.Message {
	return conversation.NewMessage(speaker, persona, testNow, parts...)
}

func text(s string) conversation.Part { return conversation.Part{Text: s} }

func TestPrepare_ReattributesOtherPersonas(t *testing.T) {
	history := []conversation.Message{
		msg(conversation.SpeakerUser, "", text("what's the weather?")),
		msg(conversation.SpeakerModel, "Alice", text("Sunny! @Belinda?")),
		msg(conversation.SpeakerModel, "Belinda", text("Rain later.")),
	}

	got, err := newPreparer(nil, nil).Prepare(context.Background(), history, "Belinda")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(got.Contents) != 3 {
		t.Fatalf("len(Contents) = %d, want 3", len(got.Contents))
	}
	alice := got.Contents[1]
	if alice.Role != llm.RoleUser || alice.Parts[0].Text != "[[Alice]] Sunny! @Belinda?" {
		t.Errorf("Alice turn = %+v", alice)
	}
	own := got.Contents[2]
	if own.Role != llm.RoleModel || own.Parts[0].Text != "Rain later." {
		t.Errorf("own turn = %+v", own)
	}
}

func TestPrepare_DropsDeletedHiddenAndThoughts(t *testing.T) {
	deleted := msg(conversation.SpeakerUser, "", text("forget this"))
	deleted.Deleted = true
	history := []conversation.Message{
		deleted,
		msg(conversation.SpeakerUser, "", text("visible"), conversation.Part{Text: "hidden", Hide: true}),
		msg(conversation.SpeakerModel, "Alice", conversation.Part{Text: "pondering", Thought: true}, text("answer")),
	}

	got, err := newPreparer(nil, nil).Prepare(context.Background(), history, "Alice")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	var all []string
	for _, c := range got.Contents {
		for _, p := range c.Parts {
			all = append(all, p.Text)
		}
	}
	joined := strings.Join(all, "|")
	if joined != "visible|answer" {
		t.Errorf("texts = %q, want %q", joined, "visible|answer")
	}
}

func TestPrepare_ToolPartsOnlyForResponder(t *testing.T) {
	call := conversation.Part{ToolCall: &conversation.ToolCall{Name: "current_time"}}
	result := conversation.Part{ToolResult: &conversation.ToolResult{Name: "current_time", Result: map[string]any{"success": true}}}
	history := []conversation.Message{
		msg(conversation.SpeakerUser, "", text("time?")),
		msg(conversation.SpeakerModel, "Alice", call),
		msg(conversation.SpeakerUser, "Alice", result),
		msg(conversation.SpeakerModel, "Alice", text("It is noon.")),
	}

	mine, err := newPreparer(nil, nil).Prepare(context.Background(), history, "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine.Contents) != 4 || mine.Contents[1].Parts[0].FunctionCall == nil || mine.Contents[2].Parts[0].FunctionResponse == nil {
		t.Errorf("responder lost its tool exchange: %+v", mine.Contents)
	}

	theirs, err := newPreparer(nil, nil).Prepare(context.Background(), history, "Belinda")
	if err != nil {
		t.Fatal(err)
	}
	if len(theirs.Contents) != 2 {
		t.Fatalf("len(Contents) = %d, want 2: %+v", len(theirs.Contents), theirs.Contents)
	}
	if theirs.Contents[1].Parts[0].Text != "[[Alice]] It is noon." {
		t.Errorf("got %+v", theirs.Contents[1])
	}
}

func TestPrepare_UploadsLocalAttachment(t *testing.T) {
	up := &fakeUploader{}
	history := []conversation.Message{
		msg(conversation.SpeakerUser, "", text("see file"), conversation.Part{Attachment: &conversation.Attachment{Name: "a.txt", MIME: "text/plain", Data: []byte("x"), Preview: []byte("p")}}),
	}

	got, err := newPreparer(up, nil).Prepare(context.Background(), history, "Alice")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if up.calls != 1 {
		t.Errorf("uploader calls = %d, want 1", up.calls)
	}
	fd := got.Contents[0].Parts[1].FileData
	if fd == nil || fd.FileURI != "https://files.test/v1beta/files/new1" {
		t.Errorf("file part = %+v", got.Contents[0].Parts[1])
	}
	if len(got.Uploads) != 1 || got.Uploads[0].MessageID != history[0].ID || got.Uploads[0].PartID != history[0].Parts[1].ID {
		t.Errorf("Uploads = %+v", got.Uploads)
	}
}

func TestPrepare_UploadFailure(t *testing.T) {
	up := &fakeUploader{err: &llm.APIError{Category: llm.CategoryFileUpload, Status: 500}}
	history := []conversation.Message{
		msg(conversation.SpeakerUser, "", conversation.Part{Attachment: &conversation.Attachment{MIME: "text/plain", Data: []byte("x")}}),
	}
	_, err := newPreparer(up, nil).Prepare(context.Background(), history, "Alice")
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || apiErr.Category != llm.CategoryFileUpload {
		t.Errorf("error = %v, want file_upload APIError", err)
	}
}

func TestPrepare_ExpiredAttachmentPlaceholder(t *testing.T) {
	att := &conversation.Attachment{
		Name:       "chart.png",
		MIME:       "image/png",
		FileHandle: "https://files.test/v1beta/files/old",
		UploadedAt: testNow.Add(-13 * time.Hour).UnixMilli(),
	}
	history := []conversation.Message{
		msg(conversation.SpeakerUser, "", text("look"), conversation.Part{Attachment: att}),
	}

	got, err := newPreparer(nil, nil).Prepare(context.Background(), history, "Alice")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	for _, c := range got.Contents {
		for _, p := range c.Parts {
			if p.FileData != nil {
				t.Fatalf("expired handle sent live: %+v", p.FileData)
			}
		}
	}
	if got.Placeholders != 1 || !strings.Contains(got.Contents[0].Parts[1].Text, "chart.png") {
		t.Errorf("placeholder not substituted: %+v", got.Contents[0].Parts)
	}
}

func TestPrepare_TrackerMarkedExpired(t *testing.T) {
	tr, _ := upload.NewTracker(8, upload.DefaultTTL)
	tr.MarkExpired("files/fresh")
	att := &conversation.Attachment{MIME: "image/png", FileHandle: "https://files.test/v1beta/files/fresh", UploadedAt: testNow.UnixMilli()}

	got, err := newPreparer(nil, tr).Prepare(context.Background(), []conversation.Message{
		msg(conversation.SpeakerUser, "", conversation.Part{Attachment: att}),
	}, "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Contents[0].Parts[0].FileData != nil {
		t.Error("handle marked expired was sent live")
	}
}

func TestPrepare_ReinstatesLatestUserText(t *testing.T) {
	hidden := msg(conversation.SpeakerUser, "", conversation.Part{Text: "first", Hide: true})
	latest := msg(conversation.SpeakerUser, "", conversation.Part{Text: "second", Hide: true})
	got, err := newPreparer(nil, nil).Prepare(context.Background(), []conversation.Message{hidden, latest}, "Alice")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(got.Contents) != 1 || got.Contents[0].Parts[0].Text != "second" {
		t.Errorf("Contents = %+v", got.Contents)
	}
}

func TestPrepare_ValidationErrors(t *testing.T) {
	onlyThought := msg(conversation.SpeakerUser, "", conversation.Part{Text: "hmm", Thought: true})
	tests := []struct {
		name    string
		history []conversation.Message
	}{
		{"empty history", nil},
		{"malformed", []conversation.Message{{Speaker: conversation.SpeakerUser}}},
		{"nothing actionable", []conversation.Message{onlyThought}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newPreparer(nil, nil).Prepare(context.Background(), tt.history, "Alice")
			var ve *conversation.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error = %v, want *conversation.ValidationError", err)
			}
		})
	}
}

func TestPrepare_IgnoresMalformedDeletedMessage(t *testing.T) {
	broken := msg(conversation.SpeakerUser, "", text("typo"))
	broken.Parts[0].Text = ""
	broken.Deleted = true
	history := []conversation.Message{
		broken,
		msg(conversation.SpeakerUser, "", text("second try")),
	}

	got, err := newPreparer(nil, nil).Prepare(context.Background(), history, "Alice")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(got.Contents) != 1 || got.Contents[0].Parts[0].Text != "second try" {
		t.Errorf("Contents = %+v", got.Contents)
	}
}

func TestStripHandle(t *testing.T) {
	contents := []llm.Content{{Role: llm.RoleUser, Parts: []llm.Part{
		{Text: "see"},
		{FileData: &llm.FileData{MimeType: "image/png", FileURI: "https://files.test/v1beta/files/abc"}},
		{FileData: &llm.FileData{MimeType: "image/png", FileURI: "https://files.test/v1beta/files/keep"}},
	}}}

	got, changed := StripHandle(contents, "files/abc")
	if !changed {
		t.Fatal("StripHandle reported no change")
	}
	if got[0].Parts[1].FileData != nil || !strings.Contains(got[0].Parts[1].Text, "files/abc") {
		t.Errorf("handle not stripped: %+v", got[0].Parts[1])
	}
	if got[0].Parts[2].FileData == nil {
		t.Error("unrelated handle stripped")
	}
	if contents[0].Parts[1].FileData == nil {
		t.Error("StripHandle mutated its input")
	}
	if _, changed := StripHandle(got, "files/zzz"); changed {
		t.Error("StripHandle reported change for unknown handle")
	}
}
