// Package content turns a conversation history into the wire contents
// sent to the completion service for one responding persona. It strips
// bookkeeping, re-attributes other personas' turns, resolves attachments
// to upload handles and never sends a handle that has expired.
package content

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/llm"
	"github.com/nugget/roundtable/internal/prompts"
	"github.com/nugget/roundtable/internal/upload"
)

// Uploader sends a local attachment to the file service.
type Uploader interface {
	UploadAttachment(ctx context.Context, a *conversation.Attachment) (*upload.File, error)
}

// Upload notifies the caller that a local attachment now has a durable
// handle, so the persisted conversation can record it.
type Upload struct {
	MessageID string
	PartID    string
	File      upload.File
}

// Prepared is the result of Prepare.
type Prepared struct {
	Contents []llm.Content
	Uploads  []Upload
	// Placeholders counts attachments replaced because their handle expired.
	Placeholders int
}

// Preparer builds wire contents from history.
type Preparer struct {
	uploader Uploader
	tracker  *upload.Tracker
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Preparer.
type Option func(*Preparer)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Preparer) { p.now = now }
}

// New creates a Preparer. uploader may be nil when attachments always
// arrive with handles; tracker may be nil to rely on attachment ages only.
func New(uploader Uploader, tracker *upload.Tracker, logger *slog.Logger, opts ...Option) *Preparer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Preparer{
		uploader: uploader,
		tracker:  tracker,
		logger:   logger.With("component", "content"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prepare converts history into contents for the responding persona.
// It returns a *conversation.ValidationError for malformed history or
// when nothing actionable remains, and an *llm.APIError when an upload
// fails.
func (p *Preparer) Prepare(ctx context.Context, history []conversation.Message, responding string) (*Prepared, error) {
	if err := conversation.ValidateHistory(history); err != nil {
		return nil, err
	}

	out := &Prepared{}
	now := p.now()
	for _, m := range history {
		if m.Deleted {
			continue
		}
		c, err := p.convert(ctx, m, responding, now, out)
		if err != nil {
			return nil, err
		}
		if len(c.Parts) > 0 {
			out.Contents = append(out.Contents, c)
		}
	}

	if len(out.Contents) == 0 {
		c, ok := latestUserText(history)
		if !ok {
			return nil, conversation.Invalid("no actionable content for %s", responding)
		}
		p.logger.Debug("reinstating latest user turn", "persona", responding)
		out.Contents = append(out.Contents, c)
	}
	return out, nil
}

// ownTurn reports whether m belongs to the responder's own side of the
// exchange: its model replies and the tool results sent on its behalf.
func ownTurn(m conversation.Message, responding string) bool {
	return m.Persona != "" && strings.EqualFold(m.Persona, responding)
}

func (p *Preparer) convert(ctx context.Context, m conversation.Message, responding string, now time.Time, out *Prepared) (llm.Content, error) {
	own := ownTurn(m, responding)
	c := llm.Content{Role: llm.RoleUser}
	tag := ""
	if m.Speaker == conversation.SpeakerModel {
		if own {
			c.Role = llm.RoleModel
		} else {
			tag = prompts.SpeakerTag(m.Persona)
		}
	}

	for i := range m.Parts {
		part := m.Parts[i]
		if part.Hide || part.Thought {
			continue
		}
		switch part.Kind() {
		case conversation.KindText:
			c.Parts = append(c.Parts, llm.Part{Text: part.Text})

		case conversation.KindToolCall:
			if m.Speaker != conversation.SpeakerModel || !own {
				continue
			}
			tc := part.ToolCall
			c.Parts = append(c.Parts, llm.Part{FunctionCall: &llm.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args}})

		case conversation.KindToolResult:
			if !own {
				continue
			}
			tr := part.ToolResult
			c.Parts = append(c.Parts, llm.Part{FunctionResponse: &llm.FunctionResponse{ID: tr.ID, Name: tr.Name, Response: tr.Result}})

		case conversation.KindAttachment:
			wp, err := p.attachment(ctx, m.ID, part, now, out)
			if err != nil {
				return c, err
			}
			if wp != nil {
				c.Parts = append(c.Parts, *wp)
			}
		}
	}

	if tag != "" && len(c.Parts) > 0 {
		if c.Parts[0].Text != "" {
			c.Parts[0].Text = tag + " " + c.Parts[0].Text
		} else {
			c.Parts = append([]llm.Part{{Text: tag}}, c.Parts...)
		}
	}
	return c, nil
}

func (p *Preparer) attachment(ctx context.Context, msgID string, part conversation.Part, now time.Time, out *Prepared) (*llm.Part, error) {
	a := part.Attachment

	if a.Local() {
		if p.uploader == nil {
			return nil, &llm.APIError{Category: llm.CategoryFileUpload, Message: "no uploader configured for local attachment " + a.Name}
		}
		f, err := p.uploader.UploadAttachment(ctx, a)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Uploads = append(out.Uploads, Upload{MessageID: msgID, PartID: part.ID, File: *f})
		mime := a.MIME
		if mime == "" {
			mime = f.MIME
		}
		return &llm.Part{FileData: &llm.FileData{MimeType: mime, FileURI: f.URI}}, nil
	}

	if a.FileHandle == "" {
		return nil, nil
	}
	if a.Expired || p.tracker.IsExpired(a.FileHandle, a.UploadedAt, now) {
		out.Placeholders++
		p.logger.Debug("attachment expired, sending placeholder", "handle", a.FileHandle, "name", a.Name)
		return &llm.Part{Text: prompts.ExpiredAttachmentPlaceholder(a.Name, a.MIME)}, nil
	}
	return &llm.Part{FileData: &llm.FileData{MimeType: a.MIME, FileURI: a.FileHandle}}, nil
}

// latestUserText returns the most recent non-thought text part typed by
// the user, ignoring hide and delete flags.
func latestUserText(history []conversation.Message) (llm.Content, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Speaker != conversation.SpeakerUser {
			continue
		}
		for j := len(m.Parts) - 1; j >= 0; j-- {
			part := m.Parts[j]
			if part.Kind() == conversation.KindText && !part.Thought {
				return llm.Content{Role: llm.RoleUser, Parts: []llm.Part{{Text: part.Text}}}, true
			}
		}
	}
	return llm.Content{}, false
}

// StripHandle returns a copy of contents with every reference to handle
// replaced by placeholder text, and whether anything was replaced.
func StripHandle(contents []llm.Content, handle string) ([]llm.Content, bool) {
	changed := false
	out := make([]llm.Content, len(contents))
	for i, c := range contents {
		out[i] = llm.Content{Role: c.Role, Parts: make([]llm.Part, len(c.Parts))}
		for j, part := range c.Parts {
			if part.FileData != nil && llm.HandleMatches(part.FileData.FileURI, handle) {
				part = llm.Part{Text: prompts.ExpiredAttachmentPlaceholder(upload.Key(handle), part.FileData.MimeType)}
				changed = true
			}
			out[i].Parts[j] = part
		}
	}
	return out, changed
}
