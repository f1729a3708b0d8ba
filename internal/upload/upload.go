// Package upload implements the attachment upload collaborator: a
// two-step resumable handshake against the file service, and a tracker
// that remembers when handles were issued and which have expired.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/httpkit"
	"github.com/nugget/roundtable/internal/llm"
)

// File is a durable handle returned by a finalized upload.
type File struct {
	Name       string    `json:"name"`
	URI        string    `json:"uri"`
	MIME       string    `json:"mimeType"`
	UploadedAt time.Time `json:"-"`
}

// Client uploads attachments via the start/finalize handshake.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracker    *Tracker
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates an upload client. Successful uploads are recorded in
// tracker when it is non-nil.
func NewClient(baseURL, apiKey string, tracker *Tracker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = llm.DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithHeader("x-goog-api-key", apiKey),
		),
		tracker: tracker,
		logger:  logger.With("component", "upload"),
		now:     time.Now,
	}
}

// Upload sends data as a new file and returns its durable handle.
func (c *Client) Upload(ctx context.Context, name, mime string, data []byte) (*File, error) {
	uploadURL, err := c.start(ctx, name, mime, len(data))
	if err != nil {
		return nil, err
	}
	f, err := c.finalize(ctx, uploadURL, data)
	if err != nil {
		return nil, err
	}
	f.UploadedAt = c.now()
	if f.MIME == "" {
		f.MIME = mime
	}
	c.tracker.Record(f.URI, f.UploadedAt)

	c.logger.Info("attachment uploaded", "name", name, "mime", mime, "bytes", len(data), "uri", f.URI)
	return f, nil
}

// UploadAttachment uploads a local attachment, reading LocalPath when
// no inline data is present.
func (c *Client) UploadAttachment(ctx context.Context, a *conversation.Attachment) (*File, error) {
	data := a.Data
	if len(data) == 0 {
		if a.LocalPath == "" {
			return nil, uploadError(0, "attachment %q has no data", a.Name)
		}
		b, err := os.ReadFile(a.LocalPath)
		if err != nil {
			return nil, &llm.APIError{Category: llm.CategoryFileUpload, Message: fmt.Sprintf("read %s: %v", a.LocalPath, err), Err: err}
		}
		data = b
	}
	name := a.Name
	if name == "" && a.LocalPath != "" {
		name = a.LocalPath[strings.LastIndex(a.LocalPath, "/")+1:]
	}
	return c.Upload(ctx, name, a.MIME, data)
}

func (c *Client) start(ctx context.Context, name, mime string, size int) (string, error) {
	meta, err := json.Marshal(map[string]any{"file": map[string]string{"display_name": name}})
	if err != nil {
		return "", uploadError(0, "marshal metadata: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/v1beta/files", bytes.NewReader(meta))
	if err != nil {
		return "", uploadError(0, "create start request: %v", err)
	}
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.Itoa(size))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mime)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &llm.APIError{Category: llm.CategoryFileUpload, Message: "start: " + err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", uploadError(resp.StatusCode, "start: %s", httpkit.ReadErrorBody(resp.Body, 2048))
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	u := resp.Header.Get("X-Goog-Upload-URL")
	if u == "" {
		return "", uploadError(resp.StatusCode, "start: response carried no upload URL")
	}
	return u, nil
}

func (c *Client) finalize(ctx context.Context, uploadURL string, data []byte) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, uploadError(0, "create finalize request: %v", err)
	}
	req.Header.Set("X-Goog-Upload-Offset", "0")
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &llm.APIError{Category: llm.CategoryFileUpload, Message: "finalize: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, uploadError(resp.StatusCode, "finalize: %s", httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var out struct {
		File File `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, uploadError(resp.StatusCode, "decode finalize response: %v", err)
	}
	if out.File.URI == "" {
		return nil, uploadError(resp.StatusCode, "finalize: response carried no file URI")
	}
	return &out.File, nil
}

func uploadError(status int, format string, args ...any) *llm.APIError {
	return &llm.APIError{
		Category: llm.CategoryFileUpload,
		Status:   status,
		Message:  fmt.Sprintf(format, args...),
	}
}
