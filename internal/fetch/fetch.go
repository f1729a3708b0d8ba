// Package fetch provides the web_fetch tool: it downloads a URL and
// extracts readable text, headings and links so a persona can cite a
// page without receiving raw markup.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/roundtable/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes is the maximum response body size (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultMaxChars is the default character limit for extracted text.
// Tool output lands in the conversation context, so it stays modest.
const DefaultMaxChars = 20000

// MaxLinks bounds the number of links reported per page.
const MaxLinks = 25

// Result holds the fetched and extracted content from a URL.
type Result struct {
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content"`
	Links       []string `json:"links,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
	Length      int      `json:"length"`
	StatusCode  int      `json:"status_code"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxBytes caps the response body read from the network.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: DefaultMaxBytes,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads the URL and extracts readable text content.
// maxChars limits the output length; 0 uses DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("web_fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	base, err := url.Parse(rawURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("web_fetch: invalid url %q", rawURL)
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("web_fetch: %s returned %d: %s", base.String(), resp.StatusCode, strings.TrimSpace(msg))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("web_fetch: failed to read response: %w", err)
	}

	res := &Result{
		URL:         base.String(),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(res.ContentType):
		page := extractHTML(string(body), base)
		res.Title = page.title
		res.Description = page.description
		res.Content = page.text
		res.Links = page.links
	case utf8.Valid(body):
		res.Content = string(body)
	default:
		res.Content = fmt.Sprintf("Binary content (%s), %d bytes", res.ContentType, len(body))
		res.Length = len(body)
		return res, nil
	}

	if utf8.RuneCountInString(res.Content) > maxChars {
		res.Content = truncateUTF8(res.Content, maxChars)
		res.Truncated = true
	}
	res.Length = utf8.RuneCountInString(res.Content)
	return res, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// truncateUTF8 truncates a string to maxChars runes.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
