package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/roundtable/internal/conversation"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "test-key", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGenerate_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotReq Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "hi there"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3, "totalTokenCount": 15}
		}`))
	})

	req := &Request{
		SystemInstruction: &Content{Parts: []Part{{Text: "be brief"}}},
		Contents:          []Content{{Role: RoleUser, Parts: []Part{{Text: "hello"}}}},
		GenerationConfig:  &GenerationConfig{ThinkingConfig: &ThinkingConfig{ThinkingBudget: IntPtr(0)}},
	}
	resp, err := c.Generate(context.Background(), "test-model", req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if gotPath != "/v1beta/models/test-model:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q, want %q", gotKey, "test-key")
	}
	if gotReq.GenerationConfig == nil || gotReq.GenerationConfig.ThinkingConfig.ThinkingBudget == nil ||
		*gotReq.GenerationConfig.ThinkingConfig.ThinkingBudget != 0 {
		t.Error("zero thinking budget not sent on the wire")
	}
	if got := resp.Candidates[0].Content.Text(); got != "hi there" {
		t.Errorf("text = %q, want %q", got, "hi there")
	}
	if in, out := resp.Usage(); in != 12 || out != 3 {
		t.Errorf("Usage() = %d, %d; want 12, 3", in, out)
	}
}

func TestGenerate_NoCandidates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})

	_, err := c.Generate(context.Background(), "m", &Request{})
	var ve *conversation.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *conversation.ValidationError", err)
	}
}

func TestGenerate_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"code": 403, "message": "You do not have permission to access the File abc123 or it may not exist.", "status": "PERMISSION_DENIED"}}`))
	})

	_, err := c.Generate(context.Background(), "m", &Request{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Category != CategoryResponse || apiErr.Status != http.StatusForbidden {
		t.Errorf("got %s %d, want response_error 403", apiErr.Category, apiErr.Status)
	}
	if got := ExpiredHandle(err); got != "files/abc123" {
		t.Errorf("ExpiredHandle() = %q, want %q", got, "files/abc123")
	}
	if Classify(nil, err) != OutcomeRetryExpired {
		t.Errorf("Classify() = %v, want expired_attachment", Classify(nil, err))
	}
}

func TestGenerate_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewHTTPClient(base, "k", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.Generate(context.Background(), "m", &Request{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Category != CategoryNetwork {
		t.Fatalf("error = %v, want network APIError", err)
	}
}

func TestGenerate_CancelledIsNotNetwork(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "k", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Generate(ctx, "m", &Request{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Category != CategoryUnknown {
		t.Fatalf("error = %v, want unknown APIError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want it to wrap context.Canceled", err)
	}
}

func TestClassify(t *testing.T) {
	resp := func(reason string, parts ...Part) *Response {
		return &Response{Candidates: []Candidate{{FinishReason: reason, Content: Content{Parts: parts}}}}
	}
	tests := []struct {
		name string
		resp *Response
		err  error
		want Outcome
	}{
		{"stop", resp(FinishStop, Part{Text: "x"}), nil, OutcomeSuccess},
		{"empty reason with parts", resp("", Part{Text: "x"}), nil, OutcomeSuccess},
		{"empty reason without parts", resp(""), nil, OutcomeFatal},
		{"malformed", resp(FinishMalformedFunctionCall), nil, OutcomeRetryMalformed},
		{"max tokens", resp(FinishMaxTokens, Part{Text: "x"}), nil, OutcomeFatal},
		{"safety", resp(FinishSafety), nil, OutcomeFatal},
		{"server error", nil, &APIError{Category: CategoryResponse, Status: 500}, OutcomeFatal},
		{"403 without handle", nil, &APIError{Category: CategoryResponse, Status: 403, Message: "denied"}, OutcomeFatal},
		{"403 with handle", nil, &APIError{Category: CategoryResponse, Status: 403, Message: "files/xyz-9 expired"}, OutcomeRetryExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.resp, tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleMatches(t *testing.T) {
	uri := "https://generativelanguage.googleapis.com/v1beta/files/abc123"
	if !HandleMatches(uri, "files/abc123") {
		t.Error("full URI did not match its handle")
	}
	if HandleMatches(uri, "files/abc12") {
		t.Error("prefix handle matched")
	}
	if HandleMatches("", "files/abc123") {
		t.Error("empty URI matched")
	}
}

func TestAPIErrorString(t *testing.T) {
	err := FinishError(Candidate{FinishReason: FinishMaxTokens})
	want := "response_error (MAX_TOKENS): completion ended with finish reason MAX_TOKENS"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
