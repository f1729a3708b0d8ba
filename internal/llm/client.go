package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/httpkit"
)

// DefaultBaseURL is the public completion service endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Client issues one request/response exchange against the completion
// service. Implementations must return a *conversation.ValidationError
// when the response carries no candidates and an *APIError for any
// transport or HTTP failure.
type Client interface {
	Generate(ctx context.Context, model string, req *Request) (*Response, error)
}

// HTTPClient talks to a generateContent endpoint over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a completion client. An empty baseURL selects
// DefaultBaseURL.
func NewHTTPClient(baseURL, apiKey string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// Completions can take a long time before headers arrive (thinking,
	// long prompts). There is no global timeout; ctx bounds each call.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 180 * time.Second

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "llm"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithHeader("x-goog-api-key", apiKey),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

// Generate posts req to {base}/v1beta/models/{model}:generateContent.
func (c *HTTPClient) Generate(ctx context.Context, model string, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &APIError{Category: CategoryUnknown, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	c.logger.Debug("sending completion request",
		"model", model,
		"contents", len(req.Contents),
		"tools", len(req.Tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Category: CategoryUnknown, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		category := CategoryUnknown
		if httpkit.IsNetworkError(err) {
			category = CategoryNetwork
		}
		return nil, &APIError{Category: category, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("completion API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{
			Category: CategoryResponse,
			Status:   resp.StatusCode,
			Message:  errorMessage(errBody),
		}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &APIError{Category: CategoryUnknown, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(out.Candidates) == 0 {
		return nil, conversation.Invalid("completion response has no candidates")
	}

	in, outTok := out.Usage()
	c.logger.Debug("completion response received",
		"model", model,
		"finish_reason", out.Candidates[0].FinishReason,
		"input_tokens", in,
		"output_tokens", outTok,
		"tool_calls", len(out.Candidates[0].Content.FunctionCalls()),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "text", out.Candidates[0].Content.Text())

	return &out, nil
}

// errorMessage pulls error.message out of a JSON error envelope, falling
// back to the raw body.
func errorMessage(body string) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(body)
}
