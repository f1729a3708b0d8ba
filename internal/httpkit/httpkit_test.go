package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoHeader(name string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(name)))
	}))
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("zero timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoHeader("User-Agent")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(), req); !strings.HasPrefix(got, "Roundtable/") {
		t.Errorf("User-Agent = %q, want Roundtable/ prefix", got)
	}
}

func TestNewClient_WithoutUserAgent(t *testing.T) {
	srv := echoHeader("User-Agent")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(WithoutUserAgent()), req); strings.HasPrefix(got, "Roundtable/") {
		t.Errorf("User-Agent = %q, want Go default", got)
	}
}

func TestNewClient_WithHeader(t *testing.T) {
	srv := echoHeader("X-Goog-Api-Key")
	defer srv.Close()

	c := NewClient(WithHeader("x-goog-api-key", "secret"))

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, c, req); got != "secret" {
		t.Errorf("header = %q, want %q", got, "secret")
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("x-goog-api-key", "override")
	if got := get(t, c, req); got != "override" {
		t.Errorf("explicit header overwritten: got %q", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 4)
	if got != "abcd" {
		t.Errorf("ReadErrorBody() = %q, want %q", got, "abcd")
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

// failingRoundTripper simulates transient errors then succeeds.
type failingRoundTripper struct {
	failures int
	calls    int
}

func (f *failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"success first try", 0, 2, false, 1},
		{"recovers", 1, 2, false, 2},
		{"exhausts", 5, 2, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			rt := &retryTransport{base: ft, count: tt.count, delay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsNetworkError(t *testing.T) {
	if !IsNetworkError(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}) {
		t.Error("dial error not classified as network")
	}
	if IsNetworkError(errors.New("bad json")) {
		t.Error("plain error classified as network")
	}
	if !IsNetworkError(&url.Error{Op: "Post", URL: "http://x", Err: &net.DNSError{Err: "no such host", Name: "x"}}) {
		t.Error("DNS failure not classified as network")
	}
	if IsNetworkError(&url.Error{Op: "Post", URL: "http://x", Err: context.Canceled}) {
		t.Error("cancellation classified as network")
	}
	if IsNetworkError(&url.Error{Op: "Post", URL: "http://x", Err: context.DeadlineExceeded}) {
		t.Error("deadline classified as network")
	}
	if IsNetworkError(nil) {
		t.Error("nil classified as network")
	}
}
