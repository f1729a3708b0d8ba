package llm

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Category classifies an APIError.
type Category string

const (
	CategoryResponse   Category = "response_error"
	CategoryNetwork    Category = "network"
	CategoryFileUpload Category = "file_upload"
	CategoryUnknown    Category = "unknown"
)

// APIError is an unrecoverable completion or upload failure.
type APIError struct {
	Category     Category
	Status       int
	Message      string
	FinishReason string
	Err          error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Category))
	if e.Status != 0 {
		fmt.Fprintf(&sb, " %d", e.Status)
	}
	if e.FinishReason != "" {
		fmt.Fprintf(&sb, " (%s)", e.FinishReason)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Unwrap returns the underlying transport error, if any.
func (e *APIError) Unwrap() error { return e.Err }

// FinishError builds the fatal error for a candidate whose finish reason
// cannot be recovered from.
func FinishError(c Candidate) *APIError {
	msg := c.FinishMessage
	if msg == "" {
		msg = "completion ended with finish reason " + c.FinishReason
	}
	return &APIError{Category: CategoryResponse, Message: msg, FinishReason: c.FinishReason}
}

// Outcome is the classification of one exchange.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryMalformed
	OutcomeRetryExpired
	OutcomeFatal
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryMalformed:
		return "malformed_function_call"
	case OutcomeRetryExpired:
		return "expired_attachment"
	default:
		return "fatal"
	}
}

// Classify maps the result of Generate to an Outcome. STOP, or an empty
// finish reason with content, is success. MALFORMED_FUNCTION_CALL and a
// 403 naming a file handle are retryable. Everything else is fatal.
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		if ExpiredHandle(err) != "" {
			return OutcomeRetryExpired
		}
		return OutcomeFatal
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return OutcomeFatal
	}
	c := resp.Candidates[0]
	switch c.FinishReason {
	case FinishStop:
		return OutcomeSuccess
	case "":
		if len(c.Content.Parts) > 0 {
			return OutcomeSuccess
		}
		return OutcomeFatal
	case FinishMalformedFunctionCall:
		return OutcomeRetryMalformed
	default:
		return OutcomeFatal
	}
}

var (
	fileNameRE = regexp.MustCompile(`files/[A-Za-z0-9_-]+`)
	fileWordRE = regexp.MustCompile(`(?i)\bfile ([A-Za-z0-9_-]+)\b`)
)

// ExpiredHandle returns the file handle named by a 403 error, or "" if
// err is not an expired-attachment failure. Handles are returned in
// "files/<id>" form.
func ExpiredHandle(err error) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		return ""
	}
	if m := fileNameRE.FindString(apiErr.Message); m != "" {
		return m
	}
	if m := fileWordRE.FindStringSubmatch(apiErr.Message); m != nil {
		return "files/" + m[1]
	}
	return ""
}

// HandleMatches reports whether uri refers to the file named by handle.
// Uploaded handles are full URIs ending in the "files/<id>" name.
func HandleMatches(uri, handle string) bool {
	if uri == "" || handle == "" {
		return false
	}
	return uri == handle || strings.HasSuffix(uri, "/"+handle)
}
