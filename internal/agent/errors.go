package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ToolErrorMaxLen bounds tool error text handed back to the model.
const ToolErrorMaxLen = 50

var (
	// ErrAuth marks upstream rejections of the API key.
	ErrAuth = errors.New("model provider rejected credentials")

	// ErrRateLimit marks upstream throttling.
	ErrRateLimit = errors.New("model provider rate limit exceeded")

	// ErrNoChoices is returned when the provider answers without any completion.
	ErrNoChoices = errors.New("model returned no choices")
)

// ToolInvocationError reports a failed tool call. Message is already truncated.
type ToolInvocationError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Err
}

func newToolInvocationError(tool string, err error) *ToolInvocationError {
	return &ToolInvocationError{
		Tool:    tool,
		Message: Truncate(err.Error(), ToolErrorMaxLen),
		Err:     err,
	}
}

// UpstreamModelError wraps a failed call to the language model.
type UpstreamModelError struct {
	StatusCode int
	Err        error
	kind       error
}

func (e *UpstreamModelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("model request failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model request failed: %v", e.Err)
}

// Unwrap exposes both the cause and the ErrAuth/ErrRateLimit classification.
func (e *UpstreamModelError) Unwrap() []error {
	if e.kind != nil {
		return []error{e.kind, e.Err}
	}
	return []error{e.Err}
}

func classifyUpstream(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	upstream := &UpstreamModelError{Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		upstream.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		upstream.StatusCode = reqErr.HTTPStatusCode
	}

	switch upstream.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		upstream.kind = ErrAuth
	case http.StatusTooManyRequests:
		upstream.kind = ErrRateLimit
	}
	return upstream
}

// Truncate shortens text to at most maxLen runes.
func Truncate(text string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen])
}
