package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures a single completion request.
type Options struct {
	MaxTokens   int64
	Temperature float64
}

// Response is the result of a non-streaming completion.
type Response struct {
	Content      string
	FinishReason string
}

// ErrStreamIncomplete marks a stream that closed before the model finished.
var ErrStreamIncomplete = errors.New("ai stream ended before completion")

// StreamEvent is one chunk of a streamed completion. A stream ends with exactly
// one event carrying Done or Err.
type StreamEvent struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is a single upstream credential. Receivers of a stream drain the
// channel until it closes.
type Provider interface {
	Complete(ctx context.Context, messages []Message, opts Options) (*Response, error)
	StreamComplete(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error)
	Name() string
}

// HTTPError is a non-2xx reply from the provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err carries the provider's rate-limit signal.
func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// Config holds the settings for one OpenAI-compatible credential.
type Config struct {
	Label       string
	APIKey      string
	Model       string
	Endpoint    string
	MaxTokens   int64
	Temperature float64
}
