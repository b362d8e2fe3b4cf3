package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAIProvider talks to any endpoint implementing the chat completions API.
type OpenAIProvider struct {
	cfg    Config
	client *http.Client
}

// NewOpenAIProvider creates a provider. A nil client uses http.DefaultClient; deadlines come from the caller's context.
func NewOpenAIProvider(cfg Config, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIProvider{cfg: cfg, client: client}
}

func (p *OpenAIProvider) Name() string {
	if p.cfg.Label != "" {
		return p.cfg.Label
	}
	return "openai"
}

func (p *OpenAIProvider) baseURL() string {
	if p.cfg.Endpoint != "" {
		return strings.TrimRight(p.cfg.Endpoint, "/")
	}
	return "https://api.openai.com/v1"
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int64     `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAIProvider) newRequest(ctx context.Context, messages []Message, opts Options, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = p.cfg.Temperature
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

func (p *OpenAIProvider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	req, err := p.newRequest(ctx, messages, opts, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("provider error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &Response{
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
	}, nil
}

func (p *OpenAIProvider) StreamComplete(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error) {
	req, err := p.newRequest(ctx, messages, opts, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readStream decodes "data:" lines of a chat completion event stream. The
// terminal event is sent unconditionally; receivers drain ch until it closes.
func readStream(ctx context.Context, r io.Reader, ch chan<- StreamEvent) {
	finished := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			ch <- StreamEvent{Done: true}
			return
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != nil {
			finished = true
		}
		evt := StreamEvent{Delta: chunk.Choices[0].Delta.Content}
		if evt.Delta == "" {
			continue
		}
		select {
		case ch <- evt:
		case <-ctx.Done():
			ch <- StreamEvent{Err: ctx.Err()}
			return
		}
	}
	switch {
	case ctx.Err() != nil:
		ch <- StreamEvent{Err: ctx.Err()}
	case scanner.Err() != nil:
		ch <- StreamEvent{Err: fmt.Errorf("read stream: %w", scanner.Err())}
	case finished:
		ch <- StreamEvent{Done: true}
	default:
		ch <- StreamEvent{Err: ErrStreamIncomplete}
	}
}
