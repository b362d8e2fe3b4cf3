package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Outcome tags how a model reply was turned into a value.
type Outcome int

const (
	Parsed Outcome = iota
	Fallback
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Parsed:
		return "parsed"
	case Fallback:
		return "fallback"
	default:
		return "failed"
	}
}

// Result is the decoded value plus how it was obtained. Err holds the decode
// cause for Fallback and Failed outcomes.
type Result[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

// Policy decides what happens when a reply cannot be decoded. A nil Fallback
// means the caller gets Failed and must surface the error.
type Policy[T any] struct {
	Fallback *T
	Validate func(*T) error
}

var ErrEmpty = errors.New("empty model output")

// StripWrappers returns the first JSON object or array in raw, dropping code
// fences and prose around it. Fenced content wins over brackets in leading
// prose. Fences quoted inside JSON strings stay intact.
func StripWrappers(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		if span, ok := jsonSpan(unwrapFence(s[i:])); ok && json.Valid([]byte(span)) {
			return span
		}
	}
	if span, ok := jsonSpan(s); ok {
		return span
	}
	return unwrapFence(s)
}

// jsonSpan locates the JSON value starting at the first opener. A value that
// does not decode falls back to the span ending at the last matching closer so
// the decode error points at the real problem.
func jsonSpan(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	var v json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s[start:])).Decode(&v); err == nil {
		return string(v), true
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		// truncated reply
		return strings.TrimSpace(s[start:]), true
	}
	return s[start : end+1], true
}

// unwrapFence drops an opening fence line and, when present, the closing fence
// at the very end. The body is never scanned, so nested fences survive.
func unwrapFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return strings.TrimSpace(strings.Trim(s, "`"))
	}
	body := s[nl+1:]
	if trimmed := strings.TrimRight(body, " \t\r\n"); strings.HasSuffix(trimmed, "```") {
		body = strings.TrimSuffix(trimmed, "```")
	}
	return strings.TrimSpace(body)
}

// StripFences removes a fence wrapping the whole document, for free-text replies.
// Fenced blocks inside the document are kept.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && strings.Contains(s, "\n") {
		return unwrapFence(s)
	}
	return s
}

// Decode strips wrappers from raw and decodes it into T under policy.
func Decode[T any](raw string, policy Policy[T]) Result[T] {
	v, err := decode[T](raw)
	if err == nil && policy.Validate != nil {
		err = policy.Validate(&v)
	}
	if err == nil {
		return Result[T]{Value: v, Outcome: Parsed}
	}
	if policy.Fallback != nil {
		return Result[T]{Value: *policy.Fallback, Outcome: Fallback, Err: err}
	}
	var zero T
	return Result[T]{Value: zero, Outcome: Failed, Err: err}
}

func decode[T any](raw string) (T, error) {
	var v T
	body := StripWrappers(raw)
	if body == "" {
		return v, ErrEmpty
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode model output: %w", err)
	}
	return v, nil
}
