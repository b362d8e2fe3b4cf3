package engine

import (
	"errors"
	"fmt"
	"strings"

	"specline/internal/ledger"
	"specline/internal/llm"
	"specline/internal/repo"
)

// ErrNotFound covers both missing entities and entities owned by someone else.
var ErrNotFound = repo.ErrNotFound

// ErrProviderExhausted means every AI credential failed for one request.
var ErrProviderExhausted = llm.ErrProviderExhausted

// InsufficientCreditsError carries the balance and the cost of the refused action.
type InsufficientCreditsError = ledger.InsufficientCreditsError

// InvalidInputError is a malformed request.
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string { return e.Message }

func invalidInput(format string, args ...any) error {
	return &InvalidInputError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError means the request is well formed but the pipeline is not in a state that allows it.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// PrerequisitesUnmetError blocks a prompt transition.
type PrerequisitesUnmetError struct {
	Titles []string
}

func (e *PrerequisitesUnmetError) Error() string {
	return fmt.Sprintf("prerequisites not completed: %s", strings.Join(e.Titles, ", "))
}

// GenerationFailedError means model output could not be turned into the expected structure.
type GenerationFailedError struct {
	Stage string
	Err   error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Stage, e.Err)
}

func (e *GenerationFailedError) Unwrap() error { return e.Err }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
