package copilot

import (
	"errors"
	"os"

	"btcopilot/library"
	"btcopilot/llm"
	"btcopilot/prompt"
	"btcopilot/runner"
	"btcopilot/session"
)

var (
	// ErrResourceNotFound is returned when a file the caller named does not exist.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrInvalidBasis is returned for a feedback or visualisation basis other than code or description.
	ErrInvalidBasis = errors.New("invalid basis")
	// ErrInvalidInput covers other caller mistakes (unknown fragment, empty path).
	ErrInvalidInput = errors.New("invalid input")
)

// Kind classifies errors for exit codes and HTTP status mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindResourceNotFound
	KindLookup
	KindMissingVariable
	KindGeneration
	KindExecution
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindResourceNotFound:
		return "resource_not_found"
	case KindLookup:
		return "lookup"
	case KindMissingVariable:
		return "missing_variable"
	case KindGeneration:
		return "generation"
	case KindExecution:
		return "execution"
	case KindInvalidInput:
		return "invalid_input"
	}
	return "unknown"
}

// KindOf walks err's chain. Typed errors win over the sentinels they may wrap, so a
// script that vanished before it could run is still an execution failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		missing *prompt.MissingVariableError
		gen     *llm.GenerationError
		exec    *runner.ExecutionError
		dup     *library.DuplicateKeyError
	)
	switch {
	case errors.As(err, &missing):
		return KindMissingVariable
	case errors.As(err, &gen):
		return KindGeneration
	case errors.As(err, &exec):
		return KindExecution
	case errors.As(err, &dup):
		return KindInvalidInput
	case errors.Is(err, library.ErrUnknownKey), errors.Is(err, library.ErrUnusable):
		return KindLookup
	case errors.Is(err, ErrResourceNotFound),
		errors.Is(err, library.ErrNotFound),
		errors.Is(err, session.ErrNoSnapshot),
		errors.Is(err, os.ErrNotExist):
		return KindResourceNotFound
	case errors.Is(err, ErrInvalidBasis),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, library.ErrMissingColumn):
		return KindInvalidInput
	}
	return KindUnknown
}
