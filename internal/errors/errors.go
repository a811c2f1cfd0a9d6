package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the proxy core
var (
	// ErrNotFound - model, provider, agent, or tool is not registered
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput - request payload failed validation or decoding
	ErrInvalidInput = errors.New("invalid input")

	// ErrDialectConversion - required field absent with no default during cross-dialect conversion
	ErrDialectConversion = errors.New("dialect conversion failed")

	// ErrStreamProtocol - malformed upstream SSE that prevents further progress
	ErrStreamProtocol = errors.New("stream protocol error")

	// ErrIterationLimit - agent loop hit max_iterations with pending tool calls
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrCancelled - client disconnected or deadline exceeded
	ErrCancelled = errors.New("run cancelled")

	// ErrUnauthorized - missing or invalid bearer credentials
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransient - transient failure, safe to retry with backoff
	ErrTransient = errors.New("transient error")

	// ErrInternal - unclassified internal failure
	ErrInternal = errors.New("internal error")
)

// ProviderError describes a failed upstream model call. Retriable errors are
// retried by the agent runner with exponential backoff; the rest surface
// immediately.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: upstream status %d: %s", e.Provider, e.Status, e.Body)
}

// Retriable reports whether the upstream status warrants a retry.
// 408, 425, 429 and 5xx except 501 are retriable.
func (e *ProviderError) Retriable() bool {
	switch e.Status {
	case 408, 425, 429:
		return true
	case 501:
		return false
	}
	return e.Status >= 500 && e.Status < 600
}

// IsRetriableProvider reports whether err is a retriable ProviderError.
func IsRetriableProvider(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retriable()
	}
	return errors.Is(err, ErrTransient)
}

// Wrap wraps an error with a message prefix.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// NotFound wraps a message as not found.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps a message as invalid input.
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// DialectConversion wraps a message as a dialect conversion failure.
func DialectConversion(message string) error {
	return fmt.Errorf("%s: %w", message, ErrDialectConversion)
}

// Unauthorized wraps a message as an auth failure.
func Unauthorized(message string) error {
	return fmt.Errorf("%s: %w", message, ErrUnauthorized)
}

// Internal wraps a message as an internal error.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsCategory checks if err belongs to the given sentinel category.
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}
