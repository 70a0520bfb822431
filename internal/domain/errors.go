package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIndexNotBuilt is returned when distances are requested from an index
	// that holds no embeddings.
	ErrIndexNotBuilt = errors.New("retrieval index not built")

	// ErrNotFound is returned when a persisted index does not exist.
	ErrNotFound = errors.New("not found")
)

// ConfigurationError reports a malformed strategy slot map or policy.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error for %q: %s", e.Key, e.Reason)
}

// SlotFillMismatchError is returned when a strategy's fill map does not hold
// exactly the requested slots.
type SlotFillMismatchError struct {
	Expected []string
	Got      []string
}

func (e *SlotFillMismatchError) Error() string {
	return fmt.Sprintf("slot fill mismatch: expected [%s], got [%s]",
		strings.Join(e.Expected, ", "), strings.Join(e.Got, ", "))
}

// TemplateFillError is returned when a template references a slot that has
// no fill.
type TemplateFillError struct {
	Slot string
}

func (e *TemplateFillError) Error() string {
	return fmt.Sprintf("template slot {%s} has no fill", e.Slot)
}

// EmbeddingProviderError wraps failures from an embedding backend.
type EmbeddingProviderError struct {
	Provider string
	Err      error
}

func (e *EmbeddingProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *EmbeddingProviderError) Unwrap() error { return e.Err }
