package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRawUnavailable indicates raw expression was requested from a dataset without a raw slot.
var ErrRawUnavailable = errors.New("dataset has no raw expression slot")

// ConfigurationError reports a required column or key that is missing or unusable.
type ConfigurationError struct {
	Kind      string // "obs column", "embedding", ...
	Key       string
	Available []string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %q: %s", e.Kind, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s %q not found (available: %s)", e.Kind, e.Key, listOrNone(e.Available))
}

// NewMissingColumnError creates a ConfigurationError for an absent obs column.
func NewMissingColumnError(column string, available []string) *ConfigurationError {
	return &ConfigurationError{
		Kind:      "obs column",
		Key:       column,
		Available: available,
	}
}

// MissingEmbeddingError reports that a requested coordinate key is absent.
type MissingEmbeddingError struct {
	Key       string
	Available []string
}

func (e *MissingEmbeddingError) Error() string {
	return fmt.Sprintf("embedding %q not found in obsm (available: %s)", e.Key, listOrNone(e.Available))
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
