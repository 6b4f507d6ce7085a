package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// MissingCredentialError is returned before any network call when the
// selected backend has no API key configured.
type MissingCredentialError struct {
	Provider Provider
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s: API key not configured", e.Provider)
}

// APIError is a non-2xx response from a backend, carrying the HTTP status
// and a friendly message extracted from the error body.
type APIError struct {
	Provider Provider
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API request failed with status %d: %s", e.Provider, e.Status, e.Message)
}

// EmptyResponseError is a 2xx response whose body carried no usable
// completion.
type EmptyResponseError struct {
	Provider Provider
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("%s: no completion returned", e.Provider)
}

// ToolsNotSupportedError means the selected model rejected tool definitions.
// Callers should suggest switching models rather than retrying.
type ToolsNotSupportedError struct {
	Model string
}

func (e *ToolsNotSupportedError) Error() string {
	return fmt.Sprintf("model %s does not support tool calling", e.Model)
}

// IsToolsNotSupported reports whether err wraps a ToolsNotSupportedError.
func IsToolsNotSupported(err error) bool {
	var t *ToolsNotSupportedError
	return errors.As(err, &t)
}

// IsCancelled reports whether err is a cooperative cancellation. These are
// never logged as failures.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// friendlyAPIMessage pulls a human-readable message out of an arbitrary
// error body. Error envelopes differ per vendor, so this probes the common
// shapes rather than committing to one struct.
func friendlyAPIMessage(body []byte) string {
	if len(body) == 0 {
		return "empty error body"
	}
	for _, path := range []string{"error.message", "message", "error", "detail"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
