package errors

import "fmt"

// ErrorCode represents a nerd-prompt error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"   // bad CLI/config input
	ErrConfig           ErrorCode = "CONFIG"            // config file could not be read or written
	ErrGit              ErrorCode = "GIT"               // git subprocess failure
	ErrAPIKeyMissing    ErrorCode = "API_KEY_MISSING"   // no OpenRouter credential configured
	ErrRequestFailed    ErrorCode = "REQUEST_FAILED"    // transport failure or non-2xx response
	ErrEmptyResponse    ErrorCode = "EMPTY_RESPONSE"    // 2xx but no content
	ErrEnrichmentFailed ErrorCode = "ENRICHMENT_FAILED" // generation detail lookup exhausted
	ErrInternal         ErrorCode = "INTERNAL"
)

// NPError represents a structured error with a code and optional details.
type NPError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *NPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates an error for invalid CLI or config input.
func NewInvalidRequest(msg string) *NPError {
	return &NPError{
		Code:    ErrInvalidRequest,
		Message: msg,
	}
}

// NewConfig creates an error for a config file that could not be read or written.
func NewConfig(path string, err error) *NPError {
	return &NPError{
		Code:    ErrConfig,
		Message: fmt.Sprintf("config %s: %v", path, err),
		Details: map[string]any{"path": path},
	}
}

// NewGit creates an error for a failed git subprocess invocation.
func NewGit(cmd string, stderr string) *NPError {
	return &NPError{
		Code:    ErrGit,
		Message: fmt.Sprintf("git command failed: %s: %s", cmd, stderr),
		Details: map[string]any{"command": cmd, "stderr": stderr},
	}
}

// NewAPIKeyMissing creates an error for a remote dispatch with no credential.
func NewAPIKeyMissing() *NPError {
	return &NPError{
		Code:    ErrAPIKeyMissing,
		Message: "OpenRouter API key not configured; set OPENROUTER_API_KEY or run 'np set-key'",
	}
}

// NewRequestFailed creates an error for a failed API request. The response
// body, when available, is kept for diagnostics.
func NewRequestFailed(model string, msg string, body string) *NPError {
	return &NPError{
		Code:    ErrRequestFailed,
		Message: fmt.Sprintf("request to %s failed: %s", model, msg),
		Details: map[string]any{"model": model, "body": body},
	}
}

// NewEmptyResponse creates an error for a 2xx response with no content.
func NewEmptyResponse(model string) *NPError {
	return &NPError{
		Code:    ErrEmptyResponse,
		Message: fmt.Sprintf("received empty content from %s", model),
		Details: map[string]any{"model": model},
	}
}

// NewEnrichmentFailed creates an error for an exhausted generation lookup.
// The primary result survives this; the caller keeps the text and marks the
// cost unknown.
func NewEnrichmentFailed(generationID string, err error) *NPError {
	return &NPError{
		Code:    ErrEnrichmentFailed,
		Message: fmt.Sprintf("generation detail lookup for %s failed: %v", generationID, err),
		Details: map[string]any{"generation_id": generationID},
	}
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *NPError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &NPError{
		Code:    ErrInternal,
		Message: msg,
	}
}

// Is checks if an error is an NPError with the given code.
func Is(err error, code ErrorCode) bool {
	if npErr, ok := err.(*NPError); ok {
		return npErr.Code == code
	}
	return false
}
