package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NetworkError is a connectivity failure or timeout. The request may be
// retried by the caller; nothing here retries automatically.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError is a rejection reported by the backend. Message is the
// backend's own message string (e.g. "EMAIL_NOT_FOUND", "Permission denied").
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("backend rejected request (%d): %s", e.StatusCode, e.Message)
}

// IsNetworkError reports whether err is or wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// AuthMessage returns the backend message of err if it is or wraps an
// *AuthError.
func AuthMessage(err error) (string, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Message, true
	}
	return "", false
}

// parseAuthError builds an AuthError from an error response body. The
// identity endpoints answer {"error": {"message": ...}} while the
// database answers {"error": "..."}.
func parseAuthError(statusCode int, body []byte) *AuthError {
	authErr := &AuthError{StatusCode: statusCode}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var text string
		if err := json.Unmarshal(envelope.Error, &text); err == nil {
			authErr.Message = text
			return authErr
		}
		var structured struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &structured); err == nil && structured.Message != "" {
			authErr.Message = structured.Message
			return authErr
		}
	}

	authErr.Message = strings.TrimSpace(string(body))
	if authErr.Message == "" {
		authErr.Message = "Unknown error"
	}
	return authErr
}
