package canteenapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized means the credential is missing or was rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrReservationConflict means the table was not reservable at commit time.
	ErrReservationConflict = errors.New("reservation conflict")
	// ErrNetworkFailure covers transport faults, timeouts, 5xx and malformed bodies.
	ErrNetworkFailure = errors.New("network failure")
	// ErrNotFound means the canteen, table or reservation no longer exists.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx response. It unwraps to one of the sentinels above.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.kind }

// conflictHints are phrases the backend uses in 400 bodies when a table is
// already taken.
var conflictHints = []string{"already reserved", "not available", "unavailable", "already been reserved"}

func newAPIError(op string, status int, message string) *APIError {
	return &APIError{Op: op, StatusCode: status, Message: message, kind: classify(status, message)}
}

func classify(status int, message string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrReservationConflict
	case status == http.StatusBadRequest && hasConflictHint(message):
		return ErrReservationConflict
	default:
		return ErrNetworkFailure
	}
}

func hasConflictHint(message string) bool {
	m := strings.ToLower(message)
	for _, h := range conflictHints {
		if strings.Contains(m, h) {
			return true
		}
	}
	return false
}

func networkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrNetworkFailure, err)
}

// ServerMessage returns the backend's message for an API error, if any.
func ServerMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}
