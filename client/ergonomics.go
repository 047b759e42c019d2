package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable classifier for orchestrator API errors.
type ErrorCode string

const (
	ErrorCodeUnknown           ErrorCode = "unknown"
	ErrorCodeInvalidArgument   ErrorCode = "invalid_argument"
	ErrorCodeNotFound          ErrorCode = "not_found"
	ErrorCodeSessionExpired    ErrorCode = "session_expired"
	ErrorCodeChallengeConflict ErrorCode = "challenge_conflict"
	ErrorCodeInvalidState      ErrorCode = "invalid_state"
	ErrorCodeInternal          ErrorCode = "internal"
)

// APIError is a non-2xx response from the orchestrator.
type APIError struct {
	StatusCode int
	Message    string
	// CurrentChallengeID is set on challenge conflicts: the challenge the
	// user must exit before loading another one.
	CurrentChallengeID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sessiond: %s (status %d)", e.Message, e.StatusCode)
}

// ErrCode classifies API errors into a stable code.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return ErrorCodeUnknown
	}

	switch apiErr.StatusCode {
	case http.StatusBadRequest:
		return ErrorCodeInvalidArgument
	case http.StatusNotFound:
		return ErrorCodeNotFound
	case http.StatusGone:
		return ErrorCodeSessionExpired
	case http.StatusConflict:
		if apiErr.CurrentChallengeID != "" {
			return ErrorCodeChallengeConflict
		}
		return ErrorCodeInvalidState
	case http.StatusInternalServerError:
		return ErrorCodeInternal
	default:
		return ErrorCodeUnknown
	}
}

// ConflictChallenge extracts the loaded challenge id from a challenge
// conflict error. Empty when err is not a conflict.
func ConflictChallenge(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.CurrentChallengeID
	}
	return ""
}
