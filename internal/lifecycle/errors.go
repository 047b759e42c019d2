package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is the "gone" condition: the session existed but its
	// expiry deadline has passed. Callers must be able to tell it apart from
	// "never existed".
	ErrSessionExpired = errors.New("session has expired")

	// ErrInvalidState is returned when an operation is not legal in the
	// session's current status.
	ErrInvalidState = errors.New("operation not valid in current session state")
)

// ChallengeConflictError is returned when a user asks for a challenge while a
// different one is loaded. The caller must exit the current challenge first;
// discarding in-progress work silently is not acceptable.
type ChallengeConflictError struct {
	SessionID          string
	CurrentChallengeID string
	RequestedChallenge string
}

func (e *ChallengeConflictError) Error() string {
	return fmt.Sprintf("session %s already has challenge %q loaded (requested %q)",
		e.SessionID, e.CurrentChallengeID, e.RequestedChallenge)
}
