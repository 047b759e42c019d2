// Package api defines the JSON wire types of the orchestrator's HTTP
// surface. The server and the Go client both speak these.
package api

import (
	"github.com/botlabs-edu/sessiond/internal/session"
)

// StartSessionRequest asks for a sandbox running the given challenge. The
// server decides whether that means resuming, reusing an idle sandbox, or
// provisioning a fresh one.
type StartSessionRequest struct {
	UserID          string `json:"user_id"`
	ChallengeID     string `json:"challenge_id"`
	ResourceProfile string `json:"resource_profile,omitempty"`
}

// StartSessionResponse reports the admitted session. Created distinguishes a
// fresh provisioning (202) from reuse of an existing sandbox (200).
type StartSessionResponse struct {
	Session               session.View `json:"session"`
	Created               bool         `json:"created"`
	EstimatedReadySeconds int64        `json:"estimated_ready_seconds,omitempty"`
}

// SwitchChallengeRequest swaps the loaded challenge on a running session.
type SwitchChallengeRequest struct {
	ChallengeID     string `json:"challenge_id"`
	SaveCurrentWork bool   `json:"save_current_work"`
}

// SessionResponse wraps a single session view.
type SessionResponse struct {
	Session session.View `json:"session"`
}

// ListSessionsResponse wraps a session listing.
type ListSessionsResponse struct {
	Sessions []session.View `json:"sessions"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	// CurrentChallengeID is set on challenge conflicts so the caller can tell
	// the user which challenge to exit first.
	CurrentChallengeID string `json:"current_challenge_id,omitempty"`
}
