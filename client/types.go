package client

import (
	"github.com/botlabs-edu/sessiond/internal/api"
	"github.com/botlabs-edu/sessiond/internal/session"
)

// Session is the public view of a sandbox session.
type Session = session.View

// Status is a session lifecycle status.
type Status = session.Status

const (
	StatusStarting           = session.StatusStarting
	StatusRunning            = session.StatusRunning
	StatusLoadingChallenge   = session.StatusLoadingChallenge
	StatusSwitchingChallenge = session.StatusSwitchingChallenge
	StatusFailed             = session.StatusFailed
	StatusStopping           = session.StatusStopping
	StatusStopped            = session.StatusStopped
)

// Route is one public service URL of a session.
type Route = session.Route

type StartSessionRequest = api.StartSessionRequest
type StartSessionResponse = api.StartSessionResponse
type SwitchChallengeRequest = api.SwitchChallengeRequest
