// Package session defines the durable record the orchestrator keeps for each
// learner sandbox: lifecycle status, routing, and the timestamps that govern
// expiry.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting           Status = "starting"
	StatusRunning            Status = "running"
	StatusLoadingChallenge   Status = "loading_challenge"
	StatusSwitchingChallenge Status = "switching_challenge"
	StatusFailed             Status = "failed"
	StatusStopping           Status = "stopping"
	StatusStopped            Status = "stopped"
)

// NonTerminalStatuses are the states that count against the one-sandbox-per-user
// admission check and that the sweeper scans.
var NonTerminalStatuses = []Status{
	StatusStarting,
	StatusRunning,
	StatusLoadingChallenge,
	StatusSwitchingChallenge,
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusStopped
}

var transitions = map[Status][]Status{
	StatusStarting:           {StatusRunning, StatusFailed, StatusStopping},
	StatusRunning:            {StatusLoadingChallenge, StatusSwitchingChallenge, StatusStopping},
	StatusLoadingChallenge:   {StatusRunning, StatusStopping},
	StatusSwitchingChallenge: {StatusRunning, StatusStopping},
	StatusStopping:           {StatusStopped},
	StatusFailed:             {},
	StatusStopped:            {},
}

// CanTransition reports whether the edge from -> to is part of the lifecycle
// state machine. Self-transitions are not edges.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminationReason records why the sweeper or a caller stopped a session.
type TerminationReason string

const (
	ReasonUserRequested TerminationReason = "user_requested"
	ReasonExpired       TerminationReason = "expired"
	ReasonIdle          TerminationReason = "idle"
)

// ServiceName identifies one of the internal services a sandbox exposes.
type ServiceName string

const (
	ServiceApp       ServiceName = "app"
	ServiceTelemetry ServiceName = "telemetry"
	ServiceSimBridge ServiceName = "simbridge"
	ServiceLangServ  ServiceName = "langserver"
)

// Route is one public-path-to-private-address forwarding rule plus its
// backing target registration.
type Route struct {
	Service   ServiceName `json:"service"`
	RuleRef   string      `json:"rule_ref"`
	TargetRef string      `json:"target_ref"`
	URL       string      `json:"url"`
}

// Session is the orchestrator's record of one sandbox.
type Session struct {
	ID                 string
	UserID             string
	CurrentChallengeID string
	Status             Status
	ComputeHandle      string
	Routes             []Route
	ResourceProfile    string
	FailureReason      string
	TerminationReason  TerminationReason
	CreatedAt          time.Time
	LastActivity       time.Time
	ExpiresAt          time.Time
	TerminatedAt       time.Time
}

// Expired reports whether the session's expiry deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a detached copy, safe to hand to callers while the original
// keeps being mutated by the controller.
func (s *Session) Clone() *Session {
	out := *s
	out.Routes = make([]Route, len(s.Routes))
	copy(out.Routes, s.Routes)
	return &out
}

// View is the public projection of a session. It never carries the compute
// handle.
type View struct {
	SessionID          string            `json:"session_id"`
	UserID             string            `json:"user_id"`
	CurrentChallengeID string            `json:"current_challenge_id,omitempty"`
	Status             Status            `json:"status"`
	Routes             []Route           `json:"routes,omitempty"`
	ResourceProfile    string            `json:"resource_profile"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	TerminationReason  TerminationReason `json:"termination_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	LastActivity       time.Time         `json:"last_activity"`
	ExpiresAt          time.Time         `json:"expires_at"`
	TerminatedAt       *time.Time        `json:"terminated_at,omitempty"`
}

// View returns the public projection.
func (s *Session) View() View {
	v := View{
		SessionID:          s.ID,
		UserID:             s.UserID,
		CurrentChallengeID: s.CurrentChallengeID,
		Status:             s.Status,
		Routes:             append([]Route(nil), s.Routes...),
		ResourceProfile:    s.ResourceProfile,
		FailureReason:      s.FailureReason,
		TerminationReason:  s.TerminationReason,
		CreatedAt:          s.CreatedAt,
		LastActivity:       s.LastActivity,
		ExpiresAt:          s.ExpiresAt,
	}
	if !s.TerminatedAt.IsZero() {
		t := s.TerminatedAt
		v.TerminatedAt = &t
	}
	return v
}
