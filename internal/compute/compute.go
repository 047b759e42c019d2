// Package compute abstracts the backend that runs sandbox tasks. The
// orchestrator only ever launches, describes, and stops tasks; everything
// else about the task is the backend's business.
package compute

import (
	"context"

	"github.com/botlabs-edu/sessiond/internal/session"
)

// TaskState is the coarse lifecycle of a compute task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskStopped TaskState = "stopped"
)

// LaunchSpec describes one sandbox task to run.
type LaunchSpec struct {
	SessionID string
	UserID    string
	Profile   session.ResourceProfile
	// Env is merged into the sandbox container environment on top of the
	// SESSION_ID/USER_ID/heap variables the adapter always sets.
	Env map[string]string
}

// TaskStatus is a point-in-time report for a launched task.
type TaskStatus struct {
	State TaskState
	// Address is the task's private network address, set once the backend
	// has assigned one.
	Address string
	// StopReason is populated when State is TaskStopped.
	StopReason string
}

// Backend launches and controls sandbox compute tasks.
type Backend interface {
	// Launch starts a task and returns an opaque handle for it.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)

	// Describe reports the task's current state and address.
	Describe(ctx context.Context, handle string) (TaskStatus, error)

	// Stop terminates the task. Stopping an already-gone task is not an
	// error.
	Stop(ctx context.Context, handle string) error
}
