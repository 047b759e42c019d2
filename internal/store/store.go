// Package store persists session records. Two backends are provided: sqlite
// for single-node deployments and redis for multi-node ones. Both enforce
// create-if-absent admission per user.
package store

import (
	"context"
	"errors"

	"github.com/botlabs-edu/sessiond/internal/session"
)

var (
	// ErrNotFound is returned when a session doesn't exist.
	ErrNotFound = errors.New("session not found")
	// ErrActiveSessionExists is returned by Create when the user already has
	// a non-terminal session. The loser of a concurrent admission race sees
	// this and must re-read the winner's session.
	ErrActiveSessionExists = errors.New("user already has an active session")
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("session store is closed")
)

// Store abstracts session persistence. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create inserts a new session. It fails with ErrActiveSessionExists if
	// the user already owns a session in a non-terminal status.
	Create(ctx context.Context, s *session.Session) error

	// Get retrieves a session by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, sessionID string) (*session.Session, error)

	// ListByUser returns the user's sessions whose status is in statuses.
	// An empty statuses slice matches everything.
	ListByUser(ctx context.Context, userID string, statuses []session.Status) ([]*session.Session, error)

	// ListByStatus returns every session whose status is in statuses.
	ListByStatus(ctx context.Context, statuses []session.Status) ([]*session.Session, error)

	// Update overwrites the stored record for s.ID. Last write wins; there is
	// no cross-record transaction.
	Update(ctx context.Context, s *session.Session) error

	// Close releases any resources held by the store.
	Close() error
}

func statusMatches(s session.Status, statuses []session.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
