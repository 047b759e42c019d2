package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botlabs-edu/sessiond/internal/session"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in a single sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) the session database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session database directory for %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session database %q: %w", path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initDB(ctx context.Context) error {
	// The partial unique index is what makes admission race-free: two
	// concurrent inserts for the same user cannot both land while either
	// row is in a non-terminal status.
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			current_challenge_id TEXT NOT NULL,
			status TEXT NOT NULL,
			compute_handle TEXT NOT NULL,
			routes_json TEXT NOT NULL,
			resource_profile TEXT NOT NULL,
			failure_reason TEXT NOT NULL,
			termination_reason TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL,
			last_activity_unix INTEGER NOT NULL,
			expires_at_unix INTEGER NOT NULL,
			terminated_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_user ON sessions(user_id)
			WHERE status IN ('starting', 'running', 'loading_challenge', 'switching_challenge');
	`)
	if err != nil {
		return fmt.Errorf("initialise session schema: %w", err)
	}
	return nil
}

const sessionColumns = `
	session_id,
	user_id,
	current_challenge_id,
	status,
	compute_handle,
	routes_json,
	resource_profile,
	failure_reason,
	termination_reason,
	created_at_unix,
	last_activity_unix,
	expires_at_unix,
	terminated_at_unix
`

func (s *SQLiteStore) Create(ctx context.Context, sess *session.Session) error {
	routesJSON, err := marshalRoutes(sess.Routes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID,
		sess.UserID,
		sess.CurrentChallengeID,
		string(sess.Status),
		sess.ComputeHandle,
		routesJSON,
		sess.ResourceProfile,
		sess.FailureReason,
		string(sess.TerminationReason),
		unixOrZero(sess.CreatedAt),
		unixOrZero(sess.LastActivity),
		unixOrZero(sess.ExpiresAt),
		unixOrZero(sess.TerminatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sessions.user_id") {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?
	`, sessionID)

	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, statuses []session.Status) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ?`
	args := []any{userID}
	query, args = appendStatusFilter(query, args, statuses)
	query += ` ORDER BY created_at_unix DESC, session_id ASC`
	return s.querysessions(ctx, query, args)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses []session.Status) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any
	query, args = appendStatusFilter(query, args, statuses)
	query += ` ORDER BY created_at_unix ASC, session_id ASC`
	return s.querysessions(ctx, query, args)
}

func appendStatusFilter(query string, args []any, statuses []session.Status) (string, []any) {
	if len(statuses) == 0 {
		return query, args
	}
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	return query + ` AND status IN (` + strings.Join(placeholders, ", ") + `)`, args
}

func (s *SQLiteStore) querysessions(ctx context.Context, query string, args []any) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*session.Session, 0)
	for rows.Next() {
		sess, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, sess *session.Session) error {
	routesJSON, err := marshalRoutes(sess.Routes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			current_challenge_id = ?,
			status = ?,
			compute_handle = ?,
			routes_json = ?,
			failure_reason = ?,
			termination_reason = ?,
			last_activity_unix = ?,
			expires_at_unix = ?,
			terminated_at_unix = ?
		WHERE session_id = ?
	`,
		sess.CurrentChallengeID,
		string(sess.Status),
		sess.ComputeHandle,
		routesJSON,
		sess.FailureReason,
		string(sess.TerminationReason),
		unixOrZero(sess.LastActivity),
		unixOrZero(sess.ExpiresAt),
		unixOrZero(sess.TerminatedAt),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*session.Session, error) {
	var (
		sess              session.Session
		status            string
		terminationReason string
		routesJSON        string
		createdAt         int64
		lastActivity      int64
		expiresAt         int64
		terminatedAt      int64
	)

	if err := sc.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.CurrentChallengeID,
		&status,
		&sess.ComputeHandle,
		&routesJSON,
		&sess.ResourceProfile,
		&sess.FailureReason,
		&terminationReason,
		&createdAt,
		&lastActivity,
		&expiresAt,
		&terminatedAt,
	); err != nil {
		return nil, err
	}

	sess.Status = session.Status(status)
	sess.TerminationReason = session.TerminationReason(terminationReason)
	sess.CreatedAt = timeOrZero(createdAt)
	sess.LastActivity = timeOrZero(lastActivity)
	sess.ExpiresAt = timeOrZero(expiresAt)
	sess.TerminatedAt = timeOrZero(terminatedAt)

	routes, err := unmarshalRoutes(routesJSON)
	if err != nil {
		return nil, err
	}
	sess.Routes = routes
	return &sess, nil
}

func marshalRoutes(routes []session.Route) (string, error) {
	if routes == nil {
		routes = []session.Route{}
	}
	b, err := json.Marshal(routes)
	if err != nil {
		return "", fmt.Errorf("marshal session routes: %w", err)
	}
	return string(b), nil
}

func unmarshalRoutes(raw string) ([]session.Route, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []session.Route
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse session routes: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
