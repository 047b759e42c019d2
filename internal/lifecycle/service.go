// Package lifecycle is the session orchestrator core: admission, the
// asynchronous creation pipeline, challenge switching, keep-alive, and
// termination.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/botlabs-edu/sessiond/internal/challenge"
	"github.com/botlabs-edu/sessiond/internal/compute"
	"github.com/botlabs-edu/sessiond/internal/metrics"
	"github.com/botlabs-edu/sessiond/internal/probe"
	"github.com/botlabs-edu/sessiond/internal/routing"
	"github.com/botlabs-edu/sessiond/internal/session"
	"github.com/botlabs-edu/sessiond/internal/store"
	"github.com/charmbracelet/log"
)

// Pusher loads a workspace into a sandbox. Satisfied by challenge.Pusher.
type Pusher interface {
	Push(ctx context.Context, sandboxURL string, ws challenge.Workspace) error
}

// WorkspaceSaver persists a session's in-progress work before a challenge
// switch. Implemented by an external collaborator; optional.
type WorkspaceSaver interface {
	Save(ctx context.Context, sessionID, challengeID string) error
}

// Config carries the tunables of the controller. All tables come from
// runtime configuration, not code.
type Config struct {
	// SessionTimeout is the keep-alive window; expiresAt is always at least
	// lastActivity plus this.
	SessionTimeout time.Duration
	// EstimatedReady is the provisioning estimate returned to callers of a
	// fresh admission. The pipeline budgets are static, so the estimate is
	// too.
	EstimatedReady time.Duration
	// Services is the fixed set of internal services each sandbox exposes.
	Services []routing.ServiceSpec
	// Profiles maps profile names to task sizing.
	Profiles map[string]session.ResourceProfile
	// DefaultProfile is used when the caller does not name one.
	DefaultProfile string

	// Polling budgets for the three pipeline wait sites.
	TaskRunning    probe.Budget
	TargetRegister probe.Budget
	HealthCheck    probe.Budget
}

// Service is the lifecycle controller.
type Service struct {
	Store      store.Store
	Compute    compute.Backend
	Routing    routing.Backend
	Challenges challenge.Loader
	Pusher     Pusher
	Saver      WorkspaceSaver
	Config     Config
	Logger     *log.Logger

	// HTTPClient performs the public health-check probe. Defaults to a
	// short-timeout client.
	HTTPClient *http.Client

	now      func() time.Time
	dispatch func(func())
}

// New creates a controller with default clock and goroutine dispatch.
func New(s *Service) *Service {
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.dispatch == nil {
		s.dispatch = func(fn func()) { go fn() }
	}
	if s.HTTPClient == nil {
		s.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return s
}

// StartResult is the outcome of RequestSession.
type StartResult struct {
	Session        session.View
	Created        bool
	EstimatedReady time.Duration
}

// RequestSession is the admission entry point: resume, conflict, reuse an
// idle sandbox, or create a fresh session and kick off the creation pipeline
// asynchronously.
func (s *Service) RequestSession(ctx context.Context, userID, challengeID, profileName string) (StartResult, error) {
	if userID == "" || challengeID == "" {
		return StartResult{}, fmt.Errorf("%w: user and challenge are required", ErrInvalidState)
	}

	existing, err := s.activeSession(ctx, userID)
	if err != nil {
		return StartResult{}, err
	}
	if existing != nil {
		return s.admitExisting(ctx, existing, challengeID)
	}

	res, err := s.createSession(ctx, userID, challengeID, profileName)
	if err == nil || !errors.Is(err, store.ErrActiveSessionExists) {
		return res, err
	}

	// Lost a concurrent admission race; observe the winner's session and
	// fall into the resume/conflict branches.
	existing, lookupErr := s.activeSession(ctx, userID)
	if lookupErr != nil {
		return StartResult{}, lookupErr
	}
	if existing == nil {
		return StartResult{}, err
	}
	return s.admitExisting(ctx, existing, challengeID)
}

func (s *Service) activeSession(ctx context.Context, userID string) (*session.Session, error) {
	active, err := s.Store.ListByUser(ctx, userID, session.NonTerminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("look up active session for %s: %w", userID, err)
	}
	if len(active) == 0 {
		return nil, nil
	}
	return active[0], nil
}

func (s *Service) admitExisting(ctx context.Context, sess *session.Session, challengeID string) (StartResult, error) {
	now := s.now()
	if sess.Expired(now) {
		return StartResult{}, fmt.Errorf("%w: session %s", ErrSessionExpired, sess.ID)
	}

	switch {
	case sess.CurrentChallengeID == challengeID:
		// Idempotent resume.
		return StartResult{Session: sess.View()}, nil

	case sess.CurrentChallengeID != "":
		return StartResult{}, &ChallengeConflictError{
			SessionID:          sess.ID,
			CurrentChallengeID: sess.CurrentChallengeID,
			RequestedChallenge: challengeID,
		}

	default:
		// Idle sandbox, reusable without a starting phase.
		return s.loadIntoIdle(ctx, sess, challengeID)
	}
}

func (s *Service) loadIntoIdle(ctx context.Context, sess *session.Session, challengeID string) (StartResult, error) {
	if sess.Status != session.StatusRunning {
		return StartResult{}, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.ID, sess.Status)
	}

	sess.Status = session.StatusLoadingChallenge
	if err := s.Store.Update(ctx, sess); err != nil {
		return StartResult{}, fmt.Errorf("mark session %s loading: %w", sess.ID, err)
	}

	if err := s.pushChallenge(ctx, sess, challengeID); err != nil {
		// The sandbox is still fine; give it back as idle.
		sess.Status = session.StatusRunning
		if updErr := s.Store.Update(ctx, sess); updErr != nil {
			s.logger().Error("restore idle session after failed load", "session_id", sess.ID, "error", updErr)
		}
		return StartResult{}, err
	}

	now := s.now()
	sess.CurrentChallengeID = challengeID
	sess.Status = session.StatusRunning
	sess.LastActivity = now
	sess.ExpiresAt = laterOf(sess.ExpiresAt, now.Add(s.Config.SessionTimeout))
	if err := s.Store.Update(ctx, sess); err != nil {
		return StartResult{}, fmt.Errorf("commit challenge load for %s: %w", sess.ID, err)
	}

	s.logger().Info("challenge loaded into idle sandbox",
		"session_id", sess.ID, "challenge_id", challengeID)
	return StartResult{Session: sess.View()}, nil
}

func (s *Service) createSession(ctx context.Context, userID, challengeID, profileName string) (StartResult, error) {
	if profileName == "" {
		profileName = s.Config.DefaultProfile
	}
	if _, ok := s.Config.Profiles[profileName]; !ok {
		return StartResult{}, fmt.Errorf("%w: unknown resource profile %q", ErrInvalidState, profileName)
	}

	now := s.now()
	sess := &session.Session{
		ID:                 session.NewID(),
		UserID:             userID,
		CurrentChallengeID: challengeID,
		Status:             session.StatusStarting,
		ResourceProfile:    profileName,
		CreatedAt:          now,
		LastActivity:       now,
		ExpiresAt:          now.Add(s.Config.SessionTimeout),
	}
	if err := s.Store.Create(ctx, sess); err != nil {
		return StartResult{}, err
	}

	s.logger().Info("session admitted",
		"session_id", sess.ID, "user_id", userID,
		"challenge_id", challengeID, "profile", profileName)

	id := sess.ID
	s.dispatch(func() { s.runCreationPipeline(id) })

	return StartResult{
		Session:        sess.View(),
		Created:        true,
		EstimatedReady: s.Config.EstimatedReady,
	}, nil
}

// SwitchChallenge replaces the loaded challenge on a running session. The
// challenge id and status change in one write so a reader never observes the
// new challenge with the pre-switch status.
func (s *Service) SwitchChallenge(ctx context.Context, sessionID, newChallengeID string, saveCurrentWork bool) (session.View, error) {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return session.View{}, err
	}
	if sess.Status != session.StatusRunning {
		return session.View{}, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sessionID, sess.Status)
	}
	if sess.Expired(s.now()) {
		return session.View{}, fmt.Errorf("%w: session %s", ErrSessionExpired, sessionID)
	}

	if saveCurrentWork && s.Saver != nil && sess.CurrentChallengeID != "" {
		if err := s.Saver.Save(ctx, sess.ID, sess.CurrentChallengeID); err != nil {
			return session.View{}, fmt.Errorf("save workspace before switch: %w", err)
		}
	}

	previous := sess.CurrentChallengeID
	sess.Status = session.StatusSwitchingChallenge
	if err := s.Store.Update(ctx, sess); err != nil {
		return session.View{}, fmt.Errorf("mark session %s switching: %w", sessionID, err)
	}

	if err := s.pushChallenge(ctx, sess, newChallengeID); err != nil {
		sess.Status = session.StatusRunning
		if updErr := s.Store.Update(ctx, sess); updErr != nil {
			s.logger().Error("restore session after failed switch", "session_id", sess.ID, "error", updErr)
		}
		return session.View{}, err
	}

	now := s.now()
	sess.CurrentChallengeID = newChallengeID
	sess.Status = session.StatusRunning
	sess.LastActivity = now
	sess.ExpiresAt = laterOf(sess.ExpiresAt, now.Add(s.Config.SessionTimeout))
	if err := s.Store.Update(ctx, sess); err != nil {
		return session.View{}, fmt.Errorf("commit challenge switch for %s: %w", sessionID, err)
	}

	s.logger().Info("challenge switched",
		"session_id", sess.ID, "from", previous, "to", newChallengeID)
	return sess.View(), nil
}

// ExitChallenge clears the loaded challenge but keeps the sandbox warm; a
// warm sandbox is much cheaper than provisioning a new one.
func (s *Service) ExitChallenge(ctx context.Context, sessionID string) (session.View, error) {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return session.View{}, err
	}
	switch sess.Status {
	case session.StatusRunning, session.StatusLoadingChallenge, session.StatusSwitchingChallenge:
	default:
		return session.View{}, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sessionID, sess.Status)
	}

	sess.CurrentChallengeID = ""
	sess.Status = session.StatusRunning
	sess.LastActivity = s.now()
	if err := s.Store.Update(ctx, sess); err != nil {
		return session.View{}, fmt.Errorf("exit challenge for %s: %w", sessionID, err)
	}
	return sess.View(), nil
}

// Terminate drives a session to stopped. Idempotent: terminal sessions are
// returned unchanged, and a handle is stopped at most once.
func (s *Service) Terminate(ctx context.Context, sessionID string) (session.View, error) {
	return s.terminate(ctx, sessionID, session.ReasonUserRequested)
}

// StopSession terminates a session with an explicit reason. The sweeper uses
// this for expiry and idle teardown.
func (s *Service) StopSession(ctx context.Context, sessionID string, reason session.TerminationReason) (session.View, error) {
	return s.terminate(ctx, sessionID, reason)
}

func (s *Service) terminate(ctx context.Context, sessionID string, reason session.TerminationReason) (session.View, error) {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return session.View{}, err
	}
	if sess.Status.Terminal() {
		return sess.View(), nil
	}

	if sess.Status != session.StatusStopping {
		sess.Status = session.StatusStopping
		if err := s.Store.Update(ctx, sess); err != nil {
			return session.View{}, fmt.Errorf("mark session %s stopping: %w", sessionID, err)
		}

		if sess.ComputeHandle != "" {
			// Best effort: the task may already be gone.
			if err := s.Compute.Stop(ctx, sess.ComputeHandle); err != nil {
				s.logger().Warn("stop sandbox task",
					"session_id", sess.ID, "handle", sess.ComputeHandle, "error", err)
			}
		}

		// Best effort too; the sweeper reconciles anything left behind.
		for _, route := range sess.Routes {
			if err := s.Routing.RemoveRoute(ctx, route); err != nil {
				s.logger().Warn("remove session route",
					"session_id", sess.ID, "service", route.Service, "error", err)
			}
		}
	}

	sess.Status = session.StatusStopped
	sess.TerminationReason = reason
	sess.TerminatedAt = s.now()
	if err := s.Store.Update(ctx, sess); err != nil {
		return session.View{}, fmt.Errorf("mark session %s stopped: %w", sessionID, err)
	}

	s.logger().Info("session terminated", "session_id", sess.ID, "reason", reason)
	return sess.View(), nil
}

// KeepAlive extends the session's expiry window. Expired sessions get the
// gone condition and are never mutated; expiry only ever moves forward.
func (s *Service) KeepAlive(ctx context.Context, sessionID string) (session.View, error) {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return session.View{}, err
	}
	if sess.Status.Terminal() || sess.Status == session.StatusStopping {
		return session.View{}, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sessionID, sess.Status)
	}

	now := s.now()
	if sess.Expired(now) {
		return session.View{}, fmt.Errorf("%w: session %s", ErrSessionExpired, sessionID)
	}

	sess.LastActivity = now
	sess.ExpiresAt = laterOf(sess.ExpiresAt, now.Add(s.Config.SessionTimeout))
	if err := s.Store.Update(ctx, sess); err != nil {
		return session.View{}, fmt.Errorf("keep-alive for %s: %w", sessionID, err)
	}
	metrics.RecordKeepAlive()
	return sess.View(), nil
}

// Get returns the public view of a session.
func (s *Service) Get(ctx context.Context, sessionID string) (session.View, error) {
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return session.View{}, err
	}
	return sess.View(), nil
}

// List returns the user's sessions, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID string, statuses []session.Status) ([]session.View, error) {
	sessions, err := s.Store.ListByUser(ctx, userID, statuses)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", userID, err)
	}
	views := make([]session.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View())
	}
	return views, nil
}

func (s *Service) get(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := s.Store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return sess, nil
}

func (s *Service) pushChallenge(ctx context.Context, sess *session.Session, challengeID string) error {
	ws, err := s.Challenges.Fetch(ctx, challengeID)
	if err != nil {
		return err
	}
	appURL := appRouteURL(sess)
	if appURL == "" {
		return fmt.Errorf("%w: session %s has no application route", ErrInvalidState, sess.ID)
	}
	return s.Pusher.Push(ctx, appURL, ws)
}

func appRouteURL(sess *session.Session) string {
	for _, route := range sess.Routes {
		if route.Service == session.ServiceApp {
			return route.URL
		}
	}
	return ""
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
