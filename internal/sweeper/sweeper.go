// Package sweeper is the background reaper: it stops expired and idle
// sessions and removes routes left behind by failed creation pipelines.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/botlabs-edu/sessiond/internal/metrics"
	"github.com/botlabs-edu/sessiond/internal/routing"
	"github.com/botlabs-edu/sessiond/internal/session"
	"github.com/botlabs-edu/sessiond/internal/store"
	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// stopConcurrency bounds how many sessions one pass tears down in parallel.
const stopConcurrency = 8

// Stopper tears one session down. Satisfied by the lifecycle controller.
type Stopper interface {
	StopSession(ctx context.Context, sessionID string, reason session.TerminationReason) (session.View, error)
}

// Sweeper runs periodic cleanup passes.
type Sweeper struct {
	Store   store.Store
	Routing routing.Backend
	Stopper Stopper

	// IdleThreshold stops running sessions with no activity for this long.
	// Zero disables idle reaping; expiry reaping is always on.
	IdleThreshold time.Duration

	Logger *log.Logger

	now  func() time.Time
	cron *cron.Cron
}

// New creates a sweeper with the default clock.
func New(s *Sweeper) *Sweeper {
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Start schedules recurring sweeps using a cron expression.
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger().Error("sweep pass", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one full pass: reap expired and idle sessions, then remove
// orphaned routes. Per-session failures are logged and never block the rest
// of the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()

	sessions, err := s.Store.ListByStatus(ctx, session.NonTerminalStatuses)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	var swept atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stopConcurrency)
	for _, sess := range sessions {
		reason, doomed := s.classify(sess, now)
		if !doomed {
			continue
		}
		sess := sess
		g.Go(func() error {
			if _, err := s.Stopper.StopSession(gctx, sess.ID, reason); err != nil {
				s.logger().Error("sweep session",
					"session_id", sess.ID, "reason", reason, "error", err)
				return nil
			}
			swept.Add(1)
			metrics.RecordSwept(string(reason))
			s.logger().Info("session swept",
				"session_id", sess.ID, "user_id", sess.UserID, "reason", reason)
			return nil
		})
	}
	_ = g.Wait()

	metrics.SetActiveSessions(len(sessions) - int(swept.Load()))

	if err := s.removeOrphanRoutes(ctx); err != nil {
		return fmt.Errorf("reconcile orphan routes: %w", err)
	}
	return nil
}

// classify decides whether a session should be stopped this pass. Expiry
// applies to every non-terminal status; idleness only to running sessions,
// because the mid-load statuses have a pipeline actively working on them.
func (s *Sweeper) classify(sess *session.Session, now time.Time) (session.TerminationReason, bool) {
	if sess.Expired(now) {
		return session.ReasonExpired, true
	}
	if s.IdleThreshold > 0 &&
		sess.Status == session.StatusRunning &&
		now.Sub(sess.LastActivity) > s.IdleThreshold {
		return session.ReasonIdle, true
	}
	return "", false
}

// removeOrphanRoutes deletes routes whose session is unknown or terminal.
// Failed pipelines leave these behind on purpose; this is where they get
// reclaimed.
func (s *Sweeper) removeOrphanRoutes(ctx context.Context) error {
	byID, err := s.Routing.ListSessionRoutes(ctx)
	if err != nil {
		return err
	}

	for sessionID, routes := range byID {
		sess, err := s.Store.Get(ctx, sessionID)
		switch {
		case err == nil && !sess.Status.Terminal():
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			s.logger().Error("look up session for orphan routes",
				"session_id", sessionID, "error", err)
			continue
		}

		for _, route := range routes {
			if err := s.Routing.RemoveRoute(ctx, route); err != nil {
				s.logger().Error("remove orphan route",
					"session_id", sessionID, "service", route.Service, "error", err)
				continue
			}
			s.logger().Info("orphan route removed",
				"session_id", sessionID, "service", route.Service)
		}
	}
	return nil
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}
