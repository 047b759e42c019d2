package lifecycle

import (
	"context"
	"fmt"
	"net/http"

	"github.com/botlabs-edu/sessiond/internal/compute"
	"github.com/botlabs-edu/sessiond/internal/metrics"
	"github.com/botlabs-edu/sessiond/internal/probe"
	"github.com/botlabs-edu/sessiond/internal/session"
)

// runCreationPipeline drives a fresh session from starting to running:
// launch task, provision routes, wait for the task address, register
// targets, gate on the public health check, load the requested challenge.
// Any failure marks the session failed; partially created backend resources
// are reclaimed by the sweeper, never rolled back inline.
func (s *Service) runCreationPipeline(sessionID string) {
	// The pipeline outlives the admission request and has no cancellation
	// trigger; every wait inside is bounded by its attempt budget.
	ctx := context.Background()
	started := s.now()

	sess, err := s.Store.Get(ctx, sessionID)
	if err != nil {
		s.logger().Error("creation pipeline lost its session", "session_id", sessionID, "error", err)
		return
	}
	// Terminate is valid from starting and the sweeper reaps expired starting
	// sessions, so the record may already belong to someone else.
	if sess.Status != session.StatusStarting {
		s.logger().Info("creation pipeline superseded",
			"session_id", sessionID, "status", sess.Status)
		return
	}

	profile := s.Config.Profiles[sess.ResourceProfile]

	handle, err := s.Compute.Launch(ctx, compute.LaunchSpec{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Profile:   profile,
	})
	if err != nil {
		s.failCreation(ctx, sess, "launch", err)
		return
	}
	sess.ComputeHandle = handle
	ok, err := s.updateWhileStarting(ctx, sess)
	if err != nil {
		s.failCreation(ctx, sess, "launch", err)
		return
	}
	if !ok {
		s.abandonCreation(ctx, sess)
		return
	}

	for _, svc := range s.Config.Services {
		route, err := s.Routing.CreateRoute(ctx, sess.ID, svc)
		if err != nil {
			s.failCreation(ctx, sess, "route", err)
			return
		}
		sess.Routes = append(sess.Routes, route)
	}
	ok, err = s.updateWhileStarting(ctx, sess)
	if err != nil {
		s.failCreation(ctx, sess, "route", err)
		return
	}
	if !ok {
		s.abandonCreation(ctx, sess)
		return
	}

	address, err := s.waitForTaskRunning(ctx, handle)
	if err != nil {
		s.failCreation(ctx, sess, "task_running", err)
		return
	}

	for _, route := range sess.Routes {
		port := s.servicePort(route.Service)
		register := func(ctx context.Context) error {
			return s.Routing.RegisterTarget(ctx, route, address, port)
		}
		if err := probe.Until(ctx, s.Config.TargetRegister, register); err != nil {
			s.failCreation(ctx, sess, "register_target", err)
			return
		}
	}

	if err := s.waitForHealthy(ctx, sess); err != nil {
		s.failCreation(ctx, sess, "health_check", err)
		return
	}

	if sess.CurrentChallengeID != "" {
		if err := s.pushChallenge(ctx, sess, sess.CurrentChallengeID); err != nil {
			s.failCreation(ctx, sess, "load_challenge", err)
			return
		}
	}

	now := s.now()
	sess.Status = session.StatusRunning
	sess.LastActivity = now
	sess.ExpiresAt = laterOf(sess.ExpiresAt, now.Add(s.Config.SessionTimeout))
	ok, err = s.updateWhileStarting(ctx, sess)
	if err != nil {
		s.failCreation(ctx, sess, "commit", err)
		return
	}
	if !ok {
		s.abandonCreation(ctx, sess)
		return
	}

	metrics.RecordSessionCreated(now.Sub(started))
	s.logger().Info("session running",
		"session_id", sess.ID,
		"handle", sess.ComputeHandle,
		"routes", len(sess.Routes),
		"elapsed", now.Sub(started))
}

// waitForTaskRunning polls the compute backend until the task is running and
// has an address. A task observed stopped before ever running aborts
// immediately instead of burning the rest of the budget.
func (s *Service) waitForTaskRunning(ctx context.Context, handle string) (string, error) {
	var address string
	err := probe.Until(ctx, s.Config.TaskRunning, func(ctx context.Context) error {
		status, err := s.Compute.Describe(ctx, handle)
		if err != nil {
			return err
		}
		switch status.State {
		case compute.TaskStopped:
			return probe.Fatal(fmt.Errorf("task stopped before reaching running: %s", status.StopReason))
		case compute.TaskRunning:
			if status.Address == "" {
				return fmt.Errorf("task running but no address yet")
			}
			address = status.Address
			return nil
		default:
			return fmt.Errorf("task still %s", status.State)
		}
	})
	if err != nil {
		return "", err
	}
	return address, nil
}

// waitForHealthy polls the sandbox's public health endpoint through the
// routing layer, proving the whole path works before the session goes
// running.
func (s *Service) waitForHealthy(ctx context.Context, sess *session.Session) error {
	appURL := appRouteURL(sess)
	if appURL == "" {
		return fmt.Errorf("session %s has no application route", sess.ID)
	}
	healthURL := appURL + s.appHealthPath()

	return probe.Until(ctx, s.Config.HealthCheck, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return probe.Fatal(err)
		}
		resp, err := s.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	})
}

func (s *Service) servicePort(name session.ServiceName) int32 {
	for _, svc := range s.Config.Services {
		if svc.Name == name {
			return svc.Port
		}
	}
	return 0
}

func (s *Service) appHealthPath() string {
	for _, svc := range s.Config.Services {
		if svc.Name == session.ServiceApp {
			return svc.HealthCheckPath
		}
	}
	return "/healthz"
}

// updateWhileStarting persists the pipeline's accumulated state only while
// the stored record is still starting. Terminate and the sweeper can take a
// starting session away from the pipeline at any point; once they do, their
// write wins and the pipeline stands down.
func (s *Service) updateWhileStarting(ctx context.Context, sess *session.Session) (bool, error) {
	current, err := s.Store.Get(ctx, sess.ID)
	if err != nil {
		return false, err
	}
	if current.Status != session.StatusStarting {
		return false, nil
	}
	if sess.Status != current.Status && !session.CanTransition(current.Status, sess.Status) {
		return false, nil
	}
	if err := s.Store.Update(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

// abandonCreation stands the pipeline down after another actor took the
// session. A task launched for the dead session is stopped best effort;
// tagged routing resources are left to the sweeper's orphan pass.
func (s *Service) abandonCreation(ctx context.Context, sess *session.Session) {
	s.logger().Info("creation pipeline superseded",
		"session_id", sess.ID, "handle", sess.ComputeHandle)
	if sess.ComputeHandle == "" {
		return
	}
	if err := s.Compute.Stop(ctx, sess.ComputeHandle); err != nil {
		s.logger().Error("stop superseded sandbox task",
			"session_id", sess.ID, "handle", sess.ComputeHandle, "error", err)
	}
}

func (s *Service) failCreation(ctx context.Context, sess *session.Session, stage string, cause error) {
	metrics.RecordCreationFailure(stage)
	s.logger().Error("creation pipeline failed",
		"session_id", sess.ID, "stage", stage, "error", cause)

	sess.Status = session.StatusFailed
	sess.FailureReason = fmt.Sprintf("%s: %v", stage, cause)
	ok, err := s.updateWhileStarting(ctx, sess)
	if err != nil {
		s.logger().Error("record creation failure",
			"session_id", sess.ID, "error", err)
		return
	}
	if !ok {
		s.logger().Info("creation failure superseded",
			"session_id", sess.ID, "stage", stage)
	}
}
