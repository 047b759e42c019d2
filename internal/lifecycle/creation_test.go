package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/botlabs-edu/sessiond/internal/compute"
	"github.com/botlabs-edu/sessiond/internal/session"
)

func requestAndGet(t *testing.T, f *fixture) *session.Session {
	t.Helper()
	res, err := f.svc.RequestSession(context.Background(), "user-1", "intro-motors", "")
	if err != nil {
		t.Fatalf("RequestSession: %v", err)
	}
	return f.mustGet(t, res.Session.SessionID)
}

func TestPipelineLaunchFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.compute.launchErr = errors.New("capacity unavailable")

	sess := requestAndGet(t, f)
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if !strings.HasPrefix(sess.FailureReason, "launch:") {
		t.Fatalf("failure reason = %q", sess.FailureReason)
	}
}

func TestPipelineRouteFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.routing.createErr = errors.New("listener rule quota exceeded")

	sess := requestAndGet(t, f)
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if !strings.HasPrefix(sess.FailureReason, "route:") {
		t.Fatalf("failure reason = %q", sess.FailureReason)
	}
}

func TestPipelineStoppedTaskFailsWithoutBurningBudget(t *testing.T) {
	f := newFixture(t)
	f.compute.statuses = []compute.TaskStatus{
		{State: compute.TaskStopped, StopReason: "OutOfMemoryError"},
	}

	sess := requestAndGet(t, f)
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if !strings.Contains(sess.FailureReason, "OutOfMemoryError") {
		t.Fatalf("failure reason = %q", sess.FailureReason)
	}
	if f.compute.describeCalls != 1 {
		t.Fatalf("describe calls = %d, want 1 (stopped is a hard failure)", f.compute.describeCalls)
	}
}

func TestPipelineWaitsThroughPendingStates(t *testing.T) {
	f := newFixture(t)
	f.compute.statuses = []compute.TaskStatus{
		{State: compute.TaskPending},
		{State: compute.TaskRunning},
		{State: compute.TaskRunning, Address: "10.0.0.5"},
	}

	sess := requestAndGet(t, f)
	if sess.Status != session.StatusRunning {
		t.Fatalf("status = %s, want running (failure: %s)", sess.Status, sess.FailureReason)
	}
	if f.compute.describeCalls != 3 {
		t.Fatalf("describe calls = %d, want 3", f.compute.describeCalls)
	}
}

func TestPipelineTaskNeverRunningTimesOut(t *testing.T) {
	f := newFixture(t)
	f.compute.statuses = []compute.TaskStatus{{State: compute.TaskPending}}

	sess := requestAndGet(t, f)
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if !strings.HasPrefix(sess.FailureReason, "task_running:") {
		t.Fatalf("failure reason = %q", sess.FailureReason)
	}
	if f.compute.describeCalls != 3 {
		t.Fatalf("describe calls = %d, want the full budget of 3", f.compute.describeCalls)
	}
}

func TestPipelineHealthCheckFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "starting up", http.StatusServiceUnavailable)
	}))
	defer sick.Close()
	f.routing.baseURL = sick.URL

	sess := requestAndGet(t, f)
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if !strings.HasPrefix(sess.FailureReason, "health_check:") {
		t.Fatalf("failure reason = %q", sess.FailureReason)
	}
}

func TestPipelineChallengeLoadFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.loader.err = errors.New("catalog unreachable")

	sess := requestAndGet(t, f)
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	if !strings.HasPrefix(sess.FailureReason, "load_challenge:") {
		t.Fatalf("failure reason = %q", sess.FailureReason)
	}
}

func TestPipelineAbortsWhenSessionAlreadyTerminated(t *testing.T) {
	f := newFixture(t)
	var pipeline func()
	f.svc.dispatch = func(fn func()) { pipeline = fn }

	res, err := f.svc.RequestSession(context.Background(), "user-1", "intro-motors", "")
	if err != nil {
		t.Fatalf("RequestSession: %v", err)
	}
	if _, err := f.svc.Terminate(context.Background(), res.Session.SessionID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	pipeline()

	sess := f.mustGet(t, res.Session.SessionID)
	if sess.Status != session.StatusStopped {
		t.Fatalf("status = %s, want stopped", sess.Status)
	}
	if sess.TerminationReason != session.ReasonUserRequested {
		t.Fatalf("termination reason = %q", sess.TerminationReason)
	}
	if len(f.compute.launches) != 0 {
		t.Fatal("no task may launch for a terminated session")
	}
}

// hookStore fires a one-shot hook before the nth read, letting a test sneak a
// concurrent writer into the middle of the creation pipeline.
type hookStore struct {
	*memStore
	gets   int
	hookOn int
	hook   func()
}

func (h *hookStore) Get(ctx context.Context, id string) (*session.Session, error) {
	h.gets++
	if h.hook != nil && h.gets == h.hookOn {
		fn := h.hook
		h.hook = nil
		fn()
	}
	return h.memStore.Get(ctx, id)
}

func TestPipelineStandsDownWhenTerminatedMidFlight(t *testing.T) {
	f := newFixture(t)
	var pipeline func()
	f.svc.dispatch = func(fn func()) { pipeline = fn }

	res, err := f.svc.RequestSession(context.Background(), "user-1", "intro-motors", "")
	if err != nil {
		t.Fatalf("RequestSession: %v", err)
	}
	id := res.Session.SessionID

	// The pipeline reads once at entry and once more before recording the
	// launched handle; terminate lands between the two.
	hs := &hookStore{memStore: f.store, hookOn: 2}
	hs.hook = func() {
		if _, err := f.svc.Terminate(context.Background(), id); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	}
	f.svc.Store = hs

	pipeline()

	sess := f.mustGet(t, id)
	if sess.Status != session.StatusStopped {
		t.Fatalf("status = %s, want stopped", sess.Status)
	}
	if sess.TerminationReason != session.ReasonUserRequested {
		t.Fatalf("termination reason = %q", sess.TerminationReason)
	}
	if sess.FailureReason != "" {
		t.Fatalf("failure reason = %q, want none", sess.FailureReason)
	}
	if len(f.compute.launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(f.compute.launches))
	}
	if len(f.compute.stops) != 1 || f.compute.stops[0] != "task-"+id {
		t.Fatalf("stops = %v, want the orphaned task stopped", f.compute.stops)
	}
}

func TestPipelineFailureNeverOverwritesTermination(t *testing.T) {
	f := newFixture(t)
	var pipeline func()
	f.svc.dispatch = func(fn func()) { pipeline = fn }
	f.routing.createErr = errors.New("listener rule quota exceeded")

	res, err := f.svc.RequestSession(context.Background(), "user-1", "intro-motors", "")
	if err != nil {
		t.Fatalf("RequestSession: %v", err)
	}
	id := res.Session.SessionID

	// Terminate lands after the handle is recorded, just before the failed
	// route stage writes back; failed must not overwrite stopped.
	hs := &hookStore{memStore: f.store, hookOn: 3}
	hs.hook = func() {
		if _, err := f.svc.Terminate(context.Background(), id); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	}
	f.svc.Store = hs

	pipeline()

	sess := f.mustGet(t, id)
	if sess.Status != session.StatusStopped {
		t.Fatalf("status = %s, want stopped", sess.Status)
	}
	if sess.FailureReason != "" {
		t.Fatalf("failure reason = %q, want none", sess.FailureReason)
	}
}

func TestPipelineRecordsHandleBeforeWaiting(t *testing.T) {
	f := newFixture(t)
	f.compute.statuses = []compute.TaskStatus{{State: compute.TaskPending}}

	sess := requestAndGet(t, f)
	if sess.ComputeHandle == "" {
		t.Fatal("handle must be persisted even when the pipeline later fails")
	}
	if len(sess.Routes) != 2 {
		t.Fatalf("routes = %d, want 2 persisted for the sweeper", len(sess.Routes))
	}
}
