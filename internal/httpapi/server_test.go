package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/botlabs-edu/sessiond/internal/api"
	"github.com/botlabs-edu/sessiond/internal/lifecycle"
	"github.com/botlabs-edu/sessiond/internal/session"
)

type stubOrchestrator struct {
	startResult lifecycle.StartResult
	startErr    error
	view        session.View
	viewErr     error
	views       []session.View

	lastUserID      string
	lastChallengeID string
	lastProfile     string
	lastSessionID   string
	lastStatuses    []session.Status
	lastSave        bool
}

func (o *stubOrchestrator) RequestSession(_ context.Context, userID, challengeID, profileName string) (lifecycle.StartResult, error) {
	o.lastUserID, o.lastChallengeID, o.lastProfile = userID, challengeID, profileName
	return o.startResult, o.startErr
}

func (o *stubOrchestrator) Get(_ context.Context, sessionID string) (session.View, error) {
	o.lastSessionID = sessionID
	return o.view, o.viewErr
}

func (o *stubOrchestrator) List(_ context.Context, userID string, statuses []session.Status) ([]session.View, error) {
	o.lastUserID, o.lastStatuses = userID, statuses
	return o.views, o.viewErr
}

func (o *stubOrchestrator) SwitchChallenge(_ context.Context, sessionID, newChallengeID string, saveCurrentWork bool) (session.View, error) {
	o.lastSessionID, o.lastChallengeID, o.lastSave = sessionID, newChallengeID, saveCurrentWork
	return o.view, o.viewErr
}

func (o *stubOrchestrator) ExitChallenge(_ context.Context, sessionID string) (session.View, error) {
	o.lastSessionID = sessionID
	return o.view, o.viewErr
}

func (o *stubOrchestrator) KeepAlive(_ context.Context, sessionID string) (session.View, error) {
	o.lastSessionID = sessionID
	return o.view, o.viewErr
}

func (o *stubOrchestrator) Terminate(_ context.Context, sessionID string) (session.View, error) {
	o.lastSessionID = sessionID
	return o.view, o.viewErr
}

func newTestServer(orch *stubOrchestrator) *httptest.Server {
	s := NewServer(ServerConfig{Orchestrator: orch})
	return httptest.NewServer(s.Handler())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStartSessionFreshIsAccepted(t *testing.T) {
	orch := &stubOrchestrator{
		startResult: lifecycle.StartResult{
			Session:        session.View{SessionID: "ses_1", Status: session.StatusStarting},
			Created:        true,
			EstimatedReady: 45 * time.Second,
		},
	}
	srv := newTestServer(orch)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/sessions", api.StartSessionRequest{
		UserID: "user-1", ChallengeID: "intro-motors", ResourceProfile: "basic",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decodeBody[api.StartSessionResponse](t, resp)
	if !body.Created || body.EstimatedReadySeconds != 45 {
		t.Fatalf("body = %+v", body)
	}
	if orch.lastUserID != "user-1" || orch.lastChallengeID != "intro-motors" || orch.lastProfile != "basic" {
		t.Fatalf("orchestrator got %q %q %q", orch.lastUserID, orch.lastChallengeID, orch.lastProfile)
	}
}

func TestStartSessionReuseIsOK(t *testing.T) {
	orch := &stubOrchestrator{
		startResult: lifecycle.StartResult{
			Session: session.View{SessionID: "ses_1", Status: session.StatusRunning},
		},
	}
	srv := newTestServer(orch)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/sessions", api.StartSessionRequest{
		UserID: "user-1", ChallengeID: "intro-motors",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[api.StartSessionResponse](t, resp)
	if body.Created {
		t.Fatal("reuse must not report created")
	}
}

func TestStartSessionConflictCarriesLoadedChallenge(t *testing.T) {
	orch := &stubOrchestrator{
		startErr: &lifecycle.ChallengeConflictError{
			SessionID:          "ses_1",
			CurrentChallengeID: "intro-motors",
			RequestedChallenge: "advanced-sensors",
		},
	}
	srv := newTestServer(orch)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/sessions", api.StartSessionRequest{
		UserID: "user-1", ChallengeID: "advanced-sensors",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	body := decodeBody[api.ErrorResponse](t, resp)
	if body.CurrentChallengeID != "intro-motors" {
		t.Fatalf("current_challenge_id = %q", body.CurrentChallengeID)
	}
}

func TestStartSessionExpiredIsGone(t *testing.T) {
	orch := &stubOrchestrator{
		startErr: fmt.Errorf("%w: session ses_1", lifecycle.ErrSessionExpired),
	}
	srv := newTestServer(orch)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/sessions", api.StartSessionRequest{
		UserID: "user-1", ChallengeID: "intro-motors",
	})
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
}

func TestStartSessionValidatesBody(t *testing.T) {
	srv := newTestServer(&stubOrchestrator{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/sessions", api.StartSessionRequest{UserID: "user-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	orch := &stubOrchestrator{viewErr: fmt.Errorf("%w: ses_x", lifecycle.ErrSessionNotFound)}
	srv := newTestServer(orch)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/ses_x")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if orch.lastSessionID != "ses_x" {
		t.Fatalf("session id = %q", orch.lastSessionID)
	}
}

func TestListSessionsParsesStatusFilter(t *testing.T) {
	orch := &stubOrchestrator{views: []session.View{{SessionID: "ses_1"}}}
	srv := newTestServer(orch)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions?user_id=user-1&status=running&status=starting")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[api.ListSessionsResponse](t, resp)
	if len(body.Sessions) != 1 {
		t.Fatalf("sessions = %d", len(body.Sessions))
	}
	if len(orch.lastStatuses) != 2 || orch.lastStatuses[0] != session.StatusRunning {
		t.Fatalf("statuses = %v", orch.lastStatuses)
	}
}

func TestListSessionsRequiresUserID(t *testing.T) {
	srv := newTestServer(&stubOrchestrator{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSwitchChallenge(t *testing.T) {
	orch := &stubOrchestrator{view: session.View{SessionID: "ses_1", CurrentChallengeID: "advanced-sensors"}}
	srv := newTestServer(orch)
	defer srv.Close()

	raw, _ := json.Marshal(api.SwitchChallengeRequest{ChallengeID: "advanced-sensors", SaveCurrentWork: true})
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/sessions/ses_1/challenge", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if orch.lastSessionID != "ses_1" || orch.lastChallengeID != "advanced-sensors" || !orch.lastSave {
		t.Fatalf("orchestrator got %q %q save=%v", orch.lastSessionID, orch.lastChallengeID, orch.lastSave)
	}
}

func TestKeepAliveInvalidStateIsConflict(t *testing.T) {
	orch := &stubOrchestrator{viewErr: fmt.Errorf("%w: session ses_1 is stopped", lifecycle.ErrInvalidState)}
	srv := newTestServer(orch)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/sessions/ses_1/keepalive", struct{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestTerminate(t *testing.T) {
	orch := &stubOrchestrator{view: session.View{SessionID: "ses_1", Status: session.StatusStopped}}
	srv := newTestServer(orch)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/ses_1", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[api.SessionResponse](t, resp)
	if body.Session.Status != session.StatusStopped {
		t.Fatalf("status = %s", body.Session.Status)
	}
}

func TestUnclassifiedErrorsAreInternal(t *testing.T) {
	orch := &stubOrchestrator{viewErr: errors.New("sqlite exploded")}
	srv := newTestServer(orch)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/ses_1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubOrchestrator{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
