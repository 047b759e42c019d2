// Package client is the public Go client for the session orchestrator API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/botlabs-edu/sessiond/internal/api"
)

// Client talks to a sessiond server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the given base URL (http://host:port or
// https://host).
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// StartSession asks for a sandbox running the given challenge. Created on the
// result distinguishes a fresh provisioning from reuse.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResponse, error) {
	var out api.StartSessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out)
	return out, err
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var out api.SessionResponse
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &out)
	return out.Session, err
}

// ListSessions lists a user's sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, userID string, statuses ...Status) ([]Session, error) {
	q := url.Values{"user_id": {userID}}
	for _, st := range statuses {
		q.Add("status", string(st))
	}
	var out api.ListSessionsResponse
	err := c.do(ctx, http.MethodGet, "/v1/sessions?"+q.Encode(), nil, &out)
	return out.Sessions, err
}

// KeepAlive extends the session's expiry window.
func (c *Client) KeepAlive(ctx context.Context, sessionID string) (Session, error) {
	var out api.SessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/keepalive", nil, &out)
	return out.Session, err
}

// SwitchChallenge swaps the loaded challenge on a running session.
func (c *Client) SwitchChallenge(ctx context.Context, sessionID string, req SwitchChallengeRequest) (Session, error) {
	var out api.SessionResponse
	err := c.do(ctx, http.MethodPut, "/v1/sessions/"+url.PathEscape(sessionID)+"/challenge", req, &out)
	return out.Session, err
}

// ExitChallenge clears the loaded challenge but keeps the sandbox warm.
func (c *Client) ExitChallenge(ctx context.Context, sessionID string) (Session, error) {
	var out api.SessionResponse
	err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID)+"/challenge", nil, &out)
	return out.Session, err
}

// Terminate stops the session and tears down its sandbox.
func (c *Client) Terminate(ctx context.Context, sessionID string) (Session, error) {
	var out api.SessionResponse
	err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, &out)
	return out.Session, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiErrorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiErrorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.CurrentChallengeID = body.CurrentChallengeID
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
