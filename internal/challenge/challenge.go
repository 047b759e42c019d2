// Package challenge fetches challenge workspaces from the catalog service
// and pushes them into a running sandbox.
package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// File is one workspace file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Workspace is the content payload loaded into a sandbox for one challenge.
type Workspace struct {
	ChallengeID string `json:"challenge_id"`
	Files       []File `json:"files"`
}

// Loader fetches a challenge's workspace payload.
type Loader interface {
	Fetch(ctx context.Context, challengeID string) (Workspace, error)
}

// CatalogClient fetches workspaces from the challenge catalog service over
// HTTP.
type CatalogClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCatalogClient creates a catalog client for the given base URL.
func NewCatalogClient(baseURL string) *CatalogClient {
	return &CatalogClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *CatalogClient) Fetch(ctx context.Context, challengeID string) (Workspace, error) {
	url := fmt.Sprintf("%s/challenges/%s/workspace", c.baseURL, challengeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Workspace{}, fmt.Errorf("build catalog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Workspace{}, fmt.Errorf("fetch workspace for %s: %w", challengeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Workspace{}, fmt.Errorf("challenge %s not found in catalog", challengeID)
	}
	if resp.StatusCode != http.StatusOK {
		return Workspace{}, fmt.Errorf("fetch workspace for %s: catalog returned %d", challengeID, resp.StatusCode)
	}

	var ws Workspace
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return Workspace{}, fmt.Errorf("decode workspace for %s: %w", challengeID, err)
	}
	ws.ChallengeID = challengeID
	return ws, nil
}

// Pusher loads a workspace into a sandbox through its load endpoint.
type Pusher struct {
	httpClient *http.Client
}

// NewPusher creates a workspace pusher.
func NewPusher() *Pusher {
	return &Pusher{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Push POSTs the workspace to the sandbox. Only the response status is
// checked; the sandbox owns everything past that.
func (p *Pusher) Push(ctx context.Context, sandboxURL string, ws Workspace) error {
	body, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}

	url := strings.TrimRight(sandboxURL, "/") + "/workspace/load"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push workspace to sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sandbox rejected workspace load: status %d", resp.StatusCode)
	}
	return nil
}
