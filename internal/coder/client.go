// Package coder is a minimal client for the workspace host's v2 API:
// listing running workspaces, issuing stop builds, and resolving session
// tokens to users.
package coder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// Workspace list/stop calls carry a 30 s budget; token validation 10 s.
	workspaceTimeout = 30 * time.Second
	userInfoTimeout  = 10 * time.Second

	// pageLimit is the offset/limit page size for workspace listings.
	pageLimit = 50
)

// Build is the latest build of a workspace.
type Build struct {
	Status    string     `json:"status"`
	CreatedAt *time.Time `json:"created_at"`
}

// Workspace is the snapshot the host reports for one workspace.
type Workspace struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	OwnerName   string     `json:"owner_name"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	LatestBuild Build      `json:"latest_build"`
}

// User identifies the principal behind a session token.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Client talks to the workspace host.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a workspace-host client authenticated by token. The
// token may be empty; callers that need it should check HasToken.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: workspaceTimeout},
	}
}

// HasToken reports whether a session token was configured.
func (c *Client) HasToken() bool { return c.token != "" }

// BaseURL returns the configured host URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ListRunningWorkspaces pages through the host's workspace listing and
// returns every workspace whose latest build is running.
func (c *Client) ListRunningWorkspaces(ctx context.Context) ([]Workspace, error) {
	var running []Workspace
	offset := 0

	for {
		page, total, err := c.listPage(ctx, offset, pageLimit)
		if err != nil {
			return nil, err
		}
		for _, ws := range page {
			if ws.LatestBuild.Status == "running" {
				running = append(running, ws)
			}
		}
		offset += pageLimit
		if offset >= total {
			return running, nil
		}
	}
}

func (c *Client) listPage(ctx context.Context, offset, limit int) ([]Workspace, int, error) {
	ctx, cancel := context.WithTimeout(ctx, workspaceTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v2/workspaces?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, fmt.Errorf("coder: list workspaces: status %d: %s", resp.StatusCode, body)
	}

	var page struct {
		Workspaces []Workspace `json:"workspaces"`
		Count      int         `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, 0, fmt.Errorf("coder: decode workspace page: %w", err)
	}
	return page.Workspaces, page.Count, nil
}

// StopWorkspace issues a stop transition build for the workspace.
func (c *Client) StopWorkspace(ctx context.Context, workspaceID string) error {
	ctx, cancel := context.WithTimeout(ctx, workspaceTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"transition": "stop"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v2/workspaces/%s/builds", c.baseURL, workspaceID),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("coder: stop workspace %s: status %d: %s", workspaceID, resp.StatusCode, raw)
	}
	return nil
}

// CurrentUser validates sessionToken against the host's user-info
// endpoint and returns the authenticated user. The provided token is
// used, not the client's own.
func (c *Client) CurrentUser(ctx context.Context, sessionToken string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, userInfoTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/users/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Coder-Session-Token", sessionToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidSession
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("coder: decode user info: %w", err)
	}
	return &user, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Coder-Session-Token", c.token)
	req.Header.Set("Accept", "application/json")
}
