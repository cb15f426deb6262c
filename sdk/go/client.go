package buildlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal buildline HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Build mirrors the API build model.
type Build struct {
	ID          string  `json:"id"`
	Number      int     `json:"number"`
	BuildTypeID string  `json:"build_type_id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status"`
	StatusText  string  `json:"status_text,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	TriggeredBy string  `json:"triggered_by"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	QueuedAt    string  `json:"queued_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

// Finished reports whether the build reached a terminal status.
func (b Build) Finished() bool {
	switch b.Status {
	case "success", "failed", "canceled":
		return true
	}
	return false
}

// BuildStep is one executed step.
type BuildStep struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
}

// BuildDetail is a build with its steps.
type BuildDetail struct {
	Build Build       `json:"build"`
	Steps []BuildStep `json:"steps"`
}

// Agent mirrors the API agent model.
type Agent struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	MemoryMB     int               `json:"memory_mb,omitempty"`
	OS           string            `json:"os,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Enabled      bool              `json:"enabled"`
	RegisteredAt string            `json:"registered_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TriggerBuild queues a build of buildTypeID. With wait the server runs the
// build before answering.
func (c *Client) TriggerBuild(ctx context.Context, buildTypeID string, wait bool) (Build, error) {
	endpoint := fmt.Sprintf("v0/build-types/%s/builds", url.PathEscape(buildTypeID))
	if wait {
		endpoint += "?wait=true"
	}
	var resp Build
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetBuild fetches a build and its steps.
func (c *Client) GetBuild(ctx context.Context, id string) (BuildDetail, error) {
	var resp BuildDetail
	err := c.do(ctx, http.MethodGet, "v0/builds/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WaitBuild polls until the build finishes or ctx is done.
func (c *Client) WaitBuild(ctx context.Context, id string, interval time.Duration) (BuildDetail, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetBuild(ctx, id)
		if err != nil || detail.Build.Finished() {
			return detail, err
		}
		select {
		case <-ctx.Done():
			return detail, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelBuild cancels a queued build.
func (c *Client) CancelBuild(ctx context.Context, id string) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodPost, "v0/builds/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// ListAgents returns registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/agents", nil, &resp)
	return resp.Items, err
}

// RegisterAgent adds an agent to the pool.
func (c *Client) RegisterAgent(ctx context.Context, a Agent) (Agent, error) {
	body := map[string]any{
		"name":      a.Name,
		"memory_mb": a.MemoryMB,
	}
	if a.ID != "" {
		body["id"] = a.ID
	}
	if a.OS != "" {
		body["os"] = a.OS
	}
	if len(a.Params) > 0 {
		body["params"] = a.Params
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
