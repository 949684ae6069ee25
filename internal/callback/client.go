package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Version is reported to the API with every session result.
const Version = "1.0"

const healthTimeout = 5 * time.Second

// HistoryEntry is one agent step forwarded to the API.
type HistoryEntry map[string]any

type SessionResult struct {
	ProjectID    string
	FlowID       string
	AgentHistory []HistoryEntry
	MediaURLs    []string
	Status       string
	Error        string
	Metadata     map[string]any
}

type StatusUpdate struct {
	ProjectID string
	FlowID    string
	Status    string
	Progress  int
	Message   string
}

// Webhook is the body POSTed to a task's callback_url.
type Webhook struct {
	TaskID       string         `json:"task_id"`
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	AgentHistory []HistoryEntry `json:"agent_history,omitempty"`
}

type sessionPayload struct {
	AgentHistory        []HistoryEntry `json:"agent_history"`
	MediaURLs           []string       `json:"media_urls"`
	Status              string         `json:"status"`
	Timestamp           time.Time      `json:"timestamp"`
	MicroserviceVersion string         `json:"microservice_version"`
	Error               string         `json:"error,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

type statusPayload struct {
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client delivers results to the project API and to ad-hoc webhooks. None of
// its methods return errors: every failure is logged and reported as false.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *Client) flowURL(projectID, flowID, suffix string) string {
	return fmt.Sprintf("%s/project/%s/flow/%s/%s", c.baseURL, url.PathEscape(projectID), url.PathEscape(flowID), suffix)
}

func (c *Client) SendSessionResult(ctx context.Context, r SessionResult) bool {
	history := r.AgentHistory
	if history == nil {
		history = []HistoryEntry{}
	}
	media := r.MediaURLs
	if media == nil {
		media = []string{}
	}
	payload := sessionPayload{
		AgentHistory:        history,
		MediaURLs:           media,
		Status:              r.Status,
		Timestamp:           time.Now().UTC(),
		MicroserviceVersion: Version,
		Error:               r.Error,
		Metadata:            r.Metadata,
	}
	endpoint := c.flowURL(r.ProjectID, r.FlowID, "session/create")
	if err := c.post(ctx, endpoint, payload); err != nil {
		slog.ErrorContext(ctx, "failed to send session result",
			"project_id", r.ProjectID, "flow_id", r.FlowID, "error", err)
		return false
	}
	slog.InfoContext(ctx, "session result delivered", "project_id", r.ProjectID, "flow_id", r.FlowID, "status", r.Status)
	return true
}

// SendStatusUpdate is advisory; failures are logged at warn level.
func (c *Client) SendStatusUpdate(ctx context.Context, u StatusUpdate) bool {
	payload := statusPayload{
		Status:    u.Status,
		Progress:  min(max(u.Progress, 0), 100),
		Message:   u.Message,
		Timestamp: time.Now().UTC(),
	}
	if err := c.post(ctx, c.flowURL(u.ProjectID, u.FlowID, "status"), payload); err != nil {
		slog.WarnContext(ctx, "failed to send status update",
			"project_id", u.ProjectID, "flow_id", u.FlowID, "status", u.Status, "error", err)
		return false
	}
	return true
}

func (c *Client) SendWebhook(ctx context.Context, callbackURL string, w Webhook) bool {
	if w.Timestamp.IsZero() {
		w.Timestamp = time.Now().UTC()
	}
	if err := c.post(ctx, callbackURL, w); err != nil {
		slog.ErrorContext(ctx, "failed to send webhook", "task_id", w.TaskID, "callback_url", callbackURL, "error", err)
		return false
	}
	return true
}

// HealthCheck probes {base}/health and falls back to the base URL itself,
// which counts as reachable when it answers below 500.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if status, err := c.get(ctx, c.baseURL+"/health"); err == nil && status == http.StatusOK {
		return true
	}
	status, err := c.get(ctx, c.baseURL)
	if err != nil {
		slog.WarnContext(ctx, "callback api health check failed", "error", err)
		return false
	}
	return status < http.StatusInternalServerError
}

func (c *Client) post(ctx context.Context, endpoint string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func (c *Client) get(ctx context.Context, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
