// Package client is a typed HTTP client for the fleet control plane API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/subagent"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the error code back to the shared sentinel so callers can use
// errors.Is on both sides of the wire.
func (e *APIError) Unwrap() error {
	switch controlplane.ErrorCode(e.Code) {
	case controlplane.CodeInvalidInput:
		return models.ErrInvalidInput
	case controlplane.CodeBudgetExceeded:
		return models.ErrBudgetExceeded
	case controlplane.CodeUnauthorized:
		return controlplane.ErrUnauthorized
	case controlplane.CodeNotOwner:
		return models.ErrNotOwner
	case controlplane.CodeNotFound:
		return models.ErrNotFound
	case controlplane.CodeUnknownProfile:
		return models.ErrUnknownProfile
	case controlplane.CodeClaimConflict:
		return models.ErrClaimConflict
	case controlplane.CodeMachineStale:
		return models.ErrMachineStale
	case controlplane.CodeInvalidTransition:
		return models.ErrInvalidTransition
	case controlplane.CodeConcurrencyExceeded:
		return models.ErrSubagentConcurrencyExceeded
	}
	return nil
}

// Client wraps HTTP calls to the fleet API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New creates a client for the daemon at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a request and decodes a JSON reply into out. It reports false
// when the daemon answered 204 No Content.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var body controlplane.ErrorResponse
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		}
		return false, apiErr
	}
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}

// Health checks the daemon.
func (c *Client) Health(ctx context.Context) (*controlplane.HealthResponse, error) {
	var out controlplane.HealthResponse
	_, err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Tasks ---

// CreateTask enqueues a task.
func (c *Client) CreateTask(ctx context.Context, req controlplane.CreateTaskRequest) (*models.Task, error) {
	var task models.Task
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks lists tasks, optionally filtered by status and project.
func (c *Client) ListTasks(ctx context.Context, status, project string) ([]models.Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if project != "" {
		q.Set("project", project)
	}
	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []models.Task
	if _, err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskAudit fetches the decision records of a task.
func (c *Client) TaskAudit(ctx context.Context, id string) ([]models.PDREntry, error) {
	var entries []models.PDREntry
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/audit", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StartTask marks a claimed task running.
func (c *Client) StartTask(ctx context.Context, id, machineID string) (*models.Task, error) {
	var task models.Task
	body := map[string]string{"machine_id": machineID}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/start", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ReportResult reports a task outcome. duplicate is true when the task had
// already been finished.
func (c *Client) ReportResult(ctx context.Context, id string, req controlplane.ReportResultRequest) (task *models.Task, duplicate bool, err error) {
	var out controlplane.ReportResultResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/result", req, &out); err != nil {
		return nil, false, err
	}
	return out.Task, out.Duplicate, nil
}

// PushEvent sends one stream event.
func (c *Client) PushEvent(ctx context.Context, id, machineID string, ev models.StreamEvent) error {
	body := controlplane.PushEventRequest{MachineID: machineID, Type: ev.Type, Payload: ev.Payload}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/events", body, nil)
	return err
}

// PollInput returns the next human reply, or nil when none is waiting.
func (c *Client) PollInput(ctx context.Context, id, machineID string) (*models.PendingInput, error) {
	var entry models.PendingInput
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/input?machine_id=" + url.QueryEscape(machineID)
	ok, err := c.do(ctx, http.MethodGet, path, nil, &entry)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

// Reply queues a human reply for a task.
func (c *Client) Reply(ctx context.Context, id, text string) (*models.PendingInput, error) {
	var entry models.PendingInput
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/input", map[string]string{"text": text}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// --- Machines ---

// RegisterMachine registers or refreshes a machine.
func (c *Client) RegisterMachine(ctx context.Context, req controlplane.RegisterMachineRequest) (*models.Machine, error) {
	var m models.Machine
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/machines", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMachines lists machines with derived status.
func (c *Client) ListMachines(ctx context.Context) ([]models.Machine, error) {
	var machines []models.Machine
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/machines", nil, &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

// Heartbeat reports liveness and load.
func (c *Client) Heartbeat(ctx context.Context, machineID string, activeCount int, sentAt time.Time) (bool, error) {
	var out controlplane.HeartbeatResponse
	body := controlplane.HeartbeatRequest{ActiveCount: activeCount, SentAt: sentAt}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/machines/"+url.PathEscape(machineID)+"/heartbeat", body, &out); err != nil {
		return false, err
	}
	return out.Applied, nil
}

// ClaimNext claims the machine's next task, or returns nil when none is available.
func (c *Client) ClaimNext(ctx context.Context, machineID string) (*models.Task, error) {
	var task models.Task
	ok, err := c.do(ctx, http.MethodPost, "/api/v1/machines/"+url.PathEscape(machineID)+"/claim", nil, &task)
	if err != nil || !ok {
		return nil, err
	}
	return &task, nil
}

// --- Runs ---

// SpawnRun creates a subagent run.
func (c *Client) SpawnRun(ctx context.Context, req subagent.SpawnRequest) (*models.SubagentRun, error) {
	var run models.SubagentRun
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]models.SubagentRun, error) {
	path := "/api/v1/runs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var runs []models.SubagentRun
	if _, err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches a run.
func (c *Client) GetRun(ctx context.Context, id string) (*models.SubagentRun, error) {
	var run models.SubagentRun
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RunDescendants fetches the run tree below id.
func (c *Client) RunDescendants(ctx context.Context, id string) ([]models.SubagentRun, error) {
	var runs []models.SubagentRun
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/descendants", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// CancelRun cancels a run and, with cascade, its descendants.
func (c *Client) CancelRun(ctx context.Context, id string, cascade bool) ([]string, error) {
	var out controlplane.CancelRunResponse
	path := "/api/v1/runs/" + url.PathEscape(id) + "/cancel?cascade=" + strconv.FormatBool(cascade)
	if _, err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Cancelled, nil
}

// Profiles lists the daemon's subagent profiles.
func (c *Client) Profiles(ctx context.Context) ([]subagent.Profile, error) {
	var profiles []subagent.Profile
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/profiles", nil, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}
