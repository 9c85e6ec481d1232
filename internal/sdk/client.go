// Package sdk is the typed HTTP client for the octopoid server. Scheduler
// code never touches net/http directly; every server interaction goes
// through here so error classification stays in one place.
package sdk

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

	"github.com/maxthelion/octopoid/internal/task"
)

// Client talks to one octopoid server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for baseURL. timeout bounds every call; zero means
// 30 seconds.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends a request and decodes the response into out (when non-nil).
// Non-2xx responses are mapped back onto the typed transition errors via
// the error envelope's kind field.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	var envelope apiError
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &envelope)
	if typed := task.KindError(envelope.Kind); typed != nil {
		return fmt.Errorf("%w: %s", typed, envelope.Error)
	}
	if envelope.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, envelope.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// Health checks server and database reachability.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks lists tasks, optionally filtered by queue.
func (c *Client) ListTasks(ctx context.Context, queue string, limit int) (*TaskList, error) {
	path := "/tasks"
	q := url.Values{}
	if queue != "" {
		q.Set("queue", queue)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list TaskList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// UpdateTask patches task metadata. The queue cannot be changed this way.
func (c *Client) UpdateTask(ctx context.Context, id string, req UpdateTaskRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

// Claim atomically claims the best available task. ErrNotFound means the
// queue had no candidates.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/claim", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Submit moves a claimed task to provisional.
func (c *Client) Submit(ctx context.Context, id string, req SubmitRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/submit", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Accept moves a provisional task to done.
func (c *Client) Accept(ctx context.Context, id string, req DecisionRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/accept", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Reject returns a provisional task to incoming (or failed once the
// rejection budget runs out).
func (c *Client) Reject(ctx context.Context, id string, req DecisionRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/reject", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Fail moves a claimed task to failed.
func (c *Client) Fail(ctx context.Context, id string, req DecisionRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/fail", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Requeue returns a claimed task to incoming without recording failure.
func (c *Client) Requeue(ctx context.Context, id string, req DecisionRequest) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/requeue", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Register registers this orchestrator and its roles.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*task.Orchestrator, error) {
	var o task.Orchestrator
	if err := c.do(ctx, http.MethodPost, "/orchestrators/register", req, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Heartbeat refreshes this orchestrator's heartbeat.
func (c *Client) Heartbeat(ctx context.Context, orchestratorID string) error {
	return c.do(ctx, http.MethodPost, "/orchestrators/"+url.PathEscape(orchestratorID)+"/heartbeat", nil, nil)
}

// ListOrchestrators lists registered orchestrators.
func (c *Client) ListOrchestrators(ctx context.Context) ([]*task.Orchestrator, error) {
	var out struct {
		Orchestrators []*task.Orchestrator `json:"orchestrators"`
	}
	if err := c.do(ctx, http.MethodGet, "/orchestrators", nil, &out); err != nil {
		return nil, err
	}
	return out.Orchestrators, nil
}

// Poll fetches the scheduler snapshot for one orchestrator.
func (c *Client) Poll(ctx context.Context, orchestratorID string) (*PollSnapshot, error) {
	var snap PollSnapshot
	path := "/scheduler/poll?orchestrator_id=" + url.QueryEscape(orchestratorID)
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutFlow registers or replaces a flow definition.
func (c *Client) PutFlow(ctx context.Context, name string, rec *task.FlowRecord) error {
	return c.do(ctx, http.MethodPut, "/flows/"+url.PathEscape(name), rec, nil)
}

// GetFlow fetches a flow definition.
func (c *Client) GetFlow(ctx context.Context, name string) (*task.FlowRecord, error) {
	var rec task.FlowRecord
	if err := c.do(ctx, http.MethodGet, "/flows/"+url.PathEscape(name), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFlows lists registered flows.
func (c *Client) ListFlows(ctx context.Context) ([]*task.FlowRecord, error) {
	var out struct {
		Flows []*task.FlowRecord `json:"flows"`
	}
	if err := c.do(ctx, http.MethodGet, "/flows", nil, &out); err != nil {
		return nil, err
	}
	return out.Flows, nil
}

// PostMessage appends a message to a task's mailbox.
func (c *Client) PostMessage(ctx context.Context, taskID string, req MessageRequest) (*task.Message, error) {
	var m task.Message
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/messages", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages lists a task's mailbox, optionally by type.
func (c *Client) ListMessages(ctx context.Context, taskID, msgType string) ([]*task.Message, error) {
	path := "/tasks/" + url.PathEscape(taskID) + "/messages"
	if msgType != "" {
		path += "?type=" + url.QueryEscape(msgType)
	}
	var out struct {
		Messages []*task.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// History lists a task's audit log.
func (c *Client) History(ctx context.Context, taskID string) ([]*task.HistoryEvent, error) {
	var out struct {
		History []*task.HistoryEvent `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}
