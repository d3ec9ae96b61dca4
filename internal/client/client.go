// Package client is a typed HTTP client for the coordinator API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/coordinator"
	"github.com/seantiz/forge/internal/model"
)

const defaultTimeout = time.Minute

// ErrNotFound matches API errors with status 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client talks to a coordinator.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client for the coordinator at baseURL. token is sent as a
// bearer token when non-empty.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// TaskRequest is a task submission. Nil pointers take the server defaults.
type TaskRequest struct {
	ID               string            `json:"id,omitempty"`
	PipelineID       string            `json:"pipeline_id,omitempty"`
	StageName        string            `json:"stage_name,omitempty"`
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	TimeoutSeconds   *int              `json:"timeout_seconds,omitempty"`
	Priority         *int              `json:"priority,omitempty"`
	Dependencies     []string          `json:"dependencies,omitempty"`
	Resources        *model.Resources  `json:"resources,omitempty"`
	Artifacts        []string          `json:"artifacts,omitempty"`
	Image            string            `json:"image,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
}

// WorkerRequest is a worker registration.
type WorkerRequest struct {
	ID          string         `json:"id"`
	Hostname    string         `json:"hostname"`
	IPAddress   string         `json:"ip_address,omitempty"`
	Port        int            `json:"port,omitempty"`
	BackendKind string         `json:"backend_kind"`
	Capacity    model.Capacity `json:"capacity"`
	Tags        []string       `json:"tags,omitempty"`
}

// TaskList is one page of task history.
type TaskList struct {
	Tasks  []model.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// LogLine is one persisted output line.
type LogLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// Stats is the aggregate task history report.
type Stats struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByPipeline       map[string]int `json:"by_pipeline"`
	AvgExecutionTime float64        `json:"avg_execution_time"`
	SuccessRate      float64        `json:"success_rate"`
}

// SubmitTask submits a task and returns it as queued.
func (c *Client) SubmitTask(ctx context.Context, req TaskRequest) (model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &t)
	return t, err
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

// ListTasks returns a page of task history, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, limit, offset int, status string) (TaskList, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if status != "" {
		q.Set("status", status)
	}
	var list TaskList
	err := c.do(ctx, http.MethodGet, "/v1/tasks?"+q.Encode(), nil, &list)
	return list, err
}

// CancelTask cancels a task that has not started.
func (c *Client) CancelTask(ctx context.Context, id string) (model.Task, error) {
	var t model.Task
	err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

// LogHistory returns the persisted output of a task.
func (c *Client) LogHistory(ctx context.Context, id string) ([]LogLine, error) {
	var resp struct {
		Lines []LogLine `json:"lines"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/logs/history", nil, &resp)
	return resp.Lines, err
}

// StreamLogs follows a task's output, calling fn for every line, until the
// stream ends or ctx is cancelled.
func (c *Client) StreamLogs(ctx context.Context, id string, fn func(line string)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The client timeout would cut long streams short.
	hc := *c.HTTPClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("stream logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data []string
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			if event == "done" {
				return nil
			}
			if len(data) > 0 {
				fn(strings.Join(data, "\n"))
			}
			data, event = nil, ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return ctx.Err()
}

// ClusterStatus returns the coordinator's cluster report.
func (c *Client) ClusterStatus(ctx context.Context) (coordinator.ClusterStatus, error) {
	var st coordinator.ClusterStatus
	err := c.do(ctx, http.MethodGet, "/v1/cluster", nil, &st)
	return st, err
}

// Stats returns aggregate task statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st)
	return st, err
}

// Workers lists registered workers.
func (c *Client) Workers(ctx context.Context) ([]model.Worker, error) {
	var ws []model.Worker
	err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &ws)
	return ws, err
}

// RegisterWorker registers or refreshes a worker.
func (c *Client) RegisterWorker(ctx context.Context, req WorkerRequest) (model.Worker, error) {
	var w model.Worker
	err := c.do(ctx, http.MethodPost, "/v1/workers", req, &w)
	return w, err
}

// Heartbeat reports a worker's current load.
func (c *Client) Heartbeat(ctx context.Context, id string, load model.Load) (model.Worker, error) {
	var w model.Worker
	err := c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(id)+"/heartbeat", load, &w)
	return w, err
}

// UnregisterWorker removes a worker.
func (c *Client) UnregisterWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workers/"+url.PathEscape(id), nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
