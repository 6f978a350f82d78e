// Package client implements the HTTP and SSE transport for the task
// server contract.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"

	"github.com/veskel/taskpulse/internal/api"
)

// APIError is a non-2xx reply decoded from the server's error body.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// Client talks to a task server. REST calls go through resty with a
// request timeout; the SSE stream uses a separate http.Client without one,
// since an open stream outlives any sane timeout.
type Client struct {
	base   string
	rest   *resty.Client
	stream *http.Client
	log    *log.Logger
}

// New creates a client for the server at baseURL.
func New(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{
		base:   baseURL,
		rest:   rest,
		stream: &http.Client{},
		log:    logger,
	}
}

// BaseURL returns the server address the client was built with.
func (c *Client) BaseURL() string {
	return c.base
}

// SubmitTask creates a new task from a prompt and returns its id.
func (c *Client) SubmitTask(ctx context.Context, prompt string) (string, error) {
	var out api.SubmitResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(api.SubmitRequest{Prompt: prompt}).
		SetResult(&out).
		SetError(&api.ErrorResponse{}).
		Post("/tasks")
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	if resp.IsError() {
		return "", apiError(resp)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submit task: server returned no task id")
	}
	c.log.Debug("task submitted", "task", out.TaskID)
	return out.TaskID, nil
}

// GetTask fetches the current snapshot of a task.
func (c *Client) GetTask(ctx context.Context, id string) (*api.Task, error) {
	var task api.Task
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&task).
		SetError(&api.ErrorResponse{}).
		Get("/tasks/" + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	task.Normalize()
	return &task, nil
}

// ListTasks fetches all known tasks, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]api.Task, error) {
	var tasks []api.Task
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&tasks).
		SetError(&api.ErrorResponse{}).
		Get("/tasks")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	for i := range tasks {
		tasks[i].Normalize()
	}
	return tasks, nil
}

// Respond answers an outstanding ask_human question. The request id must
// match the one carried by the question frame; the server rejects unknown
// ids with 404.
func (c *Client) Respond(ctx context.Context, id, requestID, response string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(api.RespondRequest{RequestID: requestID, Response: response}).
		SetError(&api.ErrorResponse{}).
		Post("/tasks/" + url.PathEscape(id) + "/respond")
	if err != nil {
		return fmt.Errorf("respond to task %s: %w", id, err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// Cancel requests remote cancellation of a task.
func (c *Client) Cancel(ctx context.Context, id string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetError(&api.ErrorResponse{}).
		Post("/tasks/" + url.PathEscape(id) + "/cancel")
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// Ping probes the server with a cheap contract call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListTasks(ctx)
	return err
}

func apiError(resp *resty.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*api.ErrorResponse); ok && body.Detail != "" {
		apiErr.Detail = body.Detail
	} else if s := resp.String(); s != "" {
		apiErr.Detail = s
	}
	return apiErr
}
