// Package agent is the remote executor: it consumes assignments from its
// own broker queue, runs scripts through an engine, and reports results
// back to the control plane over HTTP.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkoppel/testrig/internal/model"
)

const (
	registerAttempts = 5
	registerBackoff  = 2 * time.Second

	registerTimeout  = 10 * time.Second
	heartbeatTimeout = 5 * time.Second
	statusTimeout    = 3 * time.Second
	resultTimeout    = 10 * time.Second
)

// Client talks to the control plane's HTTP API. Each call carries its own
// timeout: a slow status poll must not stall the step loop for long.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a control plane client.
func NewClient(baseURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		log:     log,
	}
}

// Register announces the worker, retrying with backoff while the control
// plane comes up.
func (c *Client) Register(ctx context.Context, req *model.RegisterRequest) (*model.RegisterResponse, error) {
	var lastErr error
	delay := registerBackoff
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		var resp model.RegisterResponse
		err := c.post(ctx, "/api/executor/register", registerTimeout, req, &resp)
		if err == nil {
			return &resp, nil
		}
		lastErr = err
		c.log.Warn("registration failed",
			"attempt", attempt, "max", registerAttempts, "error", err)
		if attempt < registerAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, fmt.Errorf("register after %d attempts: %w", registerAttempts, lastErr)
}

// Heartbeat sends one heartbeat and returns the server's view.
func (c *Client) Heartbeat(ctx context.Context, req *model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	var resp model.HeartbeatResponse
	if err := c.post(ctx, "/api/executor/heartbeat", heartbeatTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusCheck asks whether an execution is still supposed to run.
func (c *Client) StatusCheck(ctx context.Context, executionID string) (*model.StatusCheckResponse, error) {
	var resp model.StatusCheckResponse
	path := "/api/executions/" + executionID + "/status_check"
	if err := c.get(ctx, path, statusTimeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartTask tells the control plane the agent began executing a task.
func (c *Client) StartTask(ctx context.Context, taskID string) error {
	return c.post(ctx, "/api/tasks/"+taskID+"/start", statusTimeout, struct{}{}, nil)
}

// ReportResult delivers a task's terminal result.
func (c *Client) ReportResult(ctx context.Context, taskID string, report *model.TaskResultReport) error {
	return c.post(ctx, "/api/tasks/"+taskID+"/result", resultTimeout, report, nil)
}

// Nudge asks the control plane to run a dispatch pass.
func (c *Client) Nudge(ctx context.Context) error {
	return c.post(ctx, "/api/distribute", statusTimeout, struct{}{}, nil)
}

// UploadScreenshot ships one captured screenshot.
func (c *Client) UploadScreenshot(ctx context.Context, taskID string, req *model.ScreenshotRequest) (*model.ScreenshotResponse, error) {
	var resp model.ScreenshotResponse
	if err := c.post(ctx, "/api/tasks/"+taskID+"/screenshot", resultTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s",
			req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
