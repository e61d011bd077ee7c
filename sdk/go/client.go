package repairlinesdk

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

// Client is a minimal Repairline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 2 * time.Minute,
	}
}

// Submission is a direct form post.
type Submission struct {
	SubmissionID string            `json:"submission_id"`
	SubmittedAt  string            `json:"submitted_at,omitempty"`
	Fields       map[string]string `json:"fields"`
}

// Subtask is one checklist item of a run.
type Subtask struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	SubtaskID string `json:"subtask_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Run is the outcome of processing one submission.
type Run struct {
	Outcome           string    `json:"outcome"`
	RunID             string    `json:"run_id"`
	EventID           string    `json:"event_id"`
	State             string    `json:"state"`
	TaskID            string    `json:"task_id"`
	TaskURL           string    `json:"task_url"`
	Subtasks          []Subtask `json:"subtasks"`
	Notified          bool      `json:"notified"`
	NotificationError string    `json:"notification_error"`
	Error             string    `json:"error"`
}

// ScanSummary counts the outcomes of a scan.
type ScanSummary struct {
	Window    string `json:"window"`
	Scanned   int    `json:"scanned"`
	Accepted  int    `json:"accepted"`
	Duplicate int    `json:"duplicate"`
	Rejected  int    `json:"rejected"`
	Ignored   int    `json:"ignored"`
	Failed    int    `json:"failed"`
	Runs      []Run  `json:"runs"`
}

// ProcessedEvent is one duplicate guard entry.
type ProcessedEvent struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id"`
	ClaimedAt string `json:"claimed_at"`
	UpdatedAt string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	EventID string         `json:"event_id"`
	RunID   string         `json:"run_id"`
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit posts a form submission. A duplicate is not an error; check
// Run.Outcome.
func (c *Client) Submit(ctx context.Context, s Submission) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/intake", s, &resp)
	return resp, err
}

// ProcessTask runs one intake task. With respectGuard an already processed
// task is reported as a duplicate instead of being rerun.
func (c *Client) ProcessTask(ctx context.Context, taskGID string, respectGuard bool) (Run, error) {
	endpoint := fmt.Sprintf("v0/tasks/%s/process", url.PathEscape(taskGID))
	if respectGuard {
		endpoint += "?respect_guard=true"
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Scan processes intake tasks modified within window. Zero uses the server
// default.
func (c *Client) Scan(ctx context.Context, window time.Duration) (ScanSummary, error) {
	endpoint := "v0/scan"
	if window > 0 {
		endpoint += "?window=" + url.QueryEscape(window.String())
	}
	var resp ScanSummary
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SendTestEmail mails the sample notification.
func (c *Client) SendTestEmail(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v0/test-email", nil, nil)
}

// Processed lists guard entries, newest first.
func (c *Client) Processed(ctx context.Context, limit int) ([]ProcessedEvent, error) {
	endpoint := "v0/processed"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []ProcessedEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally filtered by type.
func (c *Client) EventsPage(ctx context.Context, limit int, evtType, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
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
