// Package asana is a minimal client for the parts of the Asana REST API the
// repair workflow uses: tasks, subtasks, attachments and webhooks.
package asana

import (
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

	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://app.asana.com/api/1.0"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5

	taskFields = "name,notes,permalink_url,created_at,modified_at,projects.gid,projects.name," +
		"custom_fields.gid,custom_fields.name,custom_fields.type,custom_fields.resource_subtype," +
		"custom_fields.text_value,custom_fields.number_value,custom_fields.enum_value.name," +
		"custom_fields.multi_enum_values.name,custom_fields.display_value"
	pageSize = 100
)

// Client talks to the Asana API with a personal access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client with sane defaults.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     &log.DefaultLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("asana api error: %s (status %d, endpoint %s)", e.Message, e.StatusCode, e.Endpoint)
}

func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *APIError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// IsTransient reports whether a later retry could succeed.
func (e *APIError) IsTransient() bool {
	return e.IsRateLimited() || e.StatusCode >= 500
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type envelope[T any] struct {
	Data     T         `json:"data"`
	NextPage *nextPage `json:"next_page,omitempty"`
}

type nextPage struct {
	Offset string `json:"offset"`
}

type errorBody struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// CreateTask creates a task and returns it with its assigned gid.
func (c *Client) CreateTask(ctx context.Context, in TaskCreate) (Task, error) {
	var resp envelope[Task]
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, envelope[TaskCreate]{Data: in}, &resp); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return resp.Data, nil
}

// CreateSubtask creates a subtask under parentGID.
func (c *Client) CreateSubtask(ctx context.Context, parentGID string, in SubtaskCreate) (Task, error) {
	var resp envelope[Task]
	endpoint := fmt.Sprintf("/tasks/%s/subtasks", url.PathEscape(parentGID))
	if err := c.do(ctx, http.MethodPost, endpoint, nil, envelope[SubtaskCreate]{Data: in}, &resp); err != nil {
		return Task{}, fmt.Errorf("create subtask of %s: %w", parentGID, err)
	}
	return resp.Data, nil
}

// GetTask fetches a task with its projects and custom fields.
func (c *Client) GetTask(ctx context.Context, gid string) (Task, error) {
	var resp envelope[Task]
	params := url.Values{"opt_fields": {taskFields}}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(gid), params, nil, &resp); err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", gid, err)
	}
	return resp.Data, nil
}

// GetAttachments lists the attachments of a task.
func (c *Client) GetAttachments(ctx context.Context, taskGID string) ([]Attachment, error) {
	var resp envelope[[]Attachment]
	params := url.Values{
		"parent":     {taskGID},
		"opt_fields": {"name,permalink_url,download_url"},
	}
	if err := c.do(ctx, http.MethodGet, "/attachments", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("list attachments of %s: %w", taskGID, err)
	}
	return resp.Data, nil
}

// ListProjectTasks returns every task in a project modified since the given
// time, following pagination.
func (c *Client) ListProjectTasks(ctx context.Context, projectGID string, modifiedSince time.Time) ([]Task, error) {
	var out []Task
	offset := ""
	for {
		params := url.Values{
			"project":        {projectGID},
			"modified_since": {modifiedSince.UTC().Format(time.RFC3339)},
			"limit":          {strconv.Itoa(pageSize)},
			"opt_fields":     {taskFields},
		}
		if offset != "" {
			params.Set("offset", offset)
		}
		var resp envelope[[]Task]
		if err := c.do(ctx, http.MethodGet, "/tasks", params, nil, &resp); err != nil {
			return nil, fmt.Errorf("list tasks in %s: %w", projectGID, err)
		}
		out = append(out, resp.Data...)
		if resp.NextPage == nil || resp.NextPage.Offset == "" {
			return out, nil
		}
		offset = resp.NextPage.Offset
	}
}

// CreateWebhook registers a webhook; Asana performs the handshake against
// the target before this call returns.
func (c *Client) CreateWebhook(ctx context.Context, in WebhookCreate) (Webhook, error) {
	var resp envelope[Webhook]
	if err := c.do(ctx, http.MethodPost, "/webhooks", nil, envelope[WebhookCreate]{Data: in}, &resp); err != nil {
		return Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return resp.Data, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug().Str("method", method).Str("endpoint", endpoint).Msg("asana request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp, endpoint)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func newAPIError(resp *http.Response, endpoint string) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && len(eb.Errors) > 0 {
		msgs := make([]string, 0, len(eb.Errors))
		for _, e := range eb.Errors {
			msgs = append(msgs, e.Message)
		}
		msg = strings.Join(msgs, "; ")
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: msg, Endpoint: endpoint}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
