package asana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL), WithRateLimit(0))
}

func TestCreateTaskSendsEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body struct {
			Data TaskCreate `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Fix sink", body.Data.Name)
		assert.Equal(t, []string{"p1"}, body.Data.Projects)
		_, _ = w.Write([]byte(`{"data":{"gid":"123","name":"Fix sink","permalink_url":"https://app.asana.com/0/p1/123"}}`))
	})
	task, err := c.CreateTask(context.Background(), TaskCreate{Name: "Fix sink", Projects: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, "123", task.GID)
	assert.Equal(t, "https://app.asana.com/0/p1/123", task.PermalinkURL)
}

func TestCreateSubtaskPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/123/subtasks", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"gid":"456"}}`))
	})
	sub, err := c.CreateSubtask(context.Background(), "123", SubtaskCreate{Name: "Inspect"})
	require.NoError(t, err)
	assert.Equal(t, "456", sub.GID)
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		auth      bool
		limited   bool
		transient bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, auth: true},
		{name: "forbidden", status: http.StatusForbidden, auth: true},
		{name: "rate limited", status: http.StatusTooManyRequests, limited: true, transient: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "bad request", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
			})
			_, err := c.GetTask(context.Background(), "1")
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
			assert.Equal(t, tt.auth, apiErr.IsAuth())
			assert.Equal(t, tt.limited, apiErr.IsRateLimited())
			assert.Equal(t, tt.transient, apiErr.IsTransient())
		})
	}
}

func TestListProjectTasksFollowsPages(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "p1", r.URL.Query().Get("project"))
		assert.Equal(t, "2024-01-01T00:00:00Z", r.URL.Query().Get("modified_since"))
		if r.URL.Query().Get("offset") == "" {
			_, _ = w.Write([]byte(`{"data":[{"gid":"1"},{"gid":"2"}],"next_page":{"offset":"abc"}}`))
			return
		}
		assert.Equal(t, "abc", r.URL.Query().Get("offset"))
		_, _ = w.Write([]byte(`{"data":[{"gid":"3"}],"next_page":null}`))
	})
	tasks, err := c.ListProjectTasks(context.Background(), "p1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "3", tasks[2].GID)
	assert.Equal(t, 2, calls)
}

func TestCustomFieldValues(t *testing.T) {
	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{
		"gid":"1",
		"projects":[{"gid":"p1"}],
		"custom_fields":[
			{"name":"First Name","resource_subtype":"text","text_value":"  Jane "},
			{"name":"Urgency Level","type":"enum","enum_value":{"name":"Emergency"}},
			{"name":"Rooms","resource_subtype":"multi_enum","multi_enum_values":[{"name":"Kitchen"},{"name":"Bath"}]},
			{"name":"Floor","resource_subtype":"number","number_value":4.5},
			{"name":"Empty","resource_subtype":"enum","enum_value":null}
		]}`), &task))

	v, ok := task.Field("first name")
	assert.True(t, ok)
	assert.Equal(t, "Jane", v)
	v, _ = task.Field(" URGENCY LEVEL ")
	assert.Equal(t, "Emergency", v)
	v, _ = task.Field("Rooms")
	assert.Equal(t, "Kitchen, Bath", v)
	v, _ = task.Field("Floor")
	assert.Equal(t, "4.5", v)
	v, ok = task.Field("Empty")
	assert.True(t, ok)
	assert.Equal(t, "", v)
	_, ok = task.Field("Missing")
	assert.False(t, ok)
	assert.True(t, task.InProject("p1"))
	assert.False(t, task.InProject("p2"))
}
