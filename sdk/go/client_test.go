package repairlinesdk

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

func TestSubmitAndScan(t *testing.T) {
	var got Submission
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/intake", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"outcome":"accepted","event_id":"sub-1","state":"completed","task_id":"42","subtasks":[{"index":0,"title":"Inspect"}],"notified":true}`))
	})
	mux.HandleFunc("/v0/scan", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h0m0s", r.URL.Query().Get("window"))
		w.Write([]byte(`{"window":"1h0m0s","scanned":2,"accepted":1,"duplicate":1,"runs":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL + "/")
	run, err := c.Submit(context.Background(), Submission{SubmissionID: "sub-1", Fields: map[string]string{"Issue Category": "Plumbing"}})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", got.SubmissionID)
	assert.Equal(t, "accepted", run.Outcome)
	assert.Equal(t, "42", run.TaskID)
	require.Len(t, run.Subtasks, 1)

	summary, err := c.Scan(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("respect_guard"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"code":"external_service_error","message":"task: boom","details":{"stage":"task"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ProcessTask(context.Background(), "123", true)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "external_service_error", apiErr.Code)
	assert.Equal(t, "task", apiErr.Details["stage"])
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/v0/events", r.URL.Path)
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "run.failed", q.Get("type"))
		assert.Equal(t, "17", q.Get("cursor"))
		w.Write([]byte(`{"items":[{"id":16,"type":"run.failed","event_id":"e"}],"next_cursor":"16"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 5, "run.failed", "17")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "16", page.NextCursor)
}
