package server

import (
	"encoding/json"

	"repairline/internal/domain"
	"repairline/internal/workflow"
)

// Response payloads

type SubtaskResponse struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	SubtaskID string `json:"subtask_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type RunResponse struct {
	Outcome           string            `json:"outcome" enum:"accepted,duplicate,rejected,ignored,failed"`
	RunID             string            `json:"run_id,omitempty"`
	EventID           string            `json:"event_id"`
	State             string            `json:"state"`
	TaskID            string            `json:"task_id,omitempty"`
	TaskURL           string            `json:"task_url,omitempty"`
	Subtasks          []SubtaskResponse `json:"subtasks"`
	Notified          bool              `json:"notified"`
	NotificationError string            `json:"notification_error,omitempty"`
	Error             string            `json:"error,omitempty"`
}

type ScanResponse struct {
	Window    string        `json:"window"`
	Scanned   int           `json:"scanned"`
	Accepted  int           `json:"accepted"`
	Duplicate int           `json:"duplicate"`
	Rejected  int           `json:"rejected"`
	Ignored   int           `json:"ignored"`
	Failed    int           `json:"failed"`
	Runs      []RunResponse `json:"runs"`
}

type HealthResponse struct {
	Status   string        `json:"status" enum:"ok,degraded"`
	DB       string        `json:"db,omitempty"`
	LastScan *ScanResponse `json:"last_scan,omitempty" doc:"Most recent scheduled scan, runs omitted"`
}

type TestEmailResponse struct {
	Status     string   `json:"status"`
	Subject    string   `json:"subject"`
	Recipients []string `json:"recipients"`
}

type WebhookRegistrationResponse domain.WebhookRegistration

type WebhookEventResult struct {
	TaskGID string `json:"task_gid,omitempty"`
	Action  string `json:"action"`
	Outcome string `json:"outcome" enum:"accepted,duplicate,rejected,ignored,failed"`
	TaskID  string `json:"task_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type WebhookResponse struct {
	Status string               `json:"status" enum:"handshake,processed"`
	Events []WebhookEventResult `json:"events"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	EventID string         `json:"event_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mappers

func runResponse(res workflow.Result, err error) RunResponse {
	out := RunResponse{
		Outcome:  workflow.Outcome(err),
		RunID:    res.RunID,
		EventID:  res.EventID,
		State:    string(res.State),
		TaskID:   res.TaskID,
		TaskURL:  res.TaskURL,
		Subtasks: []SubtaskResponse{},
		Notified: res.Notified,
	}
	if err != nil {
		out.Error = err.Error()
	}
	for _, s := range res.Subtasks {
		sr := SubtaskResponse{Index: s.Index, Title: s.Title, SubtaskID: s.SubtaskID}
		if s.Err != nil {
			sr.Error = s.Err.Error()
		}
		out.Subtasks = append(out.Subtasks, sr)
	}
	if res.NotificationErr != nil {
		out.NotificationError = res.NotificationErr.Error()
	}
	return out
}

func scanResponse(s workflow.ScanSummary) ScanResponse {
	out := ScanResponse{
		Window:    s.Window.String(),
		Scanned:   s.Scanned,
		Accepted:  s.Accepted,
		Duplicate: s.Duplicate,
		Rejected:  s.Rejected,
		Ignored:   s.Ignored,
		Failed:    s.Failed,
		Runs:      []RunResponse{},
	}
	for _, run := range s.Runs {
		out.Runs = append(out.Runs, runResponse(run.Result, run.Err))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		EventID: e.EventID,
		RunID:   e.RunID,
		TaskID:  e.TaskID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
