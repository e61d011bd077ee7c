// Package events appends workflow outcomes to the audit log.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"repairline/internal/domain"
	"repairline/internal/repo"
)

const (
	RunCompleted       = "run.completed"
	RunRejected        = "run.rejected"
	RunSkipped         = "run.skipped"
	RunFailed          = "run.failed"
	SubtaskFailed      = "subtask.failed"
	NotificationFailed = "notification.failed"
	WebhookHandshake   = "webhook.handshake"
	WebhookRegistered  = "webhook.registered"
)

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row. Empty ids are stored as NULL.
func (w Writer) Append(ctx context.Context, evtType, eventID, runID, taskID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.Repo.InsertEvent(ctx, domain.Event{
		TS:      repo.Timestamp(now()),
		Type:    evtType,
		EventID: eventID,
		RunID:   runID,
		TaskID:  taskID,
		Payload: string(data),
	})
	return err
}
