package domain

import (
	"fmt"
	"strings"
)

type Category string

const (
	CategoryPlumbing   Category = "Plumbing"
	CategoryElectrical Category = "Electrical"
	CategoryAppliance  Category = "Appliance"
	CategoryHVAC       Category = "HVAC"
	CategoryStructural Category = "Structural"
	CategoryOther      Category = "Other"
)

// Categories lists every known category in presentation order.
var Categories = []Category{
	CategoryPlumbing,
	CategoryElectrical,
	CategoryAppliance,
	CategoryHVAC,
	CategoryStructural,
	CategoryOther,
}

// ParseCategory resolves a form value to a known category. Matching is
// case-insensitive on the trimmed value; nothing is coerced to Other.
func ParseCategory(v string) (Category, error) {
	key := strings.TrimSpace(v)
	for _, c := range Categories {
		if strings.EqualFold(key, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", v)
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Urgency string

const (
	UrgencyLow       Urgency = "Low"
	UrgencyStandard  Urgency = "Standard"
	UrgencyUrgent    Urgency = "Urgent"
	UrgencyEmergency Urgency = "Emergency"
)

// Urgencies lists urgencies from least to most severe.
var Urgencies = []Urgency{UrgencyLow, UrgencyStandard, UrgencyUrgent, UrgencyEmergency}

// ParseUrgency resolves a form value to a known urgency using the same
// policy as ParseCategory.
func ParseUrgency(v string) (Urgency, error) {
	key := strings.TrimSpace(v)
	for _, u := range Urgencies {
		if strings.EqualFold(key, string(u)) {
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown urgency %q", v)
}

// Elevated reports whether the urgency needs same-day attention.
func (u Urgency) Elevated() bool {
	return u == UrgencyUrgent || u == UrgencyEmergency
}

// RepairRequest is the canonical record produced from one form submission.
// It lives for a single orchestration run.
type RepairRequest struct {
	TenantName      string   `json:"tenant_name" validate:"required"`
	TenantEmail     string   `json:"tenant_email" validate:"required,email"`
	TenantPhone     string   `json:"tenant_phone" validate:"required"`
	PropertyAddress string   `json:"property_address" validate:"required"`
	UnitNumber      string   `json:"unit_number,omitempty"`
	Category        Category `json:"category" validate:"required"`
	Urgency         Urgency  `json:"urgency" validate:"required"`
	SpecificIssue   string   `json:"specific_issue,omitempty"`
	Description     string   `json:"description" validate:"required"`
	Attachments     []string `json:"attachments,omitempty"`
	SourceEventID   string   `json:"source_event_id" validate:"required"`
	SubmittedAt     string   `json:"submitted_at,omitempty" format:"date-time"`
}

// TaskSpec is the local representation of the task handed to the tracker.
type TaskSpec struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	ProjectID    string            `json:"project_id"`
	DueOn        string            `json:"due_on,omitempty" format:"date"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// SubtaskSpec is one checklist item. ParentTaskID stays empty until the
// parent task has been created and assigned an id.
type SubtaskSpec struct {
	Index        int    `json:"index"`
	Title        string `json:"title"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
}

// TaskRecord is a task after the tracker accepted it.
type TaskRecord struct {
	TaskSpec
	ExternalTaskID string `json:"external_task_id"`
	URL            string `json:"url,omitempty"`
}

type SubtaskRecord struct {
	Title             string `json:"title"`
	ParentTaskID      string `json:"parent_task_id"`
	ExternalSubtaskID string `json:"external_subtask_id"`
}

// TaskRef points a notification reader at the created task.
type TaskRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

type EmailMessage struct {
	Subject    string   `json:"subject"`
	TextBody   string   `json:"text_body"`
	HTMLBody   string   `json:"html_body,omitempty"`
	Recipients []string `json:"recipients"`
}

// ProcessedEvent is one idempotency guard row.
type ProcessedEvent struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status" enum:"in_progress,completed"`
	RunID     string `json:"run_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

const (
	ProcessedInProgress = "in_progress"
	ProcessedCompleted  = "completed"
)

// Event is one audit log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}

// WebhookRegistration records a webhook created for the intake project.
type WebhookRegistration struct {
	WebhookID  string `json:"webhook_id"`
	ResourceID string `json:"resource_id"`
	Target     string `json:"target"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
