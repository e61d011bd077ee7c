package asana

import (
	"strconv"
	"strings"
)

// Ref is a compact {gid,name} reference.
type Ref struct {
	GID  string `json:"gid"`
	Name string `json:"name,omitempty"`
}

// CustomField is a custom field value as returned on a task.
type CustomField struct {
	GID             string   `json:"gid"`
	Name            string   `json:"name"`
	Type            string   `json:"type,omitempty"`
	ResourceSubtype string   `json:"resource_subtype,omitempty"`
	TextValue       *string  `json:"text_value,omitempty"`
	NumberValue     *float64 `json:"number_value,omitempty"`
	EnumValue       *Ref     `json:"enum_value,omitempty"`
	MultiEnumValues []Ref    `json:"multi_enum_values,omitempty"`
	DisplayValue    *string  `json:"display_value,omitempty"`
}

// Kind returns the field type, preferring resource_subtype over the
// deprecated type attribute.
func (f CustomField) Kind() string {
	if f.ResourceSubtype != "" {
		return f.ResourceSubtype
	}
	return f.Type
}

// Value renders the field as a string. Empty fields yield "".
func (f CustomField) Value() string {
	switch f.Kind() {
	case "text":
		if f.TextValue != nil {
			return strings.TrimSpace(*f.TextValue)
		}
	case "enum":
		if f.EnumValue != nil {
			return strings.TrimSpace(f.EnumValue.Name)
		}
	case "multi_enum":
		names := make([]string, 0, len(f.MultiEnumValues))
		for _, v := range f.MultiEnumValues {
			if n := strings.TrimSpace(v.Name); n != "" {
				names = append(names, n)
			}
		}
		return strings.Join(names, ", ")
	case "number":
		if f.NumberValue != nil {
			return strconv.FormatFloat(*f.NumberValue, 'f', -1, 64)
		}
	}
	if f.DisplayValue != nil {
		return strings.TrimSpace(*f.DisplayValue)
	}
	return ""
}

type Task struct {
	GID          string        `json:"gid"`
	Name         string        `json:"name"`
	Notes        string        `json:"notes,omitempty"`
	PermalinkURL string        `json:"permalink_url,omitempty"`
	CreatedAt    string        `json:"created_at,omitempty"`
	ModifiedAt   string        `json:"modified_at,omitempty"`
	Projects     []Ref         `json:"projects,omitempty"`
	CustomFields []CustomField `json:"custom_fields,omitempty"`
}

// InProject reports whether the task belongs to the given project.
func (t Task) InProject(projectID string) bool {
	for _, p := range t.Projects {
		if p.GID == projectID {
			return true
		}
	}
	return false
}

// Field returns the value of the first custom field whose name matches
// label, ignoring case and surrounding whitespace.
func (t Task) Field(label string) (string, bool) {
	want := strings.ToLower(strings.TrimSpace(label))
	for _, f := range t.CustomFields {
		if strings.ToLower(strings.TrimSpace(f.Name)) == want {
			return f.Value(), true
		}
	}
	return "", false
}

type Attachment struct {
	GID          string `json:"gid"`
	Name         string `json:"name"`
	PermalinkURL string `json:"permalink_url,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`
}

// TaskCreate is the payload for POST /tasks.
type TaskCreate struct {
	Name         string            `json:"name"`
	Notes        string            `json:"notes,omitempty"`
	Projects     []string          `json:"projects,omitempty"`
	DueOn        string            `json:"due_on,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// SubtaskCreate is the payload for POST /tasks/{gid}/subtasks.
type SubtaskCreate struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

type WebhookFilter struct {
	ResourceType string `json:"resource_type"`
	Action       string `json:"action,omitempty"`
}

type WebhookCreate struct {
	Resource string          `json:"resource"`
	Target   string          `json:"target"`
	Filters  []WebhookFilter `json:"filters,omitempty"`
}

type Webhook struct {
	GID    string `json:"gid"`
	Target string `json:"target"`
	Active bool   `json:"active"`
}

// Event is one entry of a webhook delivery.
type Event struct {
	Action   string `json:"action"`
	Resource struct {
		GID          string `json:"gid"`
		ResourceType string `json:"resource_type"`
	} `json:"resource"`
	Parent *struct {
		GID          string `json:"gid"`
		ResourceType string `json:"resource_type"`
	} `json:"parent,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// EventBatch is the body of a webhook delivery.
type EventBatch struct {
	Events []Event `json:"events"`
}
