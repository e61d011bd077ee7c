// Package builder turns a repair request into the task and subtask specs
// sent to the tracker. It performs no I/O.
package builder

import (
	"fmt"
	"strings"
	"time"

	"repairline/internal/catalog"
	"repairline/internal/domain"
)

// Options carries the configured values the builder needs.
type Options struct {
	ProjectID string
	// FieldGIDs maps "urgency" and "category" to tracker custom field ids.
	FieldGIDs map[string]string
	Now       time.Time
}

// dueIn is how long each urgency may wait before the task is due.
var dueIn = map[domain.Urgency]time.Duration{
	domain.UrgencyEmergency: 0,
	domain.UrgencyUrgent:    24 * time.Hour,
	domain.UrgencyStandard:  7 * 24 * time.Hour,
	domain.UrgencyLow:       14 * 24 * time.Hour,
}

type Builder struct {
	catalog *catalog.Catalog
}

func New(c *catalog.Catalog) Builder {
	if c == nil {
		c = catalog.Default()
	}
	return Builder{catalog: c}
}

// Build returns one task spec and one subtask spec per catalog entry for the
// request's category. Subtask parent ids are left empty.
func (b Builder) Build(req domain.RepairRequest, opts Options) (domain.TaskSpec, []domain.SubtaskSpec) {
	task := domain.TaskSpec{
		Title:       Title(req),
		Description: Description(req),
		ProjectID:   opts.ProjectID,
	}
	if !opts.Now.IsZero() {
		task.DueOn = opts.Now.Add(dueIn[req.Urgency]).Format("2006-01-02")
	}
	if gid := opts.FieldGIDs["urgency"]; gid != "" {
		task.CustomFields = map[string]string{gid: string(req.Urgency)}
	}
	if gid := opts.FieldGIDs["category"]; gid != "" {
		if task.CustomFields == nil {
			task.CustomFields = map[string]string{}
		}
		task.CustomFields[gid] = string(req.Category)
	}

	titles := b.catalog.SubtasksFor(req.Category)
	subs := make([]domain.SubtaskSpec, len(titles))
	for i, t := range titles {
		subs[i] = domain.SubtaskSpec{Index: i, Title: t}
	}
	return task, subs
}

// Title is "[Category] Tenant - Address (Unit N)".
func Title(req domain.RepairRequest) string {
	title := fmt.Sprintf("[%s] %s - %s", req.Category, req.TenantName, req.PropertyAddress)
	if req.UnitNumber != "" {
		title += fmt.Sprintf(" (Unit %s)", req.UnitNumber)
	}
	return title
}

// Description renders every request field so the maintenance team never
// has to open the submitted form.
func Description(req domain.RepairRequest) string {
	var b strings.Builder
	line := func(label, value string) {
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, value)
	}
	b.WriteString("TENANT\n")
	line("Name", req.TenantName)
	line("Email", req.TenantEmail)
	line("Phone", req.TenantPhone)
	b.WriteString("\nPROPERTY\n")
	line("Address", req.PropertyAddress)
	line("Unit", req.UnitNumber)
	b.WriteString("\nISSUE\n")
	line("Category", string(req.Category))
	line("Urgency", string(req.Urgency))
	line("Specific issue", req.SpecificIssue)
	line("Submitted", req.SubmittedAt)
	b.WriteString("\nDescription:\n")
	b.WriteString(req.Description)
	b.WriteString("\n\nATTACHMENTS\n")
	if len(req.Attachments) == 0 {
		b.WriteString("none\n")
	}
	for _, a := range req.Attachments {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	fmt.Fprintf(&b, "\nSource submission: %s\n", req.SourceEventID)
	return b.String()
}
