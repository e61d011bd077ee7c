// Package notify composes and delivers the repair request email sent to the
// maintenance distribution list.
package notify

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"

	"repairline/internal/domain"
)

var markdown = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

// Subject always carries urgency and category. Urgent and emergency
// requests are prefixed so they stand out in an inbox.
func Subject(req domain.RepairRequest) string {
	subject := fmt.Sprintf("[%s] %s repair request - %s", req.Urgency, req.Category, req.PropertyAddress)
	if req.UnitNumber != "" {
		subject += " (Unit " + req.UnitNumber + ")"
	}
	if req.Urgency.Elevated() {
		subject = "ACTION REQUIRED " + subject
	}
	return subject
}

// Compose builds the notification for a created task. It performs no I/O.
func Compose(req domain.RepairRequest, task domain.TaskRef, recipients []string) domain.EmailMessage {
	text := body(req, task)
	msg := domain.EmailMessage{
		Subject:    Subject(req),
		TextBody:   text,
		Recipients: append([]string(nil), recipients...),
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err == nil {
		msg.HTMLBody = buf.String()
	}
	return msg
}

func body(req domain.RepairRequest, task domain.TaskRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s repair request\n\n", req.Urgency, req.Category)
	if req.Urgency == domain.UrgencyEmergency {
		b.WriteString("**EMERGENCY: respond immediately.**\n\n")
	}
	if task.URL != "" {
		fmt.Fprintf(&b, "Task: <%s>\n\n", task.URL)
	} else {
		fmt.Fprintf(&b, "Task ID: %s\n\n", task.ID)
	}
	item := func(label, value string) {
		if value == "" {
			value = "N/A"
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, value)
	}
	b.WriteString("## Tenant\n\n")
	item("Name", req.TenantName)
	item("Email", req.TenantEmail)
	item("Phone", req.TenantPhone)
	b.WriteString("\n## Property\n\n")
	item("Address", req.PropertyAddress)
	item("Unit", req.UnitNumber)
	b.WriteString("\n## Issue\n\n")
	item("Category", string(req.Category))
	item("Urgency", string(req.Urgency))
	item("Specific issue", req.SpecificIssue)
	b.WriteString("\n## Description\n\n")
	b.WriteString(req.Description)
	b.WriteString("\n")
	if len(req.Attachments) > 0 {
		b.WriteString("\n## Attachments\n\n")
		for _, a := range req.Attachments {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

// SampleRequest is the fixed request used to verify mail configuration.
func SampleRequest() domain.RepairRequest {
	return domain.RepairRequest{
		TenantName:      "Test Tenant",
		TenantEmail:     "test@example.com",
		TenantPhone:     "(555) 123-4567",
		PropertyAddress: "123 Test Street",
		UnitNumber:      "Apt 4B",
		Category:        domain.CategoryPlumbing,
		Urgency:         domain.UrgencyStandard,
		SpecificIssue:   "Leaky faucet",
		Description:     "This is a test description for the repair request system.",
		SourceEventID:   "test",
	}
}

// SampleTaskRef stands in for a created task in test notifications.
func SampleTaskRef() domain.TaskRef {
	return domain.TaskRef{ID: "test_task_12345"}
}
