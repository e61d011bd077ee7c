// Package intake turns raw form submissions into validated repair requests.
package intake

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"repairline/internal/asana"
	"repairline/internal/domain"
)

// Form labels as they appear on the tenant repair form.
const (
	LabelFirstName      = "First Name"
	LabelLastName       = "Last Name"
	LabelTenantName     = "Tenant Name"
	LabelEmail          = "Email Address"
	LabelPhone          = "Phone Number"
	LabelAddress        = "Property Address"
	LabelUnit           = "Unit Number"
	LabelUrgency        = "Urgency Level"
	LabelCategory       = "Issue Category"
	LabelStandardIssue  = "What kind of standard issue"
	LabelEmergencyIssue = "What kind of emergency issue"
	LabelDescription    = "Description"
	LabelAttachments    = "Attachments"
)

// Submission is a raw form submission keyed by lowercased form label.
// EventID is the stable idempotency key of the submission.
type Submission struct {
	EventID     string
	Fields      map[string]string
	Notes       string
	Attachments []string
	SubmittedAt string
}

// Field looks up a label case-insensitively.
func (s Submission) Field(label string) string {
	return strings.TrimSpace(s.Fields[fieldKey(label)])
}

func fieldKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// normalizeFields folds labels to lowercase. When several labels fold to the
// same key the first non-empty answer in labels order wins.
func normalizeFields(labels []string, value func(string) string) map[string]string {
	out := make(map[string]string, len(labels))
	for _, label := range labels {
		key := fieldKey(label)
		if key == "" {
			continue
		}
		v := value(label)
		if cur, ok := out[key]; ok && (strings.TrimSpace(cur) != "" || strings.TrimSpace(v) == "") {
			continue
		}
		out[key] = v
	}
	return out
}

// FormPayload is the JSON body accepted by the direct intake endpoint.
type FormPayload struct {
	SubmissionID string            `json:"submission_id" doc:"Stable id of the form submission; used for deduplication"`
	SubmittedAt  string            `json:"submitted_at,omitempty" format:"date-time"`
	Fields       map[string]string `json:"fields" doc:"Form answers keyed by form label"`
}

func FromForm(p FormPayload) Submission {
	labels := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	s := Submission{
		EventID:     strings.TrimSpace(p.SubmissionID),
		Fields:      normalizeFields(labels, func(k string) string { return p.Fields[k] }),
		SubmittedAt: p.SubmittedAt,
	}
	s.Attachments = splitList(s.Field(LabelAttachments))
	return s
}

// FromAsanaTask builds a submission from a task created by the tracker's
// form integration. The task gid is the idempotency key.
func FromAsanaTask(task asana.Task, attachments []asana.Attachment) Submission {
	labels := make([]string, 0, len(task.CustomFields))
	values := make(map[string]string, len(task.CustomFields))
	for _, f := range task.CustomFields {
		if _, dup := values[f.Name]; dup {
			continue
		}
		labels = append(labels, f.Name)
		values[f.Name] = f.Value()
	}
	fields := normalizeFields(labels, func(k string) string { return values[k] })
	refs := splitList(Submission{Fields: fields}.Field(LabelAttachments))
	for _, a := range attachments {
		ref := a.PermalinkURL
		if ref == "" {
			ref = a.Name
		}
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return Submission{
		EventID:     task.GID,
		Fields:      fields,
		Notes:       task.Notes,
		Attachments: refs,
		SubmittedAt: task.CreatedAt,
	}
}

// FieldProblem describes one rejected field.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports a malformed or incomplete submission. No side
// effects may follow it.
type ValidationError struct {
	EventID  string
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	if e.EventID == "" {
		return "invalid repair request: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("invalid repair request %s: %s", e.EventID, strings.Join(parts, "; "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize validates a submission and returns the canonical request.
// Category and urgency must name a known value (case-insensitive); unknown
// values are rejected rather than defaulted.
func Normalize(s Submission) (domain.RepairRequest, error) {
	req := domain.RepairRequest{
		TenantName:      tenantName(s),
		TenantEmail:     s.Field(LabelEmail),
		TenantPhone:     s.Field(LabelPhone),
		PropertyAddress: s.Field(LabelAddress),
		UnitNumber:      s.Field(LabelUnit),
		SpecificIssue:   firstNonEmpty(s.Field(LabelStandardIssue), s.Field(LabelEmergencyIssue)),
		Description:     firstNonEmpty(s.Field(LabelDescription), strings.TrimSpace(s.Notes)),
		Attachments:     s.Attachments,
		SourceEventID:   strings.TrimSpace(s.EventID),
		SubmittedAt:     s.SubmittedAt,
	}
	var problems []FieldProblem
	if raw := s.Field(LabelCategory); raw != "" {
		cat, err := domain.ParseCategory(raw)
		if err != nil {
			problems = append(problems, FieldProblem{Field: "category", Reason: err.Error()})
		}
		req.Category = cat
	}
	if raw := s.Field(LabelUrgency); raw != "" {
		urg, err := domain.ParseUrgency(raw)
		if err != nil {
			problems = append(problems, FieldProblem{Field: "urgency", Reason: err.Error()})
		}
		req.Urgency = urg
	}
	if err := validate.Struct(req); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return domain.RepairRequest{}, err
		}
		for _, fe := range verrs {
			if hasProblem(problems, fe.Field()) {
				continue
			}
			problems = append(problems, FieldProblem{Field: fe.Field(), Reason: reason(fe)})
		}
	}
	if len(problems) > 0 {
		return domain.RepairRequest{}, &ValidationError{EventID: req.SourceEventID, Problems: problems}
	}
	return req, nil
}

func tenantName(s Submission) string {
	if name := s.Field(LabelTenantName); name != "" {
		return name
	}
	return strings.TrimSpace(s.Field(LabelFirstName) + " " + s.Field(LabelLastName))
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "is not a valid email address"
	default:
		return "failed " + fe.Tag()
	}
}

func hasProblem(problems []FieldProblem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
