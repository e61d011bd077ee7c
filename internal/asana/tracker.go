package asana

import (
	"context"

	"repairline/internal/domain"
)

// Tracker adapts Client to the task and subtask specs produced by the
// builder.
type Tracker struct {
	Client *Client
}

func (t Tracker) CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.TaskRecord, error) {
	in := TaskCreate{
		Name:         spec.Title,
		Notes:        spec.Description,
		DueOn:        spec.DueOn,
		CustomFields: spec.CustomFields,
	}
	if spec.ProjectID != "" {
		in.Projects = []string{spec.ProjectID}
	}
	task, err := t.Client.CreateTask(ctx, in)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	return domain.TaskRecord{TaskSpec: spec, ExternalTaskID: task.GID, URL: task.PermalinkURL}, nil
}

func (t Tracker) CreateSubtask(ctx context.Context, spec domain.SubtaskSpec) (domain.SubtaskRecord, error) {
	sub, err := t.Client.CreateSubtask(ctx, spec.ParentTaskID, SubtaskCreate{Name: spec.Title})
	if err != nil {
		return domain.SubtaskRecord{}, err
	}
	return domain.SubtaskRecord{Title: spec.Title, ParentTaskID: spec.ParentTaskID, ExternalSubtaskID: sub.GID}, nil
}
