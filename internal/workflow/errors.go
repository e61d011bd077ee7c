package workflow

import (
	"errors"
	"fmt"
)

// Stages an external call can fail in.
const (
	StageFetch        = "fetch"
	StageGuard        = "guard"
	StageTask         = "task"
	StageSubtask      = "subtask"
	StageNotification = "notification"
	StageWebhook      = "webhook"
)

// ErrNotIntakeTask is returned when a task id given to ProcessTask does not
// belong to the intake project.
var ErrNotIntakeTask = errors.New("task is not in the intake project")

// DuplicateEventError reports that the event was already handled. It is a
// no-op outcome, not a failure.
type DuplicateEventError struct {
	EventID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s already processed", e.EventID)
}

// ExternalServiceError wraps a tracker or mail failure with the stage it
// happened in. Index is the subtask position for StageSubtask.
type ExternalServiceError struct {
	Stage string
	Index int
	Err   error
}

func (e *ExternalServiceError) Error() string {
	if e.Stage == StageSubtask {
		return fmt.Sprintf("%s[%d]: %v", e.Stage, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsDuplicate reports whether err marks an already processed event.
func IsDuplicate(err error) bool {
	var dup *DuplicateEventError
	return errors.As(err, &dup)
}
