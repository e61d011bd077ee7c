// Package workflow turns a form submission into a tracker task, its
// checklist subtasks and a team notification, at most once per submission.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"repairline/internal/asana"
	"repairline/internal/builder"
	"repairline/internal/domain"
	"repairline/internal/events"
	"repairline/internal/intake"
	"repairline/internal/metrics"
	"repairline/internal/notify"
)

// State is the position of a run in its linear lifecycle.
type State string

const (
	StateReceived          State = "received"
	StateRejected          State = "rejected"
	StateNormalized        State = "normalized"
	StateSkipped           State = "skipped"
	StateTaskSpecReady     State = "task_spec_ready"
	StateFailed            State = "failed"
	StateTaskCreated       State = "task_created"
	StateSubtasksAttempted State = "subtasks_attempted"
	StateCompleted         State = "completed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateSkipped, StateFailed, StateCompleted:
		return true
	}
	return false
}

type Tracker interface {
	CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.TaskRecord, error)
	CreateSubtask(ctx context.Context, spec domain.SubtaskSpec) (domain.SubtaskRecord, error)
}

// Source reads intake tasks created by the form integration.
type Source interface {
	GetTask(ctx context.Context, gid string) (asana.Task, error)
	GetAttachments(ctx context.Context, taskGID string) ([]asana.Attachment, error)
	ListProjectTasks(ctx context.Context, projectGID string, modifiedSince time.Time) ([]asana.Task, error)
}

type Mailer interface {
	Send(ctx context.Context, msg domain.EmailMessage) error
}

type Guard interface {
	Claim(ctx context.Context, eventID, runID string) (bool, error)
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID, runID, taskID string) error
	Release(ctx context.Context, eventID, runID string) error
}

type Recorder interface {
	Append(ctx context.Context, evtType, eventID, runID, taskID string, payload events.EventPayload) error
}

type Options struct {
	IntakeProjectID string
	WorkProjectID   string
	Recipients      []string
	FieldGIDs       map[string]string
	// RunTimeout bounds one run once it has started. Zero means no bound.
	RunTimeout time.Duration
}

type Orchestrator struct {
	Tracker  Tracker
	Source   Source
	Mailer   Mailer
	Guard    Guard
	Recorder Recorder
	Builder  builder.Builder
	Metrics  *metrics.Metrics
	Logger   *log.Logger
	Options  Options
	Now      func() time.Time
	NewRunID func() string
}

type RunOptions struct {
	// Override bypasses the duplicate check. The event is still marked
	// processed on completion.
	Override bool
}

type SubtaskResult struct {
	Index     int
	Title     string
	SubtaskID string
	Err       error
}

type Result struct {
	RunID           string
	EventID         string
	State           State
	TaskID          string
	TaskURL         string
	Subtasks        []SubtaskResult
	Notified        bool
	NotificationErr error
}

// Err joins the best-effort failures of a completed run: failed subtasks
// and a failed notification. It is nil when everything succeeded.
func (r Result) Err() error {
	var errs []error
	for _, s := range r.Subtasks {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	if r.NotificationErr != nil {
		errs = append(errs, r.NotificationErr)
	}
	return errors.Join(errs...)
}

// FailedSubtasks counts subtasks the tracker refused.
func (r Result) FailedSubtasks() int {
	n := 0
	for _, s := range r.Subtasks {
		if s.Err != nil {
			n++
		}
	}
	return n
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return &log.DefaultLogger
}

func (o *Orchestrator) newRunID() string {
	if o.NewRunID != nil {
		return o.NewRunID()
	}
	return uuid.NewString()
}

// settleTimeout bounds guard updates and audit writes. They run detached from
// the run deadline so that a created task is always marked.
const settleTimeout = 5 * time.Second

func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (o *Orchestrator) record(ctx context.Context, evtType string, res Result, payload events.EventPayload) {
	if o.Recorder == nil {
		return
	}
	ctx, cancel := settle(ctx)
	defer cancel()
	if err := o.Recorder.Append(ctx, evtType, res.EventID, res.RunID, res.TaskID, payload); err != nil {
		o.logger().Error().Err(err).Str("run_id", res.RunID).Str("type", evtType).Msg("append audit event")
	}
}

// Run processes one submission. The returned error is non-nil only when
// the run ended Rejected (*intake.ValidationError), Skipped
// (*DuplicateEventError) or Failed. A Completed run may still carry partial
// failures in Result.Err.
//
// Once started, a run is detached from ctx cancellation so that a task is
// never left without its subtasks and notification because the caller went
// away. Options.RunTimeout bounds it instead.
func (o *Orchestrator) Run(ctx context.Context, sub intake.Submission, opts RunOptions) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if o.Options.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Options.RunTimeout)
		defer cancel()
	}
	res := Result{RunID: o.newRunID(), EventID: sub.EventID, State: StateReceived}
	logger := o.logger()

	req, err := intake.Normalize(sub)
	if err != nil {
		res.State = StateRejected
		payload := events.EventPayload{"error": err.Error()}
		var verr *intake.ValidationError
		if errors.As(err, &verr) {
			payload["problems"] = verr.Problems
		}
		o.finish(ctx, res, events.RunRejected, err, "", payload)
		return res, err
	}
	res.State = StateNormalized

	if !opts.Override {
		claimed, err := o.Guard.Claim(ctx, req.SourceEventID, res.RunID)
		if err != nil {
			res.State = StateFailed
			err = &ExternalServiceError{Stage: StageGuard, Err: err}
			o.finish(ctx, res, events.RunFailed, err, StageGuard, nil)
			return res, err
		}
		if !claimed {
			res.State = StateSkipped
			err := &DuplicateEventError{EventID: req.SourceEventID}
			o.finish(ctx, res, events.RunSkipped, err, "", nil)
			return res, err
		}
	}

	taskSpec, subSpecs := o.Builder.Build(req, builder.Options{
		ProjectID: o.Options.WorkProjectID,
		FieldGIDs: o.Options.FieldGIDs,
		Now:       o.now(),
	})
	res.State = StateTaskSpecReady

	started := time.Now()
	task, err := o.Tracker.CreateTask(ctx, taskSpec)
	o.Metrics.ExternalCall(StageTask, started, err)
	if err != nil {
		res.State = StateFailed
		serr := &ExternalServiceError{Stage: StageTask, Err: err}
		if !opts.Override {
			sctx, cancel := settle(ctx)
			if rerr := o.Guard.Release(sctx, req.SourceEventID, res.RunID); rerr != nil {
				logger.Error().Err(rerr).Str("event_id", res.EventID).Str("run_id", res.RunID).Msg("release claim")
			}
			cancel()
		}
		o.finish(ctx, res, events.RunFailed, serr, StageTask, nil)
		return res, serr
	}
	res.State = StateTaskCreated
	res.TaskID, res.TaskURL = task.ExternalTaskID, task.URL
	logger.Info().Str("event_id", res.EventID).Str("run_id", res.RunID).Str("task_id", res.TaskID).Msg("task created")

	for _, spec := range subSpecs {
		spec.ParentTaskID = task.ExternalTaskID
		started := time.Now()
		created, err := o.Tracker.CreateSubtask(ctx, spec)
		o.Metrics.ExternalCall(StageSubtask, started, err)
		sr := SubtaskResult{Index: spec.Index, Title: spec.Title}
		if err != nil {
			sr.Err = &ExternalServiceError{Stage: StageSubtask, Index: spec.Index, Err: err}
			logger.Warn().Err(err).Str("event_id", res.EventID).Str("run_id", res.RunID).Int("index", spec.Index).Msg("subtask failed")
			o.record(ctx, events.SubtaskFailed, res, events.EventPayload{"index": spec.Index, "title": spec.Title, "error": err.Error()})
		} else {
			sr.SubtaskID = created.ExternalSubtaskID
		}
		res.Subtasks = append(res.Subtasks, sr)
	}
	res.State = StateSubtasksAttempted

	msg := notify.Compose(req, domain.TaskRef{ID: task.ExternalTaskID, URL: task.URL}, o.Options.Recipients)
	started = time.Now()
	err = o.Mailer.Send(ctx, msg)
	o.Metrics.ExternalCall(StageNotification, started, err)
	if err != nil {
		res.NotificationErr = &ExternalServiceError{Stage: StageNotification, Err: err}
		logger.Warn().Err(err).Str("event_id", res.EventID).Str("run_id", res.RunID).Msg("notification failed")
		o.record(ctx, events.NotificationFailed, res, events.EventPayload{"error": err.Error()})
	} else {
		res.Notified = true
	}

	sctx, cancel := settle(ctx)
	if err := o.Guard.Mark(sctx, req.SourceEventID, res.RunID, task.ExternalTaskID); err != nil {
		logger.Error().Err(err).Str("event_id", res.EventID).Str("run_id", res.RunID).Msg("mark event processed")
	}
	cancel()
	res.State = StateCompleted
	o.finish(ctx, res, events.RunCompleted, nil, "", events.EventPayload{
		"override":        opts.Override,
		"subtasks":        len(res.Subtasks),
		"subtasks_failed": res.FailedSubtasks(),
		"notified":        res.Notified,
	})
	return res, nil
}

func (o *Orchestrator) finish(ctx context.Context, res Result, evtType string, err error, stage string, payload events.EventPayload) {
	o.Metrics.RunFinished(string(res.State))
	if payload == nil {
		payload = events.EventPayload{}
	}
	if stage != "" {
		payload["stage"] = stage
	}
	if err != nil {
		if _, ok := payload["error"]; !ok {
			payload["error"] = err.Error()
		}
	}
	entry := o.logger().Info()
	switch res.State {
	case StateFailed:
		entry = o.logger().Error()
	case StateRejected:
		entry = o.logger().Warn()
	case StateCompleted:
		if partial := res.Err(); partial != nil {
			entry = o.logger().Warn().Str("partial", partial.Error())
		}
	}
	if err != nil {
		entry = entry.Err(err)
	}
	entry.Str("event_id", res.EventID).
		Str("run_id", res.RunID).
		Str("state", string(res.State)).
		Str("stage", stage).
		Str("task_id", res.TaskID).
		Msg("run finished")
	o.record(ctx, evtType, res, payload)
}

// Outcome summarises a run error for callers reporting per-event results:
// accepted, duplicate, rejected, ignored or failed.
func Outcome(err error) string {
	var verr *intake.ValidationError
	switch {
	case err == nil:
		return "accepted"
	case IsDuplicate(err):
		return "duplicate"
	case errors.As(err, &verr):
		return "rejected"
	case errors.Is(err, ErrNotIntakeTask):
		return "ignored"
	}
	return "failed"
}
