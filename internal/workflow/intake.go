package workflow

import (
	"context"
	"time"

	"repairline/internal/asana"
	"repairline/internal/domain"
	"repairline/internal/intake"
	"repairline/internal/notify"
)

// DefaultScanWindow is how far back ScanRecent looks when no window is given.
const DefaultScanWindow = 24 * time.Hour

// ScanSummary counts ScanRecent outcomes per task.
type ScanSummary struct {
	Window    time.Duration
	Scanned   int
	Accepted  int
	Duplicate int
	Rejected  int
	Ignored   int
	Failed    int
	Runs      []ScanRun
}

// ScanRun is one processed task of a scan with the error its run returned.
type ScanRun struct {
	Result
	Err error
}

func (s *ScanSummary) add(outcome string) {
	switch outcome {
	case "accepted":
		s.Accepted++
	case "duplicate":
		s.Duplicate++
	case "rejected":
		s.Rejected++
	case "ignored":
		s.Ignored++
	default:
		s.Failed++
	}
}

// fetchSubmission loads an intake task with its attachments.
func (o *Orchestrator) fetchSubmission(ctx context.Context, gid string) (asana.Task, intake.Submission, error) {
	started := time.Now()
	task, err := o.Source.GetTask(ctx, gid)
	o.Metrics.ExternalCall(StageFetch, started, err)
	if err != nil {
		return asana.Task{}, intake.Submission{}, &ExternalServiceError{Stage: StageFetch, Err: err}
	}
	started = time.Now()
	attachments, err := o.Source.GetAttachments(ctx, gid)
	o.Metrics.ExternalCall(StageFetch, started, err)
	if err != nil {
		// Attachments only add links to the request.
		o.logger().Warn().Err(err).Str("event_id", gid).Msg("fetch attachments")
		attachments = nil
	}
	return task, intake.FromAsanaTask(task, attachments), nil
}

// ProcessTask runs the workflow for one intake task. With override the
// duplicate check is skipped, which is how operators force a rerun.
func (o *Orchestrator) ProcessTask(ctx context.Context, gid string, override bool) (Result, error) {
	task, sub, err := o.fetchSubmission(ctx, gid)
	if err != nil {
		o.logger().Error().Err(err).Str("event_id", gid).Msg("fetch intake task")
		return Result{EventID: gid, State: StateFailed}, err
	}
	if o.Options.IntakeProjectID != "" && !task.InProject(o.Options.IntakeProjectID) {
		o.logger().Debug().Str("event_id", gid).Msg("task outside intake project ignored")
		return Result{EventID: gid, State: StateReceived}, ErrNotIntakeTask
	}
	return o.Run(ctx, sub, RunOptions{Override: override})
}

// ScanRecent processes intake tasks modified within window, relying on the
// guard to skip those already handled. It catches submissions whose
// webhook delivery was lost.
func (o *Orchestrator) ScanRecent(ctx context.Context, window time.Duration) (ScanSummary, error) {
	if window <= 0 {
		window = DefaultScanWindow
	}
	summary := ScanSummary{Window: window}
	started := time.Now()
	tasks, err := o.Source.ListProjectTasks(ctx, o.Options.IntakeProjectID, o.now().Add(-window))
	o.Metrics.ExternalCall(StageFetch, started, err)
	if err != nil {
		return summary, &ExternalServiceError{Stage: StageFetch, Err: err}
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++
		seen, err := o.Guard.Seen(ctx, t.GID)
		if err == nil && seen {
			summary.Duplicate++
			continue
		}
		res, err := o.ProcessTask(ctx, t.GID, false)
		summary.add(Outcome(err))
		summary.Runs = append(summary.Runs, ScanRun{Result: res, Err: err})
	}
	o.logger().Info().
		Dur("window", window).
		Int("scanned", summary.Scanned).
		Int("accepted", summary.Accepted).
		Int("duplicate", summary.Duplicate).
		Int("rejected", summary.Rejected).
		Int("failed", summary.Failed).
		Msg("scan finished")
	return summary, nil
}

// SendTestNotification mails the fixed sample request to the distribution
// list without touching the tracker.
func (o *Orchestrator) SendTestNotification(ctx context.Context) (domain.EmailMessage, error) {
	msg := notify.Compose(notify.SampleRequest(), notify.SampleTaskRef(), o.Options.Recipients)
	started := time.Now()
	err := o.Mailer.Send(ctx, msg)
	o.Metrics.ExternalCall(StageNotification, started, err)
	if err != nil {
		o.logger().Error().Err(err).Msg("test notification failed")
		return msg, &ExternalServiceError{Stage: StageNotification, Err: err}
	}
	o.logger().Info().Strs("to", msg.Recipients).Msg("test notification sent")
	return msg, nil
}
