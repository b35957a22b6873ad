package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"insight-resolver/internal/activitylog"
	"insight-resolver/internal/modal"
)

const TaskQueue = "INSIGHT_RESOLUTION_TASK_QUEUE"
const AbortSignal = "abort"

const (
	ResolutionQuery  = "resolution"
	ActivityLogQuery = "activity_log"
)

// Activity names as registered on the worker.
const (
	RunStepActivity           = "RunStep"
	MarkIssueResolvedActivity = "MarkIssueResolved"
)

const defaultStepTimeout = 10 * time.Second

type ResolveInput struct {
	Resolution  modal.Resolution `json:"resolution"`
	StepTimeout time.Duration    `json:"stepTimeout,omitempty"`
}

type ResolveOutput struct {
	Status           modal.ResolutionStatus `json:"status"`
	CountNeedsReview int                    `json:"countNeedsReview"`
	FailedStep       string                 `json:"failedStep,omitempty"`
}

// ResolveInsight runs the steps of a resolution one activity at a time. The
// first failed step halts the run; the abort signal stops it between steps.
func ResolveInsight(ctx workflow.Context, in ResolveInput) (ResolveOutput, error) {
	logger := workflow.GetLogger(ctx)
	res := in.Resolution.Clone()
	logger.Info("workflow started", "resolutionID", res.ID, "issueID", res.IssueID, "steps", len(res.Steps))

	if len(res.Steps) == 0 {
		return ResolveOutput{}, temporal.NewNonRetryableApplicationError("resolution has no steps", "NoSteps", nil)
	}

	// Entry IDs and timestamps come from workflow time so replays rebuild the
	// same log.
	log := activitylog.New(
		activitylog.WithClock(func() time.Time { return workflow.Now(ctx) }),
		activitylog.WithIDFunc(func(index int, _ time.Time) string {
			return fmt.Sprintf("%s-%d", res.ID, index)
		}),
	)

	_ = workflow.SetQueryHandler(ctx, ResolutionQuery, func() (modal.Resolution, error) {
		return res.Clone(), nil
	})
	_ = workflow.SetQueryHandler(ctx, ActivityLogQuery, func(teach bool) ([]activitylog.View, error) {
		return activitylog.Render(log.Entries(), res.Steps, teach), nil
	})

	stepTimeout := in.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	// A step is run exactly once; retrying remediation work is not safe.
	stepCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: stepTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	feedCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	})

	sigCh := workflow.GetSignalChannel(ctx, AbortSignal)
	aborted := func() bool {
		var reason string
		return sigCh.ReceiveAsync(&reason)
	}

	startedAt := workflow.Now(ctx)
	res.Status = modal.ResolutionRunning
	res.StartedAt = &startedAt
	res.Recompute()
	log.Append(activitylog.WorkflowStarted(res))

	for i := range res.Steps {
		if aborted() {
			res.Status = modal.ResolutionCancelled
			res.Recompute()
			log.Append(activitylog.WorkflowCancelled(res))
			logger.Info("workflow cancelled", "completedSteps", res.TotalActions)
			return output(res, ""), nil
		}

		step := &res.Steps[i]
		if err := step.Begin(workflow.Now(ctx)); err != nil {
			return ResolveOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidTransition", err)
		}
		res.Recompute()
		log.Append(activitylog.StepStarted(*step))

		var result modal.StepResult
		err := workflow.ExecuteActivity(stepCtx, RunStepActivity, *step).Get(ctx, &result)
		step = &res.Steps[i]
		if err != nil {
			_ = step.Fail(workflow.Now(ctx), errors.New(stepFailureMessage(err)))
			res.Status = modal.ResolutionFailed
			res.Recompute()
			log.Append(activitylog.StepFailed(*step))
			logger.Error("step failed", "stepID", step.ID, "index", step.Index, "error", err)
			return output(res, step.ID), err
		}

		// The activity already scored the result.
		_ = step.Complete(workflow.Now(ctx), result, result.Confidence)
		res.Recompute()
		log.Append(activitylog.StepCompleted(*step))
		logger.Info("step completed", "stepID", step.ID, "confidence", step.Confidence, "needsReview", step.NeedsReview)
	}

	resolvedAt := workflow.Now(ctx)
	res.Status = modal.ResolutionCompleted
	res.ResolvedAt = &resolvedAt
	res.Recompute()
	log.Append(activitylog.WorkflowCompleted(res))

	if res.IssueID != "" {
		if err := workflow.ExecuteActivity(feedCtx, MarkIssueResolvedActivity, res.IssueID, resolvedAt).Get(ctx, nil); err != nil {
			logger.Error("failed to mark issue resolved", "issueID", res.IssueID, "error", err)
			return output(res, ""), err
		}
	}

	logger.Info("workflow completed", "needsReview", res.CountNeedsReview)
	return output(res, ""), nil
}

func output(res modal.Resolution, failedStep string) ResolveOutput {
	return ResolveOutput{Status: res.Status, CountNeedsReview: res.CountNeedsReview, FailedStep: failedStep}
}

func stepFailureMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "step timed out"
	}
	return err.Error()
}
