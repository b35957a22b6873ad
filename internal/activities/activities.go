package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"insight-resolver/internal/executor"
	"insight-resolver/internal/modal"
)

// StepFailedErrorType marks a step whose work failed. It is never retried.
const StepFailedErrorType = "StepExecutionError"

// Activities exposes the step work provider and the issue feed to the
// ResolveInsight workflow.
type Activities struct {
	Worker executor.Worker
	Scorer executor.Scorer
	Issues executor.IssueFeed
}

// RunStep performs one step and scores its result.
func (a *Activities) RunStep(ctx context.Context, step modal.Step) (modal.StepResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("running step", "stepID", step.ID, "index", step.Index, "label", step.Label)

	res, err := a.Worker.Do(ctx, step)
	if err != nil {
		logger.Warn("step failed", "stepID", step.ID, "error", err)
		return modal.StepResult{}, temporal.NewNonRetryableApplicationError(err.Error(), StepFailedErrorType, nil)
	}

	scorer := a.Scorer
	if scorer == nil {
		scorer = executor.ReportedScorer{}
	}
	res.Confidence = scorer.ScoreStep(step, res)
	return res, nil
}

// MarkIssueResolved tells the issue feed that the originating issue is fixed.
func (a *Activities) MarkIssueResolved(ctx context.Context, issueID string, resolvedAt time.Time) error {
	activity.GetLogger(ctx).Info("marking issue resolved", "issueID", issueID)
	return a.Issues.MarkIssueResolved(ctx, issueID, resolvedAt)
}
