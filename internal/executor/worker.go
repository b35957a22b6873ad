package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"insight-resolver/internal/modal"
)

var (
	ErrAlreadyStarted = errors.New("resolution already started")
	ErrNoSteps        = errors.New("resolution has no steps")
	ErrNotPending     = errors.New("resolution has steps that already ran")
	ErrAborted        = errors.New("resolution aborted")
)

// Worker performs the work of one step. Implementations should return when
// ctx is done.
type Worker interface {
	Do(ctx context.Context, step modal.Step) (modal.StepResult, error)
}

type WorkerFunc func(ctx context.Context, step modal.Step) (modal.StepResult, error)

func (f WorkerFunc) Do(ctx context.Context, step modal.Step) (modal.StepResult, error) {
	return f(ctx, step)
}

// Scorer assigns the confidence of a completed step.
type Scorer interface {
	ScoreStep(step modal.Step, result modal.StepResult) int
}

// ReportedScorer trusts the confidence the worker reported.
type ReportedScorer struct{}

func (ReportedScorer) ScoreStep(_ modal.Step, result modal.StepResult) int {
	return modal.ClampConfidence(result.Confidence)
}

// IssueFeed is told when a resolution finished its last step.
type IssueFeed interface {
	MarkIssueResolved(ctx context.Context, issueID string, resolvedAt time.Time) error
}

// StepExecutionError reports a step whose work failed. The resolution halts
// on it.
type StepExecutionError struct {
	StepID string
	Index  int
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }
