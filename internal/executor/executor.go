// Package executor drives the steps of one Resolution through their
// lifecycle, strictly one at a time.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"insight-resolver/internal/activitylog"
	"insight-resolver/internal/modal"
)

type Option func(*Executor)

func WithScorer(s Scorer) Option {
	return func(e *Executor) { e.scorer = s }
}

func WithIssueFeed(f IssueFeed) Option {
	return func(e *Executor) { e.issues = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithStepTimeout fails a step whose work has not returned after d. Zero
// disables the limit.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor owns one Resolution. While it runs, it is the only writer of
// non-terminal steps; ApplyFeedback only ever writes terminal ones.
type Executor struct {
	worker      Worker
	scorer      Scorer
	issues      IssueFeed
	log         *activitylog.Log
	logger      *slog.Logger
	metrics     *Metrics
	stepTimeout time.Duration
	now         func() time.Time

	mu  sync.RWMutex
	res modal.Resolution

	started atomic.Bool
	abort   atomic.Bool
	done    chan struct{}
}

// New takes a copy of res; callers read it back through Snapshot.
func New(res modal.Resolution, log *activitylog.Log, worker Worker, opts ...Option) *Executor {
	e := &Executor{
		worker: worker,
		scorer: ReportedScorer{},
		log:    log,
		logger: slog.Default(),
		now:    time.Now,
		res:    res.Clone(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.res.Status == "" {
		e.res.Status = modal.ResolutionPending
	}
	e.res.Recompute()
	e.logger = e.logger.With(slog.String("resolution_id", res.ID))
	return e
}

func (e *Executor) ID() string { return e.res.ID }

func (e *Executor) Log() *activitylog.Log { return e.log }

// Done is closed once Start returns.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Abort asks the executor to stop before the next step. A step already in
// flight is allowed to finish.
func (e *Executor) Abort() {
	e.abort.Store(true)
}

// Start runs every step in order and returns when the resolution is
// terminal. The first failed step halts the run and is returned as a
// *StepExecutionError. If ctx is cancelled while a step runs, that step is
// recorded as failed and the resolution as cancelled. Start may be called
// only once.
func (e *Executor) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(e.done)

	e.mu.Lock()
	if len(e.res.Steps) == 0 {
		e.mu.Unlock()
		return ErrNoSteps
	}
	for _, s := range e.res.Steps {
		if s.Status != modal.StepPending && s.Status != "" {
			e.mu.Unlock()
			return fmt.Errorf("%w: step %d is %s", ErrNotPending, s.Index, s.Status)
		}
	}
	startedAt := e.now()
	e.res.Status = modal.ResolutionRunning
	e.res.StartedAt = &startedAt
	snap := e.res.Clone()
	e.mu.Unlock()

	e.log.Append(activitylog.WorkflowStarted(snap))
	e.logger.Info("workflow started", slog.Int("steps", len(snap.Steps)))

	for i := range snap.Steps {
		if e.abort.Load() {
			return e.cancel()
		}
		if err := e.runStep(ctx, i); err != nil {
			if ctx.Err() != nil {
				// The caller went away mid-step; the run did not fail on its own.
				e.cancel()
				return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			}
			e.finish(modal.ResolutionFailed)
			e.logger.Error("workflow halted", slog.String("error", err.Error()))
			return err
		}
	}
	return e.completeWorkflow(ctx)
}

func (e *Executor) runStep(ctx context.Context, i int) error {
	e.mu.Lock()
	step := &e.res.Steps[i]
	if err := step.Begin(e.now()); err != nil {
		e.mu.Unlock()
		return &StepExecutionError{StepID: step.ID, Index: step.Index, Err: err}
	}
	e.res.Recompute()
	begun := *step
	e.mu.Unlock()

	e.log.Append(activitylog.StepStarted(begun))
	logger := e.logger.With(slog.String("step_id", begun.ID), slog.Int("step_index", begun.Index))
	logger.Debug("step started", slog.String("label", begun.Label))

	t0 := time.Now()
	res, workErr := e.doWork(ctx, begun)
	elapsed := time.Since(t0)

	e.mu.Lock()
	step = &e.res.Steps[i]
	at := begun.Timestamp.Add(elapsed)
	if workErr != nil {
		_ = step.Fail(at, workErr)
	} else {
		_ = step.Complete(at, res, e.scorer.ScoreStep(*step, res))
	}
	e.res.Recompute()
	finished := *step
	e.mu.Unlock()

	if workErr != nil {
		e.log.Append(activitylog.StepFailed(finished))
		e.metrics.observeStep(string(modal.StepFailed), elapsed)
		logger.Warn("step failed", slog.String("error", workErr.Error()))
		return &StepExecutionError{StepID: finished.ID, Index: finished.Index, Err: workErr}
	}

	e.log.Append(activitylog.StepCompleted(finished))
	e.metrics.observeStep(string(modal.StepCompleted), elapsed)
	logger.Info("step completed",
		slog.Int("confidence", finished.Confidence),
		slog.Bool("needs_review", finished.NeedsReview),
		slog.Int64("duration_ms", finished.DurationMs))
	return nil
}

func (e *Executor) doWork(ctx context.Context, step modal.Step) (modal.StepResult, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	type outcome struct {
		res modal.StepResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.worker.Do(ctx, step)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return modal.StepResult{}, ctx.Err()
	}
}

func (e *Executor) completeWorkflow(ctx context.Context) error {
	snap := e.finish(modal.ResolutionCompleted)
	e.log.Append(activitylog.WorkflowCompleted(snap))
	e.logger.Info("workflow completed",
		slog.Int("needs_review", snap.CountNeedsReview),
		slog.Int64("duration_ms", snap.TotalDurationMs))

	if e.issues == nil || snap.IssueID == "" {
		return nil
	}
	if err := e.issues.MarkIssueResolved(ctx, snap.IssueID, *snap.ResolvedAt); err != nil {
		e.logger.Error("failed to mark issue resolved",
			slog.String("issue_id", snap.IssueID),
			slog.String("error", err.Error()))
		return fmt.Errorf("mark issue %s resolved: %w", snap.IssueID, err)
	}
	return nil
}

func (e *Executor) cancel() error {
	snap := e.finish(modal.ResolutionCancelled)
	e.log.Append(activitylog.WorkflowCancelled(snap))
	e.logger.Info("workflow cancelled", slog.Int("completed_steps", snap.TotalActions))
	return ErrAborted
}

func (e *Executor) finish(status modal.ResolutionStatus) modal.Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.res.Status = status
	if status == modal.ResolutionCompleted {
		at := e.now()
		e.res.ResolvedAt = &at
	}
	e.res.Recompute()
	e.metrics.observeResolution(string(status))
	return e.res.Clone()
}

// Snapshot returns a deep copy of the resolution.
func (e *Executor) Snapshot() modal.Resolution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.res.Clone()
}

func (e *Executor) Step(stepID string) (modal.Step, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, err := e.res.StepByID(stepID)
	if err != nil {
		return modal.Step{}, err
	}
	return copyStep(s), nil
}

// ApplyFeedback merges fb into a terminal step and returns the updated step.
func (e *Executor) ApplyFeedback(stepID string, fb modal.Feedback) (modal.Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.res.StepByID(stepID)
	if err != nil {
		return modal.Step{}, err
	}
	if err := s.ApplyFeedback(fb); err != nil {
		return modal.Step{}, err
	}
	e.res.Recompute()
	return copyStep(s), nil
}

func copyStep(s *modal.Step) modal.Step {
	out := *s
	if s.Feedback != nil {
		fb := s.Feedback.Clone()
		out.Feedback = &fb
	}
	return out
}
