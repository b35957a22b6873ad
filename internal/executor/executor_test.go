package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"insight-resolver/internal/activitylog"
	"insight-resolver/internal/modal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var defaultConfidences = []int{95, 92, 88, 65, 90}

func newResolution(n int) modal.Resolution {
	r := modal.Resolution{ID: "res-1", IssueID: "ISSUE-1", Title: "Expired credential", Method: modal.MethodAgent}
	for i := 1; i <= n; i++ {
		r.Steps = append(r.Steps, modal.Step{
			ID:     fmt.Sprintf("s%d", i),
			Index:  i,
			Label:  fmt.Sprintf("Step %d", i),
			Status: modal.StepPending,
		})
	}
	return r
}

func tableWorker(confidences []int) WorkerFunc {
	return func(ctx context.Context, step modal.Step) (modal.StepResult, error) {
		return modal.StepResult{
			Message:    step.Label + " done",
			OutputText: "output of " + step.Label,
			Confidence: confidences[step.Index-1],
		}, nil
	}
}

type fakeFeed struct {
	mu       sync.Mutex
	resolved map[string]time.Time
	err      error
}

func (f *fakeFeed) MarkIssueResolved(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.resolved == nil {
		f.resolved = make(map[string]time.Time)
	}
	f.resolved[id] = at
	return nil
}

func entriesForStep(entries []modal.ActivityLogEntry, stepID string) []modal.ActivityLogEntry {
	var out []modal.ActivityLogEntry
	for _, e := range entries {
		if e.StepID == stepID {
			out = append(out, e)
		}
	}
	return out
}

func TestEndToEndFiveSteps(t *testing.T) {
	feed := &fakeFeed{}
	log := activitylog.New()
	e := New(newResolution(5), log, tableWorker(defaultConfidences), WithIssueFeed(feed))

	require.NoError(t, e.Start(context.Background()))

	res := e.Snapshot()
	assert.Equal(t, modal.ResolutionCompleted, res.Status)
	assert.Equal(t, 1, res.CountNeedsReview)
	assert.Equal(t, 5, res.TotalSteps)
	assert.Equal(t, 5, res.TotalActions)
	require.NotNil(t, res.ResolvedAt)
	assert.True(t, res.Steps[3].NeedsReview)
	assert.Equal(t, 65, res.Steps[3].Confidence)

	// workflow started + 2 per step + workflow completed
	entries := log.Entries()
	require.Len(t, entries, 12)
	assert.Equal(t, "Workflow started", entries[0].Label)
	assert.Equal(t, "Starting: Step 1", entries[1].Label)
	assert.Equal(t, modal.TypeSuccess, entries[2].Type)
	assert.Equal(t, "Workflow completed", entries[11].Label)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Index)
	}

	at, ok := feed.resolved["ISSUE-1"]
	require.True(t, ok)
	assert.Equal(t, *res.ResolvedAt, at)
}

func TestStepsRunSequentially(t *testing.T) {
	release := make(chan struct{})
	inStep2 := make(chan struct{})
	base := tableWorker(defaultConfidences)
	worker := WorkerFunc(func(ctx context.Context, step modal.Step) (modal.StepResult, error) {
		if step.Index == 2 {
			close(inStep2)
			select {
			case <-release:
			case <-ctx.Done():
				return modal.StepResult{}, ctx.Err()
			}
		}
		return base(ctx, step)
	})

	log := activitylog.New()
	e := New(newResolution(5), log, worker)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(context.Background()) }()

	<-inStep2
	snap := e.Snapshot()
	assert.Equal(t, modal.StepCompleted, snap.Steps[0].Status)
	assert.Equal(t, modal.StepStarted, snap.Steps[1].Status)
	assert.Equal(t, modal.StepPending, snap.Steps[2].Status)
	assert.Empty(t, entriesForStep(log.Entries(), "s3"))

	before := log.Entries()
	close(release)
	require.NoError(t, <-errCh)

	after := log.Entries()
	assert.Equal(t, before, after[:len(before)], "earlier entries are a prefix of the final log")
}

func TestFailFast(t *testing.T) {
	base := tableWorker(defaultConfidences)
	var calls []int
	worker := WorkerFunc(func(ctx context.Context, step modal.Step) (modal.StepResult, error) {
		calls = append(calls, step.Index)
		if step.Index == 2 {
			return modal.StepResult{}, errors.New("vault unreachable")
		}
		return base(ctx, step)
	})
	feed := &fakeFeed{}
	log := activitylog.New()
	e := New(newResolution(5), log, worker, WithIssueFeed(feed))

	err := e.Start(context.Background())

	var stepErr *StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, []int{1, 2}, calls)

	res := e.Snapshot()
	assert.Equal(t, modal.ResolutionFailed, res.Status)
	assert.Equal(t, modal.StepFailed, res.Steps[1].Status)
	for _, s := range res.Steps[2:] {
		assert.Equal(t, modal.StepPending, s.Status)
	}

	entries := log.Entries()
	stepsWithEntries := map[string]bool{}
	for _, entry := range entries {
		if entry.StepID != "" {
			stepsWithEntries[entry.StepID] = true
		}
	}
	assert.Len(t, stepsWithEntries, 2)
	failed := entriesForStep(entries, "s2")
	require.Len(t, failed, 2)
	assert.Equal(t, modal.TypeError, failed[1].Type)
	assert.Empty(t, feed.resolved)
}

func TestStartTwice(t *testing.T) {
	e := New(newResolution(1), activitylog.New(), tableWorker(defaultConfidences))
	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartConcurrentOnlyOneRuns(t *testing.T) {
	log := activitylog.New()
	e := New(newResolution(3), log, tableWorker(defaultConfidences))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Start(context.Background())
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyStarted):
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, rejected)
	assert.Equal(t, 8, log.Len())
}

func TestStartPreconditions(t *testing.T) {
	e := New(newResolution(0), activitylog.New(), tableWorker(nil))
	assert.ErrorIs(t, e.Start(context.Background()), ErrNoSteps)

	r := newResolution(2)
	r.Steps[0].Status = modal.StepCompleted
	e = New(r, activitylog.New(), tableWorker(defaultConfidences))
	assert.ErrorIs(t, e.Start(context.Background()), ErrNotPending)
}

func TestStepTimeout(t *testing.T) {
	worker := WorkerFunc(func(ctx context.Context, step modal.Step) (modal.StepResult, error) {
		<-ctx.Done()
		return modal.StepResult{}, ctx.Err()
	})
	e := New(newResolution(2), activitylog.New(), worker, WithStepTimeout(20*time.Millisecond))

	err := e.Start(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res := e.Snapshot()
	assert.Equal(t, modal.StepFailed, res.Steps[0].Status)
	assert.Equal(t, modal.StepPending, res.Steps[1].Status)
}

func TestAbortBetweenSteps(t *testing.T) {
	var e *Executor
	base := tableWorker(defaultConfidences)
	worker := WorkerFunc(func(ctx context.Context, step modal.Step) (modal.StepResult, error) {
		if step.Index == 2 {
			e.Abort()
		}
		return base(ctx, step)
	})
	log := activitylog.New()
	feed := &fakeFeed{}
	e = New(newResolution(4), log, worker, WithIssueFeed(feed))

	assert.ErrorIs(t, e.Start(context.Background()), ErrAborted)

	res := e.Snapshot()
	assert.Equal(t, modal.ResolutionCancelled, res.Status)
	assert.Equal(t, modal.StepCompleted, res.Steps[1].Status, "in-flight step finishes")
	assert.Equal(t, modal.StepPending, res.Steps[2].Status)
	assert.Nil(t, res.ResolvedAt)
	assert.Empty(t, feed.resolved)

	entries := log.Entries()
	assert.Equal(t, "Workflow cancelled", entries[len(entries)-1].Label)
}

func TestScorerOverridesReportedConfidence(t *testing.T) {
	scorer := scorerFunc(func(step modal.Step, _ modal.StepResult) int { return 50 })
	e := New(newResolution(2), activitylog.New(), tableWorker(defaultConfidences), WithScorer(scorer))
	require.NoError(t, e.Start(context.Background()))

	res := e.Snapshot()
	assert.Equal(t, 2, res.CountNeedsReview)
	assert.Equal(t, 50, res.Steps[0].Confidence)
}

type scorerFunc func(modal.Step, modal.StepResult) int

func (f scorerFunc) ScoreStep(s modal.Step, r modal.StepResult) int { return f(s, r) }

func TestIssueFeedErrorIsReturned(t *testing.T) {
	feed := &fakeFeed{err: errors.New("feed down")}
	e := New(newResolution(1), activitylog.New(), tableWorker(defaultConfidences), WithIssueFeed(feed))

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed down")
	assert.Equal(t, modal.ResolutionCompleted, e.Snapshot().Status)
}

func TestApplyFeedback(t *testing.T) {
	e := New(newResolution(5), activitylog.New(), tableWorker(defaultConfidences))
	require.NoError(t, e.Start(context.Background()))

	step, err := e.ApplyFeedback("s4", modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 90})
	require.NoError(t, err)
	assert.False(t, step.NeedsReview)
	assert.Equal(t, 0, e.Snapshot().CountNeedsReview)

	_, err = e.ApplyFeedback("missing", modal.Feedback{Verdict: modal.VerdictCorrect})
	assert.ErrorIs(t, err, modal.ErrStepNotFound)
}

func TestApplyFeedbackRejectsPendingStep(t *testing.T) {
	e := New(newResolution(2), activitylog.New(), tableWorker(defaultConfidences))
	_, err := e.ApplyFeedback("s1", modal.Feedback{Verdict: modal.VerdictCorrect, AdjustedConfidence: 90})
	assert.ErrorIs(t, err, modal.ErrStepNotTerminal)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := New(newResolution(3), activitylog.New(), tableWorker(defaultConfidences), WithMetrics(m))
	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, float64(3), testutil.ToFloat64(m.steps.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resolutions.WithLabelValues("completed")))
}

func TestDoneClosedAfterStart(t *testing.T) {
	e := New(newResolution(1), activitylog.New(), tableWorker(defaultConfidences))
	go func() { _ = e.Start(context.Background()) }()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("executor did not finish")
	}
	assert.Equal(t, modal.ResolutionCompleted, e.Snapshot().Status)
}

func TestCallerCancelMidStepCancelsResolution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := tableWorker(defaultConfidences)
	worker := WorkerFunc(func(wctx context.Context, step modal.Step) (modal.StepResult, error) {
		if step.Index == 2 {
			cancel()
			<-wctx.Done()
			return modal.StepResult{}, wctx.Err()
		}
		return base(wctx, step)
	})
	log := activitylog.New()
	e := New(newResolution(3), log, worker)

	err := e.Start(ctx)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)

	res := e.Snapshot()
	assert.Equal(t, modal.ResolutionCancelled, res.Status)
	assert.Equal(t, modal.StepFailed, res.Steps[1].Status)
	assert.Equal(t, modal.StepPending, res.Steps[2].Status)
	assert.Nil(t, res.ResolvedAt)

	entries := log.Entries()
	require.Len(t, entries, 6)
	assert.Equal(t, "Workflow cancelled", entries[5].Label)
}

func TestNilLoggerFallsBackToDefault(t *testing.T) {
	var e *Executor
	require.NotPanics(t, func() {
		e = New(newResolution(1), activitylog.New(), tableWorker(defaultConfidences), WithLogger(nil))
	})
	require.NoError(t, e.Start(context.Background()))
}
