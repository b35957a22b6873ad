// Package service keeps the resolutions of a running process and routes
// reads, aborts and corrections to the executor that owns each one.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"insight-resolver/internal/activitylog"
	"insight-resolver/internal/correction"
	"insight-resolver/internal/executor"
	"insight-resolver/internal/feedback"
	"insight-resolver/internal/modal"
	"insight-resolver/internal/playbook"
)

var (
	ErrResolutionNotFound = errors.New("resolution not found")
	ErrIssueBusy          = errors.New("issue already has a resolution in progress")
	ErrIssueResolved      = errors.New("issue is already resolved")
)

// IssueFeed is the issue source the service resolves against.
type IssueFeed interface {
	GetIssueByID(ctx context.Context, id string) (modal.Issue, error)
	MarkIssueResolved(ctx context.Context, id string, resolvedAt time.Time) error
}

// LogAttacher subscribes to a resolution's activity log.
type LogAttacher interface {
	Attach(resolutionID string, log *activitylog.Log)
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithPlaybook(defs []playbook.Definition) Option {
	return func(s *Service) { s.defs = defs }
}

func WithScorer(sc executor.Scorer) Option {
	return func(s *Service) { s.scorer = sc }
}

func WithStepTimeout(d time.Duration) Option {
	return func(s *Service) { s.stepTimeout = d }
}

func WithMetrics(m *executor.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAttacher(a LogAttacher) Option {
	return func(s *Service) { s.attachers = append(s.attachers, a) }
}

type Service struct {
	issues      IssueFeed
	store       *feedback.Store
	corrections *correction.Controller
	worker      executor.Worker
	scorer      executor.Scorer
	defs        []playbook.Definition
	attachers   []LogAttacher
	metrics     *executor.Metrics
	stepTimeout time.Duration
	logger      *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*run
}

type run struct {
	exec      *executor.Executor
	issueID   string
	createdAt time.Time
}

func New(feed IssueFeed, store *feedback.Store, worker executor.Worker, opts ...Option) *Service {
	s := &Service{
		issues: feed,
		store:  store,
		worker: worker,
		scorer: executor.ReportedScorer{},
		defs:   playbook.CredentialRotation,
		logger: slog.Default(),
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.corrections = correction.NewController(store, s.logger)
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	return s
}

// Start creates a resolution for issueID and runs it in the background. The
// run is detached from ctx, which only bounds the issue lookup.
func (s *Service) Start(ctx context.Context, issueID string) (modal.Resolution, error) {
	issue, err := s.issues.GetIssueByID(ctx, issueID)
	if err != nil {
		return modal.Resolution{}, err
	}
	if issue.Status == modal.IssueResolved {
		return modal.Resolution{}, fmt.Errorf("%w: %s", ErrIssueResolved, issueID)
	}

	res := playbook.NewResolution(issue, modal.MethodAgent, s.defs)
	log := activitylog.New()
	for _, a := range s.attachers {
		a.Attach(res.ID, log)
	}
	exec := executor.New(res, log, s.worker,
		executor.WithScorer(s.scorer),
		executor.WithIssueFeed(s.issues),
		executor.WithLogger(s.logger),
		executor.WithMetrics(s.metrics),
		executor.WithStepTimeout(s.stepTimeout),
	)

	s.mu.Lock()
	for _, r := range s.runs {
		if r.issueID == issueID && !r.exec.Snapshot().Status.Terminal() {
			s.mu.Unlock()
			return modal.Resolution{}, fmt.Errorf("%w: %s", ErrIssueBusy, issueID)
		}
	}
	s.runs[res.ID] = &run{exec: exec, issueID: issueID, createdAt: time.Now()}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := exec.Start(s.baseCtx); err != nil {
			s.logger.Warn("resolution ended with error",
				slog.String("resolution_id", res.ID),
				slog.String("issue_id", issueID),
				slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("resolution started", slog.String("resolution_id", res.ID), slog.String("issue_id", issueID))
	return exec.Snapshot(), nil
}

func (s *Service) lookup(id string) (*run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResolutionNotFound, id)
	}
	return r, nil
}

func (s *Service) Get(id string) (modal.Resolution, error) {
	r, err := s.lookup(id)
	if err != nil {
		return modal.Resolution{}, err
	}
	return r.exec.Snapshot(), nil
}

// List returns every resolution, most recent first.
func (s *Service) List() []modal.Resolution {
	s.mu.RLock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].createdAt.After(runs[j].createdAt) })
	out := make([]modal.Resolution, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.exec.Snapshot())
	}
	return out
}

// Activity renders the activity log of a resolution.
func (s *Service) Activity(id string, teachMode bool) ([]activitylog.View, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	entries := r.exec.Log().Entries()
	return activitylog.Render(entries, r.exec.Snapshot().Steps, teachMode), nil
}

func (s *Service) Abort(id string) error {
	r, err := s.lookup(id)
	if err != nil {
		return err
	}
	r.exec.Abort()
	s.logger.Info("abort requested", slog.String("resolution_id", id))
	return nil
}

// Wait blocks until the resolution is terminal or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (modal.Resolution, error) {
	r, err := s.lookup(id)
	if err != nil {
		return modal.Resolution{}, err
	}
	select {
	case <-r.exec.Done():
		return r.exec.Snapshot(), nil
	case <-ctx.Done():
		return modal.Resolution{}, ctx.Err()
	}
}

// Feedback returns the stored corrections of a resolution keyed by step ID.
func (s *Service) Feedback(ctx context.Context, id string) (map[string]modal.Feedback, error) {
	if _, err := s.lookup(id); err != nil {
		return nil, err
	}
	return s.store.GetAllForResolution(ctx, id)
}

func (s *Service) OpenCorrection(ctx context.Context, resolutionID, stepID string) (*correction.Session, error) {
	r, err := s.lookup(resolutionID)
	if err != nil {
		return nil, err
	}
	return s.corrections.Open(ctx, r.exec, stepID)
}

// CorrectionInput carries the fields a reviewer changed. Nil fields keep the
// value the session was opened with.
type CorrectionInput struct {
	Verdict            *modal.Verdict `json:"verdict,omitempty"`
	AdjustedConfidence *int           `json:"adjustedConfidence,omitempty"`
	CorrectionNote     *string        `json:"correctionNote,omitempty"`
	UpdatedOutput      *string        `json:"updatedOutput,omitempty"`
	ReasoningHint      *string        `json:"updatedReasoningHint,omitempty"`
}

// SubmitCorrection opens a session, applies in and saves it in one call.
func (s *Service) SubmitCorrection(ctx context.Context, resolutionID, stepID string, in CorrectionInput) (modal.Step, error) {
	sess, err := s.OpenCorrection(ctx, resolutionID, stepID)
	if err != nil {
		return modal.Step{}, err
	}
	if in.Verdict != nil {
		if err := sess.SetVerdict(*in.Verdict); err != nil {
			return modal.Step{}, err
		}
	}
	if in.AdjustedConfidence != nil {
		if err := sess.SetAdjustedConfidence(*in.AdjustedConfidence); err != nil {
			return modal.Step{}, err
		}
	}
	if in.CorrectionNote != nil {
		sess.SetCorrectionNote(*in.CorrectionNote)
	}
	if in.UpdatedOutput != nil {
		sess.SetOutput(*in.UpdatedOutput)
	}
	if in.ReasoningHint != nil {
		sess.SetReasoningHint(*in.ReasoningHint)
	}
	return sess.Save(ctx)
}

// Close aborts every run and waits for the in-flight steps to finish. If ctx
// expires first, in-flight steps are interrupted and their resolutions end
// cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.mu.RLock()
	for _, r := range s.runs {
		r.exec.Abort()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		return ctx.Err()
	}
}
