// Package correction mediates human review of finished steps: it opens an
// edit session on a step, gates saves that carry no information, and merges
// a saved correction into the store and then into the step.
package correction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"insight-resolver/internal/modal"
)

var (
	// ErrNothingToSave is returned by Save when the note is empty and the
	// output was not edited. The session stays open.
	ErrNothingToSave = errors.New("nothing to save: add a correction note or edit the output")
	ErrSessionClosed = errors.New("correction session is closed")
)

// ValidationError reports a rejected field value. It is recoverable: the
// session stays open.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FeedbackStore is the persistence the controller writes through.
type FeedbackStore interface {
	Save(ctx context.Context, resolutionID, stepID string, fb modal.Feedback) error
	Get(ctx context.Context, resolutionID, stepID string) (modal.Feedback, bool, error)
}

// Target owns the displayed step records of one resolution.
type Target interface {
	ID() string
	Step(stepID string) (modal.Step, error)
	ApplyFeedback(stepID string, fb modal.Feedback) (modal.Step, error)
}

type Controller struct {
	store  FeedbackStore
	logger *slog.Logger
	now    func() time.Time
}

func NewController(store FeedbackStore, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Original is the step as it was when the session opened.
type Original struct {
	OutputText string
	Message    string
	Confidence int
}

// Session is the edit buffer for one correction.
type Session struct {
	c      *Controller
	target Target
	stepID string

	original Original
	existing *modal.Feedback

	mu                 sync.Mutex
	closed             bool
	verdict            modal.Verdict
	adjustedConfidence int
	correctionNote     string
	output             string
	reasoningHint      string
}

// Open snapshots the step and prefills the editable fields from existing
// feedback when there is any.
func (c *Controller) Open(ctx context.Context, target Target, stepID string) (*Session, error) {
	step, err := target.Step(stepID)
	if err != nil {
		return nil, err
	}
	if !step.Status.Terminal() {
		return nil, fmt.Errorf("%w: step %s is %s", modal.ErrStepNotTerminal, stepID, step.Status)
	}

	s := &Session{
		c:      c,
		target: target,
		stepID: stepID,
		original: Original{
			OutputText: step.OutputText,
			Message:    step.Message,
			Confidence: step.Confidence,
		},
		verdict:            modal.VerdictCorrect,
		adjustedConfidence: step.Confidence,
		output:             step.OutputText,
	}

	fb, ok, err := c.store.Get(ctx, target.ID(), stepID)
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}
	if !ok && step.Feedback != nil {
		fb, ok = *step.Feedback, true
	}
	if ok {
		s.existing = &fb
		s.verdict = fb.Verdict
		s.adjustedConfidence = fb.AdjustedConfidence
		s.correctionNote = fb.CorrectionNote
		if fb.UpdatedReasoningHint != nil {
			s.reasoningHint = *fb.UpdatedReasoningHint
		}
	}
	return s, nil
}

func (s *Session) Original() Original { return s.original }

// Existing returns the feedback the session was prefilled from, if any.
func (s *Session) Existing() (modal.Feedback, bool) {
	if s.existing == nil {
		return modal.Feedback{}, false
	}
	return s.existing.Clone(), true
}

func (s *Session) StepID() string { return s.stepID }

func (s *Session) Verdict() modal.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdict
}

func (s *Session) AdjustedConfidence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustedConfidence
}

func (s *Session) CorrectionNote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correctionNote
}

func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *Session) SetVerdict(v modal.Verdict) error {
	if !v.Valid() {
		return &ValidationError{Field: "verdict", Reason: fmt.Sprintf("unknown value %q", v)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict = v
	return nil
}

func (s *Session) SetAdjustedConfidence(c int) error {
	if c < 0 || c > 100 {
		return &ValidationError{Field: "adjustedConfidence", Reason: fmt.Sprintf("%d is outside 0..100", c)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjustedConfidence = c
	return nil
}

func (s *Session) SetCorrectionNote(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correctionNote = note
}

func (s *Session) SetOutput(out string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = out
}

func (s *Session) SetReasoningHint(hint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasoningHint = hint
}

// CanSave is true when the note is non-empty or the output differs from the
// original snapshot.
func (s *Session) CanSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSaveLocked()
}

func (s *Session) canSaveLocked() bool {
	return strings.TrimSpace(s.correctionNote) != "" || s.output != s.original.OutputText
}

// Save writes the feedback to the store and, only once the write is
// acknowledged, merges it into the step. A store failure leaves the step
// untouched and the session open for a retry.
func (s *Session) Save(ctx context.Context) (modal.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return modal.Step{}, ErrSessionClosed
	}
	if !s.canSaveLocked() {
		return modal.Step{}, ErrNothingToSave
	}

	fb := modal.Feedback{
		Verdict:            s.verdict,
		AdjustedConfidence: s.adjustedConfidence,
		CorrectionNote:     strings.TrimSpace(s.correctionNote),
		SubmittedAt:        s.c.now(),
	}
	if s.output != s.original.OutputText {
		out := s.output
		fb.UpdatedOutput = &out
	}
	if s.reasoningHint != "" {
		hint := s.reasoningHint
		fb.UpdatedReasoningHint = &hint
	}

	resolutionID := s.target.ID()
	logger := s.c.logger.With(slog.String("resolution_id", resolutionID), slog.String("step_id", s.stepID))

	if err := s.c.store.Save(ctx, resolutionID, s.stepID, fb); err != nil {
		logger.Warn("correction not saved", slog.String("error", err.Error()))
		return modal.Step{}, fmt.Errorf("save correction: %w", err)
	}

	step, err := s.target.ApplyFeedback(s.stepID, fb)
	if err != nil {
		return modal.Step{}, fmt.Errorf("apply correction: %w", err)
	}
	s.closed = true

	logger.Info("correction saved",
		slog.String("verdict", string(fb.Verdict)),
		slog.Int("adjusted_confidence", fb.AdjustedConfidence),
		slog.Bool("output_changed", fb.UpdatedOutput != nil),
		slog.Bool("needs_review", step.NeedsReview))
	return step, nil
}

// Cancel discards the edit buffer. The store is not touched.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
