package modal

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrStepNotFound      = errors.New("step not found")
	ErrStepNotTerminal   = errors.New("step is not in a terminal state")
)

// Resolution is one remediation attempt for one detected issue.
type Resolution struct {
	ID          string           `json:"id"`
	IssueID     string           `json:"issueId"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Method      Method           `json:"method"`
	Status      ResolutionStatus `json:"status"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
	Steps       []Step           `json:"steps"`

	// Derived aggregates, refreshed by Recompute.
	TotalSteps       int   `json:"totalSteps"`
	TotalDurationMs  int64 `json:"totalDurationMs"`
	TotalActions     int   `json:"totalActions"`
	CountNeedsReview int   `json:"countNeedsReview"`
}

// Step is one unit of work within a Resolution.
type Step struct {
	ID          string     `json:"id"`
	Index       int        `json:"index"`
	Label       string     `json:"label"`
	Status      StepStatus `json:"status"`
	Type        EntryType  `json:"type"`
	Message     string     `json:"message"`
	Timestamp   time.Time  `json:"timestamp"`
	DurationMs  int64      `json:"durationMs"`
	InputText   string     `json:"inputText"`
	OutputText  string     `json:"outputText"`
	Confidence  int        `json:"confidence"`
	NeedsReview bool       `json:"needsReview"`
	Feedback    *Feedback  `json:"feedback,omitempty"`
}

// DeriveNeedsReview computes the review flag from confidence and feedback.
// Confidence is only assigned at completion, so non-terminal steps never
// need review.
func (s Step) DeriveNeedsReview() bool {
	if !s.Status.Terminal() {
		return false
	}
	if s.Confidence < ReviewThreshold {
		return true
	}
	return s.Feedback != nil && s.Feedback.Verdict != VerdictCorrect
}

// Begin moves a pending step to started.
func (s *Step) Begin(at time.Time) error {
	if s.Status != StepPending && s.Status != "" {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StepStarted)
	}
	s.Status = StepStarted
	s.Type = TypeInfo
	s.Timestamp = at
	s.NeedsReview = false
	return nil
}

// Complete records a successful outcome for a started step.
func (s *Step) Complete(at time.Time, res StepResult, confidence int) error {
	if s.Status != StepStarted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StepCompleted)
	}
	s.Status = StepCompleted
	s.Type = TypeSuccess
	s.DurationMs = elapsedMs(s.Timestamp, at)
	s.Message = res.Message
	s.OutputText = res.OutputText
	s.Confidence = ClampConfidence(confidence)
	s.NeedsReview = s.DeriveNeedsReview()
	return nil
}

// Fail records a failed outcome for a started step.
func (s *Step) Fail(at time.Time, cause error) error {
	if s.Status != StepStarted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StepFailed)
	}
	s.Status = StepFailed
	s.Type = TypeError
	s.DurationMs = elapsedMs(s.Timestamp, at)
	if cause != nil {
		s.Message = cause.Error()
	}
	s.Confidence = 0
	s.NeedsReview = s.DeriveNeedsReview()
	return nil
}

// ApplyFeedback merges a human correction into a terminal step. Status is
// never touched.
func (s *Step) ApplyFeedback(fb Feedback) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("%w: step %s is %s", ErrStepNotTerminal, s.ID, s.Status)
	}
	c := fb.Clone()
	s.Feedback = &c
	s.Confidence = ClampConfidence(fb.AdjustedConfidence)
	if fb.UpdatedOutput != nil {
		s.OutputText = *fb.UpdatedOutput
	}
	s.NeedsReview = s.DeriveNeedsReview()
	return nil
}

// StepByID returns a pointer into r.Steps.
func (r *Resolution) StepByID(id string) (*Step, error) {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrStepNotFound, id)
}

// Recompute refreshes the derived aggregates. They are never authoritative on
// their own.
func (r *Resolution) Recompute() {
	r.TotalSteps = len(r.Steps)
	r.TotalDurationMs = 0
	r.TotalActions = 0
	r.CountNeedsReview = 0
	for _, s := range r.Steps {
		r.TotalDurationMs += s.DurationMs
		if s.Status != StepPending && s.Status != "" {
			r.TotalActions++
		}
		if s.NeedsReview {
			r.CountNeedsReview++
		}
	}
}

// Clone returns a deep copy safe to hand to readers.
func (r Resolution) Clone() Resolution {
	c := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	c.Steps = make([]Step, len(r.Steps))
	for i, s := range r.Steps {
		if s.Feedback != nil {
			fb := s.Feedback.Clone()
			s.Feedback = &fb
		}
		c.Steps[i] = s
	}
	return c
}

func elapsedMs(from, to time.Time) int64 {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from).Milliseconds()
}
