// Package playbook holds the reference remediation playbook: a fixed list
// of steps with canned results, standing in for real remediation actions.
package playbook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"insight-resolver/internal/modal"
)

// Definition describes one step of a playbook.
type Definition struct {
	Label      string
	InputText  string
	Message    string
	OutputText string
	Confidence int
}

// CredentialRotation remediates an expired shared credential.
var CredentialRotation = []Definition{
	{
		Label:      "Identify affected integrations",
		InputText:  "Scan integration configs for the expired credential fingerprint",
		Message:    "Identified 3 affected integrations",
		OutputText: "Found 3 integrations using the expired credential: CRM sync, marketing automation, support desk",
		Confidence: 95,
	},
	{
		Label:      "Rotate credential",
		InputText:  "Request a new credential from the secrets manager",
		Message:    "Issued a new credential and revoked the expired one",
		OutputText: "New credential issued with 90 day validity; previous credential revoked",
		Confidence: 92,
	},
	{
		Label:      "Update integration configurations",
		InputText:  "Push the new credential to the 3 affected integrations",
		Message:    "Updated 3 integration configurations",
		OutputText: "CRM sync, marketing automation and support desk now reference the new credential",
		Confidence: 88,
	},
	{
		Label:      "Run health checks",
		InputText:  "Trigger a test sync on each updated integration",
		Message:    "Health checks passed with warnings",
		OutputText: "2 of 3 integrations synced; support desk returned a slow response that may indicate throttling",
		Confidence: 65,
	},
	{
		Label:      "Notify stakeholders",
		InputText:  "Send a summary to integration owners",
		Message:    "Notified 4 stakeholders",
		OutputText: "Summary sent to integration owners and the on-call channel",
		Confidence: 90,
	},
}

// NewResolution builds a pending resolution for issue from defs.
func NewResolution(issue modal.Issue, method modal.Method, defs []Definition) modal.Resolution {
	r := modal.Resolution{
		ID:          uuid.NewString(),
		IssueID:     issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Method:      method,
		Status:      modal.ResolutionPending,
		Steps:       make([]modal.Step, 0, len(defs)),
	}
	for i, d := range defs {
		r.Steps = append(r.Steps, modal.Step{
			ID:        uuid.NewString(),
			Index:     i + 1,
			Label:     d.Label,
			Status:    modal.StepPending,
			Type:      modal.TypeInfo,
			InputText: d.InputText,
		})
	}
	r.Recompute()
	return r
}

type WorkerOption func(*Worker)

// WithDelay sets the simulated work latency of every step.
func WithDelay(d time.Duration) WorkerOption {
	return func(w *Worker) { w.delay = d }
}

// WithFailureAt makes the step with the given 1-based index fail.
func WithFailureAt(index int, err error) WorkerOption {
	return func(w *Worker) {
		if w.failures == nil {
			w.failures = make(map[int]error)
		}
		w.failures[index] = err
	}
}

// Worker returns the canned result for each step after a simulated delay.
type Worker struct {
	defs     []Definition
	delay    time.Duration
	failures map[int]error
}

func NewWorker(defs []Definition, opts ...WorkerOption) *Worker {
	w := &Worker{defs: defs}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Do(ctx context.Context, step modal.Step) (modal.StepResult, error) {
	if step.Index < 1 || step.Index > len(w.defs) {
		return modal.StepResult{}, fmt.Errorf("no playbook entry for step %d", step.Index)
	}
	if w.delay > 0 {
		t := time.NewTimer(w.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return modal.StepResult{}, ctx.Err()
		case <-t.C:
		}
	}
	if err, ok := w.failures[step.Index]; ok {
		return modal.StepResult{}, err
	}
	d := w.defs[step.Index-1]
	return modal.StepResult{Message: d.Message, OutputText: d.OutputText, Confidence: d.Confidence}, nil
}

// TableScorer assigns each step the fixed confidence of its definition,
// ignoring what the worker reported.
type TableScorer struct {
	defs []Definition
}

func NewTableScorer(defs []Definition) TableScorer {
	return TableScorer{defs: defs}
}

func (s TableScorer) ScoreStep(step modal.Step, result modal.StepResult) int {
	if step.Index < 1 || step.Index > len(s.defs) {
		return modal.ClampConfidence(result.Confidence)
	}
	return s.defs[step.Index-1].Confidence
}
