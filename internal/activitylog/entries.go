package activitylog

import (
	"fmt"

	"insight-resolver/internal/modal"
)

func WorkflowStarted(r modal.Resolution) modal.ActivityLogEntry {
	return modal.ActivityLogEntry{
		Label:   "Workflow started",
		Status:  modal.StepStarted,
		Type:    modal.TypeInfo,
		Message: fmt.Sprintf("Resolving %q with %d steps", r.Title, len(r.Steps)),
	}
}

func StepStarted(s modal.Step) modal.ActivityLogEntry {
	return modal.ActivityLogEntry{
		StepID:    s.ID,
		Label:     "Starting: " + s.Label,
		Status:    modal.StepStarted,
		Type:      modal.TypeInfo,
		Message:   s.InputText,
		Timestamp: s.Timestamp,
	}
}

// StepCompleted must be built from the step after Complete.
func StepCompleted(s modal.Step) modal.ActivityLogEntry {
	d := s.DurationMs
	return modal.ActivityLogEntry{
		StepID:     s.ID,
		Label:      s.Label,
		Status:     modal.StepCompleted,
		Type:       modal.TypeSuccess,
		Message:    s.Message,
		DurationMs: &d,
	}
}

func StepFailed(s modal.Step) modal.ActivityLogEntry {
	d := s.DurationMs
	return modal.ActivityLogEntry{
		StepID:     s.ID,
		Label:      "Failed: " + s.Label,
		Status:     modal.StepFailed,
		Type:       modal.TypeError,
		Message:    s.Message,
		DurationMs: &d,
	}
}

func WorkflowCompleted(r modal.Resolution) modal.ActivityLogEntry {
	d := r.TotalDurationMs
	return modal.ActivityLogEntry{
		Label:      "Workflow completed",
		Status:     modal.StepCompleted,
		Type:       modal.TypeSuccess,
		Message:    fmt.Sprintf("All %d steps completed, %d need review", r.TotalSteps, r.CountNeedsReview),
		DurationMs: &d,
	}
}

func WorkflowCancelled(r modal.Resolution) modal.ActivityLogEntry {
	return modal.ActivityLogEntry{
		Label:   "Workflow cancelled",
		Status:  modal.StepFailed,
		Type:    modal.TypeWarning,
		Message: fmt.Sprintf("Stopped after %d of %d steps", r.TotalActions, r.TotalSteps),
	}
}
