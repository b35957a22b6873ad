package modal

import "time"

// Feedback is a human correction of one step's record. At most one exists
// per (resolution, step); a later submission replaces the earlier one.
type Feedback struct {
	Verdict              Verdict   `json:"verdict"`
	AdjustedConfidence   int       `json:"adjustedConfidence"`
	CorrectionNote       string    `json:"correctionNote,omitempty"`
	UpdatedOutput        *string   `json:"updatedOutput,omitempty"`
	UpdatedReasoningHint *string   `json:"updatedReasoningHint,omitempty"`
	SubmittedAt          time.Time `json:"submittedAt"`
}

// ActivityLogEntry records something the executor did. Entries are never
// mutated once appended.
type ActivityLogEntry struct {
	ID         string     `json:"id"`
	Index      int        `json:"index"`
	StepID     string     `json:"stepId,omitempty"`
	Label      string     `json:"label"`
	Status     StepStatus `json:"status"`
	Type       EntryType  `json:"type"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	DurationMs *int64     `json:"durationMs,omitempty"`
}

// Clone returns a copy that shares no pointers with f.
func (f Feedback) Clone() Feedback {
	c := f
	if f.UpdatedOutput != nil {
		s := *f.UpdatedOutput
		c.UpdatedOutput = &s
	}
	if f.UpdatedReasoningHint != nil {
		s := *f.UpdatedReasoningHint
		c.UpdatedReasoningHint = &s
	}
	return c
}
