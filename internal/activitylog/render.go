package activitylog

import "insight-resolver/internal/modal"

// View is one entry prepared for display.
type View struct {
	modal.ActivityLogEntry

	// Set only in teach mode.
	Confidence  *int `json:"confidence,omitempty"`
	NeedsReview bool `json:"needsReview,omitempty"`
	Highlight   bool `json:"highlight,omitempty"`
	Correctable bool `json:"correctable,omitempty"`
}

// Render projects entries for display. It does not mutate anything; toggling
// teachMode only changes which affordances are attached.
func Render(entries []modal.ActivityLogEntry, steps []modal.Step, teachMode bool) []View {
	byID := make(map[string]modal.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	out := make([]View, 0, len(entries))
	for _, e := range entries {
		v := View{ActivityLogEntry: e}
		if teachMode && e.StepID != "" {
			if s, ok := byID[e.StepID]; ok && s.Status.Terminal() {
				c := s.Confidence
				v.Confidence = &c
				v.NeedsReview = s.NeedsReview
				v.Highlight = s.NeedsReview || s.Confidence < modal.ReviewThreshold
				v.Correctable = s.Status == modal.StepCompleted && e.Status == modal.StepCompleted
			}
		}
		out = append(out, v)
	}
	return out
}
