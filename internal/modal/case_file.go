package modal

import "time"

// Issue is a detected problem ("insight") that a Resolution remediates.
type Issue struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Severity       string      `json:"severity"`
	BusinessImpact string      `json:"businessImpact,omitempty"`
	Status         IssueStatus `json:"status"`
	DetectedAt     time.Time   `json:"detectedAt"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
}

// StepResult is what a step work provider reports back for one step.
type StepResult struct {
	Message    string `json:"message"`
	OutputText string `json:"outputText"`
	Confidence int    `json:"confidence"`
}
