package modal

type Method string

const (
	MethodAgent  Method = "agent"
	MethodManual Method = "manual"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether no further lifecycle transition can leave s.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// EntryType is the display classification of a step or log entry. It is
// independent of the lifecycle status.
type EntryType string

const (
	TypeInfo    EntryType = "info"
	TypeSuccess EntryType = "success"
	TypeWarning EntryType = "warning"
	TypeError   EntryType = "error"
)

type ResolutionStatus string

const (
	ResolutionPending   ResolutionStatus = "pending"
	ResolutionRunning   ResolutionStatus = "running"
	ResolutionCompleted ResolutionStatus = "completed"
	ResolutionFailed    ResolutionStatus = "failed"
	ResolutionCancelled ResolutionStatus = "cancelled"
)

func (s ResolutionStatus) Terminal() bool {
	return s == ResolutionCompleted || s == ResolutionFailed || s == ResolutionCancelled
}

type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictPartial   Verdict = "partial"
	VerdictIncorrect Verdict = "incorrect"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictCorrect, VerdictPartial, VerdictIncorrect:
		return true
	}
	return false
}

type IssueStatus string

const (
	IssueOpen     IssueStatus = "open"
	IssueResolved IssueStatus = "resolved"
)

// ReviewThreshold is the confidence below which a step is flagged for review.
const ReviewThreshold = 70

// ClampConfidence forces c into the 0..100 range.
func ClampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
