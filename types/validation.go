package types

import "time"

// ValidationStatus classifies a validated script.
type ValidationStatus string

const (
	ValidationPass    ValidationStatus = "pass"
	ValidationWarning ValidationStatus = "warning"
	ValidationFail    ValidationStatus = "fail"
)

// ValidationCheck is one rule applied to a script.
type ValidationCheck struct {
	Name    string           `json:"name"`
	Status  ValidationStatus `json:"status"`
	Message string           `json:"message,omitempty"`
}

// ValidationReport is what a validator returns for a single script.
type ValidationReport struct {
	File          string            `json:"file"`
	OverallStatus ValidationStatus  `json:"overall_status"`
	Checks        []ValidationCheck `json:"checks,omitempty"`
	ValidatedAt   time.Time         `json:"validated_at"`
}

// ValidationDetail pairs a script with its report and persisted report path.
type ValidationDetail struct {
	File       string           `json:"file"`
	Result     ValidationReport `json:"result"`
	ReportPath string           `json:"report_path,omitempty"`
}

// Verdict values of a validation summary.
const (
	VerdictReady       = "ready"
	VerdictNeedsReview = "needs_review"
)

// ValidationSummary is the tally over every generated script.
type ValidationSummary struct {
	Passed  int                `json:"passed"`
	Warning int                `json:"warning"`
	Failed  int                `json:"failed"`
	Verdict string             `json:"verdict,omitempty"`
	Details []ValidationDetail `json:"details"`
}

// Total is the number of validated scripts, counted or not.
func (s ValidationSummary) Total() int {
	return len(s.Details)
}
