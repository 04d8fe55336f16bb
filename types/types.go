package types

import "time"

// WorkflowStatus is the overall state of a pipeline run.
type WorkflowStatus string

const (
	WorkflowInitializing WorkflowStatus = "initializing"
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowFailed       WorkflowStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// rank orders workflow states so that status never moves backward.
func (s WorkflowStatus) rank() int {
	switch s {
	case WorkflowInitializing:
		return 0
	case WorkflowRunning:
		return 1
	case WorkflowCompleted, WorkflowFailed:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s WorkflowStatus) CanAdvanceTo(next WorkflowStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// StepStatus is the state of a single pipeline stage.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step finished, successfully or not.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// CanAdvanceTo enforces pending -> running -> (completed | failed).
func (s StepStatus) CanAdvanceTo(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepRunning
	case StepRunning:
		return next == StepCompleted || next == StepFailed
	}
	return false
}

// Workflow is one pipeline run for a single user story.
type Workflow struct {
	ID          string                 `json:"id"`
	Story       string                 `json:"story"`
	TargetURL   string                 `json:"target_url,omitempty"`
	Status      WorkflowStatus         `json:"status"`
	CurrentStep int                    `json:"current_step"`
	Steps       []Step                 `json:"steps"`
	Results     map[string]interface{} `json:"results"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	FinishedAt  time.Time              `json:"finished_at,omitempty"`
}

// Step is the progress record of one stage.
type Step struct {
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message"`
}

// NewWorkflow returns a workflow in the initializing state with one pending
// step per stage name.
func NewWorkflow(id, story string, stepNames []string, now time.Time) Workflow {
	steps := make([]Step, len(stepNames))
	for i, name := range stepNames {
		steps[i] = Step{Name: name, Status: StepPending}
	}
	return Workflow{
		ID:        id,
		Story:     story,
		Status:    WorkflowInitializing,
		Steps:     steps,
		Results:   make(map[string]interface{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy that shares no slices or maps with w. Result values
// themselves are shared; they are never mutated after being recorded.
func (w Workflow) Clone() Workflow {
	c := w
	c.Steps = append([]Step(nil), w.Steps...)
	c.Results = make(map[string]interface{}, len(w.Results))
	for k, v := range w.Results {
		c.Results[k] = v
	}
	return c
}

// Progress is the polling view of a workflow.
func (w Workflow) Progress() Progress {
	c := w.Clone()
	return Progress{
		WorkflowID:  c.ID,
		Status:      c.Status,
		CurrentStep: c.CurrentStep,
		TargetURL:   c.TargetURL,
		Steps:       c.Steps,
		Results:     c.Results,
	}
}

// Outcome is the results view of a workflow.
func (w Workflow) Outcome() Outcome {
	c := w.Clone()
	return Outcome{
		WorkflowID: c.ID,
		Status:     c.Status,
		Results:    c.Results,
	}
}

// Progress is returned to callers polling a workflow.
type Progress struct {
	WorkflowID  string                 `json:"workflow_id"`
	Status      WorkflowStatus         `json:"status"`
	CurrentStep int                    `json:"current_step"`
	TargetURL   string                 `json:"target_url,omitempty"`
	Steps       []Step                 `json:"steps"`
	Results     map[string]interface{} `json:"results"`
}

// Outcome carries only the terminal payloads of a workflow.
type Outcome struct {
	WorkflowID string                 `json:"workflow_id"`
	Status     WorkflowStatus         `json:"status"`
	Results    map[string]interface{} `json:"results"`
}

// StageResult is the captured outcome of one external stage process.
type StageResult struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"returncode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}
