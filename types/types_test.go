package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowStatusTransitions(t *testing.T) {
	assert.True(t, WorkflowInitializing.CanAdvanceTo(WorkflowRunning))
	assert.True(t, WorkflowInitializing.CanAdvanceTo(WorkflowFailed))
	assert.True(t, WorkflowRunning.CanAdvanceTo(WorkflowCompleted))
	assert.False(t, WorkflowRunning.CanAdvanceTo(WorkflowInitializing))
	assert.False(t, WorkflowCompleted.CanAdvanceTo(WorkflowFailed))
	assert.False(t, WorkflowFailed.CanAdvanceTo(WorkflowRunning))
}

func TestStepStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepPending, StepRunning, true},
		{StepPending, StepCompleted, false},
		{StepPending, StepFailed, false},
		{StepRunning, StepCompleted, true},
		{StepRunning, StepFailed, true},
		{StepRunning, StepPending, false},
		{StepCompleted, StepRunning, false},
		{StepFailed, StepCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	wf := NewWorkflow("1", "story", []string{"a", "b"}, time.Now())
	wf.Results["x"] = 1

	c := wf.Clone()
	c.Steps[0].Status = StepRunning
	c.Results["y"] = 2

	assert.Equal(t, StepPending, wf.Steps[0].Status)
	assert.NotContains(t, wf.Results, "y")
	assert.Len(t, c.Steps, 2)
}

func TestProgressView(t *testing.T) {
	wf := NewWorkflow("42", "Test https://example.com", []string{"a"}, time.Now())
	wf.TargetURL = "https://example.com"
	p := wf.Progress()

	assert.Equal(t, "42", p.WorkflowID)
	assert.Equal(t, WorkflowInitializing, p.Status)
	assert.Equal(t, "https://example.com", p.TargetURL)
	assert.Len(t, p.Steps, 1)
	assert.NotNil(t, p.Results)
}
