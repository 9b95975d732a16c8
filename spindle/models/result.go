package models

import (
	"time"

	"tangled.sh/tangled.sh/loom/workflow"
)

type StepResult struct {
	Index      int               `json:"index"`
	Key        string            `json:"key"`
	Name       string            `json:"name"`
	Outcome    StepOutcome       `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	ExitStatus int               `json:"exit_status"`
	Duration   time.Duration     `json:"duration"`
	Output     string            `json:"output,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
	StdoutRef  string            `json:"stdout_ref,omitempty"`
	StderrRef  string            `json:"stderr_ref,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`

	// set when the failure did not stop the job
	ContinuedOnError bool `json:"continued_on_error,omitempty"`
}

type JobResult struct {
	Id         JobId            `json:"-"`
	Job        string           `json:"job"`
	Name       string           `json:"name"`
	Variant    workflow.Variant `json:"-"`
	Matrix     string           `json:"matrix,omitempty"`
	Outcome    StatusKind       `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Steps      []StepResult     `json:"steps"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`

	// a failed job marked continue-on-error does not fail the run
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Passed is the job's contribution to the run outcome.
func (j JobResult) Passed() bool {
	return j.Outcome == StatusKindSuccess ||
		(j.Outcome == StatusKindFailed && j.ContinueOnError)
}

type WorkflowResult struct {
	RunId      RunId          `json:"run_id"`
	Workflow   string         `json:"workflow"`
	Event      workflow.Event `json:"event"`
	Outcome    StatusKind     `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Jobs       []JobResult    `json:"jobs"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Aggregate derives the run outcome from its jobs: success iff every job
// passed, cancelled if any job was cancelled, failure otherwise.
func (w *WorkflowResult) Aggregate() StatusKind {
	outcome := StatusKindSuccess
	for _, j := range w.Jobs {
		if j.Outcome == StatusKindCancelled {
			return StatusKindCancelled
		}
		if !j.Passed() {
			outcome = StatusKindFailed
		}
	}
	return outcome
}
