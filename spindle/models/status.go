package models

type StatusKind string

var (
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindSuccess   StatusKind = "success"
	StatusKindFailed    StatusKind = "failure"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSkipped   StatusKind = "skipped"

	FinishStates [3]StatusKind = [3]StatusKind{
		StatusKindSuccess,
		StatusKindFailed,
		StatusKindCancelled,
	}
)

func (s StatusKind) IsFinish() bool {
	for _, f := range FinishStates {
		if s == f {
			return true
		}
	}
	return false
}

type StepOutcome string

var (
	StepSuccess   StepOutcome = "success"
	StepFailure   StepOutcome = "failure"
	StepSkipped   StepOutcome = "skipped"
	StepTimedOut  StepOutcome = "timedOut"
	StepCancelled StepOutcome = "cancelled"
)

// Failed reports outcomes that stop a job unless continue-on-error is set.
func (o StepOutcome) Failed() bool {
	return o == StepFailure || o == StepTimedOut
}

// Reason codes recorded next to a failure, for diagnostics.
const (
	ReasonExitStatus         = "exit-status"
	ReasonTimeout            = "timeout"
	ReasonJobTimeout         = "job-timeout"
	ReasonCancelled          = "cancelled"
	ReasonActionNotFound     = "action-not-found"
	ReasonActionError        = "action-error"
	ReasonUnresolvedVariable = "unresolved-variable"
	ReasonSetup              = "setup"
	ReasonOOMKilled          = "oom-killed"
	ReasonTriggerMismatch    = "trigger-mismatch"
	ReasonQueueFull          = "queue-full"
)
