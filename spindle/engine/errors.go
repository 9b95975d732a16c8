package engine

import "errors"

var (
	ErrStepFailed     = errors.New("step failed")
	ErrTimedOut       = errors.New("timed out")
	ErrJobTimedOut    = errors.New("job timed out")
	ErrCancelled      = errors.New("cancelled")
	ErrActionNotFound = errors.New("action not found")
	ErrOOMKilled      = errors.New("oom killed")
)
