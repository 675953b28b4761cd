// internal/orchestrator/errors.go
package orchestrator

import (
	"errors"
	"fmt"
)

// Stage names the step of a capture flow an error happened in.
type Stage string

const (
	StageActiveTab  Stage = "active-tab"
	StageCapture    Stage = "capture"
	StageHelper     Stage = "open-helper"
	StageCopy       Stage = "copy"
	StageAutomation Stage = "automation"
)

// ErrHelperTimeout is returned when the helper sends neither CopyComplete
// nor CopyFailed within the helper timeout.
var ErrHelperTimeout = errors.New("orchestrator: helper did not report in time")

// PipelineError is a failure of the capture flow itself, as opposed to a
// per-frame automation outcome.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("capture pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func pipelineError(stage Stage, err error) *PipelineError {
	return &PipelineError{Stage: stage, Err: err}
}
