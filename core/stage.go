package core

import "errors"

// StageOutput is the immutable result of one completed pipeline stage.
type StageOutput struct {
	Stage   string `json:"stage"`
	Index   int    `json:"index"`
	Output  string `json:"output"`
	Summary string `json:"summary"`
	Usage   Usage  `json:"usage"`
}

// PipelineStatus is the lifecycle state of a pipeline run.
type PipelineStatus int

const (
	StatusIdle PipelineStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the status name.
func (s PipelineStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsFinal reports whether no further transitions are possible.
func (s PipelineStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AsStageFailure extracts a *StageFailureError from err's chain.
func AsStageFailure(err error) (*StageFailureError, bool) {
	var sf *StageFailureError
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}
