package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned when a session already has an active stream.
	// Callers should retry later rather than immediately.
	ErrSessionBusy = errors.New("session busy")

	// ErrProvider marks failures of the upstream inference call, including timeouts.
	ErrProvider = errors.New("provider error")

	// ErrUnknownModel is returned by pricing lookups for models missing from the table.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidInstructions is returned when replacement instruction text fails
	// structural validation. The previously active text stays in effect.
	ErrInvalidInstructions = errors.New("invalid instructions")

	// ErrAttachmentRejected is returned when attachments violate size, count or type limits.
	ErrAttachmentRejected = errors.New("attachment rejected")

	// ErrStageFailure marks a pipeline run that stopped at a failing stage.
	ErrStageFailure = errors.New("stage failure")

	// ErrInvalidRequest is returned for malformed inbound requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorKind is the wire name of an error class carried by ErrorEvent.
type ErrorKind string

const (
	KindSessionBusy         ErrorKind = "SessionBusy"
	KindProviderError       ErrorKind = "ProviderError"
	KindUnknownModel        ErrorKind = "UnknownModel"
	KindInvalidInstructions ErrorKind = "InvalidInstructions"
	KindAttachmentRejected  ErrorKind = "AttachmentRejected"
	KindStageFailure        ErrorKind = "StageFailure"
	KindInvalidRequest      ErrorKind = "InvalidRequest"
)

// KindOf classifies err. Errors outside the taxonomy are reported as provider
// errors since they originate from the inference path.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrStageFailure):
		return KindStageFailure
	case errors.Is(err, ErrSessionBusy):
		return KindSessionBusy
	case errors.Is(err, ErrAttachmentRejected):
		return KindAttachmentRejected
	case errors.Is(err, ErrInvalidInstructions):
		return KindInvalidInstructions
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrUnknownModel):
		return KindUnknownModel
	default:
		return KindProviderError
	}
}

// ProviderError wraps a failed or timed out inference call.
type ProviderError struct {
	Provider  string
	Model     string
	Retryable bool
	Err       error
}

// NewProviderError classifies err from a provider call. Deadline expiry is
// retryable; explicit cancellation by the consumer is not.
func NewProviderError(provider, model string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Model:     model,
		Retryable: errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}

func (e *ProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProvider) match.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// IsRetryable reports whether err is a provider error the caller may retry.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// StageFailureError names the pipeline stage that failed and carries the
// outputs of the stages that completed before it.
type StageFailureError struct {
	Stage   string
	Index   int
	Partial []StageOutput
	Err     error
}

func (e *StageFailureError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.Index, e.Stage, e.Err)
}

func (e *StageFailureError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStageFailure) match.
func (e *StageFailureError) Is(target error) bool { return target == ErrStageFailure }
