package core

// EventKind is the wire tag of a StreamEvent.
type EventKind string

const (
	EventToken          EventKind = "token"
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventError          EventKind = "error"
	EventDone           EventKind = "done"
)

// StreamEvent is one unit of the outward event protocol. Concrete event types
// implement the unexported isStreamEvent marker enabling a closed set.
//
// Events of one stream are delivered in production order and the stream ends
// with exactly one terminal event (ErrorEvent or DoneEvent), except when the
// consumer cancels, in which case nothing further is delivered.
type StreamEvent interface {
	isStreamEvent()
	Kind() EventKind
}

// TokenEvent carries one chunk of model output.
type TokenEvent struct {
	Text string `json:"content"`
}

func (TokenEvent) isStreamEvent() {}

// Kind implements StreamEvent.
func (TokenEvent) Kind() EventKind { return EventToken }

// StageStartedEvent marks the beginning of a pipeline stage.
type StageStartedEvent struct {
	Stage string `json:"stage"`
	Index int    `json:"index"`
}

func (StageStartedEvent) isStreamEvent() {}

// Kind implements StreamEvent.
func (StageStartedEvent) Kind() EventKind { return EventStageStarted }

// StageCompletedEvent marks the end of a pipeline stage with a short summary
// of its output.
type StageCompletedEvent struct {
	Stage   string `json:"stage"`
	Index   int    `json:"index"`
	Summary string `json:"summary"`
}

func (StageCompletedEvent) isStreamEvent() {}

// Kind implements StreamEvent.
func (StageCompletedEvent) Kind() EventKind { return EventStageCompleted }

// ErrorEvent terminates a stream with a classified error. Stage and Partial
// are set for pipeline failures.
type ErrorEvent struct {
	ErrorKind ErrorKind     `json:"kind"`
	Message   string        `json:"message"`
	Stage     string        `json:"stage,omitempty"`
	Partial   []StageOutput `json:"partial,omitempty"`
	Err       error         `json:"-"`
}

func (ErrorEvent) isStreamEvent() {}

// Kind implements StreamEvent.
func (ErrorEvent) Kind() EventKind { return EventError }

// DoneEvent terminates a successful stream.
type DoneEvent struct {
	Output string        `json:"output"`
	Usage  Usage         `json:"usage"`
	Model  string        `json:"model,omitempty"`
	Stages []StageOutput `json:"stages,omitempty"`
	Result any           `json:"result,omitempty"`
}

func (DoneEvent) isStreamEvent() {}

// Kind implements StreamEvent.
func (DoneEvent) Kind() EventKind { return EventDone }

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev StreamEvent) bool {
	switch ev.(type) {
	case ErrorEvent, DoneEvent:
		return true
	default:
		return false
	}
}

// NewErrorEvent builds a terminal error event for err. The client message is
// sanitized per error kind; the raw error stays available in Err for logging.
func NewErrorEvent(err error) ErrorEvent {
	ev := ErrorEvent{ErrorKind: KindOf(err), Err: err}
	ev.Message = ClientMessage(ev.ErrorKind)
	if sf, ok := AsStageFailure(err); ok {
		ev.Stage = sf.Stage
		ev.Partial = append([]StageOutput(nil), sf.Partial...)
	}
	return ev
}

// ClientMessage returns a message safe to show to end users for kind.
func ClientMessage(kind ErrorKind) string {
	switch kind {
	case KindSessionBusy:
		return "This session is already processing a request. Please wait for it to finish."
	case KindAttachmentRejected:
		return "One or more attachments were rejected."
	case KindInvalidInstructions:
		return "The instructions are missing required sections."
	case KindInvalidRequest:
		return "The request is invalid."
	case KindStageFailure:
		return "The formulation could not be completed. Partial results are included."
	default:
		return "We're having trouble processing your request. Please try again in a moment."
	}
}
