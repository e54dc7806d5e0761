package trace

import (
	"sync"
	"time"

	"github.com/hupe1980/tailormesh/internal/util"
)

// Span types.
const (
	SpanGeneration = "generation"
	SpanStage      = "stage"
	SpanPipeline   = "pipeline"
)

// Trace statuses.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Trace is one completed unit of work (a chat turn or pipeline run).
type Trace struct {
	ID         string         `json:"trace_id"`
	SessionID  string         `json:"session_id"`
	Name       string         `json:"name"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
	Status     string         `json:"status"`
	Spans      []Span         `json:"spans"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Span is a timed step inside a trace.
type Span struct {
	ID         string         `json:"span_id"`
	TraceID    string         `json:"trace_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	DurationMS int64          `json:"duration_ms"`
	Data       map[string]any `json:"data,omitempty"`
}

// Recorder builds one trace. It is safe for concurrent use.
type Recorder struct {
	p     *Processor
	mu    sync.Mutex
	trace Trace
	done  bool
}

// ID returns the trace id, or "" for a nil recorder.
func (r *Recorder) ID() string {
	if r == nil {
		return ""
	}
	return r.trace.ID
}

// SetMetadata attaches a key/value pair to the trace.
func (r *Recorder) SetMetadata(key string, value any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trace.Metadata == nil {
		r.trace.Metadata = map[string]any{}
	}
	r.trace.Metadata[key] = value
}

// StartSpan opens a span. parentID may be empty.
func (r *Recorder) StartSpan(typ, name, parentID string) *SpanRecorder {
	if r == nil {
		return nil
	}
	return &SpanRecorder{rec: r, span: Span{
		ID:        util.NewPrefixedID("span"),
		TraceID:   r.trace.ID,
		ParentID:  parentID,
		Type:      typ,
		Name:      name,
		StartedAt: time.Now().UTC(),
	}}
}

// Finish closes the trace with status, stores it and notifies subscribers.
// Later calls are ignored.
func (r *Recorder) Finish(status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.trace.EndedAt = time.Now().UTC()
	r.trace.DurationMS = r.trace.EndedAt.Sub(r.trace.StartedAt).Milliseconds()
	r.trace.Status = status
	t := r.trace.clone()
	r.mu.Unlock()

	r.p.complete(t)
}

func (r *Recorder) addSpan(s Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.trace.Spans = append(r.trace.Spans, s)
}

// SpanRecorder is an open span.
type SpanRecorder struct {
	rec  *Recorder
	span Span
	once sync.Once
}

// ID returns the span id, or "" for a nil span.
func (s *SpanRecorder) ID() string {
	if s == nil {
		return ""
	}
	return s.span.ID
}

// End closes the span with data and adds it to its trace.
func (s *SpanRecorder) End(data map[string]any) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.span.EndedAt = time.Now().UTC()
		s.span.DurationMS = s.span.EndedAt.Sub(s.span.StartedAt).Milliseconds()
		s.span.Data = data
		s.rec.addSpan(s.span)
	})
}

func (t Trace) clone() Trace {
	t.Spans = append([]Span(nil), t.Spans...)
	if t.Metadata != nil {
		md := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		t.Metadata = md
	}
	return t
}
