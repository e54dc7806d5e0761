package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/engine"
	"github.com/hupe1980/tailormesh/internal/util"
	"github.com/hupe1980/tailormesh/logging"
	"github.com/hupe1980/tailormesh/session"
	"github.com/hupe1980/tailormesh/trace"
	"github.com/hupe1980/tailormesh/usage"
)

// DefaultSummaryLength caps the fallback stage summary.
const DefaultSummaryLength = 200

// Executor performs one guard-free model call. engine.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, call engine.Call, emit func(core.StreamEvent) bool) (engine.Result, error)
}

// Stage is a declarative pipeline step.
type Stage struct {
	Name string

	// Instruction resolves the stage's instruction text. It is called once
	// per run when the stage starts; an error fails the stage.
	Instruction func() (string, error)

	// Model overrides the executor's default model.
	Model string

	// Input builds the stage prompt. Nil uses DefaultInput.
	Input func(initial string, prior []core.StageOutput) (string, error)

	// Summarize produces the StageCompleted summary. Nil uses FirstSentence.
	Summarize func(output string) string
}

// RetryPolicy bounds stage retries. MaxRetries is 0 or 1.
type RetryPolicy struct {
	MaxRetries int
}

// Options configures an Orchestrator.
type Options struct {
	// Name labels runs in logs and traces.
	Name string

	Executor Executor
	Sessions *session.Store
	Logger   logging.Logger
	Tracer   *trace.Processor

	// StageTimeout bounds each stage attempt. Zero defers to the executor.
	StageTimeout time.Duration

	Retry RetryPolicy

	// Assemble combines the stage outputs into the final text and an
	// optional structured result. Nil uses DefaultAssemble.
	Assemble func(initial string, outputs []core.StageOutput) (string, any)

	BufferSize int
}

// Orchestrator runs a fixed stage list. It is safe for concurrent use; runs
// on different sessions proceed independently.
type Orchestrator struct {
	stages []Stage
	opts   Options
	logger logging.Logger
}

// New creates an Orchestrator for stages.
func New(stages []Stage, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Name:       "pipeline",
		BufferSize: engine.DefaultBufferSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewStore()
	}
	if opts.Executor == nil {
		opts.Executor = engine.New(func(o *engine.Options) { o.Sessions = opts.Sessions })
	}
	if opts.Assemble == nil {
		opts.Assemble = DefaultAssemble
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = engine.DefaultBufferSize
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if opts.Retry.MaxRetries > 1 {
		opts.Retry.MaxRetries = 1
	}
	return &Orchestrator{
		stages: append([]Stage(nil), stages...),
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
	}
}

// Stages returns the stage names in execution order.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.stages))
	for i, st := range o.stages {
		names[i] = st.Name
	}
	return names
}

// Run is the observable state of one pipeline execution.
type Run struct {
	id        string
	sessionID string

	mu      sync.RWMutex
	status  core.PipelineStatus
	current int
	outputs []core.StageOutput
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// SessionID returns the session the run belongs to.
func (r *Run) SessionID() string { return r.sessionID }

// Status returns the current lifecycle state.
func (r *Run) Status() core.PipelineStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Current returns the index of the running stage, or -1 when none started.
func (r *Run) Current() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Outputs returns a copy of the completed stage outputs.
func (r *Run) Outputs() []core.StageOutput {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.StageOutput(nil), r.outputs...)
}

func (r *Run) transition(s core.PipelineStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsFinal() {
		return
	}
	r.status = s
}

func (r *Run) enter(i int) {
	r.mu.Lock()
	r.current = i
	r.mu.Unlock()
}

func (r *Run) complete(out core.StageOutput) []core.StageOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, out)
	return append([]core.StageOutput(nil), r.outputs...)
}

// Start begins a run for sessionID. The session guard is taken
// synchronously and held until the returned channel is closed.
func (o *Orchestrator) Start(ctx context.Context, sessionID, initial string) (*Run, <-chan core.StreamEvent, error) {
	if len(o.stages) == 0 {
		return nil, nil, fmt.Errorf("pipeline %s has no stages: %w", o.opts.Name, core.ErrInvalidRequest)
	}
	if sessionID == "" {
		return nil, nil, fmt.Errorf("session id is required: %w", core.ErrInvalidRequest)
	}

	guard, err := o.opts.Sessions.TryAcquire(sessionID)
	if err != nil {
		return nil, nil, err
	}

	run := &Run{
		id:        util.NewPrefixedID("run"),
		sessionID: sessionID,
		status:    core.StatusIdle,
		current:   -1,
	}
	out := make(chan core.StreamEvent, o.opts.BufferSize)
	runCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer guard.Release()
		defer cancel()
		o.execute(runCtx, run, initial, out)
	}()

	return run, out, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, initial string, out chan<- core.StreamEvent) {
	start := time.Now()
	emit := func(ev core.StreamEvent) bool { return engine.Send(ctx, out, ev) }

	rec := o.opts.Tracer.Start(run.sessionID, o.opts.Name)
	rec.SetMetadata("run_id", run.id)
	span := rec.StartSpan(trace.SpanPipeline, o.opts.Name, "")

	run.transition(core.StatusRunning)
	o.logger.Info("pipeline started", "session_id", run.sessionID, "run_id", run.id, "stages", len(o.stages))

	var (
		total   core.Usage
		outputs []core.StageOutput
	)

	cancelled := func() {
		run.transition(core.StatusCancelled)
		span.End(map[string]any{"status": trace.StatusCancelled, "completed_stages": len(outputs)})
		rec.Finish(trace.StatusCancelled)
		o.logRun(len(outputs), time.Since(start), core.StatusCancelled, ctx.Err())
	}

	for i, st := range o.stages {
		run.enter(i)
		if !emit(core.StageStartedEvent{Stage: st.Name, Index: i}) {
			cancelled()
			return
		}

		res, err := o.runStage(ctx, run, i, st, initial, outputs, rec, span.ID(), emit)
		if err != nil {
			if ctx.Err() != nil {
				cancelled()
				return
			}
			sf := &core.StageFailureError{
				Stage:   st.Name,
				Index:   i,
				Partial: append([]core.StageOutput(nil), outputs...),
				Err:     err,
			}
			run.transition(core.StatusFailed)
			span.End(map[string]any{"status": trace.StatusError, "failed_stage": st.Name})
			rec.Finish(trace.StatusError)
			o.logRun(len(outputs), time.Since(start), core.StatusFailed, sf)
			emit(core.NewErrorEvent(sf))
			return
		}

		summarize := st.Summarize
		if summarize == nil {
			summarize = FirstSentence
		}
		so := core.StageOutput{
			Stage:   st.Name,
			Index:   i,
			Output:  res.Output,
			Summary: summarize(res.Output),
			Usage:   res.Usage,
		}
		outputs = run.complete(so)
		total = usage.Merge(total, res.Usage)

		if !emit(core.StageCompletedEvent{Stage: st.Name, Index: i, Summary: so.Summary}) {
			cancelled()
			return
		}
	}

	text, result := o.opts.Assemble(initial, outputs)
	run.transition(core.StatusCompleted)
	span.End(map[string]any{
		"status":   trace.StatusOK,
		"stages":   len(outputs),
		"cost_zar": total.Cost,
	})
	rec.Finish(trace.StatusOK)
	o.logRun(len(outputs), time.Since(start), core.StatusCompleted, nil)

	emit(core.DoneEvent{Output: text, Usage: total, Stages: outputs, Result: result})
}

// runStage executes one stage with the retry policy applied. A retry only
// happens for a retryable provider error when the failed attempt forwarded
// no tokens.
func (o *Orchestrator) runStage(
	ctx context.Context,
	run *Run,
	index int,
	st Stage,
	initial string,
	prior []core.StageOutput,
	rec *trace.Recorder,
	parentSpan string,
	emit func(core.StreamEvent) bool,
) (engine.Result, error) {
	input := DefaultInput
	if st.Input != nil {
		input = st.Input
	}
	prompt, err := input(initial, prior)
	if err != nil {
		return engine.Result{}, fmt.Errorf("build input: %w", err)
	}

	var instructions string
	if st.Instruction != nil {
		if instructions, err = st.Instruction(); err != nil {
			return engine.Result{}, fmt.Errorf("resolve instruction: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		stageSpan := rec.StartSpan(trace.SpanStage, st.Name, parentSpan)
		begin := time.Now()

		res, err := o.opts.Executor.Execute(ctx, engine.Call{
			SessionID:    run.sessionID,
			StreamID:     run.id,
			Stage:        st.Name,
			Model:        st.Model,
			Instructions: instructions,
			Prompt:       core.NewTextMessage(core.RoleUser, prompt),
			Timeout:      o.opts.StageTimeout,
			Trace:        rec,
			ParentSpan:   stageSpan.ID(),
		}, emit)

		o.logStage(st.Name, attempt, time.Since(begin), err)
		data := map[string]any{"index": index, "attempt": attempt, "tokens": res.Tokens}
		if err != nil {
			data["error"] = err.Error()
		}
		stageSpan.End(data)

		if err == nil || ctx.Err() != nil {
			return res, err
		}
		if attempt > o.opts.Retry.MaxRetries || !core.IsRetryable(err) || res.Tokens > 0 {
			return res, err
		}
		o.logger.Warn("retrying stage", "session_id", run.sessionID, "stage", st.Name, "attempt", attempt, "error", err)
	}
}

func (o *Orchestrator) logStage(stage string, attempt int, dur time.Duration, err error) {
	if sl, ok := o.logger.(*logging.StructuredLogger); ok {
		sl.LogStageExecution(stage, attempt, dur, err == nil, err)
		return
	}
	if err != nil {
		o.logger.Warn("stage failed", "stage", stage, "attempt", attempt, "duration", dur, "error", err)
		return
	}
	o.logger.Debug("stage completed", "stage", stage, "attempt", attempt, "duration", dur)
}

func (o *Orchestrator) logRun(completed int, dur time.Duration, status core.PipelineStatus, err error) {
	if sl, ok := o.logger.(*logging.StructuredLogger); ok {
		sl.LogPipelineRun(o.opts.Name, completed, dur, status.String(), err)
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("pipeline finished", "pipeline", o.opts.Name, "status", status.String(), "stages", completed, "error", err)
		return
	}
	o.logger.Info("pipeline finished", "pipeline", o.opts.Name, "status", status.String(), "stages", completed, "duration", dur)
}

// DefaultInput concatenates the initial input and every prior output.
func DefaultInput(initial string, prior []core.StageOutput) (string, error) {
	parts := make([]string, 0, len(prior)+1)
	parts = append(parts, initial)
	for _, p := range prior {
		parts = append(parts, p.Output)
	}
	return strings.Join(parts, "\n\n"), nil
}

// DefaultAssemble joins the stage outputs under their stage names. It has no
// structured result.
func DefaultAssemble(_ string, outputs []core.StageOutput) (string, any) {
	var b strings.Builder
	for i, o := range outputs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", o.Stage, strings.TrimSpace(o.Output))
	}
	return b.String(), nil
}

// FirstSentence returns the first sentence of s, capped at
// DefaultSummaryLength runes.
func FirstSentence(s string) string {
	s = strings.TrimSpace(s)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#*-> "))
		if line == "" {
			continue
		}
		s = line
		break
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(".!?", s[i]) >= 0 && (i+1 == len(s) || s[i+1] == ' ') {
			s = s[:i+1]
			break
		}
	}
	if utf8.RuneCountInString(s) > DefaultSummaryLength {
		r := []rune(s)
		s = string(r[:DefaultSummaryLength-3]) + "..."
	}
	return s
}
