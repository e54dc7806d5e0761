package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/tailormesh/attachment"
	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/instruction"
	"github.com/hupe1980/tailormesh/internal/util"
	"github.com/hupe1980/tailormesh/ledger"
	"github.com/hupe1980/tailormesh/logging"
	"github.com/hupe1980/tailormesh/model"
	"github.com/hupe1980/tailormesh/session"
	"github.com/hupe1980/tailormesh/trace"
	"github.com/hupe1980/tailormesh/usage"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultBufferSize  = 64
	DefaultTimeout     = 120 * time.Second
	DefaultCancelGrace = 2 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	// Sessions is the session arena. Required for Stream.
	Sessions *session.Store

	// Model is the provider used when an invocation names no other.
	Model model.Model

	// Instructions is the snapshot source for chat instructions.
	Instructions *instruction.Registry

	Accountant *usage.Accountant
	Estimator  usage.Estimator

	// Attachments resolves FilePart references into bytes for the provider.
	// When nil, file parts are dropped from provider requests.
	Attachments *attachment.InMemoryStore

	// Timeout bounds a single provider call.
	Timeout time.Duration

	// BufferSize is the capacity of the event channel returned by Stream.
	BufferSize int

	// CancelGrace is how long a cancelled call waits for the provider to
	// stop and report usage.
	CancelGrace time.Duration

	Logger    logging.Logger
	Tracer    *trace.Processor
	Ledger    ledger.Sink
	Callbacks *CallbackManager
}

// Invocation is one chat turn.
type Invocation struct {
	SessionID string
	Message   string

	// Parts are extra content parts, typically FileParts of saved attachments.
	Parts []core.Part

	// Model overrides the provider's default model id for this call.
	Model string

	Mode instruction.Mode

	// CustomInstructions replaces the registry text for this call only.
	CustomInstructions string

	ReasoningEffort string
	Verbosity       string

	// StreamID is generated when empty.
	StreamID string
}

// Call is a single guard-free provider call. The caller owns the session
// guard and history bookkeeping.
type Call struct {
	SessionID    string
	StreamID     string
	Stage        string
	Model        string
	Instructions string
	History      []core.Message
	Prompt       core.Message

	ReasoningEffort string
	Verbosity       string

	// Timeout overrides Options.Timeout when positive.
	Timeout time.Duration

	// Trace and ParentSpan attach a generation span to an enclosing trace.
	Trace      *trace.Recorder
	ParentSpan string
}

// Result is the outcome of Execute.
type Result struct {
	Output string
	Model  string
	Usage  core.Usage

	// Reported is true when the provider reported token counts; otherwise
	// Usage was estimated locally.
	Reported bool

	// Tokens is the number of TokenEvents forwarded to the consumer.
	Tokens int
}

// Dispatcher turns provider calls into event streams. It is safe for
// concurrent use; per-session exclusivity comes from the session store.
type Dispatcher struct {
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates a Dispatcher. Missing collaborators get in-memory defaults and
// a mock model.
func New(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Timeout:     DefaultTimeout,
		BufferSize:  DefaultBufferSize,
		CancelGrace: DefaultCancelGrace,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Sessions == nil {
		opts.Sessions = session.NewStore()
	}
	if opts.Model == nil {
		opts.Model = model.NewMockModel(usage.DefaultFallbackModel)
	}
	if opts.Instructions == nil {
		opts.Instructions = instruction.New()
	}
	if opts.Accountant == nil {
		opts.Accountant = usage.NewAccountant()
	}
	if opts.Estimator == nil {
		opts.Estimator = usage.HeuristicEstimator{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.CancelGrace < 0 {
		opts.CancelGrace = 0
	}

	return &Dispatcher{
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
		active: make(map[string]context.CancelFunc),
	}
}

// Sessions returns the session store the dispatcher commits to.
func (d *Dispatcher) Sessions() *session.Store { return d.opts.Sessions }

// Model returns the default provider.
func (d *Dispatcher) Model() model.Model { return d.opts.Model }

// Stream starts one chat turn for inv.SessionID.
//
// The session guard is taken synchronously: core.ErrSessionBusy is returned
// before any provider work when another stream holds it. On success the
// returned channel yields TokenEvents followed by one terminal event, and is
// closed after the guard has been released.
func (d *Dispatcher) Stream(ctx context.Context, inv Invocation) (<-chan core.StreamEvent, error) {
	if inv.SessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", core.ErrInvalidRequest)
	}
	if strings.TrimSpace(inv.Message) == "" && len(inv.Parts) == 0 {
		return nil, fmt.Errorf("message is required: %w", core.ErrInvalidRequest)
	}
	if err := model.ValidateTuning(inv.ReasoningEffort, inv.Verbosity); err != nil {
		return nil, err
	}

	guard, err := d.opts.Sessions.TryAcquire(inv.SessionID)
	if err != nil {
		return nil, err
	}

	if inv.StreamID == "" {
		inv.StreamID = util.NewPrefixedID("stream")
	}

	instructions := d.instructionsFor(inv)
	history := d.opts.Sessions.History(inv.SessionID)

	stored := userMessage(inv.Message, inv.Parts)
	prompt := stored
	if len(history) == 0 {
		prompt = userMessage(instruction.FirstMessageHint+inv.Message, inv.Parts)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	d.track(inv.StreamID, cancel)

	out := make(chan core.StreamEvent, d.opts.BufferSize)

	go func() {
		defer close(out)
		defer guard.Release()
		defer d.untrack(inv.StreamID)
		defer cancel()

		log := d.logger
		log.Debug("stream started", "session_id", inv.SessionID, "stream_id", inv.StreamID)

		rec := d.opts.Tracer.Start(inv.SessionID, "chat")
		rec.SetMetadata("stream_id", inv.StreamID)

		emit := func(ev core.StreamEvent) bool { return send(streamCtx, out, ev) }

		res, err := d.Execute(streamCtx, Call{
			SessionID:    inv.SessionID,
			StreamID:     inv.StreamID,
			Model:        inv.Model,
			Instructions: instructions,
			History:      history,
			Prompt:       prompt,
			Trace:        rec,

			ReasoningEffort: inv.ReasoningEffort,
			Verbosity:       inv.Verbosity,
		}, emit)

		switch {
		case streamCtx.Err() != nil && err != nil:
			log.Info("stream cancelled", "session_id", inv.SessionID, "stream_id", inv.StreamID, "tokens", res.Tokens)
			rec.Finish(trace.StatusCancelled)
			return
		case err != nil:
			log.Error("stream failed", "session_id", inv.SessionID, "stream_id", inv.StreamID, "error", err)
			rec.Finish(trace.StatusError)
			emit(core.NewErrorEvent(err))
			return
		}

		d.opts.Sessions.CompleteTurn(inv.SessionID, stored, core.NewTextMessage(core.RoleAssistant, res.Output))
		rec.Finish(trace.StatusOK)

		emit(core.DoneEvent{Output: res.Output, Usage: res.Usage, Model: res.Model})
		log.Debug("stream completed", "session_id", inv.SessionID, "stream_id", inv.StreamID, "tokens", res.Tokens)
	}()

	return out, nil
}

// Execute performs one provider call and forwards its partial chunks through
// emit. emit returning false means the consumer is gone; the call is then
// cancelled and no further events are produced.
//
// Usage is priced and merged into the call's session before Execute returns.
// A cancelled call only contributes usage the provider actually reported.
func (d *Dispatcher) Execute(ctx context.Context, call Call, emit func(core.StreamEvent) bool) (Result, error) {
	modelName := call.Model
	if modelName == "" {
		modelName = d.opts.Model.Info().Name
	}
	res := Result{Model: modelName}

	prompt := d.resolveParts(call.SessionID, call.Prompt)
	req := model.Request{
		Model:        modelName,
		Instructions: call.Instructions,
		Messages:     append(append(make([]core.Message, 0, len(call.History)+1), call.History...), prompt),

		ReasoningEffort: call.ReasoningEffort,
		Verbosity:       call.Verbosity,
	}

	cc := &CallbackContext{
		SessionID: call.SessionID,
		StreamID:  call.StreamID,
		Stage:     call.Stage,
		Model:     modelName,
		Request:   &req,
	}
	if err := d.opts.Callbacks.Execute(ctx, CallbackBeforeModel, cc); err != nil {
		return res, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = d.opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	span := call.Trace.StartSpan(trace.SpanGeneration, modelName, call.ParentSpan)
	start := time.Now()

	chunks, errs := d.opts.Model.Generate(callCtx, req)

	var (
		buf          strings.Builder
		final        string
		reported     *model.TokenUsage
		consumerGone bool
		timedOut     bool
		providerErr  error
	)

recv:
	for {
		select {
		case <-ctx.Done():
			consumerGone = true
			break recv
		case <-callCtx.Done():
			// The deadline holds even when the provider ignores its context.
			if ctx.Err() != nil {
				consumerGone = true
			} else {
				timedOut = true
				providerErr = callCtx.Err()
			}
			break recv
		case resp, ok := <-chunks:
			if !ok {
				break recv
			}
			if resp.Usage != nil {
				reported = resp.Usage
			}
			if resp.Partial {
				if resp.Text == "" {
					continue
				}
				buf.WriteString(resp.Text)
				res.Tokens++
				if !emit(core.TokenEvent{Text: resp.Text}) {
					consumerGone = true
					break recv
				}
				continue
			}
			if resp.Text != "" {
				final = resp.Text
			}
		}
	}

	if !consumerGone && !timedOut {
		select {
		case providerErr = <-errs:
		case <-callCtx.Done():
			timedOut = true
			providerErr = callCtx.Err()
		}
		if providerErr != nil && ctx.Err() != nil {
			consumerGone = true
		}
	}
	if timedOut && !consumerGone {
		cancel()
		reported = d.drain(chunks, reported)
	}

	if consumerGone {
		cancel()
		reported = d.drain(chunks, reported)
		if reported != nil {
			res.Usage, res.Reported = d.price(call, modelName, reported.PromptTokens, reported.CompletionTokens), true
			d.account(ctx, call, res)
		}
		span.End(map[string]any{"status": trace.StatusCancelled, "tokens": res.Tokens})
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		return res, err
	}

	dur := time.Since(start)

	if providerErr != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			providerErr = fmt.Errorf("no completion within %s: %w", timeout, context.DeadlineExceeded)
		}
		perr := core.NewProviderError(d.opts.Model.Info().Provider, modelName, providerErr)
		if reported != nil {
			res.Usage, res.Reported = d.price(call, modelName, reported.PromptTokens, reported.CompletionTokens), true
			d.account(ctx, call, res)
		}
		d.logCall(modelName, res, dur, perr)
		span.End(map[string]any{"status": trace.StatusError, "error": perr.Error(), "tokens": res.Tokens})
		cc.Err = perr
		_ = d.opts.Callbacks.Execute(ctx, CallbackOnError, cc)
		return res, perr
	}

	res.Output = final
	if res.Output == "" {
		res.Output = buf.String()
	}

	if reported != nil {
		res.Usage, res.Reported = d.price(call, modelName, reported.PromptTokens, reported.CompletionTokens), true
	} else {
		in := d.opts.Estimator.Count(call.Instructions) + usage.CountMessages(d.opts.Estimator, req.Messages)
		out := d.opts.Estimator.Count(res.Output)
		res.Usage = d.price(call, modelName, in, out)
	}
	d.account(ctx, call, res)
	d.logCall(modelName, res, dur, nil)

	span.End(map[string]any{
		"status":        trace.StatusOK,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
		"cost_zar":      res.Usage.Cost,
		"estimated":     !res.Reported,
	})

	cc.Result = &res
	_ = d.opts.Callbacks.Execute(ctx, CallbackAfterModel, cc)

	return res, nil
}

// Cancel stops the active stream with streamID. It reports whether such a
// stream was running.
func (d *Dispatcher) Cancel(streamID string) bool {
	d.mu.Lock()
	cancel, ok := d.active[streamID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveStreams returns the number of running streams.
func (d *Dispatcher) ActiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) track(streamID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.active[streamID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(streamID string) {
	d.mu.Lock()
	delete(d.active, streamID)
	d.mu.Unlock()
}

func (d *Dispatcher) instructionsFor(inv Invocation) string {
	if strings.TrimSpace(inv.CustomInstructions) != "" {
		return instruction.Compose(inv.CustomInstructions)
	}
	mode := inv.Mode
	if mode == "" {
		mode = instruction.ModeDefault
	}
	return instruction.Compose(d.opts.Instructions.Snapshot(mode).Text)
}

// resolveParts swaps attachment references for their bytes. References that
// cannot be resolved are dropped with a warning.
func (d *Dispatcher) resolveParts(sessionID string, msg core.Message) core.Message {
	hasFiles := false
	for _, p := range msg.Parts {
		if _, ok := p.(core.FilePart); ok {
			hasFiles = true
			break
		}
	}
	if !hasFiles {
		return msg
	}

	parts := make([]core.Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		fp, ok := p.(core.FilePart)
		if !ok {
			parts = append(parts, p)
			continue
		}
		if d.opts.Attachments == nil {
			continue
		}
		blob, err := d.opts.Attachments.Resolve(sessionID, fp)
		if err != nil {
			d.logger.Warn("attachment not resolved", "session_id", sessionID, "attachment_id", fp.AttachmentID, "error", err)
			continue
		}
		parts = append(parts, blob)
	}
	msg.Parts = parts
	return msg
}

func (d *Dispatcher) price(call Call, modelName string, in, out int) core.Usage {
	u, fellBack := d.opts.Accountant.Usage(modelName, in, out)
	if fellBack {
		d.logger.Warn("unknown model, using fallback rate",
			"session_id", call.SessionID, "model", modelName, "fallback", d.opts.Accountant.FallbackModel())
	}
	return u
}

// account merges res into the session and appends a ledger entry.
func (d *Dispatcher) account(ctx context.Context, call Call, res Result) {
	if call.SessionID == "" || res.Usage.IsZero() {
		return
	}
	d.opts.Sessions.MergeUsage(call.SessionID, res.Usage, res.Model)

	if d.opts.Ledger == nil {
		return
	}
	kind := ledger.KindChat
	if call.Stage != "" {
		kind = ledger.KindStage
	}
	err := d.opts.Ledger.Record(context.WithoutCancel(ctx), ledger.Entry{
		SessionID:    call.SessionID,
		StreamID:     call.StreamID,
		Kind:         kind,
		Stage:        call.Stage,
		Model:        res.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostZAR:      res.Usage.Cost,
		Estimated:    !res.Reported,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn("ledger record failed", "session_id", call.SessionID, "error", err)
	}
}

// drain waits up to CancelGrace for the provider to close its channel and
// returns the last usage it reported.
func (d *Dispatcher) drain(chunks <-chan model.Response, reported *model.TokenUsage) *model.TokenUsage {
	timer := time.NewTimer(d.opts.CancelGrace)
	defer timer.Stop()
	for {
		select {
		case resp, ok := <-chunks:
			if !ok {
				return reported
			}
			if resp.Usage != nil {
				reported = resp.Usage
			}
		case <-timer.C:
			d.logger.Warn("provider did not stop within cancel grace", "grace", d.opts.CancelGrace)
			return reported
		}
	}
}

func (d *Dispatcher) logCall(modelName string, res Result, dur time.Duration, err error) {
	if sl, ok := d.logger.(*logging.StructuredLogger); ok {
		sl.LogProviderCall(modelName, res.Usage.InputTokens, res.Usage.OutputTokens, dur, err == nil, err)
		return
	}
	if err != nil {
		d.logger.Error("provider call failed", "model", modelName, "duration", dur, "error", err)
		return
	}
	d.logger.Debug("provider call completed", "model", modelName, "duration", dur,
		"input_tokens", res.Usage.InputTokens, "output_tokens", res.Usage.OutputTokens)
}

// send delivers ev unless ctx is done. A cancelled consumer never receives
// another event, even when buffer space is available.
func send(ctx context.Context, out chan<- core.StreamEvent, ev core.StreamEvent) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}

// Send is the exported form of the bounded, cancellation-aware send used by
// Stream. The pipeline uses it for its own events.
func Send(ctx context.Context, out chan<- core.StreamEvent, ev core.StreamEvent) bool {
	return send(ctx, out, ev)
}

func userMessage(text string, extra []core.Part) core.Message {
	msg := core.NewTextMessage(core.RoleUser, text)
	msg.Parts = append(msg.Parts, extra...)
	return msg
}
