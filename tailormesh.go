// Package tailormesh is the high-level façade over the streaming chat engine
// and the specialist pipeline. Most applications interact with it by:
//  1. Creating a Mesh via New() (optionally overriding the in-memory defaults)
//  2. Streaming chat turns with Chat, or collecting them with ChatSync
//  3. Running the formulation pipeline for a patient profile with RunPipeline
//
// Session state lives in process memory and is lost on restart. A usage
// ledger can be attached for auditing.
package tailormesh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/tailormesh/agent"
	"github.com/hupe1980/tailormesh/attachment"
	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/engine"
	"github.com/hupe1980/tailormesh/instruction"
	"github.com/hupe1980/tailormesh/ledger"
	"github.com/hupe1980/tailormesh/logging"
	"github.com/hupe1980/tailormesh/model"
	"github.com/hupe1980/tailormesh/pipeline"
	"github.com/hupe1980/tailormesh/session"
	"github.com/hupe1980/tailormesh/trace"
	"github.com/hupe1980/tailormesh/usage"
)

// DefaultSyncTimeout bounds ChatSync.
const DefaultSyncTimeout = 120 * time.Second

// Options configures the Mesh instance.
type Options struct {
	// Stores (defaults to in-memory implementations if not provided)
	Sessions    *session.Store
	Attachments *attachment.InMemoryStore
	Tracer      *trace.Processor

	// Model is the default provider. Nil uses a MockModel.
	Model        model.Model
	Instructions *instruction.Registry
	Accountant   *usage.Accountant
	Validator    *attachment.Validator

	// Ledger receives one entry per priced call. Optional.
	Ledger    ledger.Sink
	Callbacks *engine.CallbackManager

	StreamTimeout time.Duration
	SyncTimeout   time.Duration
	BufferSize    int
	CancelGrace   time.Duration

	StageTimeout    time.Duration
	MaxStageRetries int
	// StageModel overrides the provider default for the specialist stages.
	StageModel string
	// Catalog feeds the specialist instructions. Nil uses the built-in one.
	Catalog *agent.Catalog

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Mesh is the façade aggregating the dispatcher, the pipeline and the
// session-scoped stores.
type Mesh struct {
	opts       Options
	dispatcher *engine.Dispatcher
	logger     logging.Logger
}

// New creates a Mesh with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		SyncTimeout:     DefaultSyncTimeout,
		MaxStageRetries: 1,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Sessions == nil {
		opts.Sessions = session.NewStore()
	}
	if opts.Attachments == nil {
		opts.Attachments = attachment.NewInMemoryStore()
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.NewProcessor(func(o *trace.Options) { o.Logger = opts.Logger })
	}
	if opts.Model == nil {
		opts.Model = model.NewMockModel(usage.DefaultFallbackModel)
	}
	if opts.Instructions == nil {
		opts.Instructions = instruction.New(func(o *instruction.Options) { o.Logger = opts.Logger })
	}
	if opts.Accountant == nil {
		opts.Accountant = usage.NewAccountant()
	}
	if opts.Validator == nil {
		opts.Validator = attachment.NewValidator(0, 0, nil)
	}
	if opts.Catalog == nil {
		opts.Catalog = agent.DefaultCatalog()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	d := engine.New(func(o *engine.Options) {
		o.Sessions = opts.Sessions
		o.Model = opts.Model
		o.Instructions = opts.Instructions
		o.Accountant = opts.Accountant
		o.Attachments = opts.Attachments
		o.Timeout = opts.StreamTimeout
		o.BufferSize = opts.BufferSize
		o.CancelGrace = opts.CancelGrace
		o.Logger = opts.Logger
		o.Tracer = opts.Tracer
		o.Ledger = opts.Ledger
		o.Callbacks = opts.Callbacks
	})

	return &Mesh{opts: opts, dispatcher: d, logger: opts.Logger}
}

// ChatRequest is one inbound chat turn.
type ChatRequest struct {
	SessionID          string
	Message            string
	Attachments        []core.Attachment
	Model              string
	CustomInstructions string
	Practitioner       bool

	// ReasoningEffort and Verbosity apply to GPT-5 models only. Empty
	// values select minimal effort and medium verbosity.
	ReasoningEffort string
	Verbosity       string
}

// ChatResult is the collected outcome of ChatSync.
type ChatResult struct {
	Response     string     `json:"response"`
	SessionID    string     `json:"session_id"`
	Usage        core.Usage `json:"usage"`
	Model        string     `json:"model"`
	MessageCount int        `json:"message_count"`
	// Partial is set when the sync timeout cut the answer short.
	Partial bool `json:"partial,omitempty"`
}

// Chat validates the attachments, stores the accepted ones and starts a
// streaming turn. core.ErrSessionBusy and attachment rejections are returned
// before any provider work; a rejected turn leaves no stored attachments.
func (m *Mesh) Chat(ctx context.Context, req ChatRequest) (<-chan core.StreamEvent, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("session id is required: %w", core.ErrInvalidRequest)
	}

	accepted, err := m.opts.Validator.Validate(req.Attachments)
	if err != nil {
		m.logger.Warn("attachments rejected", "session_id", req.SessionID, "error", err)
		return nil, err
	}
	saved := make([]core.FilePart, 0, len(accepted))
	parts := make([]core.Part, 0, len(accepted))
	for _, a := range accepted {
		ref := m.opts.Attachments.Save(req.SessionID, a)
		saved = append(saved, ref)
		parts = append(parts, ref)
	}

	events, err := m.dispatcher.Stream(ctx, engine.Invocation{
		SessionID:          req.SessionID,
		Message:            req.Message,
		Parts:              parts,
		Model:              req.Model,
		Mode:               instruction.ParseMode(req.Practitioner),
		CustomInstructions: req.CustomInstructions,
		ReasoningEffort:    req.ReasoningEffort,
		Verbosity:          req.Verbosity,
	})
	if err != nil {
		m.opts.Attachments.Delete(req.SessionID, saved...)
		return nil, err
	}
	return events, nil
}

// ChatSync runs a turn and collects the answer. When the sync timeout
// expires after some output arrived, the partial answer is returned without
// error; with no output the error wraps context.DeadlineExceeded.
func (m *Mesh) ChatSync(ctx context.Context, req ChatRequest) (ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.SyncTimeout)
	defer cancel()

	events, err := m.Chat(ctx, req)
	if err != nil {
		return ChatResult{}, err
	}

	res := ChatResult{SessionID: req.SessionID, Model: req.Model}
	var b strings.Builder
	for ev := range events {
		switch e := ev.(type) {
		case core.TokenEvent:
			b.WriteString(e.Text)
		case core.DoneEvent:
			res.Response = e.Output
			res.Usage = e.Usage
			res.Model = e.Model
		case core.ErrorEvent:
			if e.Err != nil {
				return ChatResult{}, e.Err
			}
			return ChatResult{}, fmt.Errorf("%s: %s", e.ErrorKind, e.Message)
		}
	}

	if res.Response == "" {
		if ctx.Err() != nil {
			if b.Len() == 0 {
				return ChatResult{}, fmt.Errorf("chat timed out after %s: %w", m.opts.SyncTimeout, context.DeadlineExceeded)
			}
			res.Partial = true
		}
		res.Response = b.String()
	}
	res.MessageCount = m.opts.Sessions.Stats(req.SessionID).MessageCount
	return res, nil
}

// Pipeline returns the formulation orchestrator for profile.
func (m *Mesh) Pipeline(profile agent.PatientProfile) *pipeline.Orchestrator {
	stages := agent.DefaultStages(profile, func(o *agent.StageOptions) {
		o.Catalog = m.opts.Catalog
		o.Model = m.opts.StageModel
	})
	return pipeline.New(stages, func(o *pipeline.Options) {
		o.Name = "formulation"
		o.Executor = m.dispatcher
		o.Sessions = m.opts.Sessions
		o.Logger = m.opts.Logger
		o.Tracer = m.opts.Tracer
		o.StageTimeout = m.opts.StageTimeout
		o.Retry = pipeline.RetryPolicy{MaxRetries: m.opts.MaxStageRetries}
		o.Assemble = agent.Assemble
		o.BufferSize = m.opts.BufferSize
	})
}

// RunPipeline validates profile and starts the two-stage formulation run on
// its session.
func (m *Mesh) RunPipeline(ctx context.Context, profile agent.PatientProfile) (<-chan core.StreamEvent, error) {
	if strings.TrimSpace(profile.SessionID) == "" {
		return nil, fmt.Errorf("session id is required: %w", core.ErrInvalidRequest)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	run, events, err := m.Pipeline(profile).Start(ctx, profile.SessionID, profile.Render())
	if err != nil {
		return nil, err
	}
	m.logger.Debug("pipeline started", "session_id", profile.SessionID, "run_id", run.ID())
	return events, nil
}

// Stats returns the usage snapshot of a session. It never blocks on a running
// stream.
func (m *Mesh) Stats(sessionID string) core.SessionStats {
	return m.opts.Sessions.Stats(sessionID)
}

// Reset clears the session history and usage together with its traces and
// attachments. It fails with core.ErrSessionBusy while a stream runs.
func (m *Mesh) Reset(sessionID string) error {
	if err := m.opts.Sessions.Reset(sessionID); err != nil {
		return err
	}
	m.opts.Tracer.Clear(sessionID)
	m.opts.Attachments.DeleteSession(sessionID)
	m.logger.Info("session reset", "session_id", sessionID)
	return nil
}

// Traces returns the recent completed traces of a session, oldest first.
func (m *Mesh) Traces(sessionID string) []trace.Trace { return m.opts.Tracer.Traces(sessionID) }

// SubscribeTraces streams traces completed from now on.
func (m *Mesh) SubscribeTraces(sessionID string) (<-chan trace.Trace, func()) {
	return m.opts.Tracer.Subscribe(sessionID)
}

// Cancel stops a running chat stream by id.
func (m *Mesh) Cancel(streamID string) bool { return m.dispatcher.Cancel(streamID) }

// Instructions returns the instruction registry.
func (m *Mesh) Instructions() *instruction.Registry { return m.opts.Instructions }

// Accountant returns the pricing accountant.
func (m *Mesh) Accountant() *usage.Accountant { return m.opts.Accountant }

// Model returns the default provider.
func (m *Mesh) Model() model.Model { return m.opts.Model }

// Close stops trace fan-out. Stores and the ledger are owned by the caller.
func (m *Mesh) Close() { m.opts.Tracer.Close() }
