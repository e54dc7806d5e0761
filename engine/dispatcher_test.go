package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/tailormesh/attachment"
	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/instruction"
	"github.com/hupe1980/tailormesh/internal/testutil"
	"github.com/hupe1980/tailormesh/ledger"
	"github.com/hupe1980/tailormesh/model"
	"github.com/hupe1980/tailormesh/session"
	"github.com/hupe1980/tailormesh/trace"
	"github.com/hupe1980/tailormesh/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(m model.Model, optFns ...func(o *Options)) (*Dispatcher, *session.Store) {
	store := session.NewStore()
	d := New(append([]func(o *Options){func(o *Options) {
		o.Sessions = store
		o.Model = m
		o.CancelGrace = 100 * time.Millisecond
	}}, optFns...)...)
	return d, store
}

func TestDispatcher_StreamSuccess(t *testing.T) {
	m := model.NewMockModel("gpt-4.1-mini-2025-04-14", model.WithChunks("Hello", " there", "!"))
	d, store := newTestDispatcher(m)

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)

	events := testutil.Collect(t, ch)
	assert.Equal(t, []core.EventKind{core.EventToken, core.EventToken, core.EventToken, core.EventDone}, testutil.Kinds(events))
	assert.Equal(t, "Hello there!", testutil.Text(events))

	done, ok := testutil.Last(events).(core.DoneEvent)
	require.True(t, ok)
	assert.Equal(t, "Hello there!", done.Output)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", done.Model)
	assert.Equal(t, 1, done.Usage.Requests)
	assert.Positive(t, done.Usage.InputTokens)
	assert.Positive(t, done.Usage.OutputTokens)

	stats := store.Stats("s1")
	assert.False(t, stats.Busy)
	assert.Equal(t, 1, stats.MessageCount)
	assert.Equal(t, done.Usage, stats.Usage)

	history := store.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, "Hi", history[0].Text())
	assert.Equal(t, core.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello there!", history[1].Text())
	assert.Equal(t, 0, d.ActiveStreams())
}

func TestDispatcher_SessionBusy(t *testing.T) {
	m := model.NewMockModel("gpt-5")
	d, store := newTestDispatcher(m)

	g, err := store.TryAcquire("s1")
	require.NoError(t, err)

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, core.ErrSessionBusy)
	assert.Equal(t, 0, m.Calls())

	g.Release()
	ch, err = d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	testutil.Collect(t, ch)
	assert.Equal(t, 1, m.Calls())
}

func TestDispatcher_InvalidInvocation(t *testing.T) {
	d, _ := newTestDispatcher(model.NewMockModel("gpt-5"))

	tests := []struct {
		name string
		inv  Invocation
	}{
		{"missing session", Invocation{Message: "Hi"}},
		{"blank message", Invocation{SessionID: "s1", Message: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Stream(context.Background(), tt.inv)
			assert.ErrorIs(t, err, core.ErrInvalidRequest)
		})
	}
}

func TestDispatcher_ReportedUsagePricing(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("ok"), model.WithUsage(1000, 500))
	d, store := newTestDispatcher(m)

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	done := testutil.Last(testutil.Collect(t, ch)).(core.DoneEvent)

	assert.Equal(t, 1000, done.Usage.InputTokens)
	assert.Equal(t, 500, done.Usage.OutputTokens)
	want := (1000.0/1e6*2.50 + 500.0/1e6*10.00) * usage.DefaultUSDToZAR
	assert.InDelta(t, want, done.Usage.Cost, 1e-9)
	assert.InDelta(t, want, store.Stats("s1").Usage.Cost, 1e-9)
	assert.Equal(t, "gpt-5", store.Stats("s1").Model)
}

func TestDispatcher_UnknownModelFallsBack(t *testing.T) {
	m := model.NewMockModel("mystery-model", model.WithChunks("ok"), model.WithUsage(1000, 1000))
	d, _ := newTestDispatcher(m)

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	done := testutil.Last(testutil.Collect(t, ch)).(core.DoneEvent)

	want, err := usage.NewAccountant().Price(usage.DefaultFallbackModel, 1000, 1000)
	require.NoError(t, err)
	assert.InDelta(t, want, done.Usage.Cost, 1e-9)
	assert.Equal(t, "mystery-model", done.Model)
}

func TestDispatcher_ProviderError(t *testing.T) {
	boom := errors.New("upstream exploded")
	m := model.NewMockModel("gpt-5", model.WithChunks("a", "b", "c"), model.WithError(2, boom))
	d, store := newTestDispatcher(m)

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	events := testutil.Collect(t, ch)

	assert.Equal(t, []core.EventKind{core.EventToken, core.EventToken, core.EventError}, testutil.Kinds(events))
	ev := testutil.Last(events).(core.ErrorEvent)
	assert.Equal(t, core.KindProviderError, ev.ErrorKind)
	assert.NotContains(t, ev.Message, "exploded")
	assert.ErrorIs(t, ev.Err, boom)
	assert.ErrorIs(t, ev.Err, core.ErrProvider)
	assert.False(t, core.IsRetryable(ev.Err))

	stats := store.Stats("s1")
	assert.False(t, stats.Busy)
	assert.Equal(t, 0, stats.MessageCount)
	assert.Empty(t, store.History("s1"))
	assert.Equal(t, 1, m.Calls())
}

func TestDispatcher_TimeoutIsRetryable(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("partial"), model.WithBlock())
	d, store := newTestDispatcher(m, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	events := testutil.Collect(t, ch)

	require.NotEmpty(t, events)
	ev, ok := testutil.Last(events).(core.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, core.KindProviderError, ev.ErrorKind)
	assert.True(t, core.IsRetryable(ev.Err))
	assert.ErrorIs(t, ev.Err, context.DeadlineExceeded)
	assert.False(t, store.Stats("s1").Busy)
}

func TestDispatcher_ReasoningTuning(t *testing.T) {
	m := model.NewMockModel("gpt-5-mini", model.WithChunks("ok"))
	d, _ := newTestDispatcher(m)

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi", ReasoningEffort: "low", Verbosity: "high"})
	require.NoError(t, err)
	testutil.Collect(t, ch)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "low", reqs[0].ReasoningEffort)
	assert.Equal(t, "high", reqs[0].Verbosity)

	_, err = d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi", ReasoningEffort: "extreme"})
	require.ErrorIs(t, err, core.ErrInvalidRequest)
	_, err = d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi", Verbosity: "minimal"})
	require.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Equal(t, 1, m.Calls())
}

// deafModel streams one chunk and then hangs without watching its context.
type deafModel struct {
	release chan struct{}
}

func (m *deafModel) Info() model.Info { return model.Info{Name: "gpt-5", Provider: "deaf"} }

func (m *deafModel) Generate(_ context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	out <- model.Response{Text: "partial", Partial: true}
	go func() {
		<-m.release
		close(out)
		close(errCh)
	}()
	return out, errCh
}

func TestDispatcher_TimeoutWithUnresponsiveProvider(t *testing.T) {
	m := &deafModel{release: make(chan struct{})}
	t.Cleanup(func() { close(m.release) })
	d, store := newTestDispatcher(m, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)

	events := testutil.CollectWithin(t, ch, 2*time.Second)

	assert.Equal(t, []core.EventKind{core.EventToken, core.EventError}, testutil.Kinds(events))
	ev := testutil.Last(events).(core.ErrorEvent)
	assert.True(t, core.IsRetryable(ev.Err))
	assert.ErrorIs(t, ev.Err, context.DeadlineExceeded)
	assert.False(t, store.Stats("s1").Busy)
}

func TestDispatcher_ConsumerCancel(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("first"), model.WithBlock())
	d, store := newTestDispatcher(m)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := d.Stream(ctx, Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, core.EventToken, first.Kind())
	cancel()

	rest := testutil.Collect(t, ch)
	for _, ev := range rest {
		assert.False(t, core.IsTerminal(ev), "no terminal event after cancellation")
	}

	stats := store.Stats("s1")
	assert.False(t, stats.Busy)
	assert.True(t, stats.Usage.IsZero(), "estimated usage is not applied on cancel")
	assert.Empty(t, store.History("s1"))

	// The session accepts a new stream once the cancelled one is gone.
	ctx2, cancel2 := context.WithCancel(context.Background())
	ch, err = d.Stream(ctx2, Invocation{SessionID: "s1", Message: "again"})
	require.NoError(t, err)
	assert.Equal(t, core.EventToken, (<-ch).Kind())
	cancel2()
	testutil.Collect(t, ch)
	assert.False(t, store.Stats("s1").Busy)
}

func TestDispatcher_CancelByStreamID(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithBlock())
	d, store := newTestDispatcher(m)

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi", StreamID: "stream_1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, d.Cancel("stream_1"))

	events := testutil.Collect(t, ch)
	for _, ev := range events {
		assert.False(t, core.IsTerminal(ev))
	}
	assert.False(t, store.Stats("s1").Busy)
	assert.False(t, d.Cancel("stream_1"))
}

func TestDispatcher_FirstMessageHint(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("ok"))
	d, store := newTestDispatcher(m)

	for _, msg := range []string{"first", "second"} {
		ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: msg})
		require.NoError(t, err)
		testutil.Collect(t, ch)
	}

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, strings.HasPrefix(reqs[0].LastUserText(), instruction.FirstMessageHint))
	assert.Equal(t, "second", reqs[1].LastUserText())
	assert.Len(t, reqs[1].Messages, 3)

	history := store.History("s1")
	require.Len(t, history, 4)
	assert.Equal(t, "first", history[0].Text())
}

func TestDispatcher_InstructionSnapshot(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("ok"))
	d, _ := newTestDispatcher(m)

	tests := []struct {
		name     string
		inv      Invocation
		contains string
	}{
		{"default", Invocation{SessionID: "a", Message: "x"}, instruction.BuiltinText(instruction.ModeDefault)[:40]},
		{"practitioner", Invocation{SessionID: "b", Message: "x", Mode: instruction.ModePractitioner}, instruction.BuiltinText(instruction.ModePractitioner)[:40]},
		{"custom", Invocation{SessionID: "c", Message: "x", CustomInstructions: "Only answer in haiku."}, "Only answer in haiku."},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := d.Stream(context.Background(), tt.inv)
			require.NoError(t, err)
			testutil.Collect(t, ch)
			reqs := m.Requests()
			require.Len(t, reqs, i+1)
			assert.Contains(t, reqs[i].Instructions, tt.contains)
			assert.Contains(t, strings.ToLower(reqs[i].Instructions), "markdown")
		})
	}
}

func TestDispatcher_ResolvesAttachments(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("ok"))
	atts := attachment.NewInMemoryStore()
	d, store := newTestDispatcher(m, func(o *Options) { o.Attachments = atts })

	ref := atts.Save("s1", attachment.Accepted{Filename: "labs.txt", MimeType: "text/plain", Data: []byte("ferritin 12")})

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "see file", Parts: []core.Part{ref}})
	require.NoError(t, err)
	testutil.Collect(t, ch)

	req := m.Requests()[0]
	last := req.Messages[len(req.Messages)-1]
	var blob core.BlobPart
	for _, p := range last.Parts {
		if b, ok := p.(core.BlobPart); ok {
			blob = b
		}
	}
	assert.Equal(t, []byte("ferritin 12"), blob.Data)

	stored := store.History("s1")[0]
	_, isRef := stored.Parts[1].(core.FilePart)
	assert.True(t, isRef, "history keeps the reference, not the bytes")
}

func TestDispatcher_BeforeModelCallbackAborts(t *testing.T) {
	m := model.NewMockModel("gpt-5")
	cbs := NewCallbackManager()
	cbs.Register(NewFunctionCallback(CallbackBeforeModel, func(_ context.Context, cc *CallbackContext) error {
		if cc.Model == "gpt-5" {
			return errors.New("blocked")
		}
		return nil
	}))

	var after int
	cbs.Register(NewFunctionCallback(CallbackAfterModel, func(_ context.Context, cc *CallbackContext) error {
		after++
		return nil
	}))

	d, _ := newTestDispatcher(m, func(o *Options) { o.Callbacks = cbs })

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	events := testutil.Collect(t, ch)
	assert.Equal(t, []core.EventKind{core.EventError}, testutil.Kinds(events))
	assert.Equal(t, 0, m.Calls())

	ch, err = d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi", Model: "gpt-5-mini"})
	require.NoError(t, err)
	testutil.Collect(t, ch)
	assert.Equal(t, 1, after)
}

func TestDispatcher_RecordsTrace(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("ok"))
	tracer := trace.NewProcessor()
	d, _ := newTestDispatcher(m, func(o *Options) { o.Tracer = tracer })

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	testutil.Collect(t, ch)

	traces := tracer.Traces("s1")
	require.Len(t, traces, 1)
	assert.Equal(t, trace.StatusOK, traces[0].Status)
	require.Len(t, traces[0].Spans, 1)
	assert.Equal(t, trace.SpanGeneration, traces[0].Spans[0].Type)
	assert.Equal(t, true, traces[0].Spans[0].Data["estimated"])
}

func TestDispatcher_WritesLedger(t *testing.T) {
	db, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	m := model.NewMockModel("gpt-5", model.WithChunks("ok"), model.WithUsage(20, 5))
	d, _ := newTestDispatcher(m, func(o *Options) { o.Ledger = db })

	ch, err := d.Stream(context.Background(), Invocation{SessionID: "s1", Message: "Hi"})
	require.NoError(t, err)
	testutil.Collect(t, ch)

	entries, err := db.List(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindChat, entries[0].Kind)
	assert.Equal(t, 20, entries[0].InputTokens)
	assert.False(t, entries[0].Estimated)
}

func TestDispatcher_ExecuteWithoutGuard(t *testing.T) {
	m := model.NewMockModel("gpt-5", model.WithChunks("a", "b"), model.WithUsage(10, 2))
	d, store := newTestDispatcher(m)

	var tokens []string
	res, err := d.Execute(context.Background(), Call{
		SessionID: "s1",
		Stage:     "supplement",
		Prompt:    core.NewTextMessage(core.RoleUser, "profile"),
	}, func(ev core.StreamEvent) bool {
		tokens = append(tokens, ev.(core.TokenEvent).Text)
		return true
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, tokens)
	assert.Equal(t, "ab", res.Output)
	assert.True(t, res.Reported)
	assert.Equal(t, 2, res.Tokens)
	assert.Equal(t, 10, store.Stats("s1").Usage.InputTokens)
	assert.Empty(t, store.History("s1"), "Execute does not touch history")
}
