package trace

import (
	"sync"
	"time"

	"github.com/hupe1980/tailormesh/internal/util"
	"github.com/hupe1980/tailormesh/logging"
)

const (
	DefaultPerSession       = 10
	DefaultSubscriberBuffer = 100
)

// Options configures a Processor.
type Options struct {
	PerSession       int
	SubscriberBuffer int
	Logger           logging.Logger
}

type subscriber struct {
	ch chan Trace
}

// Processor stores completed traces per session and broadcasts them.
type Processor struct {
	opts Options

	mu     sync.RWMutex
	traces map[string][]Trace
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

// NewProcessor creates a Processor.
func NewProcessor(optFns ...func(o *Options)) *Processor {
	opts := Options{PerSession: DefaultPerSession, SubscriberBuffer: DefaultSubscriberBuffer}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PerSession < 1 {
		opts.PerSession = DefaultPerSession
	}
	if opts.SubscriberBuffer < 1 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Processor{
		opts:   opts,
		traces: make(map[string][]Trace),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Start opens a trace for the session.
func (p *Processor) Start(sessionID, name string) *Recorder {
	if p == nil {
		return nil
	}
	return &Recorder{p: p, trace: Trace{
		ID:        util.NewPrefixedID("trace"),
		SessionID: sessionID,
		Name:      name,
		StartedAt: time.Now().UTC(),
		Spans:     []Span{},
	}}
}

func (p *Processor) complete(t Trace) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	ring := append(p.traces[t.SessionID], t)
	if over := len(ring) - p.opts.PerSession; over > 0 {
		ring = append([]Trace(nil), ring[over:]...)
	}
	p.traces[t.SessionID] = ring

	for sub := range p.subs[t.SessionID] {
		select {
		case sub.ch <- t.clone():
		default:
			p.opts.Logger.Warn("trace subscriber slow, update dropped", "session_id", t.SessionID, "trace_id", t.ID)
		}
	}
}

// Traces returns the stored traces of a session, oldest first.
func (p *Processor) Traces(sessionID string) []Trace {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Trace, len(p.traces[sessionID]))
	for i, t := range p.traces[sessionID] {
		out[i] = t.clone()
	}
	return out
}

// Subscribe returns a channel of traces completed for the session from now
// on, and a function that unsubscribes and closes the channel.
func (p *Processor) Subscribe(sessionID string) (<-chan Trace, func()) {
	if p == nil {
		ch := make(chan Trace)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{ch: make(chan Trace, p.opts.SubscriberBuffer)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if p.subs[sessionID] == nil {
		p.subs[sessionID] = make(map[*subscriber]struct{})
	}
	p.subs[sessionID][sub] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[sessionID][sub]; !ok {
				return
			}
			delete(p.subs[sessionID], sub)
			if len(p.subs[sessionID]) == 0 {
				delete(p.subs, sessionID)
			}
			close(sub.ch)
		})
	}
}

// Clear drops the stored traces of a session. Subscriptions stay open.
func (p *Processor) Clear(sessionID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.traces, sessionID)
}

// Close closes every subscriber channel and stops recording.
func (p *Processor) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sid, subs := range p.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(p.subs, sid)
	}
}
