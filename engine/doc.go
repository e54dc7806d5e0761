// Package engine projects a single model call onto the outward event stream.
//
// A Dispatcher owns the per-call mechanics that every caller shares:
//
//   - acquiring the session's single-flight guard before any provider work
//   - snapshotting instruction text so a concurrent replacement never affects
//     an in-flight stream
//   - forwarding provider chunks as core.TokenEvent values over a bounded
//     channel, observing cancellation on every send
//   - turning provider-reported or estimated token counts into priced usage
//   - committing the finished turn to the session, ledger and trace
//
// Stream is the guarded entry point used for chat. Execute is the guard-free
// building block the pipeline uses for each stage; the caller is expected to
// hold the guard for the whole run.
//
// # Event Contract
//
// Every stream ends with exactly one terminal event (core.DoneEvent or
// core.ErrorEvent) unless the consumer cancels, in which case nothing further
// is delivered. The output channel is closed only after the session guard has
// been released, so a consumer that observes the close may immediately start
// the next stream for the same session.
//
// # Usage
//
//	d := engine.New(func(o *engine.Options) {
//		o.Sessions = store
//		o.Model = provider
//	})
//
//	events, err := d.Stream(ctx, engine.Invocation{SessionID: "s1", Message: "hello"})
//	if errors.Is(err, core.ErrSessionBusy) {
//		// reject with 409
//	}
//	for ev := range events {
//		...
//	}
package engine
