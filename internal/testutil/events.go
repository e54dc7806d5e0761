package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/tailormesh/core"
)

// DefaultCollectTimeout bounds how long Collect waits for a stream to close.
const DefaultCollectTimeout = 5 * time.Second

// Collect drains ch until it is closed. The test fails if the channel stays
// open past DefaultCollectTimeout.
func Collect(t testing.TB, ch <-chan core.StreamEvent) []core.StreamEvent {
	t.Helper()
	return CollectWithin(t, ch, DefaultCollectTimeout)
}

// CollectWithin is Collect with an explicit timeout.
func CollectWithin(t testing.TB, ch <-chan core.StreamEvent, d time.Duration) []core.StreamEvent {
	t.Helper()
	var events []core.StreamEvent
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timer.C:
			t.Fatalf("stream not closed after %s (%d events received)", d, len(events))
			return events
		}
	}
}

// Kinds lists the kind tag of every event.
func Kinds(events []core.StreamEvent) []core.EventKind {
	out := make([]core.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

// Text concatenates the text of all token events.
func Text(events []core.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if tk, ok := ev.(core.TokenEvent); ok {
			b.WriteString(tk.Text)
		}
	}
	return b.String()
}

// Last returns the final event, or nil for an empty slice.
func Last(events []core.StreamEvent) core.StreamEvent {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}
