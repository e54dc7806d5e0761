package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/logging"
)

// doneFrame terminates every event stream.
const doneFrame = "[DONE]"

var errStreamingUnsupported = errors.New("response writer does not support flushing")

// setSSEHeaders prepares w for an event stream.
func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sseWriter serializes frames onto one response. It is safe for concurrent
// use so the keepalive ticker can share it with the event loop.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseWriter{w: w, flusher: f}, nil
}

func (s *sseWriter) writeRaw(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteData sends one "data:" frame.
func (s *sseWriter) WriteData(data []byte) error {
	return s.writeRaw("data: " + string(data) + "\n\n")
}

// WriteJSON marshals v into a data frame.
func (s *sseWriter) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteData(b)
}

// WriteEvent sends a stream event in its wire form.
func (s *sseWriter) WriteEvent(ev core.StreamEvent) error {
	b, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return s.WriteData(b)
}

// WriteKeepAlive sends an SSE comment that clients ignore.
func (s *sseWriter) WriteKeepAlive() error { return s.writeRaw(": keepalive\n\n") }

// WriteDone sends the terminal marker.
func (s *sseWriter) WriteDone() error { return s.writeRaw("data: " + doneFrame + "\n\n") }

// encodeEvent renders ev as its JSON body tagged with "type".
func encodeEvent(ev core.StreamEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "type", string(ev.Kind()))
}

// runHeartbeat writes keepalive comments every interval until done or ctx
// is closed.
func runHeartbeat(ctx context.Context, w *sseWriter, interval time.Duration, done <-chan struct{}, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				logger.Debug("failed to write keepalive", "error", err)
				return
			}
		}
	}
}

// pipeEvents forwards events to w until the channel closes or the client
// goes away, then writes the terminal marker. Provider and stage errors are
// already part of the event stream and sanitized there.
func pipeEvents(ctx context.Context, w *sseWriter, events <-chan core.StreamEvent, keepalive time.Duration, logger logging.Logger) {
	done := make(chan struct{})
	defer close(done)
	go runHeartbeat(ctx, w, keepalive, done, logger)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if err := w.WriteDone(); err != nil {
					logger.Debug("failed to write done marker", "error", err)
				}
				return
			}
			if err := w.WriteEvent(ev); err != nil {
				logger.Debug("client gone while streaming", "error", err)
				return
			}
		}
	}
}
