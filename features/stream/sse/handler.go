// Package sse serves session event streams as server-sent events.
//
// Each event is written as a named frame:
//
//	event: <type>
//	data: <json>
//
// The response ends after the done event, when the source reaches end of
// stream, when the client goes away, or when no event arrives within the idle
// timeout.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"goa.design/agentexec/runtime/agent/stream"
	"goa.design/agentexec/runtime/agent/telemetry"
)

// DefaultIdleTimeout is used when Options.IdleTimeout is zero.
const DefaultIdleTimeout = 5 * time.Minute

type (
	// Options configures the handler.
	Options struct {
		// Source provides the events. Required.
		Source Source
		// IdleTimeout closes the stream when no event arrives in time.
		IdleTimeout time.Duration
		// SessionID extracts the session ID from the request. Defaults to the
		// "session_id" path value.
		SessionID func(*http.Request) string
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Handler streams the events of one session per request.
	Handler struct {
		source    Source
		idle      time.Duration
		sessionID func(*http.Request) string
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}
)

// New returns a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Source == nil {
		return nil, errors.New("sse source is required")
	}
	h := &Handler{
		source:    opts.Source,
		idle:      opts.IdleTimeout,
		sessionID: opts.SessionID,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if h.idle <= 0 {
		h.idle = DefaultIdleTimeout
	}
	if h.sessionID == nil {
		h.sessionID = func(r *http.Request) string { return r.PathValue("session_id") }
	}
	if h.logger == nil {
		h.logger = telemetry.NewNoopLogger()
	}
	if h.metrics == nil {
		h.metrics = telemetry.NewNoopMetrics()
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(r)
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	octx, cancel := context.WithTimeout(ctx, h.idle)
	reader, err := h.source.Open(octx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "no execution for session", http.StatusNotFound)
			return
		}
		h.logger.Error(ctx, "sse open failed", "session_id", sessionID, "err", err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer reader.Close(context.WithoutCancel(ctx))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.metrics.IncCounter("agentexec.sse.streams", 1)
	reason := h.pump(ctx, w, flusher, reader)
	h.logger.Debug(ctx, "sse stream ended", "session_id", sessionID, "reason", reason)
}

// pump copies events to w and returns why it stopped.
func (h *Handler) pump(ctx context.Context, w io.Writer, flusher http.Flusher, reader Reader) string {
	for {
		nctx, cancel := context.WithTimeout(ctx, h.idle)
		ev, err := reader.Next(nctx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return "eof"
		case ctx.Err() != nil:
			return "client gone"
		case errors.Is(err, context.DeadlineExceeded):
			return "idle"
		default:
			h.logger.Warn(ctx, "sse read failed", "err", err)
			return "error"
		}
		if err := WriteFrame(w, ev); err != nil {
			return "write failed"
		}
		flusher.Flush()
		if ev.Type() == stream.EventDone {
			return "done"
		}
	}
}

// WriteFrame writes ev as one named server-sent event frame.
func WriteFrame(w io.Writer, ev stream.Event) error {
	data, err := stream.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data)
	return err
}
