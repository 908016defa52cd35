package durable

import (
	"context"
	"fmt"
	"sync/atomic"

	"goa.design/agentexec/runtime/agent/engine"
	"goa.design/agentexec/runtime/agent/stream"
)

// heartbeats signals liveness every n relayed events. Without a callback the
// relayed events themselves count as sent.
type heartbeats struct {
	hb    engine.Heartbeater
	every int64
	cb    *Callback
	seen  atomic.Int64
}

func newHeartbeats(hb engine.Heartbeater, every int, cb *Callback) *heartbeats {
	return &heartbeats{hb: hb, every: int64(every), cb: cb}
}

func (h *heartbeats) handle(ctx context.Context, _ stream.Event) error {
	if h.seen.Add(1)%h.every == 0 {
		h.hb.Heartbeat(ctx, h.details())
	}
	return nil
}

func (h *heartbeats) final(ctx context.Context) {
	h.hb.Heartbeat(ctx, h.details())
}

func (h *heartbeats) details() string {
	sent, failed := h.seen.Load(), int64(0)
	if h.cb != nil {
		sent, failed = h.cb.Sent(), h.cb.Failed()
	}
	return fmt.Sprintf("events_sent=%d, events_failed=%d", sent, failed)
}
