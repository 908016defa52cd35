package relay

import (
	"context"
	"sync/atomic"

	"goa.design/agentexec/runtime/agent/stream"
	"goa.design/agentexec/runtime/agent/telemetry"
)

type (
	// Handler processes one event for a consumer. A returned error is
	// counted and logged; it never stops the consumer.
	Handler func(ctx context.Context, ev stream.Event) error

	// Consumer drains a subscription in its own goroutine.
	Consumer struct {
		name      string
		done      chan struct{}
		delivered atomic.Int64
		failed    atomic.Int64
	}

	// Stats counts handler outcomes.
	Stats struct {
		Delivered int64
		Failed    int64
	}

	// ConsumeOption configures Consume.
	ConsumeOption func(*consumeOptions)

	consumeOptions struct {
		name   string
		logger telemetry.Logger
	}
)

// WithName labels the consumer in logs.
func WithName(name string) ConsumeOption {
	return func(o *consumeOptions) { o.name = name }
}

// WithLogger sets the logger used to report handler errors.
func WithLogger(l telemetry.Logger) ConsumeOption {
	return func(o *consumeOptions) { o.logger = l }
}

// Consume starts a goroutine calling h for each event of sub until the
// subscription ends or ctx is done.
func Consume(ctx context.Context, sub *Subscription, h Handler, opts ...ConsumeOption) *Consumer {
	o := consumeOptions{name: "consumer", logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Consumer{name: o.name, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if err := h(ctx, ev); err != nil {
				c.failed.Add(1)
				o.logger.Warn(ctx, "relay consumer failed to handle event",
					"consumer", c.name, "event_type", string(ev.Type()), "err", err)
				continue
			}
			c.delivered.Add(1)
		}
	}()
	return c
}

// SinkHandler adapts a stream.Sink to a Handler.
func SinkHandler(sink stream.Sink) Handler {
	return sink.Send
}

// Stats returns the current counters.
func (c *Consumer) Stats() Stats {
	return Stats{Delivered: c.delivered.Load(), Failed: c.failed.Load()}
}

// Done is closed when the consumer goroutine exits.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the consumer exits and returns the final counters.
func (c *Consumer) Wait() Stats {
	<-c.done
	return c.Stats()
}
