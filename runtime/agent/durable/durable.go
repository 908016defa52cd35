// Package durable exposes one controller invocation as a heartbeating,
// retry-eligible unit of work for a workflow engine.
//
// Run attaches two subscribers to the execution relay: a callback sink that
// POSTs every event to the task callback URL, and a heartbeat subscriber that
// signals liveness to the engine every N events. When the stream ends a
// synthetic done event is POSTed so remote receivers always observe an
// explicit end of stream. Delivery failures are counted, never fatal.
//
// A failed attempt ends with an error event coded infrastructure before the
// engine retries it. A retried attempt replays events from the resumed
// checkpoint, so callback receivers may observe duplicates across attempts.
package durable

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agentexec/runtime/agent/engine"
	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/stream"
	"goa.design/agentexec/runtime/agent/task"
	"goa.design/agentexec/runtime/agent/telemetry"
)

type (
	// Runner executes one task publishing its events into r and closes r
	// when done. *controller.Controller implements it.
	Runner interface {
		Run(ctx context.Context, t *task.Task, r *relay.Relay) (*task.Result, error)
	}

	// Options configures an Adapter.
	Options struct {
		// Controller runs tasks. Required.
		Controller Runner
		// HTTPClient posts callbacks. Defaults to http.DefaultClient.
		HTTPClient *http.Client
		// CallbackTimeout bounds each callback POST. Defaults to 3s.
		CallbackTimeout time.Duration
		// HeartbeatEvery is the heartbeat cadence in events. Defaults to 5.
		HeartbeatEvery int
		// RateLimit caps callback POSTs per second. Zero disables limiting.
		RateLimit rate.Limit
		// RateBurst is the limiter burst. Defaults to 1 when RateLimit is set.
		RateBurst int
		// Headers are added to every callback request.
		Headers http.Header

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Adapter runs tasks on behalf of a workflow engine.
	Adapter struct {
		opts Options
	}
)

const (
	// DefaultCallbackTimeout is the default per-request callback timeout.
	DefaultCallbackTimeout = 3 * time.Second
	// DefaultHeartbeatEvery is the default heartbeat cadence in events.
	DefaultHeartbeatEvery = 5
)

// New returns an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Controller == nil {
		return nil, errors.New("durable: controller is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = DefaultCallbackTimeout
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = DefaultHeartbeatEvery
	}
	if opts.RateLimit > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Adapter{opts: opts}, nil
}

// Runner returns Run as an engine.Runner.
func (a *Adapter) Runner() engine.Runner {
	return a.Run
}

// Run executes in.Task. Infrastructure errors from the controller are
// returned so the engine retries the attempt; content failures come back as
// a failed Result.
func (a *Adapter) Run(ctx context.Context, in *engine.RunInput) (*task.Result, error) {
	if in == nil {
		return nil, errors.New("durable: nil input")
	}
	t := in.Task
	attempt := engine.AttemptFrom(ctx)
	log := a.opts.Logger
	log.Info(ctx, "durable execution started", "task_id", t.ID, "session_id", t.SessionID,
		"attempt", attempt, "callback", in.CallbackURL != "")

	r := relay.New()
	bg := context.WithoutCancel(ctx)

	var cb *Callback
	var consumers []*relay.Consumer
	if in.CallbackURL != "" {
		cb = a.callback(t.SessionID, in.CallbackURL)
		consumers = append(consumers, relay.Consume(bg, r.Subscribe(), relay.SinkHandler(cb),
			relay.WithName("callback"), relay.WithLogger(log)))
	}
	hb := newHeartbeats(engine.HeartbeaterFrom(ctx), a.opts.HeartbeatEvery, cb)
	consumers = append(consumers, relay.Consume(bg, r.Subscribe(), hb.handle,
		relay.WithName("heartbeat"), relay.WithLogger(log)))

	res, err := a.opts.Controller.Run(ctx, &t, r)
	for _, c := range consumers {
		c.Wait()
	}
	if err != nil {
		hb.final(bg)
		log.Error(ctx, "durable execution failed", "task_id", t.ID, "session_id", t.SessionID,
			"attempt", attempt, "err", err)
		a.opts.Metrics.IncCounter("agentexec.durable.attempt_failures", 1)
		return nil, err
	}
	if cb != nil {
		if err := cb.Send(bg, stream.Done{Result: res}); err != nil {
			log.Warn(ctx, "completion callback failed", "task_id", t.ID, "err", err)
		}
		a.opts.Metrics.IncCounter("agentexec.callback.sent", float64(cb.Sent()))
		a.opts.Metrics.IncCounter("agentexec.callback.failed", float64(cb.Failed()))
	}
	hb.final(bg)
	log.Info(ctx, "durable execution finished", "task_id", t.ID, "session_id", t.SessionID,
		"status", string(res.Status), "details", hb.details())
	return res, nil
}

func (a *Adapter) callback(sessionID, url string) *Callback {
	opts := []CallbackOption{
		WithHTTPClient(a.opts.HTTPClient),
		WithTimeout(a.opts.CallbackTimeout),
	}
	if a.opts.RateLimit > 0 {
		opts = append(opts, WithLimiter(rate.NewLimiter(a.opts.RateLimit, a.opts.RateBurst)))
	}
	for name, vals := range a.opts.Headers {
		for _, v := range vals {
			opts = append(opts, WithHeader(name, v))
		}
	}
	return NewCallback(url, sessionID, opts...)
}
