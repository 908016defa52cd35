package engine

import "context"

type (
	// Heartbeater signals liveness of a running execution attempt.
	Heartbeater interface {
		Heartbeat(ctx context.Context, details string)
	}

	// HeartbeatFunc adapts a function to Heartbeater.
	HeartbeatFunc func(ctx context.Context, details string)

	heartbeaterKey struct{}
	attemptKey     struct{}

	noopHeartbeater struct{}
)

// Heartbeat implements Heartbeater.
func (f HeartbeatFunc) Heartbeat(ctx context.Context, details string) { f(ctx, details) }

func (noopHeartbeater) Heartbeat(context.Context, string) {}

// WithHeartbeater returns a context carrying hb. Engine adapters attach the
// heartbeater of the current attempt before invoking the runner.
func WithHeartbeater(ctx context.Context, hb Heartbeater) context.Context {
	return context.WithValue(ctx, heartbeaterKey{}, hb)
}

// HeartbeaterFrom returns the heartbeater carried by ctx or a noop.
func HeartbeaterFrom(ctx context.Context) Heartbeater {
	if hb, ok := ctx.Value(heartbeaterKey{}).(Heartbeater); ok && hb != nil {
		return hb
	}
	return noopHeartbeater{}
}

// WithAttempt records the 1-based attempt number in ctx.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFrom returns the attempt number carried by ctx, 1 when unset.
func AttemptFrom(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}
