package temporal

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/agentexec/runtime/agent/engine"
	"goa.design/agentexec/runtime/agent/task"
)

// newWorkflow returns the execution workflow: it runs the task activity once
// under the configured liveness window and retry policy and returns its
// result.
func newWorkflow(opts engine.ActivityOptions) func(workflow.Context, *engine.RunInput) (*task.Result, error) {
	ao := workflow.ActivityOptions{
		TaskQueue:           opts.Queue,
		StartToCloseTimeout: opts.StartToCloseTimeout,
		HeartbeatTimeout:    opts.HeartbeatTimeout,
		RetryPolicy:         convertRetryPolicy(opts.RetryPolicy),
		WaitForCancellation: true,
	}
	return func(ctx workflow.Context, in *engine.RunInput) (*task.Result, error) {
		ctx = workflow.WithActivityOptions(ctx, ao)
		var res task.Result
		if err := workflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
}

// newActivity wraps fn so it heartbeats through the Temporal activity API.
func newActivity(fn engine.Runner) func(context.Context, *engine.RunInput) (*task.Result, error) {
	return func(ctx context.Context, in *engine.RunInput) (*task.Result, error) {
		info := activity.GetInfo(ctx)
		ctx = engine.WithHeartbeater(ctx, heartbeater{})
		ctx = engine.WithAttempt(ctx, int(info.Attempt))
		return fn(ctx, in)
	}
}

type heartbeater struct{}

func (heartbeater) Heartbeat(ctx context.Context, details string) {
	activity.RecordHeartbeat(ctx, details)
}

func convertRetryPolicy(rp engine.RetryPolicy) *temporal.RetryPolicy {
	if rp.MaxAttempts == 0 && rp.InitialInterval == 0 && rp.BackoffCoefficient == 0 {
		return nil
	}
	return &temporal.RetryPolicy{
		MaximumAttempts:    int32(rp.MaxAttempts), //nolint:gosec // bounded by configuration
		InitialInterval:    rp.InitialInterval,
		BackoffCoefficient: rp.BackoffCoefficient,
		MaximumInterval:    rp.MaxInterval,
	}
}
