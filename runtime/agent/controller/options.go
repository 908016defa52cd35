package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"goa.design/agentexec/runtime/agent/checkpoint"
	"goa.design/agentexec/runtime/agent/loop"
	"goa.design/agentexec/runtime/agent/memory"
	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/session"
	"goa.design/agentexec/runtime/agent/stream"
	"goa.design/agentexec/runtime/agent/telemetry"
)

type (
	// Options configures a Controller.
	Options struct {
		// Sessions stores session records. Required.
		Sessions session.Store
		// Checkpoints is queried for resume detection. Required.
		Checkpoints checkpoint.Store
		// Loop runs the reasoning loop. Required.
		Loop loop.Engine
		// Memory provides injected context blocks and captures transcripts.
		Memory memory.Provider
		// Subjects validates subject IDs before a session is resolved.
		Subjects SubjectResolver
		// Registry, when set, exposes each execution's relay to pull
		// subscribers for the duration of the execution.
		Registry *relay.Registry
		// Sinks are attached to every execution as extra subscribers.
		Sinks []SinkFactory
		// WorkspaceRoot is the parent of per-session workspace
		// directories. Defaults to $TMPDIR/agentexec.
		WorkspaceRoot string
		// DefaultStepBudget applies to sessions created without a budget.
		DefaultStepBudget int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// SubjectResolver reports whether a subject exists.
	SubjectResolver interface {
		SubjectExists(ctx context.Context, subjectID string) (bool, error)
	}

	// SinkFactory creates the sink receiving the events of one execution.
	SinkFactory func(ctx context.Context, sessionID string) (stream.Sink, error)

	// SubjectFunc adapts a function to SubjectResolver.
	SubjectFunc func(ctx context.Context, subjectID string) (bool, error)
)

// SubjectExists implements SubjectResolver.
func (f SubjectFunc) SubjectExists(ctx context.Context, subjectID string) (bool, error) {
	return f(ctx, subjectID)
}

func (o *Options) validate() error {
	if o.Sessions == nil {
		return errors.New("controller: session store is required")
	}
	if o.Checkpoints == nil {
		return errors.New("controller: checkpoint store is required")
	}
	if o.Loop == nil {
		return errors.New("controller: loop engine is required")
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = filepath.Join(os.TempDir(), "agentexec")
	}
	if o.DefaultStepBudget <= 0 {
		o.DefaultStepBudget = session.DefaultStepBudget
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
