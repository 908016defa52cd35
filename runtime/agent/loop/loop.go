// Package loop defines the contract between the execution controller and the
// reasoning loop that decides what to do next.
//
// A loop Engine is stateful: given a resume key it restores whatever
// progress it checkpointed under that key and continues from there. The
// controller only observes the Steps the loop yields. Recv returns io.EOF
// after the last step of a successful run; any other error ends the run.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/agentexec/runtime/agent/memory"
	"goa.design/agentexec/runtime/agent/stream"
)

type (
	// Engine runs the reasoning loop for one execution.
	Engine interface {
		// Run starts the loop. resumeKey names the checkpoint the engine
		// restores from and commits to. Errors returned by Run itself are
		// infrastructure failures.
		Run(ctx context.Context, in Input, resumeKey string) (Stream, error)
	}

	// Stream yields the steps of a running loop.
	Stream interface {
		// Recv returns the next step, io.EOF at normal completion, or the
		// error that ended the loop.
		Recv() (Step, error)
		// Close releases the stream. Closing before io.EOF abandons the run
		// without committing further progress.
		Close() error
	}

	// Input is a fresh conversational turn.
	Input struct {
		TaskID    string
		SessionID string
		SubjectID string
		Prompt    string
		Mode      string
		// StepBudget caps the number of reasoning steps.
		StepBudget int
		// Memory holds the blocks injected on this turn.
		Memory []memory.Block
		// Workspace is the directory the loop may write artifacts to.
		Workspace string
		Context   map[string]any
	}

	// Step is one item yielded by the loop. The concrete types are
	// Fragment, ToolStart, ToolEnd, TodoUpdate and Final.
	Step interface {
		isStep()
	}

	// Fragment is raw model text, possibly containing classification
	// markers split at arbitrary points.
	Fragment struct {
		Text string
	}

	// ToolStart reports a tool invocation starting.
	ToolStart struct {
		CallID string
		Name   string
		Input  json.RawMessage
		// Query is set by tools that issue a query against the subject.
		Query string
	}

	// ToolEnd reports a tool invocation finishing.
	ToolEnd struct {
		CallID   string
		Name     string
		Output   json.RawMessage
		Error    string
		Duration time.Duration
	}

	// TodoUpdate replaces the loop's visible plan.
	TodoUpdate struct {
		Items []stream.TodoItem
	}

	// Final carries the loop's explicit final answer.
	Final struct {
		Answer string
	}

	// BudgetError reports step-budget exhaustion.
	BudgetError struct {
		Budget int
	}

	infraError struct {
		err error
	}
)

// ErrStepBudgetExhausted matches any *BudgetError.
var ErrStepBudgetExhausted = errors.New("step budget exhausted")

func (Fragment) isStep()   {}
func (ToolStart) isStep()  {}
func (ToolEnd) isStep()    {}
func (TodoUpdate) isStep() {}
func (Final) isStep()      {}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("step budget of %d steps exhausted", e.Budget)
}

// Is makes errors.Is(err, ErrStepBudgetExhausted) match.
func (e *BudgetError) Is(target error) bool {
	return target == ErrStepBudgetExhausted
}

// Infrastructure marks err as an infrastructure failure (for example an
// unreachable checkpoint store) that the controller must return to its
// caller instead of reporting as a failed result.
func Infrastructure(err error) error {
	if err == nil {
		return nil
	}
	return &infraError{err: err}
}

// IsInfrastructure reports whether err was marked with Infrastructure.
func IsInfrastructure(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

// ToEvent converts a non-fragment step to the stream event published
// verbatim. It returns nil for Fragment and Final steps.
func ToEvent(s Step) stream.Event {
	switch s := s.(type) {
	case ToolStart:
		return stream.ToolStart{CallID: s.CallID, Name: s.Name, Input: s.Input, Query: s.Query}
	case ToolEnd:
		return stream.ToolEnd{CallID: s.CallID, Name: s.Name, Output: s.Output, Error: s.Error, DurationMS: s.Duration.Milliseconds()}
	case TodoUpdate:
		return stream.TodoUpdate{Items: s.Items}
	}
	return nil
}
