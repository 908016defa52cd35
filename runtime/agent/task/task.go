// Package task defines the execution request (Task) and its terminal outcome
// (Result).
//
// A Task is immutable once built with New. A Result is a flat record so it can
// cross workflow engine boundaries as a serialized activity output.
package task

import (
	"errors"
	"maps"

	"github.com/google/uuid"
)

type (
	// Task is one execution request within a session.
	Task struct {
		// ID identifies the task. Generated when empty.
		ID string `json:"id"`
		// SessionID names the session lineage. Defaults to ID.
		SessionID string `json:"session_id"`
		// Prompt is the user request driving the reasoning loop.
		Prompt string `json:"prompt"`
		// SubjectID identifies the external target (for example a database).
		SubjectID string `json:"subject_id"`
		// Mode selects the behavioral profile.
		Mode Mode `json:"mode,omitempty"`
		// Context carries optional caller-supplied structured context.
		Context map[string]any `json:"context,omitempty"`
		// Metadata carries optional caller labels.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Params holds the inputs to New.
	Params struct {
		ID        string
		SessionID string
		Prompt    string
		SubjectID string
		Mode      Mode
		Context   map[string]any
		Metadata  map[string]string
	}

	// Result is the terminal outcome of a Task.
	Result struct {
		TaskID          string   `json:"task_id"`
		Status          Status   `json:"status"`
		FinalAnswer     string   `json:"final_answer"`
		QueriesIssued   []string `json:"queries_issued"`
		ExecutionTimeMS int64    `json:"execution_time_ms"`
		Error           *string  `json:"error"`
		StagesCompleted int      `json:"stages_completed"`
		// MissionID is an optional correlation identifier.
		MissionID string `json:"mission_id"`
	}

	// Mode is a behavioral profile name.
	Mode string

	// Status is the terminal status of a Result.
	Status string
)

const (
	ModeDefault     Mode = "default"
	ModeAnalysis    Mode = "analysis"
	ModeExploration Mode = "exploration"
)

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

var (
	// ErrPromptRequired is returned by New when the prompt is empty.
	ErrPromptRequired = errors.New("task prompt is required")
	// ErrSubjectRequired is returned by New when the subject is empty.
	ErrSubjectRequired = errors.New("task subject_id is required")
)

// New builds a Task. A missing ID is generated; a missing session ID defaults
// to the task ID so the task forms a session of one.
func New(p Params) (*Task, error) {
	if p.Prompt == "" {
		return nil, ErrPromptRequired
	}
	if p.SubjectID == "" {
		return nil, ErrSubjectRequired
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	sid := p.SessionID
	if sid == "" {
		sid = id
	}
	mode := p.Mode
	if mode == "" {
		mode = ModeDefault
	}
	return &Task{
		ID:        id,
		SessionID: sid,
		Prompt:    p.Prompt,
		SubjectID: p.SubjectID,
		Mode:      mode,
		Context:   maps.Clone(p.Context),
		Metadata:  maps.Clone(p.Metadata),
	}, nil
}

// Params returns the task fields as construction parameters.
func (t *Task) Params() Params {
	return Params{
		ID:        t.ID,
		SessionID: t.SessionID,
		Prompt:    t.Prompt,
		SubjectID: t.SubjectID,
		Mode:      t.Mode,
		Context:   maps.Clone(t.Context),
		Metadata:  maps.Clone(t.Metadata),
	}
}

// NewResult returns a Result for the given task with an empty query list.
func NewResult(taskID string, status Status) *Result {
	return &Result{
		TaskID:        taskID,
		Status:        status,
		QueriesIssued: []string{},
	}
}

// Fail marks the result failed with the given message.
func (r *Result) Fail(msg string) {
	r.Status = StatusFailed
	r.Error = &msg
}

// ErrorMessage returns the error message or "" when none is set.
func (r *Result) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Terminal reports whether s is a known terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartial:
		return true
	}
	return false
}
