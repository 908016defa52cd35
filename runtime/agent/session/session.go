// Package session defines the session lineage record shared by every task
// execution of a conversation, its status state machine and the Store
// contract used by the execution controller.
//
// Status transitions:
//
//	(new) --create--> active --execute--> running --success--> completed
//	                                      running --failure--> failed
//	active/running --pause--> paused --resume--> active
//
// completed, failed and paused sessions may run again when a new task is
// submitted to the same lineage.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Session identifies a conversation lineage.
	Session struct {
		// ID is the session identifier.
		ID string `json:"id" bson:"_id"`
		// SubjectID identifies the external target the session operates on.
		SubjectID string `json:"subject_id" bson:"subject_id"`
		// Status is the current lifecycle state.
		Status Status `json:"status" bson:"status"`
		// Mode is the behavioral profile.
		Mode string `json:"mode" bson:"mode"`
		// StepBudget caps the number of reasoning steps per execution.
		StepBudget int `json:"step_budget" bson:"step_budget"`
		// Title is a human readable label.
		Title string `json:"title" bson:"title"`
		// Turns counts executions started in the session.
		Turns     int       `json:"turns" bson:"turns"`
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// Store persists sessions. Implementations must surface storage failures
	// so the controller can report them as infrastructure errors.
	Store interface {
		// CreateSession creates the session or returns the existing one.
		// Only ID, SubjectID, Mode, StepBudget and Title are read from s.
		CreateSession(ctx context.Context, s Session, now time.Time) (Session, error)
		// LoadSession returns ErrSessionNotFound when the session is missing.
		LoadSession(ctx context.Context, id string) (Session, error)
		// UpdateStatus moves the session to status. It returns
		// ErrInvalidTransition when the state machine forbids the move.
		UpdateStatus(ctx context.Context, id string, status Status, now time.Time) (Session, error)
		// IncrementTurns bumps the counter of turns that reached an outcome
		// and returns the session as it was before the increment.
		IncrementTurns(ctx context.Context, id string, now time.Time) (Session, error)
		// DeleteSession removes the session. Deleting a missing session
		// returns ErrSessionNotFound.
		DeleteSession(ctx context.Context, id string) error
		// ListSessions lists the sessions of a subject, newest first.
		ListSessions(ctx context.Context, subjectID string) ([]Session, error)
	}

	// Status is the lifecycle state of a session.
	Status string
)

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultStepBudget applies when a session is created without a budget.
const DefaultStepBudget = 25

var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition indicates a forbidden status change.
	ErrInvalidTransition = errors.New("invalid session status transition")
)

var transitions = map[Status][]Status{
	StatusActive:    {StatusRunning, StatusPaused},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:    {StatusActive, StatusRunning},
	StatusCompleted: {StatusRunning},
	StatusFailed:    {StatusRunning},
}

// CanTransition reports whether a session may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a wrapped ErrInvalidTransition when the move is not
// allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Pause moves an active or running session to paused.
func Pause(ctx context.Context, store Store, id string, now time.Time) (Session, error) {
	return store.UpdateStatus(ctx, id, StatusPaused, now)
}

// Resume moves a paused session back to active.
func Resume(ctx context.Context, store Store, id string, now time.Time) (Session, error) {
	s, err := store.LoadSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status != StatusPaused {
		return Session{}, fmt.Errorf("%w: %s is not paused", ErrInvalidTransition, id)
	}
	return store.UpdateStatus(ctx, id, StatusActive, now)
}

// Normalize fills defaults on a session about to be created.
func Normalize(s Session, now time.Time) Session {
	if s.StepBudget <= 0 {
		s.StepBudget = DefaultStepBudget
	}
	s.Status = StatusActive
	s.Turns = 0
	s.CreatedAt = now.UTC()
	s.UpdatedAt = now.UTC()
	return s
}
