// Package memory defines the context-block provider consulted before a task
// runs and the capture sink fed after it completes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type (
	// Block is one unit of injected context.
	Block struct {
		// Namespace groups blocks by origin (for example "glossary").
		Namespace string `json:"namespace" bson:"namespace"`
		// Scope controls block lifetime.
		Scope Scope `json:"scope" bson:"scope"`
		// Content is the text injected into the reasoning loop input.
		Content string `json:"content" bson:"content"`
	}

	// Provider fetches and captures memory blocks.
	Provider interface {
		// FetchBlocks returns the subject-scoped blocks of subjectID and,
		// when sessionID is not empty, the session-scoped blocks of that
		// session. Subject blocks come first.
		FetchBlocks(ctx context.Context, subjectID, sessionID string) ([]Block, error)
		// Capture records the transcript of a completed execution.
		Capture(ctx context.Context, subjectID, sessionID, transcript string) error
		// Remember stores a block. Session-scoped blocks require sessionID.
		Remember(ctx context.Context, subjectID, sessionID string, b Block) error
		// DeleteSession removes every session-scoped block of the session.
		DeleteSession(ctx context.Context, sessionID string) error
	}

	// Scope is the lifetime of a block.
	Scope string
)

const (
	// ScopeSession blocks are destroyed with their session.
	ScopeSession Scope = "session"
	// ScopeSubject blocks are shared by every session of the subject.
	ScopeSubject Scope = "subject"
)

// TranscriptNamespace is the namespace of blocks written by Capture.
const TranscriptNamespace = "transcript"

// ErrSessionRequired is returned when a session-scoped block has no session.
var ErrSessionRequired = errors.New("session-scoped memory requires a session id")

// Validate checks a block before it is stored.
func Validate(sessionID string, b Block) error {
	switch b.Scope {
	case ScopeSubject:
	case ScopeSession:
		if sessionID == "" {
			return ErrSessionRequired
		}
	default:
		return fmt.Errorf("unknown memory scope %q", b.Scope)
	}
	if b.Namespace == "" {
		return errors.New("memory namespace is required")
	}
	return nil
}

// Render formats blocks as tagged sections suitable for a model prompt.
func Render(blocks []Block) string {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "<memory namespace=%q scope=%q>\n%s\n</memory>", b.Namespace, b.Scope, b.Content)
	}
	return sb.String()
}
