package controller

import (
	"context"
	"fmt"
	"os"

	"goa.design/agentexec/runtime/agent/relay"
)

// DeleteSession removes a session and everything scoped to it: checkpoint,
// session-scoped memory, workspace directory and result artifacts. It
// refuses to delete a session with a live execution.
func (c *Controller) DeleteSession(ctx context.Context, sessionID string) error {
	if g := c.opts.Registry; g != nil {
		if _, live := g.Lookup(sessionID); live {
			return fmt.Errorf("delete session %q: %w", sessionID, relay.ErrSessionBusy)
		}
	}
	sess, err := c.opts.Sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	if err := c.opts.Checkpoints.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete checkpoint of %q: %w", sessionID, err)
	}
	if c.opts.Memory != nil {
		if err := c.opts.Memory.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("delete memory of %q: %w", sessionID, err)
		}
	}
	if err := os.RemoveAll(WorkspaceDir(c.opts.WorkspaceRoot, sess.SubjectID, sessionID)); err != nil {
		return fmt.Errorf("delete workspace of %q: %w", sessionID, err)
	}
	if err := c.opts.Sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	c.opts.Logger.Info(ctx, "session deleted", "session_id", sessionID, "subject_id", sess.SubjectID)
	return nil
}
