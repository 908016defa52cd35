// Package controller runs tasks to completion.
//
// For each task the Controller resolves (or creates) the session, prepares the
// session workspace, checks whether a checkpoint exists for the session,
// assembles the loop input with injected memory, drives the reasoning loop,
// classifies its text output and publishes every resulting event through a
// relay. The execution ends with exactly one terminal event: done on success,
// error otherwise, including when an infrastructure failure is returned.
//
// Content-level failures (model or tool errors, step-budget exhaustion,
// cancellation) never escape as Go errors: they become an error event and a
// failed or partial Result. Infrastructure failures (unknown subject,
// unreachable session or checkpoint store) are returned as errors so an
// enclosing retry policy can act on them.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/agentexec/runtime/agent/classify"
	"goa.design/agentexec/runtime/agent/loop"
	"goa.design/agentexec/runtime/agent/memory"
	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/session"
	"goa.design/agentexec/runtime/agent/stream"
	"goa.design/agentexec/runtime/agent/task"
)

type (
	// Controller executes tasks. It is safe for concurrent use across
	// sessions; callers must not run two tasks of the same session at once.
	Controller struct {
		opts Options
	}

	// execution is the state assembled before the loop starts.
	execution struct {
		task      *task.Task
		session   session.Session
		workspace string
		resumed   bool
		firstTurn bool
		input     loop.Input
		started   time.Time
	}

	// outcome accumulates what the loop produced.
	outcome struct {
		answer   strings.Builder
		thinking strings.Builder
		final    string
		hasFinal bool
		queries  []string
		stages   int
	}
)

var (
	// ErrSubjectNotFound is returned when the subject resolver rejects the
	// task subject.
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrSubjectMismatch is returned when a task targets a session owned by
	// another subject.
	ErrSubjectMismatch = errors.New("session belongs to another subject")
)

// New returns a Controller.
func New(opts Options) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	return &Controller{opts: opts}, nil
}

// Execute runs t to completion and returns its Result. Events are discarded.
func (c *Controller) Execute(ctx context.Context, t *task.Task) (*task.Result, error) {
	exec, err := c.StreamExecute(ctx, t)
	if err != nil {
		return nil, err
	}
	exec.Detach()
	return exec.Wait()
}

// StreamExecute prepares t and starts the reasoning loop in the background.
// Preparation failures are returned synchronously. Events are read with
// Execution.Recv.
func (c *Controller) StreamExecute(ctx context.Context, t *task.Task) (*Execution, error) {
	if t == nil {
		return nil, errors.New("controller: nil task")
	}
	r := relay.New()
	sub := r.Subscribe()
	release, err := c.register(t.SessionID, r)
	if err != nil {
		return nil, err
	}
	ex, err := c.prepare(ctx, t)
	if err != nil {
		r.Close()
		release()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := newExecution(t, sub, cancel)
	go func() {
		defer release()
		res, err := c.drive(runCtx, ex, r)
		r.Close()
		cancel()
		e.finish(res, err)
	}()
	return e, nil
}

// Run executes t publishing into r, which the caller may have subscribed to
// beforehand. r is closed when Run returns.
func (c *Controller) Run(ctx context.Context, t *task.Task, r *relay.Relay) (*task.Result, error) {
	defer r.Close()
	if t == nil {
		return nil, errors.New("controller: nil task")
	}
	release, err := c.register(t.SessionID, r)
	if err != nil {
		return nil, err
	}
	defer release()
	ex, err := c.prepare(ctx, t)
	if err != nil {
		return nil, err
	}
	return c.drive(ctx, ex, r)
}

// register exposes r in the registry, if any, and returns the release func.
func (c *Controller) register(sessionID string, r *relay.Relay) (func(), error) {
	g := c.opts.Registry
	if g == nil {
		return func() {}, nil
	}
	if err := g.Attach(sessionID, r); err != nil {
		return nil, fmt.Errorf("register execution relay: %w", err)
	}
	return func() { g.Release(sessionID, r) }, nil
}

// prepare performs everything that must succeed before the loop starts.
func (c *Controller) prepare(ctx context.Context, t *task.Task) (*execution, error) {
	now := c.opts.Now()
	if res := c.opts.Subjects; res != nil {
		ok, err := res.SubjectExists(ctx, t.SubjectID)
		if err != nil {
			return nil, fmt.Errorf("resolve subject %q: %w", t.SubjectID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, t.SubjectID)
		}
	}

	sess, err := c.resolveSession(ctx, t, now)
	if err != nil {
		return nil, err
	}

	dir, err := ensureWorkspace(c.opts.WorkspaceRoot, t.SubjectID, t.SessionID)
	if err != nil {
		return nil, err
	}

	resumed, err := c.opts.Checkpoints.Exists(ctx, t.SessionID)
	if err != nil {
		return nil, fmt.Errorf("check checkpoint for session %q: %w", t.SessionID, err)
	}

	firstTurn := sess.Turns == 0
	blocks := c.fetchMemory(ctx, t, firstTurn)

	if _, err := c.opts.Sessions.UpdateStatus(ctx, t.SessionID, session.StatusRunning, now); err != nil {
		return nil, fmt.Errorf("mark session running: %w", err)
	}

	c.opts.Logger.Info(ctx, "execution starting",
		"task_id", t.ID, "session_id", t.SessionID, "subject_id", t.SubjectID,
		"is_resume", resumed, "first_turn", firstTurn, "memory_blocks", len(blocks))

	return &execution{
		task:      t,
		session:   sess,
		workspace: dir,
		resumed:   resumed,
		firstTurn: firstTurn,
		started:   now,
		input: loop.Input{
			TaskID:     t.ID,
			SessionID:  t.SessionID,
			SubjectID:  t.SubjectID,
			Prompt:     t.Prompt,
			Mode:       string(t.Mode),
			StepBudget: sess.StepBudget,
			Memory:     blocks,
			Workspace:  dir,
			Context:    t.Context,
		},
	}, nil
}

func (c *Controller) resolveSession(ctx context.Context, t *task.Task, now time.Time) (session.Session, error) {
	sess, err := c.opts.Sessions.LoadSession(ctx, t.SessionID)
	switch {
	case err == nil:
		if sess.SubjectID != "" && sess.SubjectID != t.SubjectID {
			return session.Session{}, fmt.Errorf("%w: session %s, subject %s", ErrSubjectMismatch, t.SessionID, sess.SubjectID)
		}
		return sess, nil
	case errors.Is(err, session.ErrSessionNotFound):
		sess, err = c.opts.Sessions.CreateSession(ctx, session.Session{
			ID:         t.SessionID,
			SubjectID:  t.SubjectID,
			Mode:       string(t.Mode),
			StepBudget: c.opts.DefaultStepBudget,
			Title:      title(t.Prompt),
		}, now)
		if err != nil {
			return session.Session{}, fmt.Errorf("create session %q: %w", t.SessionID, err)
		}
		return sess, nil
	default:
		return session.Session{}, fmt.Errorf("load session %q: %w", t.SessionID, err)
	}
}

// fetchMemory returns subject blocks always and session blocks only when the
// session already ran. Provider failures degrade to no memory.
func (c *Controller) fetchMemory(ctx context.Context, t *task.Task, firstTurn bool) []memory.Block {
	if c.opts.Memory == nil {
		return nil
	}
	sessionID := t.SessionID
	if firstTurn {
		sessionID = ""
	}
	blocks, err := c.opts.Memory.FetchBlocks(ctx, t.SubjectID, sessionID)
	if err != nil {
		c.opts.Logger.Warn(ctx, "memory fetch failed, continuing without memory",
			"session_id", t.SessionID, "err", err)
		return nil
	}
	return blocks
}

// drive runs the loop, publishes events into r and finalizes the session.
func (c *Controller) drive(ctx context.Context, ex *execution, r *relay.Relay) (*task.Result, error) {
	t := ex.task
	ctx, span := c.opts.Tracer.Start(ctx, "agentexec.execute", trace.WithAttributes(
		attribute.String("agentexec.task_id", t.ID),
		attribute.String("agentexec.session_id", t.SessionID),
		attribute.Bool("agentexec.resume", ex.resumed),
	))
	defer span.End()

	consumers := c.attachSinks(ctx, t.SessionID, r)
	defer func() {
		r.Close()
		for _, done := range consumers {
			done()
		}
	}()

	publish := func(ev stream.Event) {
		if err := r.Publish(ev); err != nil {
			c.opts.Logger.Debug(ctx, "dropping event on closed relay", "event_type", string(ev.Type()))
		}
	}

	var out outcome
	loopErr := c.runLoop(ctx, ex, &out, publish)
	if loopErr != nil && loop.IsInfrastructure(loopErr) {
		span.RecordError(loopErr)
		span.SetStatus(codes.Error, "infrastructure failure")
		publish(stream.Error{Message: loopErr.Error(), Code: stream.CodeInfrastructure})
		c.setStatus(ctx, t.SessionID, session.StatusFailed)
		return nil, fmt.Errorf("reasoning loop: %w", loopErr)
	}

	res := task.NewResult(t.ID, task.StatusCompleted)
	res.QueriesIssued = append(res.QueriesIssued, out.queries...)
	res.StagesCompleted = out.stages
	res.ExecutionTimeMS = c.opts.Now().Sub(ex.started).Milliseconds()

	var status session.Status
	switch {
	case loopErr == nil:
		res.FinalAnswer = out.finalAnswer()
		publish(stream.Done{Result: res})
		status = session.StatusCompleted
	case errors.Is(loopErr, loop.ErrStepBudgetExhausted):
		res.FinalAnswer = strings.TrimSpace(out.answer.String())
		msg := loopErr.Error()
		res.Error = &msg
		res.Status = task.StatusFailed
		if res.FinalAnswer != "" {
			res.Status = task.StatusPartial
		}
		publish(stream.Error{Message: msg, Code: stream.CodeStepBudget})
		status = session.StatusFailed
	case ctx.Err() != nil:
		res.Fail("execution canceled: " + loopErr.Error())
		publish(stream.Error{Message: res.ErrorMessage(), Code: stream.CodeCanceled})
		status = session.StatusPaused
	default:
		res.Fail(loopErr.Error())
		publish(stream.Error{Message: loopErr.Error(), Code: stream.CodeLoopFailed})
		status = session.StatusFailed
	}

	if loopErr != nil {
		span.RecordError(loopErr)
		span.SetStatus(codes.Error, string(res.Status))
		c.opts.Logger.Warn(ctx, "execution failed", "task_id", t.ID, "session_id", t.SessionID,
			"status", string(res.Status), "err", loopErr)
	} else {
		span.SetStatus(codes.Ok, "completed")
		c.opts.Logger.Info(ctx, "execution completed", "task_id", t.ID, "session_id", t.SessionID,
			"queries", len(res.QueriesIssued), "stages", res.StagesCompleted, "duration_ms", res.ExecutionTimeMS)
	}

	c.recordTurn(ctx, t.SessionID)
	c.setStatus(ctx, t.SessionID, status)
	if res.Status != task.StatusFailed {
		c.writeArtifact(ctx, ex.workspace, res)
	}
	if res.Status == task.StatusCompleted {
		c.capture(ctx, ex, res)
	}
	c.opts.Metrics.IncCounter("agentexec.executions", 1, "status", string(res.Status))
	c.opts.Metrics.RecordTimer("agentexec.execution.duration", time.Duration(res.ExecutionTimeMS)*time.Millisecond,
		"status", string(res.Status))
	return res, nil
}

// runLoop drives the loop stream, classifying fragments and publishing
// events. It returns the error that ended the loop or nil on completion.
func (c *Controller) runLoop(ctx context.Context, ex *execution, out *outcome, publish func(stream.Event)) error {
	s, err := c.opts.Loop.Run(ctx, ex.input, ex.task.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return loop.Infrastructure(err)
	}
	defer func() { _ = s.Close() }()

	cls := classify.New()
	emit := func(tokens []classify.Token) {
		for _, tok := range tokens {
			if tok.Class == classify.ClassAnswer {
				out.answer.WriteString(tok.Content)
				publish(stream.Token{Content: tok.Content})
				continue
			}
			out.thinking.WriteString(tok.Content)
			publish(stream.Thinking{Content: tok.Content})
		}
	}
	defer func() { emit(cls.Flush()) }()

	for {
		step, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch st := step.(type) {
		case loop.Fragment:
			emit(cls.Feed(st.Text))
		case loop.ToolStart:
			if st.Query != "" {
				out.queries = append(out.queries, st.Query)
			}
			publish(loop.ToEvent(st))
		case loop.ToolEnd:
			if st.Error == "" {
				out.stages++
			}
			publish(loop.ToEvent(st))
		case loop.TodoUpdate:
			publish(loop.ToEvent(st))
		case loop.Final:
			out.final = st.Answer
			out.hasFinal = true
		default:
			return fmt.Errorf("unknown loop step %T", step)
		}
	}
}

// attachSinks subscribes the configured sinks to r and returns functions
// that wait for each consumer to drain and close its sink.
func (c *Controller) attachSinks(ctx context.Context, sessionID string, r *relay.Relay) []func() {
	var waits []func()
	for _, f := range c.opts.Sinks {
		sink, err := f(ctx, sessionID)
		if err != nil {
			c.opts.Logger.Warn(ctx, "sink unavailable for execution", "session_id", sessionID, "err", err)
			continue
		}
		cons := relay.Consume(context.WithoutCancel(ctx), r.Subscribe(), relay.SinkHandler(sink),
			relay.WithName("sink"), relay.WithLogger(c.opts.Logger))
		waits = append(waits, func() {
			cons.Wait()
			if err := sink.Close(context.WithoutCancel(ctx)); err != nil {
				c.opts.Logger.Warn(ctx, "closing sink failed", "session_id", sessionID, "err", err)
			}
		})
	}
	return waits
}

// setStatus records the terminal session status. It runs detached from ctx
// so cancellation still leaves the session in a consistent state.
func (c *Controller) setStatus(ctx context.Context, sessionID string, status session.Status) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.opts.Sessions.UpdateStatus(ctx, sessionID, status, c.opts.Now()); err != nil {
		c.opts.Logger.Error(ctx, "updating session status failed",
			"session_id", sessionID, "status", string(status), "err", err)
	}
}

// recordTurn counts a turn once the loop reached an outcome. Attempts that
// fail on infrastructure are not counted so a retry still sees a first turn.
func (c *Controller) recordTurn(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.opts.Sessions.IncrementTurns(ctx, sessionID, c.opts.Now()); err != nil {
		c.opts.Logger.Error(ctx, "recording session turn failed", "session_id", sessionID, "err", err)
	}
}

func (c *Controller) writeArtifact(ctx context.Context, dir string, res *task.Result) {
	b, err := json.MarshalIndent(res, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, escapeElem(res.TaskID)+".json"), b, 0o644)
	}
	if err != nil {
		c.opts.Logger.Warn(ctx, "writing result artifact failed", "task_id", res.TaskID, "err", err)
	}
}

func (c *Controller) capture(ctx context.Context, ex *execution, res *task.Result) {
	if c.opts.Memory == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	transcript := "User: " + ex.task.Prompt + "\nAssistant: " + res.FinalAnswer
	if err := c.opts.Memory.Capture(ctx, ex.task.SubjectID, ex.task.SessionID, transcript); err != nil {
		c.opts.Logger.Warn(ctx, "memory capture failed", "session_id", ex.task.SessionID, "err", err)
	}
}

// finalAnswer prefers the loop's explicit answer, then the answer segments,
// then the reasoning text when the model never marked an answer.
func (o *outcome) finalAnswer() string {
	if o.hasFinal && strings.TrimSpace(o.final) != "" {
		return strings.TrimSpace(o.final)
	}
	if a := strings.TrimSpace(o.answer.String()); a != "" {
		return a
	}
	return strings.TrimSpace(o.thinking.String())
}

func title(prompt string) string {
	const maxRunes = 60
	prompt = strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(prompt) <= maxRunes {
		return prompt
	}
	return string([]rune(prompt)[:maxRunes]) + "…"
}
