package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentexec/features/stream/sse"
	"goa.design/agentexec/runtime/agent/engine"
	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/session"
	"goa.design/agentexec/runtime/agent/task"
	"goa.design/agentexec/runtime/agent/telemetry"
)

const maxSubmitBytes = 1 << 20

type (
	// submitRequest is the body of POST /tasks.
	submitRequest struct {
		Task        json.RawMessage `json:"task"`
		CallbackURL string          `json:"callback_url,omitempty"`
	}

	submitResponse struct {
		TaskID      string `json:"task_id"`
		SessionID   string `json:"session_id"`
		ExecutionID string `json:"execution_id"`
	}

	statusResponse struct {
		ExecutionID string        `json:"execution_id"`
		Status      engine.Status `json:"status"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}

	// sessionDeleter removes a session and everything it owns.
	sessionDeleter interface {
		DeleteSession(ctx context.Context, sessionID string) error
	}

	server struct {
		mux      goahttp.Muxer
		engine   engine.Engine
		sessions sessionDeleter
		events   http.Handler
		logger   telemetry.Logger
	}
)

// mount registers the routes on the server muxer.
func (s *server) mount() {
	mux := s.mux
	mux.Handle(http.MethodPost, "/tasks", s.submit)
	mux.Handle(http.MethodGet, "/sessions/{session_id}/status", s.status)
	mux.Handle(http.MethodDelete, "/sessions/{session_id}", s.deleteSession)
	mux.Handle(http.MethodGet, "/sessions/{session_id}/events", s.events.ServeHTTP)
}

func newServer(mux goahttp.Muxer, eng engine.Engine, sessions sessionDeleter, src sse.Source,
	idle time.Duration, logger telemetry.Logger) (*server, error) {
	s := &server{mux: mux, engine: eng, sessions: sessions, logger: logger}
	events, err := sse.New(sse.Options{
		Source:      src,
		IdleTimeout: idle,
		SessionID:   s.sessionID,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.events = events
	return s, nil
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Task) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("task is required"))
		return
	}
	t, err := task.Decode(req.Task)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateCallbackURL(req.CallbackURL); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h, err := s.engine.StartExecution(r.Context(), engine.StartRequest{
		Input: engine.RunInput{Task: *t, CallbackURL: req.CallbackURL},
	})
	switch {
	case errors.Is(err, engine.ErrExecutionRunning):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.logger.Error(r.Context(), "start execution failed", "task_id", t.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.logger.Info(r.Context(), "execution started", "task_id", t.ID, "session_id", t.SessionID, "execution_id", h.ID())
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: t.ID, SessionID: t.SessionID, ExecutionID: h.ID()})
}

// validateCallbackURL accepts an empty URL or an absolute http(s) URL with a
// host and no credentials. Workers POST every event there, so the submit
// route is the trust boundary for callback targets.
func validateCallbackURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback_url: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("invalid callback_url: scheme must be http or https, got %q", u.Scheme)
	case u.Hostname() == "":
		return errors.New("invalid callback_url: host is required")
	case u.User != nil:
		return errors.New("invalid callback_url: credentials are not allowed")
	}
	return nil
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	id := engine.ExecutionID(s.sessionID(r))
	st, err := s.engine.QueryStatus(r.Context(), id)
	switch {
	case errors.Is(err, engine.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ExecutionID: id, Status: st})
}

func (s *server) deleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.DeleteSession(r.Context(), s.sessionID(r))
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, relay.ErrSessionBusy):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) sessionID(r *http.Request) string {
	return s.mux.Vars(r)["session_id"]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// newHandler builds the HTTP handler of svc.
func newHandler(ctx context.Context, svc *service, dbg bool) (http.Handler, error) {
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	srv, err := newServer(mux, svc.engine, svc, svc.source, svc.cfg.Stream.IdleTimeout, svc.logger)
	if err != nil {
		return nil, err
	}
	srv.mount()
	mux.Handle(http.MethodGet, "/healthz", health.Handler(health.NewChecker(svc.pingers...)))
	mux.Handle(http.MethodGet, "/livez", health.Handler(health.NewChecker()))

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler), nil
}

func serve(ctx context.Context, addr string, h http.Handler, shutdown time.Duration, errc chan<- error) func() {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 60 * time.Second}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	return func() {
		log.Printf(ctx, "shutting down HTTP server at %q", addr)
		sctx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}
}
