package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/agentexec/runtime/agent/engine"
	"goa.design/agentexec/runtime/agent/task"
	"goa.design/agentexec/runtime/agent/telemetry"
)

// Options configures the Temporal engine. Either Client or ClientOptions must
// be provided.
type Options struct {
	// Client is an optional pre-configured client. When nil a lazy client is
	// created from ClientOptions with instrumentation installed.
	Client client.Client
	// ClientOptions describe how to construct the client when Client is nil.
	ClientOptions *client.Options
	// WorkerOptions configures the default task queue and worker settings.
	WorkerOptions WorkerOptions
	// Instrumentation toggles OTEL tracing and metrics.
	Instrumentation InstrumentationOptions
	// DisableWorkerAutoStart leaves worker lifecycle to Worker().Start.
	DisableWorkerAutoStart bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// WorkerOptions configures the workers created by the engine.
type WorkerOptions struct {
	// TaskQueue is the default queue. Required.
	TaskQueue string
	// Options are forwarded to worker.New.
	Options worker.Options
}

// InstrumentationOptions configures the OTEL interceptors installed on the
// client and workers. Both tracing and metrics are on by default.
type InstrumentationOptions struct {
	DisableTracing bool
	DisableMetrics bool
	TracerOptions  temporalotel.TracerOptions
	MetricsOptions temporalotel.MetricsHandlerOptions
}

const (
	// WorkflowName is the registered name of the execution workflow.
	WorkflowName = "agentexec.ExecuteTask"
	// ActivityName is the registered name of the task activity.
	ActivityName = "agentexec.RunTask"
)

// Engine implements engine.Engine on Temporal. Safe for concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu             sync.Mutex
	workers        map[string]*workerBundle
	workersStarted bool
	registered     bool
}

var _ engine.Engine = (*Engine)(nil)

// New constructs a Temporal engine.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
	}, nil
}

// RegisterRunner registers the execution workflow on the default queue and
// the task activity on opts.Queue (or the default queue).
func (e *Engine) RegisterRunner(_ context.Context, opts engine.ActivityOptions, fn engine.Runner) error {
	if fn == nil {
		return fmt.Errorf("temporal engine: runner is required")
	}
	e.mu.Lock()
	if e.registered {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: runner already registered")
	}
	e.registered = true
	e.mu.Unlock()

	opts = opts.WithDefaults()
	if opts.Queue == "" {
		opts.Queue = e.defaultQueue
	}
	wb, err := e.workerForQueue(e.defaultQueue)
	if err != nil {
		return err
	}
	wb.registerWorkflow(WorkflowName, newWorkflow(opts))

	ab, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	ab.registerActivity(ActivityName, newActivity(fn))
	return nil
}

// StartExecution starts the execution workflow. The workflow ID conflict
// policy is FAIL so a live execution with the same ID is reported as
// engine.ErrExecutionRunning.
func (e *Engine) StartExecution(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	id := req.ID
	if id == "" {
		if req.Input.Task.SessionID == "" {
			return nil, fmt.Errorf("temporal engine: execution id is required")
		}
		id = engine.ExecutionID(req.Input.Task.SessionID)
	}
	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}
	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                queue,
		WorkflowIDConflictPolicy:                 enumspb.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	in := req.Input
	run, err := e.client.ExecuteWorkflow(ctx, opts, WorkflowName, &in)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("%w: %s", engine.ErrExecutionRunning, id)
		}
		return nil, fmt.Errorf("temporal engine: start %s: %w", id, err)
	}
	e.metrics.IncCounter("agentexec.engine.started", 1, "queue", queue)
	return &workflowHandle{run: run, client: e.client}, nil
}

// QueryStatus describes the latest run of the execution.
func (e *Engine) QueryStatus(ctx context.Context, executionID string) (engine.Status, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, executionID, "")
	if err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return "", engine.ErrExecutionNotFound
		}
		return "", fmt.Errorf("temporal engine: describe %s: %w", executionID, err)
	}
	return mapStatus(resp.GetWorkflowExecutionInfo().GetStatus()), nil
}

// Worker returns a controller for the lifecycle of the engine workers.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close closes the client when the engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func mapStatus(s enumspb.WorkflowExecutionStatus) engine.Status {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.StatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.StatusCanceled
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.StatusFailed
	default:
		return engine.StatusPending
	}
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.workers[queue]; ok {
		return b, nil
	}
	b := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		logger: e.logger,
	}
	e.workers[queue] = b
	if e.workersStarted {
		b.start()
	}
	return b, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

// WorkerController starts and stops the engine workers. Start is only needed
// when DisableWorkerAutoStart is set.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop stops all workers, draining in-flight tasks.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) ID() string { return h.run.GetID() }

func (h *workflowHandle) Wait(ctx context.Context) (*task.Result, error) {
	var res task.Result
	if err := h.run.Get(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
