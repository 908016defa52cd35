// Package temporal implements engine.Engine on Temporal (https://temporal.io).
//
// Each task execution is a workflow named WorkflowName whose ID is derived
// from the session ID. The workflow schedules a single activity, ActivityName,
// which runs the registered engine.Runner. The activity carries a heartbeat
// timeout (the liveness window) and a retry policy, so a worker that dies
// mid-execution is detected and the attempt is rescheduled on another worker.
// Runners heartbeat through engine.HeartbeaterFrom, which records Temporal
// activity heartbeats.
//
// Starting a workflow whose ID is already running fails with
// engine.ErrExecutionRunning, which keeps at most one live execution per
// session across the cluster.
//
// API processes that only submit tasks can use the engine without calling
// RegisterRunner; workers are created and started only for registered queues.
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{HostPort: "temporal:7233"},
//	    WorkerOptions: temporal.WorkerOptions{TaskQueue: "agentexec"},
//	})
//
// The engine installs the Temporal OpenTelemetry tracing interceptor and
// metrics handler on the client and workers unless disabled.
package temporal
