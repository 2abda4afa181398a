// Package sandbox provides isolated execution of validated transform scripts.
//
// The sandbox package implements the execution engine for running accepted
// scripts against data chunks in isolated child processes. It supports a
// direct python backend and a docker backend for containerized execution.
//
// Each executor handles the full lifecycle of one execution attempt: a
// fresh scoped working directory, a child process with a minimal
// environment, the payload/result boundary, and cleanup on all exit paths.
// Resource ceilings are enforced by the monitor package alongside each
// live child.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg, mon)
//	result, err := executor.Execute(ctx, sandbox.Request{
//	    Script: accepted,
//	    Chunk:  chunk,
//	    Limits: limits,
//	})
package sandbox
