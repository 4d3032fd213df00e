package pool

import "errors"

// Sentinel errors for pool operations.
var (
	// ErrInvalidArgument indicates bad submit parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPoolStopped indicates a submission after Stop.
	ErrPoolStopped = errors.New("pool stopped")

	// ErrQueueFull indicates the configured queue bound has been reached.
	ErrQueueFull = errors.New("queue full")

	// ErrDeadlineExceeded indicates a task whose turn arrived after its deadline.
	// The task is abandoned without executing.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrHandlerPanicked wraps a panic recovered from a task function.
	ErrHandlerPanicked = errors.New("handler panicked")
)
