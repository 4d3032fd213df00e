package dispatch

import "errors"

// Sentinel errors for dispatch operations.
var (
	// ErrUnknownTask indicates no handler is registered under the name.
	ErrUnknownTask = errors.New("unknown task")

	// ErrRemoteSubmitFailed indicates a remote node rejected or failed a
	// submission.
	ErrRemoteSubmitFailed = errors.New("remote submit failed")

	// ErrStreamTimeout closes a result stream whose wall-clock timeout
	// elapsed. The underlying task keeps running.
	ErrStreamTimeout = errors.New("stream timeout")

	// ErrNoSuchStream indicates StreamResult was called for a task that has
	// no live stream (unknown ID, unary handler, or already consumed).
	ErrNoSuchStream = errors.New("no such stream")
)
