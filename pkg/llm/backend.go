package llm

import "context"

// Backend streams model output for a prompt. Implementations close the
// returned channel on completion or error; an abnormal end is signalled by
// a final KindError token. Cancelling ctx releases the stream, but
// implementations may emit a bounded number of tokens after cancellation.
type Backend interface {
	Stream(ctx context.Context, prompt string, params Params) (<-chan Token, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, prompt string, params Params) (<-chan Token, error)

// Stream implements Backend.
func (f BackendFunc) Stream(ctx context.Context, prompt string, params Params) (<-chan Token, error) {
	return f(ctx, prompt, params)
}
