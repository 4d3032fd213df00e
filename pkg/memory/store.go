// Package memory defines the session memory store the query router writes
// to, plus its Postgres and no-op implementations.
package memory

import "context"

// Hit is one semantic retrieval result.
type Hit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Kind     string         `json:"kind"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store persists session memories and entity links. The router is a pure
// producer: it calls AddSessionMemory for the query, the triage output, and
// the final merged response, and never reads memory mid-stream.
type Store interface {
	AddSessionMemory(ctx context.Context, sessionID, text, kind string, metadata map[string]any) error
	SemanticRetrieve(ctx context.Context, query string, k int) ([]Hit, error)
	LinkEntities(ctx context.Context, src, dst, rel string) error
}

// NoopStore discards all writes and retrieves nothing. Used when no memory
// backend is configured.
type NoopStore struct{}

// AddSessionMemory implements Store.
func (NoopStore) AddSessionMemory(context.Context, string, string, string, map[string]any) error {
	return nil
}

// SemanticRetrieve implements Store.
func (NoopStore) SemanticRetrieve(context.Context, string, int) ([]Hit, error) {
	return nil, nil
}

// LinkEntities implements Store.
func (NoopStore) LinkEntities(context.Context, string, string, string) error {
	return nil
}
