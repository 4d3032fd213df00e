package memory

import (
	"context"
	"sync"
)

// Record is one captured AddSessionMemory call.
type Record struct {
	SessionID string
	Text      string
	Kind      string
	Metadata  map[string]any
}

// RecordingStore captures writes in memory for assertions in tests.
type RecordingStore struct {
	mu      sync.Mutex
	records []Record
	links   [][3]string
}

// AddSessionMemory implements Store.
func (s *RecordingStore) AddSessionMemory(_ context.Context, sessionID, text, kind string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{SessionID: sessionID, Text: text, Kind: kind, Metadata: metadata})
	return nil
}

// SemanticRetrieve implements Store.
func (s *RecordingStore) SemanticRetrieve(context.Context, string, int) ([]Hit, error) {
	return nil, nil
}

// LinkEntities implements Store.
func (s *RecordingStore) LinkEntities(_ context.Context, src, dst, rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, [3]string{src, dst, rel})
	return nil
}

// Records returns the captured writes.
func (s *RecordingStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Kinds returns the Kind of each captured write, in order.
func (s *RecordingStore) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.records))
	for i, r := range s.records {
		kinds[i] = r.Kind
	}
	return kinds
}
