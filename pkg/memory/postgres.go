package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore implements Store on a PostgreSQL database. Semantic
// retrieval uses full-text search ranking over the memory text; entity
// links land in a simple edge table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The schema is created by
// the database package's migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// AddSessionMemory inserts one memory row.
func (s *PostgresStore) AddSessionMemory(ctx context.Context, sessionID, text, kind string, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encoding memory metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_memories (id, session_id, text, kind, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), sessionID, text, kind, meta)
	if err != nil {
		return fmt.Errorf("inserting session memory: %w", err)
	}
	return nil
}

// SemanticRetrieve returns the k memories ranking highest against query
// under full-text search.
func (s *PostgresStore) SemanticRetrieve(ctx context.Context, query string, k int) ([]Hit, error) {
	if k < 1 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, kind, metadata,
		        ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) AS score
		 FROM session_memories
		 WHERE to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`,
		query, k)
	if err != nil {
		return nil, fmt.Errorf("retrieving memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var meta []byte
		if err := rows.Scan(&h.ID, &h.Text, &h.Kind, &meta, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &h.Metadata); err != nil {
				return nil, fmt.Errorf("decoding memory metadata: %w", err)
			}
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// LinkEntities upserts a directed edge between two entities.
func (s *PostgresStore) LinkEntities(ctx context.Context, src, dst, rel string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_links (src, dst, rel)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (src, dst, rel) DO NOTHING`,
		src, dst, rel)
	if err != nil {
		return fmt.Errorf("linking entities: %w", err)
	}
	return nil
}
