package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var _ EdgeRepository = (*edgeRepository)(nil)

type edgeRepository struct {
	db *DB
}

func NewEdgeRepository(db *DB) EdgeRepository {
	return &edgeRepository{db: db}
}

// InsertEdge records a duplicate relationship. Edges are append-only and
// never mutated after creation.
func (r *edgeRepository) InsertEdge(edge *DuplicateEdge) error {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO duplicate_edges (id, canonical_item_id, duplicate_item_id, score, method, action, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, edge.ID, edge.CanonicalItemID, edge.DuplicateItemID, edge.Score, edge.Method, edge.Action, edge.Reason, edge.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert duplicate edge: %w", err)
	}
	return nil
}

func (r *edgeRepository) CountEdges() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM duplicate_edges`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count duplicate edges: %w", err)
	}
	return count, nil
}
