package dedup

import (
	"fmt"
	"log/slog"

	"github.com/qiyuelian/caijibot/app/database"
)

// resolver applies the canonical rule to a detected duplicate pair: the
// earliest-created item of the pair stays canonical, the later one is
// marked duplicate and an append-only edge records the relationship.
type resolver struct {
	items database.ItemRepository
	edges database.EdgeRepository
}

func (r *resolver) resolve(a, b *database.Item, score float64, method, reason string) error {
	canonical, duplicate := a, b
	if b.CreatedAt.Before(a.CreatedAt) {
		canonical, duplicate = b, a
	}

	if err := r.items.MarkDuplicate(duplicate.ID, canonical.ID); err != nil {
		return fmt.Errorf("failed to mark item %s duplicate: %w", duplicate.ID, err)
	}

	edge := &database.DuplicateEdge{
		CanonicalItemID: canonical.ID,
		DuplicateItemID: duplicate.ID,
		Score:           score,
		Method:          method,
		Action:          database.ActionKeepBoth,
		Reason:          reason,
	}
	if err := r.edges.InsertEdge(edge); err != nil {
		return fmt.Errorf("failed to record duplicate edge: %w", err)
	}

	slog.Info("Duplicate resolved", "canonical", canonical.ID, "duplicate", duplicate.ID, "method", method, "score", score)
	return nil
}
