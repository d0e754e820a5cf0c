package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/dedup"
)

// DedupBatchTask confirms completed-but-unprocessed media against the
// digest and perceptual detectors. An empty kind covers all media kinds;
// limit 0 uses the configured batch size.
type DedupBatchTask struct {
	Task
	orchestrator *dedup.Orchestrator
	kind         database.MediaKind
	limit        int
}

func NewDedupBatchTask(orchestrator *dedup.Orchestrator, kind database.MediaKind, limit int) *DedupBatchTask {
	return &DedupBatchTask{
		Task:         NewTask(TaskTypeDedupBatch, ""),
		orchestrator: orchestrator,
		kind:         kind,
		limit:        limit,
	}
}

func (t *DedupBatchTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	result, err := t.orchestrator.Batch(t.kind, t.limit)
	if err != nil {
		return fmt.Errorf("dedup batch: %w", err)
	}

	slog.Info("Task completed",
		"type", "DedupBatch",
		"duration", t.GetDuration(),
		"processed", result.Processed,
		"duplicates", result.DuplicatesFound,
		"errors", len(result.Errors))
	return nil
}

// CanRetry suppresses retries: the next scheduler tick runs the batch
// again anyway, and overlapping batches are refused.
func (t *DedupBatchTask) CanRetry() bool { return false }
