package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qiyuelian/caijibot/app/download"
)

// QueueDownloadsTask feeds stored pending items back into the download
// pool, picking up work left over from a previous run.
type QueueDownloadsTask struct {
	Task
	downloads *download.Manager
	limit     int
}

func NewQueueDownloadsTask(downloads *download.Manager, limit int) *QueueDownloadsTask {
	return &QueueDownloadsTask{
		Task:      NewTask(TaskTypeQueueDownloads, ""),
		downloads: downloads,
		limit:     limit,
	}
}

func (t *QueueDownloadsTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	queued, err := t.downloads.QueuePending(t.limit)
	if err != nil {
		return fmt.Errorf("queue pending downloads: %w", err)
	}

	slog.Info("Task completed",
		"type", "QueueDownloads",
		"duration", t.GetDuration(),
		"queued", queued)
	return nil
}

// RetryFailedTask requeues stored failed items at raised priority.
type RetryFailedTask struct {
	Task
	downloads *download.Manager
	limit     int
}

func NewRetryFailedTask(downloads *download.Manager, limit int) *RetryFailedTask {
	return &RetryFailedTask{
		Task:      NewTask(TaskTypeRetryFailed, ""),
		downloads: downloads,
		limit:     limit,
	}
}

func (t *RetryFailedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	queued, err := t.downloads.RetryFailed(t.limit)
	if err != nil {
		return fmt.Errorf("retry failed downloads: %w", err)
	}

	slog.Info("Task completed",
		"type", "RetryFailed",
		"duration", t.GetDuration(),
		"requeued", queued)
	return nil
}
