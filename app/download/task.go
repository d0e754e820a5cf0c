// Package download schedules and executes media transfers through a
// bounded worker pool fed by a priority queue. Platform rate limits pause
// the affected worker for exactly the signaled duration and requeue the
// interrupted transfer.
package download

import (
	"time"

	"github.com/google/uuid"

	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/telegram"
)

type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Task is one transfer unit tracked from enqueue to terminal state.
type Task struct {
	ID       string
	Item     *database.Item
	Ref      telegram.MessageRef
	Priority int

	State    State
	Progress float64
	Received int64
	Total    int64
	Error    string
	Attempts int

	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// seq breaks priority ties so equal-priority tasks leave in FIFO order.
	seq uint64
	// index is maintained by the heap.
	index int
}

func NewTask(item *database.Item, ref telegram.MessageRef, priority int) *Task {
	return &Task{
		ID:         uuid.New().String(),
		Item:       item,
		Ref:        ref,
		Priority:   priority,
		State:      StatePending,
		EnqueuedAt: time.Now().UTC(),
	}
}

// TaskInfo is the externally visible snapshot of a task.
type TaskInfo struct {
	ID       string    `json:"id"`
	ItemID   string    `json:"item_id"`
	FileName string    `json:"file_name,omitempty"`
	Priority int       `json:"priority"`
	State    State     `json:"state"`
	Progress float64   `json:"progress"`
	Received int64     `json:"received"`
	Total    int64     `json:"total"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	Enqueued time.Time `json:"enqueued_at"`
	Started  time.Time `json:"started_at,omitzero"`
	Finished time.Time `json:"finished_at,omitzero"`
}

func (t *Task) info() TaskInfo {
	return TaskInfo{
		ID:       t.ID,
		ItemID:   t.Item.ID,
		FileName: t.Item.FileName,
		Priority: t.Priority,
		State:    t.State,
		Progress: t.Progress,
		Received: t.Received,
		Total:    t.Total,
		Error:    t.Error,
		Attempts: t.Attempts,
		Enqueued: t.EnqueuedAt,
		Started:  t.StartedAt,
		Finished: t.FinishedAt,
	}
}
