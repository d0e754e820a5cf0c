package download

import (
	"testing"
	"time"

	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/telegram"
)

func queueTask(itemID string, priority int) *Task {
	return NewTask(&database.Item{ID: itemID}, telegram.MessageRef{}, priority)
}

func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue()
	q.Push(queueTask("low", 1))
	q.Push(queueTask("high", 5))
	q.Push(queueTask("mid", 3))

	want := []string{"high", "mid", "low"}
	for _, expected := range want {
		task, ok := q.Pop()
		if !ok {
			t.Fatalf("queue closed unexpectedly")
		}
		if task.Item.ID != expected {
			t.Errorf("popped %s, want %s", task.Item.ID, expected)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained: %d left", q.Len())
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	q.Push(queueTask("first", 2))
	q.Push(queueTask("second", 2))
	q.Push(queueTask("third", 2))

	for _, expected := range []string{"first", "second", "third"} {
		task, _ := q.Pop()
		if task.Item.ID != expected {
			t.Errorf("popped %s, want %s", task.Item.ID, expected)
		}
	}
}

func TestQueuePushIdempotentPerItem(t *testing.T) {
	q := NewQueue()
	if !q.Push(queueTask("a", 1)) {
		t.Fatalf("first push must succeed")
	}
	if q.Push(queueTask("a", 5)) {
		t.Errorf("second push for the same item must be refused")
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}

	// A popped item stays reserved until the caller releases it.
	q.Pop()
	if q.Push(queueTask("a", 1)) {
		t.Errorf("push must be refused while the item is dispatched")
	}
	q.Release("a")
	if !q.Push(queueTask("a", 1)) {
		t.Errorf("push after release must succeed")
	}
}

func TestQueueRequeueTradesReservation(t *testing.T) {
	q := NewQueue()
	q.Push(queueTask("a", 1))

	task, ok := q.Pop()
	if !ok {
		t.Fatalf("queue closed unexpectedly")
	}
	if !q.Contains("a") {
		t.Errorf("dispatched item must still count as present")
	}

	if !q.Requeue(task) {
		t.Fatalf("requeue must succeed")
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
	if q.Push(queueTask("a", 9)) {
		t.Errorf("push must be refused while the requeued task waits")
	}

	again, ok := q.Pop()
	if !ok || again.Item.ID != "a" {
		t.Fatalf("requeued task not popped: %+v", again)
	}
	q.Release("a")
	if q.Contains("a") {
		t.Errorf("released item must not count as present")
	}
}

func TestQueuePauseBlocksPop(t *testing.T) {
	q := NewQueue()
	q.Push(queueTask("a", 1))
	q.Pause()

	popped := make(chan string, 1)
	go func() {
		task, ok := q.Pop()
		if ok {
			popped <- task.Item.ID
		}
	}()

	select {
	case id := <-popped:
		t.Fatalf("pop returned %s while paused", id)
	case <-time.After(50 * time.Millisecond):
	}

	if q.Len() != 1 {
		t.Errorf("pause must not drop the backlog")
	}

	q.Resume()
	select {
	case id := <-popped:
		if id != "a" {
			t.Errorf("popped %s, want a", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop did not resume")
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := NewQueue()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Errorf("pop on a closed queue must report false")
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not unblock pop")
	}

	if q.Push(queueTask("a", 1)) {
		t.Errorf("push on a closed queue must be refused")
	}
}

func TestQueueSnapshotPopOrder(t *testing.T) {
	q := NewQueue()
	q.Push(queueTask("low", 1))
	q.Push(queueTask("high", 9))

	snapshot := q.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snapshot))
	}
	if snapshot[0].ItemID != "high" {
		t.Errorf("snapshot must be in pop order, got %s first", snapshot[0].ItemID)
	}
	if q.Len() != 2 {
		t.Errorf("snapshot must not consume tasks")
	}
}
