package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/qiyuelian/caijibot/app/cfg"
	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/organizer"
	"github.com/qiyuelian/caijibot/app/telegram"
)

const (
	historyCap  = 1000
	historyKeep = 500

	// Persist progress to the store at most once per this fraction.
	progressStep = 0.05
)

// Manager runs the bounded download pool. Work enters through Add,
// RetryFailed and QueuePending; a fixed set of workers drains the priority
// queue under a shared semaphore and a platform-wide rate limiter.
type Manager struct {
	client    telegram.Client
	items     database.ItemRepository
	channels  database.ChannelRepository
	organizer organizer.Organizer

	queue   *Queue
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	workerCount int
	tempDir     string

	mu         sync.Mutex
	active     map[string]*Task
	history    []TaskInfo
	completed  int64
	failed     int64
	bytes      int64
	floodWaits int64
	startedAt  time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewManager(client telegram.Client, items database.ItemRepository, channels database.ChannelRepository, org organizer.Organizer) *Manager {
	c := cfg.Get()
	concurrency := c.MaxConcurrentDownloads
	if concurrency <= 0 {
		concurrency = 1
	}
	perSecond := c.FetchRatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}

	return &Manager{
		client:      client,
		items:       items,
		channels:    channels,
		organizer:   org,
		queue:       NewQueue(),
		sem:         semaphore.NewWeighted(int64(concurrency)),
		limiter:     rate.NewLimiter(rate.Limit(perSecond), 1),
		workerCount: concurrency,
		tempDir:     c.TempDir,
		active:      make(map[string]*Task),
	}
}

// Start launches the worker pool. It returns immediately; Stop tears the
// pool down.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Lock()
	m.startedAt = time.Now().UTC()
	m.mu.Unlock()

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	slog.Info("Download manager started", "workers", m.workerCount)
}

// Stop closes the queue and waits for in-flight transfers to finish.
func (m *Manager) Stop() {
	m.queue.Close()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("Download manager stopped")
}

// Add enqueues a download for the item. It reports false when the item is
// already queued or being transferred; the queue holds the reservation
// from Pop until the worker hands the task back, so the check and the
// insert are one atomic step.
func (m *Manager) Add(item *database.Item, ref telegram.MessageRef, priority int) bool {
	task := NewTask(item, ref, priority)
	if !m.queue.Push(task) {
		return false
	}
	slog.Debug("Download queued", "item", item.ID, "priority", priority)
	return true
}

// Pause holds the backlog in place; in-flight transfers run to completion.
func (m *Manager) Pause() {
	m.queue.Pause()
	slog.Info("Download queue paused")
}

func (m *Manager) Resume() {
	m.queue.Resume()
	slog.Info("Download queue resumed")
}

// QueuePending loads stored pending items into the queue and reports how
// many it enqueued.
func (m *Manager) QueuePending(limit int) (int, error) {
	pending, err := m.items.ListPending(limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending items: %w", err)
	}

	queued := 0
	platformIDs := make(map[string]int64)
	for i := range pending {
		item := pending[i]
		ref, err := m.storedRef(&item, platformIDs)
		if err != nil {
			slog.Error("Failed to resolve channel for stored item", "item", item.ID, "error", err)
			continue
		}
		if m.Add(&item, ref, 0) {
			queued++
		}
	}
	return queued, nil
}

// RetryFailed requeues stored failed items at raised priority so operator
// retries jump ahead of routine backfill.
func (m *Manager) RetryFailed(limit int) (int, error) {
	failed, err := m.items.ListFailed(limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed items: %w", err)
	}

	queued := 0
	platformIDs := make(map[string]int64)
	for i := range failed {
		item := failed[i]
		ref, err := m.storedRef(&item, platformIDs)
		if err != nil {
			slog.Error("Failed to resolve channel for stored item", "item", item.ID, "error", err)
			continue
		}
		if err := m.items.UpdateStatus(item.ID, database.StatusPending, ""); err != nil {
			slog.Error("Failed to reset item for retry", "item", item.ID, "error", err)
			continue
		}
		if m.Add(&item, ref, 10) {
			queued++
		}
	}
	slog.Info("Failed downloads requeued", "count", queued)
	return queued, nil
}

// storedRef rebuilds the platform message reference for an item loaded
// from the store, resolving the channel's platform ID through the channel
// record. The cache keeps one lookup per channel across a batch.
func (m *Manager) storedRef(item *database.Item, platformIDs map[string]int64) (telegram.MessageRef, error) {
	platformID, ok := platformIDs[item.ChannelID]
	if !ok {
		channel, err := m.channels.GetChannel(item.ChannelID)
		if err != nil {
			return telegram.MessageRef{}, err
		}
		if channel == nil {
			return telegram.MessageRef{}, fmt.Errorf("channel %s not found", item.ChannelID)
		}
		platformID = channel.PlatformChannelID
		platformIDs[item.ChannelID] = platformID
	}
	return telegram.MessageRef{ChannelID: platformID, MessageID: item.MessageID}, nil
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		task, ok := m.queue.Pop()
		if !ok {
			return
		}

		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.queue.Release(task.Item.ID)
			return
		}
		if err := m.limiter.Wait(ctx); err != nil {
			m.sem.Release(1)
			m.queue.Release(task.Item.ID)
			return
		}

		requeue, wait := m.process(ctx, task)
		m.sem.Release(1)

		// Hand the reservation back only when the transfer is done with
		// the item; a flood-waited task trades it for a queue slot so no
		// duplicate can be added in between. Then honor the signaled wait.
		if requeue {
			m.queue.Requeue(task)
		} else {
			m.queue.Release(task.Item.ID)
		}
		if wait > 0 {
			slog.Warn("Flood wait signaled, worker sleeping", "item", task.Item.ID, "wait", wait)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			timer.Stop()
		}
	}
}

// process runs one transfer. It reports whether the task must be requeued
// and how long this worker has to sleep before taking more work.
func (m *Manager) process(ctx context.Context, task *Task) (requeue bool, wait time.Duration) {
	task.State = StateDownloading
	task.StartedAt = time.Now().UTC()
	task.Attempts++

	m.mu.Lock()
	m.active[task.Item.ID] = task
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, task.Item.ID)
		m.mu.Unlock()
	}()

	if err := m.items.UpdateStatus(task.Item.ID, database.StatusDownloading, ""); err != nil {
		slog.Error("Failed to mark item downloading", "item", task.Item.ID, "error", err)
	}

	tempPath := filepath.Join(m.tempDir, task.ID)
	lastPersisted := 0.0
	progress := func(received, total int64) {
		task.Received = received
		task.Total = total
		if total > 0 {
			task.Progress = float64(received) / float64(total)
			if task.Progress-lastPersisted >= progressStep {
				lastPersisted = task.Progress
				if err := m.items.UpdateProgress(task.Item.ID, task.Progress); err != nil {
					slog.Debug("Progress update failed", "item", task.Item.ID, "error", err)
				}
			}
		}
	}

	written, err := m.client.FetchBytes(ctx, task.Ref, tempPath, progress)
	if err != nil {
		var floodWait *telegram.FloodWaitError
		if errors.As(err, &floodWait) {
			m.prepareFloodWaitRequeue(task)
			return true, floodWait.Wait
		}
		m.fail(task, err)
		return false, 0
	}

	finalPath, err := m.organizer.Organize(task.Item, written)
	if err != nil {
		m.fail(task, fmt.Errorf("failed to organize download: %w", err))
		return false, 0
	}

	if err := m.items.MarkCompleted(task.Item.ID, finalPath); err != nil {
		m.fail(task, fmt.Errorf("failed to record completion: %w", err))
		return false, 0
	}
	task.Item.FilePath = finalPath

	task.State = StateCompleted
	task.Progress = 1.0
	task.FinishedAt = time.Now().UTC()

	m.mu.Lock()
	m.completed++
	m.bytes += task.Received
	m.appendHistory(task.info())
	m.mu.Unlock()

	slog.Info("Download completed", "item", task.Item.ID, "path", finalPath, "bytes", task.Received)
	return false, 0
}

// prepareFloodWaitRequeue resets the interrupted task to pending. The item
// is never marked failed: rate limiting is a platform condition, not an
// error of the transfer.
func (m *Manager) prepareFloodWaitRequeue(task *Task) {
	m.mu.Lock()
	m.floodWaits++
	m.mu.Unlock()

	task.State = StatePending
	task.Progress = 0
	task.Received = 0
	if err := m.items.UpdateStatus(task.Item.ID, database.StatusPending, ""); err != nil {
		slog.Error("Failed to reset flood-waited item", "item", task.Item.ID, "error", err)
	}
}

func (m *Manager) fail(task *Task, err error) {
	task.State = StateFailed
	task.Error = err.Error()
	task.FinishedAt = time.Now().UTC()

	if dbErr := m.items.UpdateStatus(task.Item.ID, database.StatusFailed, task.Error); dbErr != nil {
		slog.Error("Failed to persist download failure", "item", task.Item.ID, "error", dbErr)
	}

	tempPath := filepath.Join(m.tempDir, task.ID)
	if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Debug("Failed to remove temp file", "path", tempPath, "error", rmErr)
	}

	m.mu.Lock()
	m.failed++
	m.appendHistory(task.info())
	m.mu.Unlock()

	slog.Error("Download failed", "item", task.Item.ID, "error", err)
}

// appendHistory keeps a bounded record of finished tasks. Callers hold mu.
func (m *Manager) appendHistory(info TaskInfo) {
	m.history = append(m.history, info)
	if len(m.history) >= historyCap {
		trimmed := make([]TaskInfo, historyKeep)
		copy(trimmed, m.history[len(m.history)-historyKeep:])
		m.history = trimmed
	}
}

// Stats is the operator-facing snapshot of the pool.
type Stats struct {
	Queued         int     `json:"queued"`
	Active         int     `json:"active"`
	Completed      int64   `json:"completed"`
	Failed         int64   `json:"failed"`
	FloodWaits     int64   `json:"flood_waits"`
	Bytes          int64   `json:"bytes_downloaded"`
	BytesPerSecond float64 `json:"bytes_per_second"`
	ItemsPerMinute float64 `json:"items_per_minute"`
	Paused         bool    `json:"paused"`
	Workers        int     `json:"workers"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Queued:     m.queue.Len(),
		Active:     len(m.active),
		Completed:  m.completed,
		Failed:     m.failed,
		FloodWaits: m.floodWaits,
		Bytes:      m.bytes,
		Paused:     m.queue.Paused(),
		Workers:    m.workerCount,
	}

	if !m.startedAt.IsZero() {
		elapsed := time.Since(m.startedAt).Seconds()
		if elapsed > 0 {
			stats.BytesPerSecond = float64(m.bytes) / elapsed
			stats.ItemsPerMinute = float64(m.completed) / elapsed * 60
		}
	}
	return stats
}

// ActiveInfo lists in-flight transfers, highest priority first.
func (m *Manager) ActiveInfo() []TaskInfo {
	m.mu.Lock()
	infos := make([]TaskInfo, 0, len(m.active))
	for _, task := range m.active {
		infos = append(infos, task.info())
	}
	m.mu.Unlock()

	sortTaskInfos(infos)
	return infos
}

// QueuedInfo lists waiting transfers in pop order.
func (m *Manager) QueuedInfo() []TaskInfo {
	return m.queue.Snapshot()
}

// History returns the bounded record of finished tasks, newest last.
func (m *Manager) History() []TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskInfo, len(m.history))
	copy(out, m.history)
	return out
}

func sortTaskInfos(infos []TaskInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority > infos[j].Priority
		}
		return infos[i].Enqueued.Before(infos[j].Enqueued)
	})
}
