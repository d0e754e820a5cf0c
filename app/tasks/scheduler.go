package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qiyuelian/caijibot/app/cfg"
	"github.com/qiyuelian/caijibot/app/channels"
	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/dedup"
	"github.com/qiyuelian/caijibot/app/download"
	"github.com/qiyuelian/caijibot/app/telegram"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type Scheduler struct {
	configCache  *channels.ConfigCache
	client       telegram.Client
	channelRepo  database.ChannelRepository
	itemRepo     database.ItemRepository
	orchestrator *dedup.Orchestrator
	downloads    *download.Manager

	interval       time.Duration
	workerCount    int
	queueBatchSize int
	retryBatchSize int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	taskQueue chan TaskInterface
}

func NewScheduler(configCache *channels.ConfigCache, client telegram.Client,
	channelRepo database.ChannelRepository, itemRepo database.ItemRepository,
	orchestrator *dedup.Orchestrator, downloads *download.Manager) TaskSchedulerInterface {
	ctx, cancel := context.WithCancel(context.Background())
	c := cfg.Get()

	return &Scheduler{
		configCache:    configCache,
		client:         client,
		channelRepo:    channelRepo,
		itemRepo:       itemRepo,
		orchestrator:   orchestrator,
		downloads:      downloads,
		interval:       time.Duration(c.SchedulerInterval) * time.Second,
		workerCount:    c.WorkerCount,
		queueBatchSize: c.DedupBatchSize,
		retryBatchSize: c.RetryBatchSize,
		ctx:            ctx,
		cancel:         cancel,
		taskQueue:      make(chan TaskInterface, 300),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueStartupTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	close(s.taskQueue)
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) enqueueStartupTasks() {
	channelConfigs := s.configCache.GetConfigs()
	if len(channelConfigs) == 0 {
		slog.Debug("No channel configurations found")
		return
	}

	slog.Debug("Processing channel configurations", "count", len(channelConfigs))

	for _, channelConfig := range channelConfigs {
		syncTask := NewSyncChannelTask(channelConfig.Name, channelConfig, s.channelRepo)
		if err := s.EnqueueTask(syncTask); err != nil {
			slog.Warn("Failed to enqueue SyncChannelTask", "channel", channelConfig.Name, "error", err)
			continue
		}

		if !channelConfig.Settings.Enabled {
			slog.Debug("Channel disabled, skipping ScanChannelTask", "channel", channelConfig.Name)
			continue
		}

		scanTask := NewScanChannelTask(channelConfig.Name, channelConfig, s.client, s.channelRepo, s.itemRepo, s.orchestrator, s.downloads)
		if err := s.EnqueueTask(scanTask); err != nil {
			slog.Warn("Failed to enqueue ScanChannelTask", "channel", channelConfig.Name, "error", err)
		}
	}

	// Pick up work a previous run left behind.
	if err := s.EnqueueTask(NewQueueDownloadsTask(s.downloads, s.queueBatchSize)); err != nil {
		slog.Warn("Failed to enqueue QueueDownloadsTask", "error", err)
	}
	if err := s.EnqueueTask(NewRetryFailedTask(s.downloads, s.retryBatchSize)); err != nil {
		slog.Warn("Failed to enqueue RetryFailedTask", "error", err)
	}
}

func (s *Scheduler) enqueueTasks() {
	channelConfigs := s.configCache.GetEnabledConfigs()
	if len(channelConfigs) == 0 {
		slog.Debug("No enabled channel configurations found")
	}

	for _, channelConfig := range channelConfigs {
		scanTask := NewScanChannelTask(channelConfig.Name, channelConfig, s.client, s.channelRepo, s.itemRepo, s.orchestrator, s.downloads)
		if err := s.EnqueueTask(scanTask); err != nil {
			slog.Warn("Failed to enqueue ScanChannelTask", "channel", channelConfig.Name, "error", err)
		}
	}

	if err := s.EnqueueTask(NewDedupBatchTask(s.orchestrator, "", 0)); err != nil {
		slog.Warn("Failed to enqueue DedupBatchTask", "error", err)
	}
	if err := s.EnqueueTask(NewQueueDownloadsTask(s.downloads, s.queueBatchSize)); err != nil {
		slog.Warn("Failed to enqueue QueueDownloadsTask", "error", err)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task, ok := <-s.taskQueue:
			if !ok {
				return
			}
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	err := task.Execute(taskCtx)

	if err != nil {
		slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

		if task.CanRetry() {
			task.IncrementRetryCount()
			retryDelay := time.Duration(1<<uint(task.GetRetryCount()-1)) * time.Second
			if retryDelay > 30*time.Second {
				retryDelay = 30 * time.Second
			}

			slog.Warn("Task retry scheduled", "type", string(task.GetType()), "channel", task.GetChannelName(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

			go func() {
				time.Sleep(retryDelay)
				select {
				case <-s.ctx.Done():
					slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
					return
				default:
					if retryErr := s.EnqueueTask(task); retryErr != nil {
						slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
					}
				}
			}()
		} else {
			slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		}
	}
}
