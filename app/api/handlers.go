package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qiyuelian/caijibot/app/channels"
	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/dedup"
	"github.com/qiyuelian/caijibot/app/download"
	"github.com/qiyuelian/caijibot/app/tasks"
)

type Handler struct {
	configCache  *channels.ConfigCache
	channelRepo  database.ChannelRepository
	itemRepo     database.ItemRepository
	orchestrator *dedup.Orchestrator
	downloads    *download.Manager
	scheduler    tasks.TaskSchedulerInterface
}

func NewHandler(configCache *channels.ConfigCache, channelRepo database.ChannelRepository,
	itemRepo database.ItemRepository, orchestrator *dedup.Orchestrator,
	downloads *download.Manager, scheduler tasks.TaskSchedulerInterface) *Handler {
	return &Handler{
		configCache:  configCache,
		channelRepo:  channelRepo,
		itemRepo:     itemRepo,
		orchestrator: orchestrator,
		downloads:    downloads,
		scheduler:    scheduler,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if channelList, err := h.channelRepo.ListChannels(); err == nil {
		health["channels"] = len(channelList)
	}

	health["loaded_configurations"] = h.configCache.GetConfigCount()

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIListChannels(c *gin.Context) {
	configs := h.configCache.GetConfigs()

	out := make([]map[string]interface{}, 0, len(configs))
	for _, channelConfig := range configs {
		info := map[string]interface{}{
			"name":              channelConfig.Name,
			"channel_id":        channelConfig.Channel.ID,
			"title":             channelConfig.Channel.Title,
			"enabled":           channelConfig.Settings.Enabled,
			"download_priority": channelConfig.Settings.DownloadPriority,
		}
		out = append(out, info)
	}

	c.JSON(http.StatusOK, gin.H{
		"channels": out,
		"count":    len(out),
	})
}

func (h *Handler) APIDedupStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Stats())
}

func (h *Handler) APIDedupReport(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	report, err := h.orchestrator.DuplicateReport(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) APIDedupBatch(c *gin.Context) {
	kind := database.MediaKind(c.Query("kind"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	if err := h.scheduler.EnqueueTask(tasks.NewDedupBatchTask(h.orchestrator, kind, limit)); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Dedup batch enqueued"})
}

func (h *Handler) APIDedupBatchStop(c *gin.Context) {
	h.orchestrator.StopBatch()
	c.JSON(http.StatusOK, gin.H{"message": "Dedup batch stop requested"})
}

// APIDedupCleanup deletes duplicate files from disk. Destructive, so the
// actual deletion requires confirm=true; anything else is a dry run.
func (h *Handler) APIDedupCleanup(c *gin.Context) {
	confirm := c.Query("confirm") == "true"

	result, err := h.orchestrator.CleanupDuplicateFiles(confirm)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) APIDownloadStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.downloads.Stats())
}

func (h *Handler) APIDownloadActive(c *gin.Context) {
	active := h.downloads.ActiveInfo()
	c.JSON(http.StatusOK, gin.H{
		"active": active,
		"count":  len(active),
	})
}

func (h *Handler) APIDownloadQueued(c *gin.Context) {
	queued := h.downloads.QueuedInfo()
	c.JSON(http.StatusOK, gin.H{
		"queued": queued,
		"count":  len(queued),
	})
}

func (h *Handler) APIDownloadHistory(c *gin.Context) {
	history := h.downloads.History()
	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"count":   len(history),
	})
}

func (h *Handler) APIDownloadPause(c *gin.Context) {
	h.downloads.Pause()
	c.JSON(http.StatusOK, gin.H{"message": "Download queue paused"})
}

func (h *Handler) APIDownloadResume(c *gin.Context) {
	h.downloads.Resume()
	c.JSON(http.StatusOK, gin.H{"message": "Download queue resumed"})
}

func (h *Handler) APIDownloadRetry(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	queued, err := h.downloads.RetryFailed(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": queued})
}

func (h *Handler) APIDownloadQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	queued, err := h.downloads.QueuePending(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": queued})
}
