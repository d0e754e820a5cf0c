package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qiyuelian/caijibot/app/channels"
	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/dedup"
	"github.com/qiyuelian/caijibot/app/download"
	"github.com/qiyuelian/caijibot/app/telegram"
)

const scanBatchLimit = 100

// ScanChannelTask pulls messages newer than the stored cursor, screens
// each media item before any bytes move, and enqueues the survivors for
// download.
type ScanChannelTask struct {
	Task
	ChannelConfig *channels.Config
	client        telegram.Client
	channelRepo   database.ChannelRepository
	itemRepo      database.ItemRepository
	orchestrator  *dedup.Orchestrator
	downloads     *download.Manager
}

func NewScanChannelTask(channelName string, channelConfig *channels.Config, client telegram.Client,
	channelRepo database.ChannelRepository, itemRepo database.ItemRepository,
	orchestrator *dedup.Orchestrator, downloads *download.Manager) *ScanChannelTask {
	return &ScanChannelTask{
		Task:          NewTask(TaskTypeScanChannel, channelName),
		ChannelConfig: channelConfig,
		client:        client,
		channelRepo:   channelRepo,
		itemRepo:      itemRepo,
		orchestrator:  orchestrator,
		downloads:     downloads,
	}
}

func (t *ScanChannelTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	channelID, err := t.channelRepo.UpsertChannel(t.ChannelConfig.Channel.ID, t.ChannelConfig.Channel.Title)
	if err != nil {
		return fmt.Errorf("failed to resolve channel record: %w", err)
	}
	stored, err := t.channelRepo.GetChannel(channelID)
	if err != nil {
		return fmt.Errorf("failed to load channel record: %w", err)
	}

	entity, err := t.client.ResolveEntity(ctx, t.ChannelConfig.Channel.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve channel entity: %w", err)
	}

	messages, err := t.client.IterateMessages(ctx, entity, stored.LastMessageID, scanBatchLimit)
	if err != nil {
		return fmt.Errorf("failed to iterate messages: %w", err)
	}

	newCount := 0
	skippedCount := 0
	duplicateCount := 0
	lastMessageID := stored.LastMessageID

	for _, message := range messages {
		if message.Ref.MessageID > lastMessageID {
			lastMessageID = message.Ref.MessageID
		}
		if !message.HasMedia {
			continue
		}

		item := itemFromMessage(channelID, message)
		decision := t.orchestrator.CheckBeforeDownloadFor(item,
			t.ChannelConfig.Settings.DuplicateThreshold, t.ChannelConfig.Settings.TextThreshold)
		if decision.IsDuplicate {
			duplicateCount++
			continue
		}
		if decision.NeedsReview {
			slog.Info("Item flagged for review before download",
				"channel", t.ChannelName, "message", message.Ref.MessageID, "score", decision.Score)
		}

		item.Status = database.StatusPending
		if err := t.itemRepo.InsertItem(item); err != nil {
			// Unique (channel, message) constraint: a rescan of an already
			// stored message is not an error.
			slog.Debug("Skipping already stored message", "channel", t.ChannelName, "message", message.Ref.MessageID, "error", err)
			skippedCount++
			continue
		}

		if t.downloads.Add(item, message.Ref, t.ChannelConfig.Settings.DownloadPriority) {
			newCount++
		}
	}

	if err := t.channelRepo.UpdateCursor(channelID, lastMessageID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to advance channel cursor: %w", err)
	}

	slog.Info("Task completed",
		"type", "ScanChannel",
		"channel", t.ChannelName,
		"duration", t.GetDuration(),
		"messages", len(messages),
		"new", newCount,
		"duplicates", duplicateCount,
		"skipped", skippedCount)
	return nil
}

func itemFromMessage(channelID string, message telegram.Message) *database.Item {
	return &database.Item{
		ChannelID:      channelID,
		MessageID:      message.Ref.MessageID,
		Text:           message.Text,
		MediaKind:      mediaKind(message.Kind),
		FileName:       message.FileName,
		FileSize:       message.FileSize,
		PlatformFileID: message.FileID,
		ForwardedFrom:  message.ForwardedFrom,
		Duration:       message.Duration,
		Width:          message.Width,
		Height:         message.Height,
		MessageDate:    message.Date,
	}
}

func mediaKind(kind string) database.MediaKind {
	switch kind {
	case "video":
		return database.MediaVideo
	case "image", "photo":
		return database.MediaImage
	case "audio":
		return database.MediaAudio
	default:
		return database.MediaDocument
	}
}
