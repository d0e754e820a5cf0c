package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qiyuelian/caijibot/app/channels"
	"github.com/qiyuelian/caijibot/app/database"
)

// SyncChannelTask reconciles one channel config file with the store.
type SyncChannelTask struct {
	Task
	ChannelConfig *channels.Config
	channelRepo   database.ChannelRepository
}

func NewSyncChannelTask(channelName string, channelConfig *channels.Config, channelRepo database.ChannelRepository) *SyncChannelTask {
	return &SyncChannelTask{
		Task:          NewTask(TaskTypeSyncChannel, channelName),
		ChannelConfig: channelConfig,
		channelRepo:   channelRepo,
	}
}

func (t *SyncChannelTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id, err := t.channelRepo.UpsertChannel(t.ChannelConfig.Channel.ID, t.ChannelConfig.Channel.Title)
	if err != nil {
		return fmt.Errorf("failed to sync channel: %w", err)
	}

	slog.Info("Task completed",
		"type", "SyncChannel",
		"channel", t.ChannelName,
		"duration", t.GetDuration(),
		"id", id)
	return nil
}
