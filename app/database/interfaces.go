package database

import (
	"time"
)

type ChannelRepository interface {
	UpsertChannel(platformChannelID int64, title string) (string, error)
	GetChannel(id string) (*Channel, error)
	ListChannels() ([]Channel, error)
	UpdateCursor(id string, lastMessageID int64, checkedAt time.Time) error
}

type ItemRepository interface {
	InsertItem(item *Item) error
	GetItem(id string) (*Item, error)

	UpdateStatus(id string, status ItemStatus, errorMessage string) error
	UpdateProgress(id string, progress float64) error
	MarkCompleted(id string, filePath string) error
	MarkDuplicate(id string, canonicalID string) error
	UpdateFileHash(id string, fileHash string) error
	UpdateContentHash(id string, contentHash string) error

	// Pre-screen lookups, all excluding items already marked duplicate
	FindByNameSize(channelID string, fileName string, fileSize int64) ([]Item, error)
	FindByPlatformFileID(platformFileID string) ([]Item, error)
	FindByOriginMessage(originMessageID int64) (*Item, error)
	SearchText(channelID string, keyword string, limit int) ([]Item, error)
	FindVideosByDuration(channelID string, duration int, tolerance int, limit int) ([]Item, error)

	// Post-fetch lookups
	FindByFileHash(fileHash string) ([]Item, error)
	ListFingerprinted(kind MediaKind) ([]Item, error)
	ListUnprocessed(kind MediaKind, limit int) ([]Item, error)

	ListPending(limit int) ([]Item, error)
	ListFailed(limit int) ([]Item, error)
	ListDuplicates(limit int) ([]Item, error)

	GetStats() (*ItemStats, error)
}

type EdgeRepository interface {
	InsertEdge(edge *DuplicateEdge) error
	CountEdges() (int, error)
}
