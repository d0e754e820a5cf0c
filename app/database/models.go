package database

import (
	"time"
)

type MediaKind string

const (
	MediaVideo    MediaKind = "video"
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

type ItemStatus string

const (
	StatusPending     ItemStatus = "pending"
	StatusDownloading ItemStatus = "downloading"
	StatusCompleted   ItemStatus = "completed"
	StatusFailed      ItemStatus = "failed"
	StatusDuplicate   ItemStatus = "duplicate"
	StatusSkipped     ItemStatus = "skipped"
)

// Similarity methods recorded on duplicate edges.
const (
	MethodExactNameSize   = "exact-name-size"
	MethodFileID          = "file-id"
	MethodForwardedOrigin = "forwarded-origin"
	MethodTextSimilarity  = "text-similarity"
	MethodVideoMetadata   = "video-metadata"
	MethodContentDigest   = "content-digest"
	MethodPerceptualImage = "perceptual-image"
	MethodPerceptualVideo = "perceptual-video"
)

// Actions recorded on duplicate edges.
const (
	ActionSkipDownload  = "skip-download"
	ActionKeepBoth      = "keep-both"
	ActionFlagForReview = "flag-for-review"
)

type Channel struct {
	ID                string // Database UUID
	PlatformChannelID int64  // Messaging-platform channel ID
	Title             string
	Status            string
	TotalItems        int
	ProcessedItems    int
	LastMessageID     int64
	LastCheckedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Item is one inbound unit: a message plus its attached file, if any.
// Derived fields (FileHash, ContentHash, FilePath, Status, Progress) are
// filled in as the item moves through the pipeline.
type Item struct {
	ID        string // Database UUID
	ChannelID string
	MessageID int64 // Messaging-platform message ID
	Text      string
	MediaKind MediaKind
	FileName  string
	FileSize  int64

	// Platform-supplied hints, zero when unknown
	PlatformFileID string
	ForwardedFrom  int64 // Origin message ID for forwards
	Duration       int   // Seconds, video only
	Width          int
	Height         int

	Status       ItemStatus
	Progress     float64
	ErrorMessage string

	FileHash       string // Full-content digest, hex
	ContentHash    string // Perceptual fingerprint or serialized video features
	IsDuplicate    bool
	OriginalItemID string // Canonical item when IsDuplicate
	FilePath       string // Local path after successful download

	MessageDate time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// DuplicateEdge is an append-only directed relationship from a duplicate
// item to its canonical item.
type DuplicateEdge struct {
	ID              string
	CanonicalItemID string
	DuplicateItemID string
	Score           float64
	Method          string
	Action          string
	Reason          string
	CreatedAt       time.Time
}

// ItemStats aggregates store-level counters for reporting.
type ItemStats struct {
	TotalCompleted int
	Duplicates     int
	Hashed         int
	Fingerprinted  int
	Edges          int
	BytesByKind    map[MediaKind]int64
	CountByStatus  map[ItemStatus]int
}
