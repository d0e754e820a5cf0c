// Package telegram declares the messaging-platform client surface this
// application consumes. The concrete transport lives outside the core; the
// core depends only on these interfaces and on FloodWaitError semantics.
package telegram

import (
	"context"
	"fmt"
	"time"
)

// Entity is a resolved channel or chat handle.
type Entity struct {
	ID    int64
	Title string
}

// MessageRef identifies one platform message carrying media.
type MessageRef struct {
	ChannelID int64
	MessageID int64
}

// Message is one platform message with the media attributes the pipeline
// screens on. Zero-valued fields mean the platform did not supply them.
type Message struct {
	Ref  MessageRef
	Date time.Time
	Text string

	HasMedia      bool
	Kind          string // video, image, audio, document
	FileName      string
	FileSize      int64
	FileID        string
	ForwardedFrom int64 // origin message ID when forwarded
	Duration      int   // seconds, video only
	Width         int
	Height        int
}

// ProgressFunc reports transfer progress as bytes received of total.
// Total may be zero when the platform does not announce a size.
type ProgressFunc func(received, total int64)

type Client interface {
	// ResolveEntity resolves a platform channel ID to an entity handle.
	ResolveEntity(ctx context.Context, channelID int64) (*Entity, error)

	// IterateMessages returns up to limit messages newer than minID, in
	// ascending message-ID order.
	IterateMessages(ctx context.Context, entity *Entity, minID int64, limit int) ([]Message, error)

	// FetchBytes downloads the media attached to ref into destPath and
	// returns the written path. A FloodWaitError signals a platform rate
	// limit whose Wait duration must be honored before retrying.
	FetchBytes(ctx context.Context, ref MessageRef, destPath string, progress ProgressFunc) (string, error)
}

// FloodWaitError is the platform-signaled rate limit. The caller must wait
// the signaled duration, not a fixed constant, before retrying.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.Wait)
}
