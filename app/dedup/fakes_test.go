package dedup

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qiyuelian/caijibot/app/database"
)

// fakeItemRepo is an in-memory ItemRepository mirroring the lookup
// semantics of the sqlite implementation: duplicates are excluded from
// candidate scans and results come back oldest first.
type fakeItemRepo struct {
	items map[string]*database.Item

	failNameSize bool
}

func newFakeItemRepo() *fakeItemRepo {
	return &fakeItemRepo{items: make(map[string]*database.Item)}
}

func (r *fakeItemRepo) add(item *database.Item) *database.Item {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	r.items[item.ID] = item
	return item
}

func (r *fakeItemRepo) InsertItem(item *database.Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	r.items[item.ID] = item
	return nil
}

func (r *fakeItemRepo) GetItem(id string) (*database.Item, error) {
	item, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (r *fakeItemRepo) UpdateStatus(id string, status database.ItemStatus, errorMessage string) error {
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.Status = status
	item.ErrorMessage = errorMessage
	return nil
}

func (r *fakeItemRepo) UpdateProgress(id string, progress float64) error {
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.Progress = progress
	return nil
}

func (r *fakeItemRepo) MarkCompleted(id string, filePath string) error {
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.Status = database.StatusCompleted
	item.FilePath = filePath
	return nil
}

func (r *fakeItemRepo) MarkDuplicate(id string, canonicalID string) error {
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.Status = database.StatusDuplicate
	item.IsDuplicate = true
	item.OriginalItemID = canonicalID
	return nil
}

func (r *fakeItemRepo) UpdateFileHash(id string, fileHash string) error {
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.FileHash = fileHash
	return nil
}

func (r *fakeItemRepo) UpdateContentHash(id string, contentHash string) error {
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.ContentHash = contentHash
	return nil
}

func (r *fakeItemRepo) scan(keep func(*database.Item) bool) []database.Item {
	var out []database.Item
	for _, item := range r.items {
		if item.IsDuplicate {
			continue
		}
		if keep(item) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *fakeItemRepo) FindByNameSize(channelID string, fileName string, fileSize int64) ([]database.Item, error) {
	if r.failNameSize {
		return nil, fmt.Errorf("simulated store failure")
	}
	return r.scan(func(i *database.Item) bool {
		return i.ChannelID == channelID && i.FileName == fileName && i.FileSize == fileSize
	}), nil
}

func (r *fakeItemRepo) FindByPlatformFileID(platformFileID string) ([]database.Item, error) {
	return r.scan(func(i *database.Item) bool {
		return i.PlatformFileID == platformFileID
	}), nil
}

func (r *fakeItemRepo) FindByOriginMessage(originMessageID int64) (*database.Item, error) {
	matches := r.scan(func(i *database.Item) bool {
		return i.MessageID == originMessageID
	})
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

func (r *fakeItemRepo) SearchText(channelID string, keyword string, limit int) ([]database.Item, error) {
	matches := r.scan(func(i *database.Item) bool {
		return i.ChannelID == channelID && strings.Contains(strings.ToLower(i.Text), strings.ToLower(keyword))
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *fakeItemRepo) FindVideosByDuration(channelID string, duration int, tolerance int, limit int) ([]database.Item, error) {
	matches := r.scan(func(i *database.Item) bool {
		if i.ChannelID != channelID || i.MediaKind != database.MediaVideo {
			return false
		}
		diff := i.Duration - duration
		if diff < 0 {
			diff = -diff
		}
		return diff <= tolerance
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *fakeItemRepo) FindByFileHash(fileHash string) ([]database.Item, error) {
	return r.scan(func(i *database.Item) bool {
		return i.FileHash == fileHash
	}), nil
}

func (r *fakeItemRepo) ListFingerprinted(kind database.MediaKind) ([]database.Item, error) {
	return r.scan(func(i *database.Item) bool {
		return i.MediaKind == kind && i.ContentHash != ""
	}), nil
}

func (r *fakeItemRepo) ListUnprocessed(kind database.MediaKind, limit int) ([]database.Item, error) {
	matches := r.scan(func(i *database.Item) bool {
		if i.MediaKind != kind || i.Status != database.StatusCompleted {
			return false
		}
		if kind == database.MediaImage || kind == database.MediaVideo {
			return i.ContentHash == ""
		}
		return i.FileHash == ""
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *fakeItemRepo) ListPending(limit int) ([]database.Item, error) {
	matches := r.scan(func(i *database.Item) bool {
		return i.Status == database.StatusPending
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *fakeItemRepo) ListFailed(limit int) ([]database.Item, error) {
	matches := r.scan(func(i *database.Item) bool {
		return i.Status == database.StatusFailed
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *fakeItemRepo) ListDuplicates(limit int) ([]database.Item, error) {
	var out []database.Item
	for _, item := range r.items {
		if item.IsDuplicate {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeItemRepo) GetStats() (*database.ItemStats, error) {
	stats := &database.ItemStats{
		BytesByKind:   make(map[database.MediaKind]int64),
		CountByStatus: make(map[database.ItemStatus]int),
	}
	for _, item := range r.items {
		stats.CountByStatus[item.Status]++
		if item.Status == database.StatusCompleted {
			stats.TotalCompleted++
			stats.BytesByKind[item.MediaKind] += item.FileSize
		}
		if item.IsDuplicate {
			stats.Duplicates++
		}
		if item.FileHash != "" {
			stats.Hashed++
		}
		if item.ContentHash != "" {
			stats.Fingerprinted++
		}
	}
	return stats, nil
}

type fakeEdgeRepo struct {
	edges []database.DuplicateEdge
}

func (r *fakeEdgeRepo) InsertEdge(edge *database.DuplicateEdge) error {
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	r.edges = append(r.edges, *edge)
	return nil
}

func (r *fakeEdgeRepo) CountEdges() (int, error) {
	return len(r.edges), nil
}
