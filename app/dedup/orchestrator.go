package dedup

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qiyuelian/caijibot/app/cfg"
	"github.com/qiyuelian/caijibot/app/database"
)

const (
	batchItemPause   = 10 * time.Millisecond
	cleanupErrorCap  = 10
	reportGroupLimit = 50
)

// detector is the shared shape of the post-fetch dedup passes.
type detector interface {
	Process(item *database.Item) (*ProcessResult, error)
}

// Orchestrator sequences the dedup pipeline: the metadata pre-screen before
// a download, and digest plus perceptual confirmation after it.
type Orchestrator struct {
	items  database.ItemRepository
	edges  database.EdgeRepository
	screen *MetadataScreen
	hash   *HashDedup

	// perceptual detector per media kind; kinds without an entry only get
	// the digest pass
	perceptual map[database.MediaKind]detector

	enableHash    bool
	enableFeature bool
	batchSize     int

	batchRunning atomic.Bool
	batchStop    atomic.Bool

	startedAt time.Time

	mu                 sync.Mutex
	checksPerformed    int64
	duplicatesDetected int64
	bytesSaved         int64
	errorsSeen         int64
}

func NewOrchestrator(items database.ItemRepository, edges database.EdgeRepository, source FrameSource) *Orchestrator {
	c := cfg.Get()
	return &Orchestrator{
		items:  items,
		edges:  edges,
		screen: NewMetadataScreen(items, edges, c.DuplicateThreshold, c.ReviewThreshold, c.TextThreshold),
		hash:   NewHashDedup(items, edges, c.HashAlgorithm),
		perceptual: map[database.MediaKind]detector{
			database.MediaImage: NewImageDedup(items, edges, c.ImageThreshold),
			database.MediaVideo: NewVideoDedup(items, source, c.VideoThreshold),
		},
		enableHash:    c.EnableHashDedup,
		enableFeature: c.EnableFeatureDedup,
		batchSize:     c.DedupBatchSize,
		startedAt:     time.Now(),
	}
}

// CheckBeforeDownload runs the metadata pre-screen. A duplicate verdict
// skips the download entirely; any screen failure falls open to fetching.
func (o *Orchestrator) CheckBeforeDownload(item *database.Item) Decision {
	return o.CheckBeforeDownloadFor(item, 0, 0)
}

// CheckBeforeDownloadFor applies per-channel threshold overrides; zero
// values fall back to the configured defaults.
func (o *Orchestrator) CheckBeforeDownloadFor(item *database.Item, skipThreshold, textThreshold float64) Decision {
	screen := o.screen
	if skipThreshold > 0 || textThreshold > 0 {
		screen = screen.WithThresholds(skipThreshold, textThreshold)
	}
	decision := screen.Screen(item)

	o.mu.Lock()
	o.checksPerformed++
	if decision.IsDuplicate {
		o.duplicatesDetected++
		o.bytesSaved += item.FileSize
	}
	o.mu.Unlock()

	if decision.IsDuplicate {
		if err := screen.MarkPreDownloadDuplicate(item, decision); err != nil {
			o.countError()
			slog.Error("Failed to persist pre-download duplicate", "item", item.ID, "error", err)
		}
	}
	return decision
}

func (o *Orchestrator) countError() {
	o.mu.Lock()
	o.errorsSeen++
	o.mu.Unlock()
}

// ConfirmAfterDownload runs the content-digest pass and then the perceptual
// pass for the item's media kind. The perceptual pass is skipped once the
// digest pass already marked the item duplicate.
func (o *Orchestrator) ConfirmAfterDownload(item *database.Item) (*ConfirmResult, error) {
	result := &ConfirmResult{ItemID: item.ID}

	if o.enableHash {
		hashResult, err := o.hash.Process(item)
		if err != nil {
			o.countError()
			return nil, fmt.Errorf("digest pass: %w", err)
		}
		o.mu.Lock()
		o.checksPerformed++
		o.mu.Unlock()
		if hashResult.DuplicatesFound > 0 {
			result.DuplicatesFound += hashResult.DuplicatesFound
			result.MethodsTriggered = append(result.MethodsTriggered, database.MethodContentDigest)
		}
		if hashResult.DuplicatesResolved > 0 {
			result.MarkedDuplicate = o.wasMarkedDuplicate(item.ID)
		}
	}

	if o.enableFeature && !result.MarkedDuplicate {
		if perceptual, ok := o.perceptual[item.MediaKind]; ok {
			perceptualResult, err := perceptual.Process(item)
			if err != nil {
				o.countError()
				return nil, fmt.Errorf("perceptual pass: %w", err)
			}
			o.mu.Lock()
			o.checksPerformed++
			o.mu.Unlock()
			if perceptualResult.DuplicatesFound > 0 {
				result.DuplicatesFound += perceptualResult.DuplicatesFound
				method := database.MethodPerceptualImage
				if item.MediaKind == database.MediaVideo {
					method = database.MethodPerceptualVideo
				}
				result.MethodsTriggered = append(result.MethodsTriggered, method)
			}
			if perceptualResult.DuplicatesResolved > 0 && !result.MarkedDuplicate {
				result.MarkedDuplicate = o.wasMarkedDuplicate(item.ID)
			}
		}
	}

	if result.DuplicatesFound > 0 {
		o.mu.Lock()
		o.duplicatesDetected += int64(result.DuplicatesFound)
		o.mu.Unlock()
	}
	return result, nil
}

// wasMarkedDuplicate re-reads the item: the resolver may have demoted either
// side of the pair, depending on which was created first.
func (o *Orchestrator) wasMarkedDuplicate(id string) bool {
	fresh, err := o.items.GetItem(id)
	if err != nil || fresh == nil {
		return false
	}
	return fresh.IsDuplicate
}

// Batch confirms completed-but-unprocessed media oldest first. An empty
// kind covers all kinds; limit <= 0 uses the configured batch size. Only
// one batch runs at a time; StopBatch aborts between items.
func (o *Orchestrator) Batch(kind database.MediaKind, limit int) (*BatchResult, error) {
	if !o.batchRunning.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("a dedup batch is already running")
	}
	defer o.batchRunning.Store(false)
	o.batchStop.Store(false)

	if limit <= 0 {
		limit = o.batchSize
	}
	kinds := []database.MediaKind{database.MediaImage, database.MediaVideo, database.MediaAudio, database.MediaDocument}
	if kind != "" {
		kinds = []database.MediaKind{kind}
	}

	result := &BatchResult{}
	for _, kind := range kinds {
		items, err := o.items.ListUnprocessed(kind, limit)
		if err != nil {
			o.countError()
			result.Errors = append(result.Errors, fmt.Sprintf("list %s: %v", kind, err))
			continue
		}
		for i := range items {
			if o.batchStop.Load() {
				slog.Info("Dedup batch stopped", "processed", result.Processed)
				return result, nil
			}
			confirm, err := o.ConfirmAfterDownload(&items[i])
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("item %s: %v", items[i].ID, err))
				continue
			}
			result.Processed++
			result.DuplicatesFound += confirm.DuplicatesFound
			time.Sleep(batchItemPause)
		}
	}
	return result, nil
}

// StopBatch requests the running batch to stop after the current item.
func (o *Orchestrator) StopBatch() {
	o.batchStop.Store(true)
}

// Stats is the combined running and store-level dedup state. Lookup
// failures degrade to zeros with the error recorded.
type Stats struct {
	ChecksPerformed    int64                       `json:"checks_performed"`
	DuplicatesDetected int64                       `json:"duplicates_detected"`
	BytesSaved         int64                       `json:"bytes_saved"`
	ErrorsSeen         int64                       `json:"errors_seen"`
	ChecksPerMinute    float64                     `json:"checks_per_minute"`
	TotalCompleted     int                         `json:"total_completed"`
	TotalDuplicates    int                         `json:"total_duplicates"`
	Hashed             int                         `json:"hashed"`
	Fingerprinted      int                         `json:"fingerprinted"`
	Edges              int                         `json:"edges"`
	CountByStatus      map[database.ItemStatus]int `json:"count_by_status,omitempty"`
	BatchRunning       bool                        `json:"batch_running"`
	Error              string                      `json:"error,omitempty"`
}

func (o *Orchestrator) Stats() *Stats {
	o.mu.Lock()
	stats := &Stats{
		ChecksPerformed:    o.checksPerformed,
		DuplicatesDetected: o.duplicatesDetected,
		BytesSaved:         o.bytesSaved,
		ErrorsSeen:         o.errorsSeen,
	}
	o.mu.Unlock()
	if elapsed := time.Since(o.startedAt).Minutes(); elapsed > 0 {
		stats.ChecksPerMinute = float64(stats.ChecksPerformed) / elapsed
	}
	stats.BatchRunning = o.batchRunning.Load()

	store, err := o.items.GetStats()
	if err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.TotalCompleted = store.TotalCompleted
	stats.TotalDuplicates = store.Duplicates
	stats.Hashed = store.Hashed
	stats.Fingerprinted = store.Fingerprinted
	stats.CountByStatus = store.CountByStatus

	edges, err := o.edges.CountEdges()
	if err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.Edges = edges
	return stats
}

// ReportEntry is one resolved duplicate within a report group.
type ReportEntry struct {
	ID       string             `json:"id"`
	FileName string             `json:"file_name"`
	FileSize int64              `json:"file_size"`
	Kind     database.MediaKind `json:"kind"`
}

// ReportGroup is one canonical item with its resolved duplicates.
type ReportGroup struct {
	CanonicalID      string        `json:"canonical_id"`
	Duplicates       []ReportEntry `json:"duplicates"`
	ReclaimableBytes int64         `json:"reclaimable_bytes"`
}

// Report lists resolved duplicates grouped by canonical item, largest
// reclaimable group first. TotalGroups counts groups before truncation.
type Report struct {
	Groups           []ReportGroup `json:"groups"`
	TotalGroups      int           `json:"total_groups"`
	TotalDuplicates  int           `json:"total_duplicates"`
	ReclaimableBytes int64         `json:"reclaimable_bytes"`
}

func (o *Orchestrator) DuplicateReport(limit int) (*Report, error) {
	if limit <= 0 || limit > reportGroupLimit {
		limit = reportGroupLimit
	}

	duplicates, err := o.items.ListDuplicates(0)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicates: %w", err)
	}

	grouped := make(map[string]*ReportGroup)
	report := &Report{}
	for _, item := range duplicates {
		group, ok := grouped[item.OriginalItemID]
		if !ok {
			group = &ReportGroup{CanonicalID: item.OriginalItemID}
			grouped[item.OriginalItemID] = group
		}
		group.Duplicates = append(group.Duplicates, ReportEntry{
			ID:       item.ID,
			FileName: item.FileName,
			FileSize: item.FileSize,
			Kind:     item.MediaKind,
		})
		if item.FilePath != "" {
			group.ReclaimableBytes += item.FileSize
			report.ReclaimableBytes += item.FileSize
		}
		report.TotalDuplicates++
	}

	report.TotalGroups = len(grouped)
	for _, group := range grouped {
		report.Groups = append(report.Groups, *group)
	}
	sort.Slice(report.Groups, func(i, j int) bool {
		if report.Groups[i].ReclaimableBytes != report.Groups[j].ReclaimableBytes {
			return report.Groups[i].ReclaimableBytes > report.Groups[j].ReclaimableBytes
		}
		return report.Groups[i].CanonicalID < report.Groups[j].CanonicalID
	})
	if len(report.Groups) > limit {
		report.Groups = report.Groups[:limit]
	}
	return report, nil
}

// CleanupResult summarizes a duplicate-file cleanup pass.
type CleanupResult struct {
	DryRun         bool     `json:"dry_run"`
	FilesDeleted   int      `json:"files_deleted"`
	BytesReclaimed int64    `json:"bytes_reclaimed"`
	Errors         []string `json:"errors,omitempty"`
}

// CleanupDuplicateFiles deletes the on-disk files of resolved duplicates.
// Without confirm it only reports what would be deleted. Per-file failures
// are collected rather than aborting the pass.
func (o *Orchestrator) CleanupDuplicateFiles(confirm bool) (*CleanupResult, error) {
	duplicates, err := o.items.ListDuplicates(0)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicates: %w", err)
	}

	result := &CleanupResult{DryRun: !confirm}
	for _, item := range duplicates {
		if item.FilePath == "" {
			continue
		}
		if !confirm {
			result.FilesDeleted++
			result.BytesReclaimed += item.FileSize
			continue
		}
		if err := os.Remove(item.FilePath); err != nil {
			if len(result.Errors) < cleanupErrorCap {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.ID, err))
			}
			continue
		}
		result.FilesDeleted++
		result.BytesReclaimed += item.FileSize
	}

	if confirm {
		slog.Info("Duplicate files cleaned up", "deleted", result.FilesDeleted, "bytes", result.BytesReclaimed, "errors", len(result.Errors))
	}
	return result, nil
}
