package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var _ ItemRepository = (*itemRepository)(nil)

type itemRepository struct {
	db *DB
}

func NewItemRepository(db *DB) ItemRepository {
	return &itemRepository{db: db}
}

const itemColumns = `id, channel_id, message_id, text, media_kind, file_name, file_size,
	platform_file_id, forwarded_from, duration, width, height,
	status, progress, error_message, file_hash, content_hash,
	is_duplicate, original_item_id, file_path,
	message_date, created_at, updated_at, processed_at`

func (r *itemRepository) InsertItem(item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = StatusPending
	}

	_, err := r.db.Exec(`
		INSERT INTO items (
			id, channel_id, message_id, text, media_kind, file_name, file_size,
			platform_file_id, forwarded_from, duration, width, height,
			status, progress, error_message, file_hash, content_hash,
			is_duplicate, original_item_id, file_path,
			message_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.ChannelID, item.MessageID, item.Text, item.MediaKind, item.FileName, item.FileSize,
		item.PlatformFileID, item.ForwardedFrom, item.Duration, item.Width, item.Height,
		item.Status, item.Progress, item.ErrorMessage, item.FileHash, item.ContentHash,
		item.IsDuplicate, item.OriginalItemID, item.FilePath,
		item.MessageDate, item.CreatedAt, item.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

func (r *itemRepository) GetItem(id string) (*Item, error) {
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItemRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func (r *itemRepository) UpdateStatus(id string, status ItemStatus, errorMessage string) error {
	_, err := r.db.Exec(`
		UPDATE items SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, status, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	return nil
}

func (r *itemRepository) UpdateProgress(id string, progress float64) error {
	_, err := r.db.Exec(`
		UPDATE items SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update item progress: %w", err)
	}
	return nil
}

func (r *itemRepository) MarkCompleted(id string, filePath string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE items
		SET status = ?, file_path = ?, progress = 1.0, error_message = '',
		    updated_at = ?, processed_at = ?
		WHERE id = ?
	`, StatusCompleted, filePath, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}
	return nil
}

func (r *itemRepository) MarkDuplicate(id string, canonicalID string) error {
	_, err := r.db.Exec(`
		UPDATE items
		SET status = ?, is_duplicate = 1, original_item_id = ?, updated_at = ?
		WHERE id = ?
	`, StatusDuplicate, canonicalID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item duplicate: %w", err)
	}
	return nil
}

func (r *itemRepository) UpdateFileHash(id string, fileHash string) error {
	_, err := r.db.Exec(`
		UPDATE items SET file_hash = ?, updated_at = ? WHERE id = ?
	`, fileHash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update file hash: %w", err)
	}
	return nil
}

func (r *itemRepository) UpdateContentHash(id string, contentHash string) error {
	_, err := r.db.Exec(`
		UPDATE items SET content_hash = ?, updated_at = ? WHERE id = ?
	`, contentHash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update content hash: %w", err)
	}
	return nil
}

func (r *itemRepository) FindByNameSize(channelID string, fileName string, fileSize int64) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE channel_id = ? AND file_name = ? AND file_size = ? AND is_duplicate = 0
		ORDER BY created_at ASC
	`, channelID, fileName, fileSize)
}

func (r *itemRepository) FindByPlatformFileID(platformFileID string) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE platform_file_id = ? AND platform_file_id != '' AND is_duplicate = 0
		ORDER BY created_at ASC
	`, platformFileID)
}

func (r *itemRepository) FindByOriginMessage(originMessageID int64) (*Item, error) {
	row := r.db.QueryRow(`
		SELECT `+itemColumns+` FROM items
		WHERE message_id = ? AND is_duplicate = 0
		ORDER BY created_at ASC
		LIMIT 1
	`, originMessageID)
	item, err := scanItemRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find item by origin message: %w", err)
	}
	return item, nil
}

func (r *itemRepository) SearchText(channelID string, keyword string, limit int) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE channel_id = ? AND text LIKE ? ESCAPE '\' AND is_duplicate = 0
		ORDER BY created_at ASC
		LIMIT ?
	`, channelID, "%"+escapeLike(keyword)+"%", limit)
}

// escapeLike neutralizes LIKE wildcards in a literal keyword.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (r *itemRepository) FindVideosByDuration(channelID string, duration int, tolerance int, limit int) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE channel_id = ? AND media_kind = ? AND is_duplicate = 0
		  AND duration BETWEEN ? AND ?
		ORDER BY created_at ASC
		LIMIT ?
	`, channelID, MediaVideo, duration-tolerance, duration+tolerance, limit)
}

func (r *itemRepository) FindByFileHash(fileHash string) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE file_hash = ? AND file_hash != '' AND is_duplicate = 0
		ORDER BY created_at ASC
	`, fileHash)
}

func (r *itemRepository) ListFingerprinted(kind MediaKind) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE media_kind = ? AND content_hash != '' AND is_duplicate = 0
		ORDER BY created_at ASC
	`, kind)
}

// Image and video items are processed once fingerprinted; audio and
// document items have no perceptual pass, so the content digest alone
// marks them processed.
const unprocessedPredicate = `
	CASE WHEN media_kind IN ('image', 'video')
	     THEN content_hash = ''
	     ELSE file_hash = ''
	END`

func (r *itemRepository) ListUnprocessed(kind MediaKind, limit int) ([]Item, error) {
	if kind != "" {
		return r.queryItems(`
			SELECT `+itemColumns+` FROM items
			WHERE status = ? AND file_path != '' AND is_duplicate = 0 AND media_kind = ?
			  AND `+unprocessedPredicate+`
			ORDER BY created_at ASC
			LIMIT ?
		`, StatusCompleted, kind, limit)
	}
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE status = ? AND file_path != '' AND is_duplicate = 0
		  AND `+unprocessedPredicate+`
		ORDER BY created_at ASC
		LIMIT ?
	`, StatusCompleted, limit)
}

func (r *itemRepository) ListPending(limit int) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE status = ? AND is_duplicate = 0
		ORDER BY created_at ASC
		LIMIT ?
	`, StatusPending, limit)
}

func (r *itemRepository) ListFailed(limit int) ([]Item, error) {
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE status = ? AND file_path = ''
		ORDER BY created_at ASC
		LIMIT ?
	`, StatusFailed, limit)
}

func (r *itemRepository) ListDuplicates(limit int) ([]Item, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats a negative LIMIT as unbounded
	}
	return r.queryItems(`
		SELECT `+itemColumns+` FROM items
		WHERE is_duplicate = 1
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
}

func (r *itemRepository) GetStats() (*ItemStats, error) {
	stats := &ItemStats{
		BytesByKind:   make(map[MediaKind]int64),
		CountByStatus: make(map[ItemStatus]int),
	}

	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count items by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status ItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		if status == StatusCompleted {
			stats.TotalCompleted = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	kindRows, err := r.db.Query(`SELECT media_kind, COALESCE(SUM(file_size), 0) FROM items GROUP BY media_kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum bytes by kind: %w", err)
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind MediaKind
		var total int64
		if err := kindRows.Scan(&kind, &total); err != nil {
			return nil, fmt.Errorf("failed to scan kind sum: %w", err)
		}
		stats.BytesByKind[kind] = total
	}
	if err := kindRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating kind sums: %w", err)
	}

	err = r.db.QueryRow(`SELECT COUNT(*) FROM items WHERE is_duplicate = 1`).Scan(&stats.Duplicates)
	if err != nil {
		return nil, fmt.Errorf("failed to count duplicates: %w", err)
	}
	err = r.db.QueryRow(`SELECT COUNT(*) FROM items WHERE file_hash != ''`).Scan(&stats.Hashed)
	if err != nil {
		return nil, fmt.Errorf("failed to count hashed items: %w", err)
	}
	err = r.db.QueryRow(`SELECT COUNT(*) FROM items WHERE content_hash != ''`).Scan(&stats.Fingerprinted)
	if err != nil {
		return nil, fmt.Errorf("failed to count fingerprinted items: %w", err)
	}
	err = r.db.QueryRow(`SELECT COUNT(*) FROM duplicate_edges`).Scan(&stats.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to count duplicate edges: %w", err)
	}

	return stats, nil
}

func (r *itemRepository) queryItems(query string, args ...interface{}) ([]Item, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(s rowScanner) (*Item, error) {
	var item Item
	var processedAt sql.NullTime
	err := s.Scan(
		&item.ID, &item.ChannelID, &item.MessageID, &item.Text, &item.MediaKind,
		&item.FileName, &item.FileSize,
		&item.PlatformFileID, &item.ForwardedFrom, &item.Duration, &item.Width, &item.Height,
		&item.Status, &item.Progress, &item.ErrorMessage, &item.FileHash, &item.ContentHash,
		&item.IsDuplicate, &item.OriginalItemID, &item.FilePath,
		&item.MessageDate, &item.CreatedAt, &item.UpdatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	return &item, nil
}

func scanItemRow(row *sql.Row) (*Item, error) {
	return scanItem(row)
}
