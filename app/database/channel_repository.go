package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var _ ChannelRepository = (*channelRepository)(nil)

type channelRepository struct {
	db *DB
}

func NewChannelRepository(db *DB) ChannelRepository {
	return &channelRepository{db: db}
}

func (r *channelRepository) UpsertChannel(platformChannelID int64, title string) (string, error) {
	var id string
	err := r.db.QueryRow(`SELECT id FROM channels WHERE platform_channel_id = ?`, platformChannelID).Scan(&id)
	if err == sql.ErrNoRows {
		id = uuid.NewString()
		now := time.Now().UTC()
		_, err = r.db.Exec(`
			INSERT INTO channels (id, platform_channel_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, platformChannelID, title, now, now)
		if err != nil {
			return "", fmt.Errorf("failed to insert channel: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check existing channel: %w", err)
	}

	_, err = r.db.Exec(`
		UPDATE channels SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UTC(), id)
	if err != nil {
		return "", fmt.Errorf("failed to update channel: %w", err)
	}
	return id, nil
}

func (r *channelRepository) GetChannel(id string) (*Channel, error) {
	row := r.db.QueryRow(`
		SELECT id, platform_channel_id, title, status, total_items, processed_items,
		       last_message_id, last_checked_at, created_at, updated_at
		FROM channels WHERE id = ?
	`, id)

	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

func (r *channelRepository) ListChannels() ([]Channel, error) {
	rows, err := r.db.Query(`
		SELECT id, platform_channel_id, title, status, total_items, processed_items,
		       last_message_id, last_checked_at, created_at, updated_at
		FROM channels ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel rows: %w", err)
	}
	return channels, nil
}

func (r *channelRepository) UpdateCursor(id string, lastMessageID int64, checkedAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE channels SET last_message_id = ?, last_checked_at = ?, updated_at = ? WHERE id = ?
	`, lastMessageID, checkedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update channel cursor: %w", err)
	}
	return nil
}

func scanChannel(s rowScanner) (*Channel, error) {
	var ch Channel
	var lastChecked sql.NullTime
	err := s.Scan(
		&ch.ID, &ch.PlatformChannelID, &ch.Title, &ch.Status,
		&ch.TotalItems, &ch.ProcessedItems, &ch.LastMessageID,
		&lastChecked, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		ch.LastCheckedAt = &lastChecked.Time
	}
	return &ch, nil
}
