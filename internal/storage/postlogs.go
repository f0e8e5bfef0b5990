package storage

import (
	"context"
	"fmt"
)

// AppendPostLog records one publish attempt. Post logs are never updated
// or deleted.
func (s *Store) AppendPostLog(ctx context.Context, l PostLog) error {
	if l.ID == "" {
		return fmt.Errorf("post log id is required")
	}
	postedAt := s.timestamp()
	if !l.PostedAt.IsZero() {
		postedAt = formatTime(l.PostedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_logs (id, media_id, success, post_id, error_message, posted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.MediaID, boolInt(l.Success), l.PostID, l.ErrorMessage, postedAt,
	)
	return err
}

// ListPostLogs returns publish attempts, newest first. A mediaID of 0
// returns attempts for all media.
func (s *Store) ListPostLogs(ctx context.Context, mediaID int64, limit int) ([]PostLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, media_id, success, post_id, error_message, posted_at FROM post_logs`
	var args []any
	if mediaID != 0 {
		query += ` WHERE media_id = ?`
		args = append(args, mediaID)
	}
	query += ` ORDER BY posted_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PostLog
	for rows.Next() {
		var l PostLog
		var success int
		var postedAt string
		if err := rows.Scan(&l.ID, &l.MediaID, &success, &l.PostID, &l.ErrorMessage, &postedAt); err != nil {
			return nil, err
		}
		l.Success = success != 0
		if l.PostedAt, err = parseTime("posted_at", postedAt); err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	return results, rows.Err()
}
