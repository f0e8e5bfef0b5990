package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const mediaSelect = `SELECT m.id, m.platform_media_id, m.code, m.creator_id, c.handle, m.media_kind,
	m.file_path, m.caption, m.like_count, m.comment_count, m.view_count, m.hashtags, m.mentions,
	m.status, m.discovered_at, m.published_at, m.error_message
	FROM media_items m JOIN creators c ON c.id = m.creator_id`

// querier is satisfied by both *sql.DB and *sql.Tx. The store holds a
// single connection, so reads inside a transaction must go through the tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MediaFilter narrows ListMedia. Zero values mean "no filter" and a
// default page size of 50.
type MediaFilter struct {
	Status MediaStatus
	Limit  int
	Offset int
}

// MediaUpdate carries optional column changes applied with a transition.
// Nil fields are left untouched.
type MediaUpdate struct {
	FilePath     *string
	ErrorMessage *string
	PublishedAt  *time.Time
}

func scanMedia(row rowScanner) (MediaItem, error) {
	var m MediaItem
	var filePath, publishedAt, errMsg sql.NullString
	var hashtags, mentions, status, discoveredAt string
	if err := row.Scan(&m.ID, &m.PlatformMediaID, &m.Code, &m.CreatorID, &m.CreatorHandle, &m.Kind,
		&filePath, &m.Caption, &m.LikeCount, &m.CommentCount, &m.ViewCount, &hashtags, &mentions,
		&status, &discoveredAt, &publishedAt, &errMsg); err != nil {
		return MediaItem{}, err
	}
	m.FilePath = filePath.String
	m.ErrorMessage = errMsg.String
	m.Status = MediaStatus(status)

	if err := json.Unmarshal([]byte(hashtags), &m.Hashtags); err != nil {
		return MediaItem{}, fmt.Errorf("decoding hashtags of media %d: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(mentions), &m.Mentions); err != nil {
		return MediaItem{}, fmt.Errorf("decoding mentions of media %d: %w", m.ID, err)
	}

	var err error
	if m.DiscoveredAt, err = parseTime("discovered_at", discoveredAt); err != nil {
		return MediaItem{}, err
	}
	if publishedAt.Valid {
		t, err := parseTime("published_at", publishedAt.String)
		if err != nil {
			return MediaItem{}, err
		}
		m.PublishedAt = &t
	}
	return m, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MediaExists reports whether a media item with the given platform id is stored.
func (s *Store) MediaExists(ctx context.Context, platformMediaID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_items WHERE platform_media_id = ?`, platformMediaID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveDiscoveryBatch stores one scan's admitted candidates in a single
// transaction. Each creator is created if unseen and reused otherwise; each
// media item is inserted unless its platform id already exists. Items that
// lost a race on the platform id are skipped, not reported as errors.
// Returns the media items actually created, with ids assigned.
func (s *Store) SaveDiscoveryBatch(ctx context.Context, batch []DiscoveredMedia) ([]MediaItem, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning discovery transaction: %w", err)
	}
	defer tx.Rollback()

	created := make([]MediaItem, 0, len(batch))
	for _, d := range batch {
		creatorID, creatorHandle, err := s.ensureCreator(ctx, tx, d.Creator)
		if err != nil {
			return nil, err
		}

		m := d.Media
		if m.Status == "" {
			m.Status = StatusPendingApproval
		}
		if m.Status != StatusDiscovered && m.Status != StatusPendingApproval {
			return nil, fmt.Errorf("%w: new media cannot start as %s", ErrIllegalTransition, m.Status)
		}
		if m.DiscoveredAt.IsZero() {
			m.DiscoveredAt = s.now()
		}
		hashtags, err := encodeList(m.Hashtags)
		if err != nil {
			return nil, fmt.Errorf("encoding hashtags: %w", err)
		}
		mentions, err := encodeList(m.Mentions)
		if err != nil {
			return nil, fmt.Errorf("encoding mentions: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO media_items (platform_media_id, code, creator_id, media_kind, file_path, caption,
				like_count, comment_count, view_count, hashtags, mentions, status, discovered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(platform_media_id) DO NOTHING`,
			m.PlatformMediaID, m.Code, creatorID, m.Kind, nullString(m.FilePath), m.Caption,
			m.LikeCount, m.CommentCount, m.ViewCount, hashtags, mentions, string(m.Status),
			formatTime(m.DiscoveredAt),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting media %s: %w", m.PlatformMediaID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
		m.CreatorID = creatorID
		m.CreatorHandle = creatorHandle
		m.DiscoveredAt = m.DiscoveredAt.UTC()
		created = append(created, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing discovery batch: %w", err)
	}
	return created, nil
}

func getMedia(ctx context.Context, q querier, id int64) (MediaItem, error) {
	m, err := scanMedia(q.QueryRowContext(ctx, mediaSelect+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return MediaItem{}, ErrNotFound
	}
	return m, err
}

// GetMedia returns the media item with the given row id.
func (s *Store) GetMedia(ctx context.Context, id int64) (MediaItem, error) {
	return getMedia(ctx, s.db, id)
}

// GetMediaByPlatformID returns the media item with the given platform media id.
func (s *Store) GetMediaByPlatformID(ctx context.Context, platformMediaID string) (MediaItem, error) {
	m, err := scanMedia(s.db.QueryRowContext(ctx, mediaSelect+` WHERE m.platform_media_id = ?`, platformMediaID))
	if errors.Is(err, sql.ErrNoRows) {
		return MediaItem{}, ErrNotFound
	}
	return m, err
}

// ListMedia returns media items, newest first. Published items are ordered
// by publish time, everything else by discovery time.
func (s *Store) ListMedia(ctx context.Context, f MediaFilter) ([]MediaItem, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := mediaSelect
	var args []any
	if f.Status != "" {
		query += ` WHERE m.status = ?`
		args = append(args, string(f.Status))
	}
	if f.Status == StatusPublished {
		query += ` ORDER BY m.published_at DESC, m.id DESC`
	} else {
		query += ` ORDER BY m.discovered_at DESC, m.id DESC`
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MediaItem
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// CountMediaByStatus returns the number of media items in each status.
// Statuses with no items are present with a zero count.
func (s *Store) CountMediaByStatus(ctx context.Context) (map[MediaStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM media_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[MediaStatus]int, len(AllMediaStatuses))
	for _, st := range AllMediaStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[MediaStatus(status)] = n
	}
	return counts, rows.Err()
}

// TransitionMedia moves a media item to status to, applying upd in the same
// transaction. The current status is read inside the transaction and the
// change is refused with ErrIllegalTransition unless it is an edge of the
// lifecycle graph. Returns the updated item.
func (s *Store) TransitionMedia(ctx context.Context, id int64, to MediaStatus, upd MediaUpdate) (MediaItem, error) {
	if !to.Valid() {
		return MediaItem{}, fmt.Errorf("unknown media status %q", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MediaItem{}, fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM media_items WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return MediaItem{}, ErrNotFound
	}
	if err != nil {
		return MediaItem{}, err
	}
	from := MediaStatus(current)
	if !CanTransition(from, to) {
		return MediaItem{}, fmt.Errorf("%w: media %d %s -> %s", ErrIllegalTransition, id, from, to)
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}
	if upd.FilePath != nil {
		sets = append(sets, "file_path = ?")
		args = append(args, nullString(*upd.FilePath))
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullString(*upd.ErrorMessage))
	}
	if upd.PublishedAt != nil {
		sets = append(sets, "published_at = ?")
		args = append(args, formatTime(*upd.PublishedAt))
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, `UPDATE media_items SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return MediaItem{}, fmt.Errorf("updating media %d: %w", id, err)
	}

	m, err := getMedia(ctx, tx, id)
	if err != nil {
		return MediaItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return MediaItem{}, fmt.Errorf("committing transition: %w", err)
	}
	return m, nil
}

// SetMediaError records msg as the item's error message without changing
// its status.
func (s *Store) SetMediaError(ctx context.Context, id int64, msg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE media_items SET error_message = ? WHERE id = ?`, nullString(msg), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SetMediaFilePath records where the media binary was downloaded to.
func (s *Store) SetMediaFilePath(ctx context.Context, id int64, path string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE media_items SET file_path = ? WHERE id = ?`, nullString(path), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
