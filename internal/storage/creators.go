package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const creatorColumns = `id, account_id, handle, display_name, follower_count, following_count,
	media_count, avg_engagement, is_private, status, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCreator(row rowScanner) (Creator, error) {
	var c Creator
	var accountID sql.NullString
	var isPrivate int
	var status, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &accountID, &c.Handle, &c.DisplayName, &c.FollowerCount, &c.FollowingCount,
		&c.MediaCount, &c.AvgEngagement, &isPrivate, &status, &c.Notes, &createdAt, &updatedAt); err != nil {
		return Creator{}, err
	}
	c.AccountID = accountID.String
	c.IsPrivate = isPrivate != 0
	c.Status = CreatorStatus(status)

	var err error
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Creator{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Creator{}, err
	}
	return c, nil
}

// GetCreator returns the creator with the given row id.
func (s *Store) GetCreator(ctx context.Context, id int64) (Creator, error) {
	c, err := scanCreator(s.db.QueryRowContext(ctx, `SELECT `+creatorColumns+` FROM creators WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Creator{}, ErrNotFound
	}
	return c, err
}

// GetCreatorByHandle returns the creator with the given handle.
func (s *Store) GetCreatorByHandle(ctx context.Context, handle string) (Creator, error) {
	c, err := scanCreator(s.db.QueryRowContext(ctx, `SELECT `+creatorColumns+` FROM creators WHERE handle = ?`, handle))
	if errors.Is(err, sql.ErrNoRows) {
		return Creator{}, ErrNotFound
	}
	return c, err
}

// ListCreators returns creators ordered by follower count, optionally
// filtered by status. An empty status returns all creators.
func (s *Store) ListCreators(ctx context.Context, status CreatorStatus) ([]Creator, error) {
	query := `SELECT ` + creatorColumns + ` FROM creators`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY follower_count DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Creator
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// SetCreatorStatus records a reviewer decision on a creator.
func (s *Store) SetCreatorStatus(ctx context.Context, id int64, status CreatorStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown creator status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE creators SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SetCreatorNotes replaces the free-text reviewer notes on a creator.
func (s *Store) SetCreatorNotes(ctx context.Context, id int64, notes string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE creators SET notes = ?, updated_at = ? WHERE id = ?`,
		notes, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ensureCreator inserts c if neither its handle nor its account id is known
// and returns the id and handle of the stored row. An existing row is reused
// as is, so a renamed account keeps the handle it was first seen under.
func (s *Store) ensureCreator(ctx context.Context, tx *sql.Tx, c Creator) (int64, string, error) {
	now := s.timestamp()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO creators (account_id, handle, display_name, follower_count, following_count,
			media_count, avg_engagement, is_private, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT DO NOTHING`,
		nullString(c.AccountID), c.Handle, c.DisplayName, c.FollowerCount, c.FollowingCount,
		c.MediaCount, c.AvgEngagement, boolInt(c.IsPrivate), string(CreatorNew), now, now,
	)
	if err != nil {
		return 0, "", fmt.Errorf("inserting creator %s: %w", c.Handle, err)
	}

	var (
		id     int64
		handle string
	)
	err = tx.QueryRowContext(ctx, `SELECT id, handle FROM creators WHERE handle = ?`, c.Handle).Scan(&id, &handle)
	if errors.Is(err, sql.ErrNoRows) && c.AccountID != "" {
		// Same account seen earlier under a different handle.
		err = tx.QueryRowContext(ctx, `SELECT id, handle FROM creators WHERE account_id = ?`, c.AccountID).Scan(&id, &handle)
	}
	if err != nil {
		return 0, "", fmt.Errorf("resolving creator %s: %w", c.Handle, err)
	}
	return id, handle, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
