package storage

import (
	"context"
	"time"
)

// DayKey returns the action counter key for t (its UTC calendar date).
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ActionCount returns the number of actions recorded for day.
func (s *Store) ActionCount(ctx context.Context, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE((SELECT actions FROM action_counters WHERE day = ?), 0)`, day).Scan(&n)
	return n, err
}

// IncrementActionCount adds one action to day and returns the new total.
func (s *Store) IncrementActionCount(ctx context.Context, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO action_counters (day, actions) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET actions = actions + 1
		RETURNING actions`, day,
	).Scan(&n)
	return n, err
}

// ResetActionCount sets the counter for day back to zero.
func (s *Store) ResetActionCount(ctx context.Context, day string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_counters (day, actions) VALUES (?, 0)
		ON CONFLICT(day) DO UPDATE SET actions = 0`, day)
	return err
}
