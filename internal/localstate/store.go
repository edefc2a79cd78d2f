// Package localstate keeps client-local viewer state in sqlite: the active
// call id, dismissed incoming banners and rate-limit cooldown deadlines. Every
// row is scoped by viewer id so co-located viewers never see each other's state.
package localstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS active_call (
  viewer_id TEXT PRIMARY KEY,
  call_id TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dismissed_banners (
  viewer_id TEXT NOT NULL,
  call_id TEXT NOT NULL,
  dismissed_at INTEGER NOT NULL,
  PRIMARY KEY (viewer_id, call_id)
);

CREATE TABLE IF NOT EXISTS cooldowns (
  viewer_id TEXT NOT NULL,
  grp TEXT NOT NULL,
  until INTEGER NOT NULL,
  PRIMARY KEY (viewer_id, grp)
);
`

// Store implements per-viewer local state over a sqlite handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New initialises the schema and returns a Store.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("localstate: nil database")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("init local state schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// ActiveCall returns the stored active call id, or "" when none is set.
func (s *Store) ActiveCall(ctx context.Context, viewerID string) (string, error) {
	var callID string
	err := s.db.QueryRowContext(ctx, `SELECT call_id FROM active_call WHERE viewer_id = ?`, viewerID).Scan(&callID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return callID, err
}

// SetActiveCall stores callID as the viewer's active call. An empty id clears it.
func (s *Store) SetActiveCall(ctx context.Context, viewerID, callID string) error {
	if callID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM active_call WHERE viewer_id = ?`, viewerID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_call (viewer_id, call_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(viewer_id) DO UPDATE SET call_id = excluded.call_id, updated_at = excluded.updated_at`,
		viewerID, callID, s.now().UnixMilli())
	return err
}

// DismissedBanners returns the call ids whose banner the viewer dismissed.
func (s *Store) DismissedBanners(ctx context.Context, viewerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT call_id FROM dismissed_banners WHERE viewer_id = ? ORDER BY dismissed_at`, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DismissBanner records a dismissed banner; repeating it is a no-op.
func (s *Store) DismissBanner(ctx context.Context, viewerID, callID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dismissed_banners (viewer_id, call_id, dismissed_at) VALUES (?, ?, ?)`,
		viewerID, callID, s.now().UnixMilli())
	return err
}

// Cooldowns returns the unexpired cooldown deadlines of a viewer keyed by group.
func (s *Store) Cooldowns(ctx context.Context, viewerID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT grp, until FROM cooldowns WHERE viewer_id = ? AND until > ?`,
		viewerID, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			group string
			until int64
		)
		if err := rows.Scan(&group, &until); err != nil {
			return nil, err
		}
		out[group] = time.UnixMilli(until)
	}
	return out, rows.Err()
}

// SetCooldown stores the deadline of a cooldown group. A zero time clears it.
func (s *Store) SetCooldown(ctx context.Context, viewerID, group string, until time.Time) error {
	if until.IsZero() {
		_, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE viewer_id = ? AND grp = ?`, viewerID, group)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (viewer_id, grp, until) VALUES (?, ?, ?)
		ON CONFLICT(viewer_id, grp) DO UPDATE SET until = excluded.until`,
		viewerID, group, until.UnixMilli())
	return err
}

// PruneDismissed drops dismissed banners older than cutoff.
func (s *Store) PruneDismissed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dismissed_banners WHERE dismissed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
