package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimPendingDownloads atomically claims up to n pending downloads of a
// session for a worker: each claimed row transitions to downloading with its
// attempt count incremented, in one statement, so concurrent workers never
// pick up the same download twice. It returns an empty (non-nil) slice when
// nothing is pending.
func (m *Manager) ClaimPendingDownloads(ctx context.Context, sessionID string, n int) ([]*Download, error) {
	if n <= 0 {
		n = 1
	}
	claimed := []*Download{}
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE downloads
			SET status = 'downloading', attempts = attempts + 1, started_at = ?
			WHERE id IN (
				SELECT id FROM downloads
				WHERE session_id = ? AND status = 'pending'
				ORDER BY started_at ASC
				LIMIT ?
			)
			RETURNING `+downloadCols,
			time.Now().UnixMilli(), sessionID, n)
		if err != nil {
			return fmt.Errorf("state: claim pending downloads: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDownload(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
