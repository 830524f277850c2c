package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const sessionCols = `id, config_hash, target_type, target_value, status,
	created_at, start_time, end_time, processed_posts, successful_downloads,
	failed_downloads, metadata`

const postCols = `id, session_id, post_data, status, attempts,
	last_attempt_at, error_message, discovered_at`

const downloadCols = `id, post_id, session_id, url, filename, local_path,
	status, attempts, file_size, checksum, started_at, completed_at,
	error_message`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession returns nil, nil when the row does not exist.
func scanSession(sc scanner) (*Session, error) {
	var s Session
	var endTime sql.NullInt64
	err := sc.Scan(&s.ID, &s.ConfigHash, &s.TargetType, &s.TargetValue,
		&s.Status, &s.CreatedAt, &s.StartTime, &endTime, &s.ProcessedPosts,
		&s.SuccessfulDownloads, &s.FailedDownloads, &s.Metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: scan session: %w", err)
	}
	if endTime.Valid {
		s.EndTime = &endTime.Int64
	}
	return &s, nil
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	return scanSession(rows)
}

func scanPost(sc scanner) (*Post, error) {
	var p Post
	var data string
	var lastAttempt sql.NullInt64
	err := sc.Scan(&p.ID, &p.SessionID, &data, &p.Status, &p.Attempts,
		&lastAttempt, &p.ErrorMessage, &p.DiscoveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: scan post: %w", err)
	}
	p.Data = json.RawMessage(data)
	if lastAttempt.Valid {
		p.LastAttemptAt = &lastAttempt.Int64
	}
	return &p, nil
}

func scanDownload(sc scanner) (*Download, error) {
	var d Download
	var fileSize, completedAt sql.NullInt64
	err := sc.Scan(&d.ID, &d.PostID, &d.SessionID, &d.URL, &d.Filename,
		&d.LocalPath, &d.Status, &d.Attempts, &fileSize, &d.Checksum,
		&d.StartedAt, &completedAt, &d.ErrorMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: scan download: %w", err)
	}
	if fileSize.Valid {
		d.FileSize = &fileSize.Int64
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Int64
	}
	return &d, nil
}
