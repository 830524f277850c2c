package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"mediadl/config"
	"mediadl/dbpool"
)

// Manager owns all reads and writes to the session store. It is safe for
// concurrent use: each call acquires its own connection from the pool and
// never holds it across logical operations.
type Manager struct {
	pool   *dbpool.Pool
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets a custom slog logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager on top of an opened pool. The pool should have
// been constructed with dbpool.WithSchema(state.Schema).
func NewManager(pool *dbpool.Pool, opts ...ManagerOption) *Manager {
	m := &Manager{pool: pool, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// withTx runs fn inside one transaction on one pool-acquired connection.
// Commit on success, rollback on any error, release on both paths.
func (m *Manager) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Release(conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// withConn runs fn on one pool-acquired connection without a transaction.
// Read-only paths use this; the database's isolation covers read/write safety.
func (m *Manager) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Release(conn)
	return fn(conn)
}

// CreateSession starts a new scraping session for the given target. With an
// empty sessionID one is derived from the target and current time. It fails
// with ErrSessionExists when an active session already exists for the same
// config fingerprint and target.
func (m *Manager) CreateSession(ctx context.Context, cfg *config.Config, targetType, targetValue, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = fmt.Sprintf("%s_%s_%s", targetType, targetValue,
			time.Now().Format("20060102_150405"))
	}
	fingerprint := cfg.Fingerprint()

	blob, err := json.Marshal(map[string]any{
		"created_by":     "state.Manager",
		"config_version": cfg.Version,
	})
	if err != nil {
		return "", fmt.Errorf("state: encode session metadata: %w", err)
	}

	err = m.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM sessions
			WHERE config_hash = ? AND target_type = ? AND target_value = ?
			AND status = 'active'`,
			fingerprint, targetType, targetValue).Scan(&existing)
		switch {
		case err == nil:
			return fmt.Errorf("%w: session %s for %s %q",
				ErrSessionExists, existing, targetType, targetValue)
		case err != sql.ErrNoRows:
			return fmt.Errorf("state: check active session: %w", err)
		}

		now := time.Now().UnixMilli()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, config_hash, target_type, target_value,
			status, created_at, start_time, metadata)
			VALUES (?, ?, ?, ?, 'active', ?, ?, ?)`,
			sessionID, fingerprint, targetType, targetValue, now, now, string(blob))
		if err != nil {
			return fmt.Errorf("state: insert session %s: %w", sessionID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	m.logger.Info("session created", "session_id", sessionID,
		"target_type", targetType, "target_value", targetValue)
	return sessionID, nil
}

// Session retrieves a session by ID, or nil if it does not exist.
func (m *Manager) Session(ctx context.Context, sessionID string) (*Session, error) {
	var s *Session
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, sessionID)
		var err error
		s, err = scanSession(row)
		return err
	})
	return s, err
}

// SavePost upserts a discovered post into the session. The payload must be a
// JSON object carrying at least an "id" field; everything else is stored
// opaquely and round-tripped on read. Re-saving the same post identifier
// overwrites in place. Returns the post identifier.
func (m *Manager) SavePost(ctx context.Context, sessionID string, payload json.RawMessage, status string) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("state: decode post payload: %w", err)
	}
	if probe.ID == "" {
		return "", ErrMissingPostID
	}
	if status == "" {
		status = PostPending
	}

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO posts (id, session_id, post_data, status, discovered_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				session_id = excluded.session_id,
				post_data  = excluded.post_data,
				status     = excluded.status`,
			probe.ID, sessionID, string(payload), status, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("state: save post %s in session %s: %w",
				probe.ID, sessionID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return probe.ID, nil
}

// Posts returns the session's posts ordered by discovery time, optionally
// filtered by status (empty means all).
func (m *Manager) Posts(ctx context.Context, sessionID, status string) ([]*Post, error) {
	query := `SELECT ` + postCols + ` FROM posts WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY discovered_at`

	var posts []*Post
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("state: query posts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return err
			}
			posts = append(posts, p)
		}
		return rows.Err()
	})
	return posts, err
}

// MarkPostProcessed advances a post to a terminal status, recording the
// attempt and any error. The owning session's processed-post counter is
// recomputed from the posts table, never incremented, so it self-heals.
func (m *Manager) MarkPostProcessed(ctx context.Context, postID, status, errorMessage string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE posts
			SET status = ?, attempts = attempts + 1,
				last_attempt_at = ?, error_message = ?
			WHERE id = ?`,
			status, time.Now().UnixMilli(), errorMessage, postID)
		if err != nil {
			return fmt.Errorf("state: mark post %s: %w", postID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrPostNotFound, postID)
		}

		var sessionID string
		if err := tx.QueryRowContext(ctx,
			`SELECT session_id FROM posts WHERE id = ?`, postID).Scan(&sessionID); err != nil {
			return fmt.Errorf("state: owning session of post %s: %w", postID, err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET processed_posts = (
				SELECT COUNT(*) FROM posts
				WHERE session_id = ? AND status IN ('processed', 'skipped')
			) WHERE id = ?`, sessionID, sessionID)
		if err != nil {
			return fmt.Errorf("state: recount processed posts: %w", err)
		}
		return nil
	})
}

// AddDownload records a pending fetch attempt for a post and returns the
// download identifier. Referential integrity rejects downloads for posts or
// sessions that do not exist.
func (m *Manager) AddDownload(ctx context.Context, postID, sessionID, url, filename, localPath string) (int64, error) {
	var id int64
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO downloads (post_id, session_id, url, filename, local_path,
			status, started_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?)
			RETURNING id`,
			postID, sessionID, url, filename, localPath, time.Now().UnixMilli()).Scan(&id)
		if err != nil {
			return fmt.Errorf("state: add download for post %s in session %s: %w",
				postID, sessionID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// MarkDownloadStarted transitions a download to downloading.
func (m *Manager) MarkDownloadStarted(ctx context.Context, downloadID int64) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE downloads SET status = 'downloading', started_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), downloadID)
		if err != nil {
			return fmt.Errorf("state: mark download %d started: %w", downloadID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrDownloadNotFound, downloadID)
		}
		return nil
	})
}

// MarkDownloadCompleted records a successful fetch with its size and
// checksum, and recomputes the owning session's download counters.
func (m *Manager) MarkDownloadCompleted(ctx context.Context, downloadID int64, fileSize int64, checksum string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE downloads
			SET status = 'completed', completed_at = ?, file_size = ?, checksum = ?
			WHERE id = ?`,
			time.Now().UnixMilli(), fileSize, checksum, downloadID)
		if err != nil {
			return fmt.Errorf("state: mark download %d completed: %w", downloadID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrDownloadNotFound, downloadID)
		}
		return recountDownloads(ctx, tx, downloadID)
	})
}

// MarkDownloadFailed records a failed fetch attempt and recomputes the owning
// session's download counters.
func (m *Manager) MarkDownloadFailed(ctx context.Context, downloadID int64, errorMessage string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE downloads
			SET status = 'failed', attempts = attempts + 1, error_message = ?
			WHERE id = ?`,
			errorMessage, downloadID)
		if err != nil {
			return fmt.Errorf("state: mark download %d failed: %w", downloadID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrDownloadNotFound, downloadID)
		}
		return recountDownloads(ctx, tx, downloadID)
	})
}

// recountDownloads recomputes the success/failure counters of the session
// owning the given download from COUNT(*) over the downloads table.
func recountDownloads(ctx context.Context, tx *sql.Tx, downloadID int64) error {
	var sessionID string
	if err := tx.QueryRowContext(ctx,
		`SELECT session_id FROM downloads WHERE id = ?`, downloadID).Scan(&sessionID); err != nil {
		return fmt.Errorf("state: owning session of download %d: %w", downloadID, err)
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET
			successful_downloads = (SELECT COUNT(*) FROM downloads
				WHERE session_id = ? AND status = 'completed'),
			failed_downloads = (SELECT COUNT(*) FROM downloads
				WHERE session_id = ? AND status = 'failed')
		WHERE id = ?`, sessionID, sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("state: recount downloads: %w", err)
	}
	return nil
}

// Downloads returns the session's downloads ordered by start time, optionally
// filtered by status (empty means all).
func (m *Manager) Downloads(ctx context.Context, sessionID, status string) ([]*Download, error) {
	query := `SELECT ` + downloadCols + ` FROM downloads WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at`

	var downloads []*Download
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("state: query downloads: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDownload(rows)
			if err != nil {
				return err
			}
			downloads = append(downloads, d)
		}
		return rows.Err()
	})
	return downloads, err
}

// ResumeState reconstructs exactly which work remains for a session: its
// pending posts, retryable failed downloads, and aggregate counts. Fails
// with ErrSessionNotFound if the session does not exist.
func (m *Manager) ResumeState(ctx context.Context, sessionID string) (*ResumeState, error) {
	session, err := m.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	pending, err := m.Posts(ctx, sessionID, PostPending)
	if err != nil {
		return nil, err
	}
	failed, err := m.Downloads(ctx, sessionID, DownloadFailed)
	if err != nil {
		return nil, err
	}

	var stats SessionStats
	err = m.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*),
				COUNT(CASE WHEN status = 'processed' THEN 1 END),
				COUNT(CASE WHEN status = 'failed' THEN 1 END)
			FROM posts WHERE session_id = ?`, sessionID).
			Scan(&stats.TotalPosts, &stats.ProcessedPosts, &stats.FailedPosts)
	})
	if err != nil {
		return nil, fmt.Errorf("state: resume statistics: %w", err)
	}

	return &ResumeState{
		Session:         session,
		PendingPosts:    pending,
		FailedDownloads: failed,
		Statistics:      stats,
		CanResume:       len(pending) > 0 || len(failed) > 0,
	}, nil
}

// UpdateSessionStatus transitions a session. A non-zero endTime (milliseconds
// since epoch) is recorded for completed/failed sessions.
func (m *Manager) UpdateSessionStatus(ctx context.Context, sessionID, status string, endTime int64) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if endTime > 0 {
			res, err = tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, end_time = ? WHERE id = ?`,
				status, endTime, sessionID)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID)
		}
		if err != nil {
			return fmt.Errorf("state: update session %s status: %w", sessionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil
	})
}

// ListSessions returns sessions most-recent-first for operator tooling.
func (m *Manager) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	query := `SELECT ` + sessionCols + ` FROM sessions`
	var args []any
	var conds []string
	if opts.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, opts.Status)
	}
	if opts.TargetType != "" {
		conds = append(conds, `target_type = ?`)
		args = append(args, opts.TargetType)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	var sessions []*Session
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("state: list sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSessionRows(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, s)
		}
		return rows.Err()
	})
	return sessions, err
}

// CleanupOldSessions deletes completed/failed sessions older than the given
// threshold. The cascade removes their posts, downloads and metadata. Returns
// the number of sessions removed.
func (m *Manager) CleanupOldSessions(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysOld).UnixMilli()
	var removed int64
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions
			WHERE status IN ('completed', 'failed') AND created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("state: cleanup old sessions: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("old sessions removed", "count", removed, "days_old", daysOld)
	}
	return removed, nil
}

// CheckIntegrity runs the database's structural check and a referential
// integrity check, and gathers aggregate statistics. Data problems land in
// the report, never in the returned error — detection must not itself fail
// the caller. The only error returned is a pool acquisition failure.
func (m *Manager) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{DatabaseOK: true, Issues: []string{}}

	err := m.withConn(ctx, func(conn *sql.Conn) error {
		var result string
		if err := conn.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
			report.DatabaseOK = false
			report.Issues = append(report.Issues, fmt.Sprintf("integrity check error: %v", err))
		} else if result != "ok" {
			report.DatabaseOK = false
			report.Issues = append(report.Issues, fmt.Sprintf("database integrity check failed: %s", result))
		}

		rows, err := conn.QueryContext(ctx, `PRAGMA foreign_key_check`)
		if err != nil {
			report.DatabaseOK = false
			report.Issues = append(report.Issues, fmt.Sprintf("foreign key check error: %v", err))
		} else {
			defer rows.Close()
			for rows.Next() {
				var table, parent string
				var rowid, fkid sql.NullInt64
				if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
					report.Issues = append(report.Issues, fmt.Sprintf("foreign key scan error: %v", err))
					continue
				}
				report.DatabaseOK = false
				report.Issues = append(report.Issues,
					fmt.Sprintf("foreign key violation in %s (parent %s)", table, parent))
			}
		}

		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*),
				COUNT(CASE WHEN status = 'active' THEN 1 END),
				COUNT(CASE WHEN status = 'completed' THEN 1 END)
			FROM sessions`).
			Scan(&report.Statistics.TotalSessions,
				&report.Statistics.ActiveSessions,
				&report.Statistics.CompletedSessions); err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("session statistics error: %v", err))
		}
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).
			Scan(&report.Statistics.TotalPosts); err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("post statistics error: %v", err))
		}
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads`).
			Scan(&report.Statistics.TotalDownloads); err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("download statistics error: %v", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Close releases all pooled connections.
func (m *Manager) Close() error { return m.pool.Close() }
