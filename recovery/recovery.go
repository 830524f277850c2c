// Package recovery implements the operator workflows layered on the state
// manager: finding and resuming interrupted sessions, repairing
// inconsistencies, verifying downloaded files, exporting session data, and
// purging old sessions.
//
// Repair and validation are batch/maintenance operations: failures are
// recorded per unit of work in the returned report instead of aborting the
// whole run, and data problems are reported rather than raised.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"mediadl/dbpool"
	"mediadl/state"
)

// ErrNothingToResume is returned by ResumeSession when the session has no
// pending posts and no retryable failed downloads.
var ErrNothingToResume = errors.New("recovery: session has no pending work to resume")

// ChecksumPolicy controls what ValidateFileIntegrity does on a checksum
// mismatch. Missing files are always marked failed; mismatches are ambiguous
// (the file may have been legitimately re-encoded), so the default only
// reports them.
type ChecksumPolicy int

const (
	// ReportOnly records checksum mismatches in the report without touching
	// the download row.
	ReportOnly ChecksumPolicy = iota
	// MarkFailed additionally marks mismatched downloads as failed.
	MarkFailed
)

// Recovery drives session recovery and repair. It goes through the state
// manager for all mutations; only targeted repair queries use its own
// pool-acquired connection.
type Recovery struct {
	mgr            *state.Manager
	pool           *dbpool.Pool
	logger         *slog.Logger
	checksumPolicy ChecksumPolicy
}

// Option configures a Recovery.
type Option func(*Recovery)

// WithLogger sets a custom slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recovery) { r.logger = l }
}

// WithChecksumPolicy sets the checksum-mismatch policy. Default: ReportOnly.
func WithChecksumPolicy(p ChecksumPolicy) Option {
	return func(r *Recovery) { r.checksumPolicy = p }
}

// New creates a Recovery over the given manager and pool.
func New(mgr *state.Manager, pool *dbpool.Pool, opts ...Option) *Recovery {
	r := &Recovery{
		mgr:    mgr,
		pool:   pool,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResumableSession pairs a session with its computed resume state.
type ResumableSession struct {
	Session     *state.Session     `json:"session"`
	ResumeState *state.ResumeState `json:"resume_state"`
	AgeHours    float64            `json:"age_hours"`
}

// FindResumableSessions lists active and paused sessions no older than
// maxAgeDays whose resume state reports remaining work, newest first.
// Sessions that fail to load are logged and skipped.
func (r *Recovery) FindResumableSessions(ctx context.Context, maxAgeDays int) ([]ResumableSession, error) {
	var candidates []*state.Session
	for _, status := range []string{state.SessionActive, state.SessionPaused} {
		sessions, err := r.mgr.ListSessions(ctx, state.ListOptions{Status: status, Limit: 100})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, sessions...)
	}

	now := time.Now()
	cutoff := now.AddDate(0, 0, -maxAgeDays).UnixMilli()

	var resumable []ResumableSession
	for _, session := range candidates {
		if session.CreatedAt < cutoff {
			continue
		}
		rs, err := r.mgr.ResumeState(ctx, session.ID)
		if err != nil {
			r.logger.Warn("recovery: checking session failed",
				"session_id", session.ID, "error", err)
			continue
		}
		if !rs.CanResume {
			continue
		}
		age := now.Sub(time.UnixMilli(session.CreatedAt)).Hours()
		resumable = append(resumable, ResumableSession{
			Session:     session,
			ResumeState: rs,
			AgeHours:    age,
		})
	}

	sort.Slice(resumable, func(i, j int) bool {
		return resumable[i].Session.CreatedAt > resumable[j].Session.CreatedAt
	})
	return resumable, nil
}

// ResumeReport summarizes the work remaining after a successful resume.
type ResumeReport struct {
	SessionID       string             `json:"session_id"`
	PendingPosts    int                `json:"pending_posts"`
	FailedDownloads int                `json:"failed_downloads"`
	Statistics      state.SessionStats `json:"statistics"`
}

// ResumeSession flips a paused session back to active and returns the counts
// of pending posts and failed downloads for the caller to act on. It fails
// with ErrNothingToResume when no work remains.
func (r *Recovery) ResumeSession(ctx context.Context, sessionID string) (*ResumeReport, error) {
	rs, err := r.mgr.ResumeState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !rs.CanResume {
		return nil, fmt.Errorf("%w: %s", ErrNothingToResume, sessionID)
	}

	if rs.Session.Status == state.SessionPaused {
		if err := r.mgr.UpdateSessionStatus(ctx, sessionID, state.SessionActive, 0); err != nil {
			return nil, err
		}
	}

	report := &ResumeReport{
		SessionID:       sessionID,
		PendingPosts:    len(rs.PendingPosts),
		FailedDownloads: len(rs.FailedDownloads),
		Statistics:      rs.Statistics,
	}
	r.logger.Info("session ready for resume", "session_id", sessionID,
		"pending_posts", report.PendingPosts,
		"failed_downloads", report.FailedDownloads)
	return report, nil
}

// RepairReport is the structured outcome of RepairSession, rendered by the
// CLI as issue/repair tables.
type RepairReport struct {
	SessionID        string   `json:"session_id"`
	IssuesFound      []string `json:"issues_found"`
	RepairsPerformed []string `json:"repairs_performed"`
	Errors           []string `json:"errors"`
}

// RepairSession detects and corrects inconsistencies in one session:
// orphaned posts, processed posts with no download record, downloads
// referencing a missing post, desynchronized session counters, and completed
// downloads whose file is gone from disk. Counters are corrected in place and
// missing files marked failed; ambiguous data is reported, never deleted.
func (r *Recovery) RepairSession(ctx context.Context, sessionID string) (*RepairReport, error) {
	session, err := r.mgr.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", state.ErrSessionNotFound, sessionID)
	}

	report := &RepairReport{
		SessionID:        sessionID,
		IssuesFound:      []string{},
		RepairsPerformed: []string{},
		Errors:           []string{},
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// Orphaned posts should be impossible with foreign keys on, but the
	// check stays: schema edits and external tools bypass the constraints.
	orphaned, err := collectIDs(ctx, conn,
		`SELECT p.id FROM posts p
		LEFT JOIN sessions s ON p.session_id = s.id
		WHERE p.session_id = ? AND s.id IS NULL`, sessionID)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else if len(orphaned) > 0 {
		report.IssuesFound = append(report.IssuesFound,
			fmt.Sprintf("found %d orphaned posts", len(orphaned)))
	}

	noDownloads, err := collectIDs(ctx, conn,
		`SELECT p.id FROM posts p
		LEFT JOIN downloads d ON p.id = d.post_id
		WHERE p.session_id = ? AND p.status = 'processed' AND d.id IS NULL`, sessionID)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else if len(noDownloads) > 0 {
		report.IssuesFound = append(report.IssuesFound,
			fmt.Sprintf("found %d processed posts without download records", len(noDownloads)))
	}

	noPosts, err := collectIDs(ctx, conn,
		`SELECT d.id FROM downloads d
		LEFT JOIN posts p ON d.post_id = p.id
		WHERE d.session_id = ? AND p.id IS NULL`, sessionID)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	} else if len(noPosts) > 0 {
		report.IssuesFound = append(report.IssuesFound,
			fmt.Sprintf("found %d downloads without post records", len(noPosts)))
	}

	var successful, failed int
	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM downloads WHERE session_id = ?`, sessionID).Scan(&successful, &failed)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("count downloads: %v", err))
	} else if successful != session.SuccessfulDownloads || failed != session.FailedDownloads {
		report.IssuesFound = append(report.IssuesFound, fmt.Sprintf(
			"download counters desynchronized (recorded %d/%d, actual %d/%d)",
			session.SuccessfulDownloads, session.FailedDownloads, successful, failed))
		_, err := conn.ExecContext(ctx,
			`UPDATE sessions SET successful_downloads = ?, failed_downloads = ? WHERE id = ?`,
			successful, failed, sessionID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("fix counters: %v", err))
		} else {
			report.RepairsPerformed = append(report.RepairsPerformed,
				"corrected download counters")
		}
	}

	missing := r.missingFiles(ctx, conn, report, sessionID)

	// Release before going back through the manager: its methods acquire
	// their own connection, and holding this one could exhaust the pool.
	r.pool.Release(conn)

	if len(missing) > 0 {
		report.IssuesFound = append(report.IssuesFound,
			fmt.Sprintf("found %d missing download files", len(missing)))
		for _, mf := range missing {
			err := r.mgr.MarkDownloadFailed(ctx, mf.id,
				fmt.Sprintf("file missing during repair: %s", mf.path))
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			}
		}
		report.RepairsPerformed = append(report.RepairsPerformed,
			fmt.Sprintf("marked %d missing files as failed", len(missing)))
	}

	if len(report.IssuesFound) == 0 {
		report.RepairsPerformed = append(report.RepairsPerformed,
			"no issues found - session is healthy")
	}
	r.logger.Info("session repaired", "session_id", sessionID,
		"issues", len(report.IssuesFound), "repairs", len(report.RepairsPerformed))
	return report, nil
}

type missingFile struct {
	id   int64
	path string
}

// missingFiles lists completed downloads whose recorded file no longer
// exists on disk.
func (r *Recovery) missingFiles(ctx context.Context, conn *sql.Conn, report *RepairReport, sessionID string) []missingFile {
	rows, err := conn.QueryContext(ctx,
		`SELECT id, local_path, filename FROM downloads
		WHERE session_id = ? AND status = 'completed'`, sessionID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("verify files: %v", err))
		return nil
	}
	defer rows.Close()

	var missing []missingFile
	for rows.Next() {
		var id int64
		var localPath, filename string
		if err := rows.Scan(&id, &localPath, &filename); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("verify files: %v", err))
			continue
		}
		path := localPath
		if path == "" {
			path = filename
		}
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			missing = append(missing, missingFile{id: id, path: path})
		}
	}
	if err := rows.Err(); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("verify files: %v", err))
	}
	return missing
}

func collectIDs(ctx context.Context, conn *sql.Conn, query string, args ...any) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
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

// CleanupReport is the outcome of CleanupAbandonedSessions.
type CleanupReport struct {
	SessionsRemoved int64 `json:"sessions_removed"`
}

// CleanupAbandonedSessions deletes terminal sessions older than maxAgeDays;
// the cascade removes their posts, downloads and metadata. Downloaded files
// stay on disk on purpose: removing session bookkeeping must never destroy
// media, so file cleanup is a separate, explicit operation.
func (r *Recovery) CleanupAbandonedSessions(ctx context.Context, maxAgeDays int) (*CleanupReport, error) {
	removed, err := r.mgr.CleanupOldSessions(ctx, maxAgeDays)
	if err != nil {
		return nil, err
	}
	return &CleanupReport{SessionsRemoved: removed}, nil
}
