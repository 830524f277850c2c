// Package state is the sole mutation and query surface for the persisted
// session model. Every mutating method runs inside one pool-acquired
// connection and one transaction: commit on success, rollback on any error.
package state

import "encoding/json"

// Session statuses.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Post statuses.
const (
	PostPending   = "pending"
	PostProcessed = "processed"
	PostSkipped   = "skipped"
	PostFailed    = "failed"
)

// Download statuses.
const (
	DownloadPending     = "pending"
	DownloadDownloading = "downloading"
	DownloadCompleted   = "completed"
	DownloadFailed      = "failed"
)

// Session is one scraping run against one target, the root of all persisted
// state.
type Session struct {
	ID                  string `json:"id"`
	ConfigHash          string `json:"config_hash"`
	TargetType          string `json:"target_type"`
	TargetValue         string `json:"target_value"`
	Status              string `json:"status"`
	CreatedAt           int64  `json:"created_at"`
	StartTime           int64  `json:"start_time"`
	EndTime             *int64 `json:"end_time,omitempty"`
	ProcessedPosts      int    `json:"processed_posts"`
	SuccessfulDownloads int    `json:"successful_downloads"`
	FailedDownloads     int    `json:"failed_downloads"`
	Metadata            string `json:"metadata"`
}

// Post is a discovered content item. Data is the full payload as discovered,
// round-tripped opaquely; only its "id" field is interpreted.
type Post struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Data          json.RawMessage `json:"post_data"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *int64          `json:"last_attempt_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	DiscoveredAt  int64           `json:"discovered_at"`
}

// Download is one fetch attempt for one post.
type Download struct {
	ID           int64  `json:"id"`
	PostID       string `json:"post_id"`
	SessionID    string `json:"session_id"`
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	LocalPath    string `json:"local_path,omitempty"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	FileSize     *int64 `json:"file_size,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	StartedAt    int64  `json:"started_at"`
	CompletedAt  *int64 `json:"completed_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SessionStats are the aggregate post counts for one session.
type SessionStats struct {
	TotalPosts     int `json:"total_posts"`
	ProcessedPosts int `json:"processed_posts"`
	FailedPosts    int `json:"failed_posts"`
}

// ResumeState is the computed view of what work remains for a session.
// CanResume is true iff pending posts or retryable failed downloads exist.
type ResumeState struct {
	Session         *Session     `json:"session"`
	PendingPosts    []*Post      `json:"pending_posts"`
	FailedDownloads []*Download  `json:"failed_downloads"`
	Statistics      SessionStats `json:"statistics"`
	CanResume       bool         `json:"can_resume"`
}

// ListOptions filters ListSessions. Zero values mean no filter; Limit
// defaults to 50.
type ListOptions struct {
	Status     string
	TargetType string
	Limit      int
}

// IntegrityStats are the aggregate row counts gathered by CheckIntegrity.
type IntegrityStats struct {
	TotalSessions     int `json:"total_sessions"`
	ActiveSessions    int `json:"active_sessions"`
	CompletedSessions int `json:"completed_sessions"`
	TotalPosts        int `json:"total_posts"`
	TotalDownloads    int `json:"total_downloads"`
}

// IntegrityReport is the outcome of CheckIntegrity. Data problems are
// reported here, never raised as errors.
type IntegrityReport struct {
	DatabaseOK bool           `json:"database_ok"`
	Issues     []string       `json:"issues"`
	Statistics IntegrityStats `json:"statistics"`
}
