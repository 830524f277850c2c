// Package legacy imports session files written by older JSON-file releases
// into the database. Each file is replayed through the regular state manager
// so every migrated row passes the same validation and referential checks as
// live writes. Source files are renamed with a .migrated suffix only after
// their import succeeds.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"mediadl/config"
	"mediadl/idgen"
	"mediadl/state"
)

// ErrNotSessionFile is returned by MigrateFile when the file does not look
// like a legacy session document.
var ErrNotSessionFile = errors.New("legacy: not a session file")

// filePatterns are the glob patterns legacy releases used for their state
// files.
var filePatterns = []string{
	"*session*.json",
	"*state*.json",
	"*downloads*.json",
}

// signatureKeys identify a legacy session document. A JSON object carrying at
// least two of them is treated as one; a single hit is too weak, arbitrary
// configs also carry "metadata" or "created_at".
var signatureKeys = []string{
	"posts", "downloads", "session_id", "target_user",
	"config", "metadata", "created_at",
}

// Migrator replays legacy session files through a state manager.
type Migrator struct {
	mgr       *state.Manager
	cfg       *config.Config
	logger    *slog.Logger
	sessionID idgen.Generator
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets a custom slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) { m.logger = l }
}

// WithSessionIDGenerator overrides the last-resort generator used when a file
// carries no session identifier and its name yields no usable stem.
func WithSessionIDGenerator(g idgen.Generator) Option {
	return func(m *Migrator) { m.sessionID = g }
}

// New creates a Migrator. The config provides the fingerprint recorded on
// migrated sessions.
func New(mgr *state.Manager, cfg *config.Config, opts ...Option) *Migrator {
	m := &Migrator{
		mgr:       mgr,
		cfg:       cfg,
		logger:    slog.Default(),
		sessionID: idgen.Prefixed("legacy_", idgen.NanoID(8)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// sessionFile is the legacy on-disk document. Posts appear either as a map
// keyed by post ID or as an array; both shapes occur in the wild. The end
// timestamp was written as "end_time" by some releases and "completed_at" by
// others.
type sessionFile struct {
	SessionID       string `json:"session_id"`
	TargetUser      string `json:"target_user"`
	TargetSubreddit string `json:"target_subreddit"`
	TargetURL       string `json:"target_url"`
	Config          struct {
		TargetUser string `json:"target_user"`
	} `json:"config"`
	Status      string          `json:"status"`
	CreatedAt   any             `json:"created_at"`
	EndTime     any             `json:"end_time"`
	CompletedAt any             `json:"completed_at"`
	Posts       json.RawMessage `json:"posts"`
	Downloads   []legacyDL      `json:"downloads"`
	Metadata    map[string]any  `json:"metadata"`
}

type legacyDL struct {
	PostID    string  `json:"post_id"`
	URL       string  `json:"url"`
	Filename  string  `json:"filename"`
	LocalPath string  `json:"local_path"`
	Status    string  `json:"status"`
	FileSize  float64 `json:"file_size"`
	Checksum  string  `json:"checksum"`
	Error     string  `json:"error"`
}

// FileResult is the outcome of migrating one file. Warnings carry the
// per-item failures that were skipped rather than aborting the file.
type FileResult struct {
	Path      string   `json:"path"`
	SessionID string   `json:"session_id"`
	Posts     int      `json:"posts"`
	Downloads int      `json:"downloads"`
	Metadata  int      `json:"metadata"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Report aggregates a MigrateAll run. Status is "completed" when every found
// file migrated, "partial" when some failed.
type Report struct {
	Status        string       `json:"status"`
	FilesFound    int          `json:"files_found"`
	FilesMigrated int          `json:"files_migrated"`
	Results       []FileResult `json:"results"`
	Errors        []string     `json:"errors"`
}

// FindSessionFiles scans a directory for legacy session files: filenames
// matching the known patterns whose content carries the document signature.
func (m *Migrator) FindSessionFiles(dir string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range filePatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("legacy: glob %s: %w", pattern, err)
		}
		for _, match := range matches {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}
			ok, err := looksLikeSessionFile(match)
			if err != nil {
				m.logger.Warn("skipping unreadable candidate", "path", match, "error", err)
				continue
			}
			if ok {
				files = append(files, match)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func looksLikeSessionFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, nil
	}
	hits := 0
	for _, key := range signatureKeys {
		if _, ok := doc[key]; ok {
			hits++
		}
	}
	return hits >= 2, nil
}

// sessionInfo is the identity extracted from a legacy file: explicit fields
// first, filename inference as fallback.
type sessionInfo struct {
	sessionID   string
	targetType  string
	targetValue string
}

// extractSessionInfo derives the session identity. The session ID comes from
// the explicit field, else the filename stem. The target comes from the first
// of target_user, target_subreddit, target_url, config.target_user; when all
// are absent, filename markers like "user_alice_..." or "subreddit_golang_..."
// are parsed before giving up with user/unknown.
func extractSessionInfo(doc *sessionFile, path string) sessionInfo {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	info := sessionInfo{
		sessionID:   doc.SessionID,
		targetType:  "user",
		targetValue: "unknown",
	}
	if info.sessionID == "" {
		info.sessionID = stem
	}

	switch {
	case doc.TargetUser != "":
		info.targetType, info.targetValue = "user", doc.TargetUser
	case doc.TargetSubreddit != "":
		info.targetType, info.targetValue = "subreddit", doc.TargetSubreddit
	case doc.TargetURL != "":
		info.targetType, info.targetValue = "url", doc.TargetURL
	case doc.Config.TargetUser != "":
		info.targetType, info.targetValue = "user", doc.Config.TargetUser
	}

	if info.targetValue == "unknown" {
		name := strings.ToLower(stem)
		if t, v, ok := targetFromFilename(name, "user_"); ok {
			info.targetType, info.targetValue = t, v
		} else if t, v, ok := targetFromFilename(name, "subreddit_"); ok {
			info.targetType, info.targetValue = t, v
		}
	}
	return info
}

// targetFromFilename parses "…user_alice_20240301" style names: the value is
// the first underscore-delimited segment after the marker.
func targetFromFilename(name, marker string) (targetType, value string, ok bool) {
	idx := strings.Index(name, marker)
	if idx < 0 {
		return "", "", false
	}
	rest := name[idx+len(marker):]
	value = strings.SplitN(rest, "_", 2)[0]
	if value == "" {
		return "", "", false
	}
	return strings.TrimSuffix(marker, "_"), value, true
}

// MigrateFile imports one legacy session file. Item-level failures (one bad
// post, download or metadata entry) are logged and skipped so a single bad
// record never loses the rest of the file; only reading the file and creating
// the session are fatal. The original file is renamed with a .migrated suffix
// once the session is in place.
func (m *Migrator) MigrateFile(ctx context.Context, path string) (*FileResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("legacy: read %s: %w", path, err)
	}
	var doc sessionFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotSessionFile, path, err)
	}

	info := extractSessionInfo(&doc, path)
	if info.sessionID == "" {
		info.sessionID = m.sessionID()
	}

	created, err := m.mgr.CreateSession(ctx, m.cfg, info.targetType, info.targetValue, info.sessionID)
	if err != nil {
		return nil, fmt.Errorf("legacy: create session for %s: %w", path, err)
	}
	result := &FileResult{Path: path, SessionID: created}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		result.Warnings = append(result.Warnings, msg)
		m.logger.Warn("legacy item skipped", "path", path, "detail", msg)
	}

	posts, err := normalizePosts(doc.Posts)
	if err != nil {
		warn("posts: %v", err)
	}
	for _, p := range posts {
		if _, err := m.mgr.SavePost(ctx, created, p.payload, p.status); err != nil {
			warn("post %s: %v", p.id, err)
			continue
		}
		if p.status == state.PostProcessed || p.status == state.PostSkipped || p.status == state.PostFailed {
			if err := m.mgr.MarkPostProcessed(ctx, p.id, p.status, ""); err != nil {
				warn("post %s status: %v", p.id, err)
			}
		}
		result.Posts++
	}

	for _, dl := range doc.Downloads {
		if dl.PostID == "" || dl.URL == "" {
			continue
		}
		id, err := m.mgr.AddDownload(ctx, dl.PostID, created, dl.URL, dl.Filename, dl.LocalPath)
		if err != nil {
			warn("download %s: %v", dl.URL, err)
			continue
		}
		switch dl.Status {
		case "completed", "success", "done":
			err = m.mgr.MarkDownloadCompleted(ctx, id, int64(dl.FileSize), dl.Checksum)
		case "failed", "error":
			msg := dl.Error
			if msg == "" {
				msg = "failed before migration"
			}
			err = m.mgr.MarkDownloadFailed(ctx, id, msg)
		}
		if err != nil {
			warn("download %s status: %v", dl.URL, err)
			continue
		}
		result.Downloads++
	}

	for key, raw := range doc.Metadata {
		if err := m.mgr.SetMetadata(ctx, created, key, inferMetaValue(raw)); err != nil {
			warn("metadata %q: %v", key, err)
			continue
		}
		result.Metadata++
	}

	if status := normalizeSessionStatus(doc.Status); status != state.SessionActive {
		endTime := parseTimestamp(doc.EndTime)
		if endTime == 0 {
			endTime = parseTimestamp(doc.CompletedAt)
		}
		if endTime == 0 && (status == state.SessionCompleted || status == state.SessionFailed) {
			endTime = time.Now().UnixMilli()
		}
		if err := m.mgr.UpdateSessionStatus(ctx, created, status, endTime); err != nil {
			warn("session status: %v", err)
		}
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return nil, fmt.Errorf("legacy: rename %s: %w", path, err)
	}
	m.logger.Info("legacy session migrated", "path", path, "session_id", created,
		"posts", result.Posts, "downloads", result.Downloads,
		"warnings", len(result.Warnings))
	return result, nil
}

// MigrateAll finds and imports every legacy session file under dir. Failures
// are isolated per file: one bad file never blocks the rest.
func (m *Migrator) MigrateAll(ctx context.Context, dir string) (*Report, error) {
	files, err := m.FindSessionFiles(dir)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Status:     "completed",
		FilesFound: len(files),
		Results:    []FileResult{},
		Errors:     []string{},
	}
	for _, path := range files {
		result, err := m.MigrateFile(ctx, path)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			report.Status = "partial"
			m.logger.Warn("legacy file migration failed", "path", path, "error", err)
			continue
		}
		report.FilesMigrated++
		report.Results = append(report.Results, *result)
	}
	return report, nil
}

type normalizedPost struct {
	id      string
	payload json.RawMessage
	status  string
}

// normalizePosts accepts the two legacy post shapes: a map keyed by post ID
// and an array of post objects. Each post gets an "id" injected from the map
// key when the object lacks one, and its status normalized. Individual posts
// without any usable id are dropped, not fatal.
func normalizePosts(raw json.RawMessage) ([]normalizedPost, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var byID map[string]map[string]any
	if err := json.Unmarshal(raw, &byID); err == nil {
		keys := make([]string, 0, len(byID))
		for k := range byID {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var posts []normalizedPost
		for _, k := range keys {
			obj := byID[k]
			if obj == nil {
				obj = map[string]any{}
			}
			if _, ok := obj["id"]; !ok {
				obj["id"] = k
			}
			if p, ok := buildPost(obj); ok {
				posts = append(posts, p)
			}
		}
		return posts, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("unrecognized posts shape")
	}
	var posts []normalizedPost
	for _, obj := range list {
		if p, ok := buildPost(obj); ok {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

func buildPost(obj map[string]any) (normalizedPost, bool) {
	id, _ := obj["id"].(string)
	if id == "" {
		return normalizedPost{}, false
	}
	status := normalizePostStatus(obj["status"])
	payload, err := json.Marshal(obj)
	if err != nil {
		return normalizedPost{}, false
	}
	return normalizedPost{id: id, payload: payload, status: status}, true
}

func normalizePostStatus(v any) string {
	s, _ := v.(string)
	switch s {
	case "processed", "downloaded", "done", "success":
		return state.PostProcessed
	case "skipped":
		return state.PostSkipped
	case "failed", "error":
		return state.PostFailed
	default:
		return state.PostPending
	}
}

// normalizeSessionStatus maps legacy status strings onto the current model.
// A file with no status at all is a finished run from before statuses were
// tracked, so it restores as completed, never active.
func normalizeSessionStatus(s string) string {
	switch s {
	case "", "completed", "finished", "done":
		return state.SessionCompleted
	case "failed", "error", "aborted":
		return state.SessionFailed
	case "paused", "interrupted":
		return state.SessionPaused
	default:
		return state.SessionActive
	}
}

// inferMetaValue maps a decoded JSON value onto the typed metadata model.
func inferMetaValue(v any) state.MetaValue {
	switch val := v.(type) {
	case bool:
		return state.BoolValue(val)
	case float64:
		return state.NumberValue(val)
	case string:
		return state.StringValue(val)
	case nil:
		return state.StringValue("")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return state.StringValue(fmt.Sprint(val))
		}
		return state.JSONValue(data)
	}
}

// parseTimestamp accepts the timestamp shapes legacy files used: RFC 3339
// strings, unix seconds as numbers, and unix seconds as numeric strings.
// Returns milliseconds since epoch, 0 when unparseable.
func parseTimestamp(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val * 1000)
	case string:
		if val == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.UnixMilli()
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return int64(f * 1000)
		}
	}
	return 0
}
