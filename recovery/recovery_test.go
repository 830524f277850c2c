package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediadl/config"
	"mediadl/dbpool"
	"mediadl/state"
)

func newTestRecovery(t *testing.T) (*Recovery, *state.Manager, *dbpool.Pool) {
	t.Helper()
	pool := dbpool.OpenMemory(t, dbpool.WithSchema(state.Schema))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := state.NewManager(pool, state.WithLogger(logger))
	return New(mgr, pool, WithLogger(logger)), mgr, pool
}

func mustCreateSession(t *testing.T, m *state.Manager, targetValue string) string {
	t.Helper()
	id, err := m.CreateSession(context.Background(), config.Default(), "user", targetValue, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return id
}

func mustSavePost(t *testing.T, m *state.Manager, sessionID, postID string) {
	t.Helper()
	payload := json.RawMessage(fmt.Sprintf(`{"id":%q,"title":"t"}`, postID))
	if _, err := m.SavePost(context.Background(), sessionID, payload, ""); err != nil {
		t.Fatalf("SavePost %s: %v", postID, err)
	}
}

func mustAddDownload(t *testing.T, m *state.Manager, postID, sessionID, localPath string) int64 {
	t.Helper()
	id, err := m.AddDownload(context.Background(), postID, sessionID,
		"https://example.com/"+postID+".jpg", postID+".jpg", localPath)
	if err != nil {
		t.Fatalf("AddDownload: %v", err)
	}
	return id
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WHAT: only sessions with remaining work show up, newest first, and stale
// ones age out.
func TestFindResumableSessions(t *testing.T) {
	r, m, pool := newTestRecovery(t)
	ctx := context.Background()

	// Work remaining: one pending post.
	withWork := mustCreateSession(t, m, "alice")
	mustSavePost(t, m, withWork, "p1")

	// No work: all posts processed.
	done := mustCreateSession(t, m, "bob")
	mustSavePost(t, m, done, "p2")
	if err := m.MarkPostProcessed(ctx, "p2", state.PostProcessed, ""); err != nil {
		t.Fatalf("MarkPostProcessed: %v", err)
	}

	// Stale: has work but created past the age cutoff.
	stale := mustCreateSession(t, m, "carol")
	mustSavePost(t, m, stale, "p3")
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	old := time.Now().AddDate(0, 0, -10).UnixMilli()
	if _, err := conn.ExecContext(ctx,
		`UPDATE sessions SET created_at = ? WHERE id = ?`, old, stale); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	pool.Release(conn)

	found, err := r.FindResumableSessions(ctx, 7)
	if err != nil {
		t.Fatalf("FindResumableSessions: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 resumable session, got %d", len(found))
	}
	if found[0].Session.ID != withWork {
		t.Fatalf("wrong session: %s", found[0].Session.ID)
	}
	if len(found[0].ResumeState.PendingPosts) != 1 {
		t.Fatalf("pending = %d, want 1", len(found[0].ResumeState.PendingPosts))
	}
	if found[0].AgeHours < 0 {
		t.Fatalf("negative age: %f", found[0].AgeHours)
	}
}

// WHAT: resuming a paused session reactivates it and reports the remaining
// work; a session with nothing left fails with ErrNothingToResume.
func TestResumeSession(t *testing.T) {
	r, m, _ := newTestRecovery(t)
	ctx := context.Background()

	sid := mustCreateSession(t, m, "alice")
	mustSavePost(t, m, sid, "p1")
	mustSavePost(t, m, sid, "p2")
	if err := m.UpdateSessionStatus(ctx, sid, state.SessionPaused, 0); err != nil {
		t.Fatalf("pause: %v", err)
	}

	report, err := r.ResumeSession(ctx, sid)
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if report.PendingPosts != 2 {
		t.Fatalf("pending = %d, want 2", report.PendingPosts)
	}
	s, _ := m.Session(ctx, sid)
	if s.Status != state.SessionActive {
		t.Fatalf("status = %q after resume, want active", s.Status)
	}

	for _, p := range []string{"p1", "p2"} {
		if err := m.MarkPostProcessed(ctx, p, state.PostProcessed, ""); err != nil {
			t.Fatalf("MarkPostProcessed %s: %v", p, err)
		}
	}
	_, err = r.ResumeSession(ctx, sid)
	if !errors.Is(err, ErrNothingToResume) {
		t.Fatalf("expected ErrNothingToResume, got %v", err)
	}
}

func TestResumeSession_Unknown(t *testing.T) {
	r, _, _ := newTestRecovery(t)
	_, err := r.ResumeSession(context.Background(), "ghost")
	if !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// WHAT: a healthy session repairs to an empty issue list.
func TestRepairSession_Healthy(t *testing.T) {
	r, m, _ := newTestRecovery(t)
	ctx := context.Background()
	dir := t.TempDir()

	sid := mustCreateSession(t, m, "alice")
	mustSavePost(t, m, sid, "p1")
	path := writeTestFile(t, dir, "p1.jpg", "bytes")
	d := mustAddDownload(t, m, "p1", sid, path)
	if err := m.MarkDownloadCompleted(ctx, d, 5, ""); err != nil {
		t.Fatalf("MarkDownloadCompleted: %v", err)
	}

	report, err := r.RepairSession(ctx, sid)
	if err != nil {
		t.Fatalf("RepairSession: %v", err)
	}
	if len(report.IssuesFound) != 0 {
		t.Fatalf("unexpected issues: %v", report.IssuesFound)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
}

// WHAT: desynchronized counters are detected and corrected in place.
// WHY: a crash between a download update and its counter recount leaves the
// session lying about its progress.
func TestRepairSession_FixesCounters(t *testing.T) {
	r, m, pool := newTestRecovery(t)
	ctx := context.Background()
	dir := t.TempDir()

	sid := mustCreateSession(t, m, "alice")
	mustSavePost(t, m, sid, "p1")
	path := writeTestFile(t, dir, "p1.jpg", "bytes")
	d := mustAddDownload(t, m, "p1", sid, path)
	if err := m.MarkDownloadCompleted(ctx, d, 5, ""); err != nil {
		t.Fatalf("MarkDownloadCompleted: %v", err)
	}

	// Simulate counter drift.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := conn.ExecContext(ctx,
		`UPDATE sessions SET successful_downloads = 9, failed_downloads = 3 WHERE id = ?`,
		sid); err != nil {
		t.Fatalf("drift: %v", err)
	}
	pool.Release(conn)

	report, err := r.RepairSession(ctx, sid)
	if err != nil {
		t.Fatalf("RepairSession: %v", err)
	}
	if len(report.IssuesFound) == 0 {
		t.Fatal("counter drift not detected")
	}

	s, _ := m.Session(ctx, sid)
	if s.SuccessfulDownloads != 1 || s.FailedDownloads != 0 {
		t.Fatalf("counters = %d/%d after repair, want 1/0",
			s.SuccessfulDownloads, s.FailedDownloads)
	}
}

// WHAT: completed downloads whose file is gone are marked failed.
func TestRepairSession_MissingFiles(t *testing.T) {
	r, m, _ := newTestRecovery(t)
	ctx := context.Background()
	dir := t.TempDir()

	sid := mustCreateSession(t, m, "alice")
	mustSavePost(t, m, sid, "p1")
	d := mustAddDownload(t, m, "p1", sid, filepath.Join(dir, "gone.jpg"))
	if err := m.MarkDownloadCompleted(ctx, d, 5, ""); err != nil {
		t.Fatalf("MarkDownloadCompleted: %v", err)
	}

	report, err := r.RepairSession(ctx, sid)
	if err != nil {
		t.Fatalf("RepairSession: %v", err)
	}
	if len(report.IssuesFound) == 0 {
		t.Fatal("missing file not detected")
	}

	failed, _ := m.Downloads(ctx, sid, state.DownloadFailed)
	if len(failed) != 1 {
		t.Fatalf("expected download marked failed, got %d failed", len(failed))
	}
}

func TestRepairSession_Unknown(t *testing.T) {
	r, _, _ := newTestRecovery(t)
	_, err := r.RepairSession(context.Background(), "ghost")
	if !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// WHAT: validation distinguishes valid, missing and corrupted files, and the
// default policy leaves mismatches untouched.
func TestValidateFileIntegrity(t *testing.T) {
	r, m, _ := newTestRecovery(t)
	ctx := context.Background()
	dir := t.TempDir()

	sid := mustCreateSession(t, m, "alice")
	for _, p := range []string{"p1", "p2", "p3"} {
		mustSavePost(t, m, sid, p)
	}

	// Valid: file present, checksum matches.
	goodPath := writeTestFile(t, dir, "good.jpg", "good bytes")
	goodSum, err := fileChecksum(goodPath)
	if err != nil {
		t.Fatalf("fileChecksum: %v", err)
	}
	d1 := mustAddDownload(t, m, "p1", sid, goodPath)
	if err := m.MarkDownloadCompleted(ctx, d1, 10, goodSum); err != nil {
		t.Fatalf("complete d1: %v", err)
	}

	// Missing: recorded path does not exist.
	d2 := mustAddDownload(t, m, "p2", sid, filepath.Join(dir, "gone.jpg"))
	if err := m.MarkDownloadCompleted(ctx, d2, 10, "whatever"); err != nil {
		t.Fatalf("complete d2: %v", err)
	}

	// Corrupted: file present, checksum differs.
	badPath := writeTestFile(t, dir, "bad.jpg", "tampered bytes")
	d3 := mustAddDownload(t, m, "p3", sid, badPath)
	if err := m.MarkDownloadCompleted(ctx, d3, 10, "0000deadbeef"); err != nil {
		t.Fatalf("complete d3: %v", err)
	}

	report, err := r.ValidateFileIntegrity(ctx, sid)
	if err != nil {
		t.Fatalf("ValidateFileIntegrity: %v", err)
	}
	if report.FilesChecked != 3 {
		t.Fatalf("checked = %d, want 3", report.FilesChecked)
	}
	if report.FilesValid != 1 || report.FilesMissing != 1 || report.FilesCorrupted != 1 {
		t.Fatalf("valid/missing/corrupted = %d/%d/%d, want 1/1/1",
			report.FilesValid, report.FilesMissing, report.FilesCorrupted)
	}

	// Missing file marked failed; corrupted one untouched under ReportOnly.
	failed, _ := m.Downloads(ctx, sid, state.DownloadFailed)
	if len(failed) != 1 || failed[0].ID != d2 {
		t.Fatalf("expected only the missing download failed, got %+v", failed)
	}
}

// WHAT: the MarkFailed policy also fails checksum mismatches.
func TestValidateFileIntegrity_MarkFailedPolicy(t *testing.T) {
	pool := dbpool.OpenMemory(t, dbpool.WithSchema(state.Schema))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := state.NewManager(pool, state.WithLogger(logger))
	r := New(m, pool, WithLogger(logger), WithChecksumPolicy(MarkFailed))
	ctx := context.Background()
	dir := t.TempDir()

	sid := mustCreateSession(t, m, "alice")
	mustSavePost(t, m, sid, "p1")
	path := writeTestFile(t, dir, "bad.jpg", "tampered bytes")
	d := mustAddDownload(t, m, "p1", sid, path)
	if err := m.MarkDownloadCompleted(ctx, d, 10, "0000deadbeef"); err != nil {
		t.Fatalf("MarkDownloadCompleted: %v", err)
	}

	report, err := r.ValidateFileIntegrity(ctx, sid)
	if err != nil {
		t.Fatalf("ValidateFileIntegrity: %v", err)
	}
	if report.FilesCorrupted != 1 {
		t.Fatalf("corrupted = %d, want 1", report.FilesCorrupted)
	}
	failed, _ := m.Downloads(ctx, sid, state.DownloadFailed)
	if len(failed) != 1 {
		t.Fatalf("mismatch not marked failed under MarkFailed policy")
	}
}

// WHAT: exports produce a versioned document with the full session snapshot
// and typed metadata.
func TestExportSessionData(t *testing.T) {
	r, m, _ := newTestRecovery(t)
	ctx := context.Background()
	dir := t.TempDir()

	sid := mustCreateSession(t, m, "alice")
	mustSavePost(t, m, sid, "p1")
	mustSavePost(t, m, sid, "p2")
	d := mustAddDownload(t, m, "p1", sid, "")
	if err := m.MarkDownloadCompleted(ctx, d, 10, "sum"); err != nil {
		t.Fatalf("MarkDownloadCompleted: %v", err)
	}
	if err := m.SetMetadata(ctx, sid, "nsfw", state.BoolValue(true)); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := m.SetMetadata(ctx, sid, "filters", state.JSONValue(`{"min_score":10}`)); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	path := filepath.Join(dir, "export", "session.json")
	report, err := r.ExportSessionData(ctx, sid, path)
	if err != nil {
		t.Fatalf("ExportSessionData: %v", err)
	}
	if report.Posts != 2 || report.Downloads != 1 {
		t.Fatalf("report = %+v", report)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var doc struct {
		ExportID        string         `json:"export_id"`
		ExportVersion   string         `json:"export_version"`
		ExportTimestamp string         `json:"export_timestamp"`
		Session         *state.Session `json:"session"`
		Posts           []any          `json:"posts"`
		Downloads       []any          `json:"downloads"`
		Metadata        map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.ExportVersion != exportVersion {
		t.Fatalf("export_version = %q", doc.ExportVersion)
	}
	if !strings.HasPrefix(doc.ExportID, "exp_") || doc.ExportTimestamp == "" {
		t.Fatalf("export identity fields wrong: id=%q ts=%q", doc.ExportID, doc.ExportTimestamp)
	}
	if doc.Session == nil || doc.Session.ID != sid {
		t.Fatalf("session missing from export: %+v", doc.Session)
	}
	if len(doc.Posts) != 2 || len(doc.Downloads) != 1 {
		t.Fatalf("rows = %d posts / %d downloads", len(doc.Posts), len(doc.Downloads))
	}
	// Typed metadata survives as native JSON types, not strings.
	if v, ok := doc.Metadata["nsfw"].(bool); !ok || !v {
		t.Fatalf("boolean metadata exported as %T(%v)", doc.Metadata["nsfw"], doc.Metadata["nsfw"])
	}
	if _, ok := doc.Metadata["filters"].(map[string]any); !ok {
		t.Fatalf("json metadata exported as %T", doc.Metadata["filters"])
	}
}

func TestExportSessionData_Unknown(t *testing.T) {
	r, _, _ := newTestRecovery(t)
	_, err := r.ExportSessionData(context.Background(), "ghost", filepath.Join(t.TempDir(), "x.json"))
	if !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// WHAT: cleanup removes only old terminal sessions and reports the count.
func TestCleanupAbandonedSessions(t *testing.T) {
	r, m, pool := newTestRecovery(t)
	ctx := context.Background()

	old := mustCreateSession(t, m, "alice")
	if err := m.UpdateSessionStatus(ctx, old, state.SessionCompleted, time.Now().UnixMilli()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mustCreateSession(t, m, "bob")

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cutoff := time.Now().AddDate(0, 0, -40).UnixMilli()
	if _, err := conn.ExecContext(ctx,
		`UPDATE sessions SET created_at = ? WHERE id = ?`, cutoff, old); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	pool.Release(conn)

	report, err := r.CleanupAbandonedSessions(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupAbandonedSessions: %v", err)
	}
	if report.SessionsRemoved != 1 {
		t.Fatalf("removed = %d, want 1", report.SessionsRemoved)
	}
}
