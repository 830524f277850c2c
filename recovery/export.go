package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mediadl/idgen"
	"mediadl/state"
)

// exportVersion identifies the export document layout for future readers.
const exportVersion = "1.0"

// Export IDs are time-sortable so a directory of exports lists in creation
// order.
var exportID = idgen.Prefixed("exp_", idgen.UUIDv7())

// ExportDocument is the versioned, self-describing JSON document produced by
// ExportSessionData. It carries the full session snapshot: the session row,
// every post and download, and typed metadata.
type ExportDocument struct {
	ExportID        string                     `json:"export_id"`
	ExportTimestamp string                     `json:"export_timestamp"`
	ExportVersion   string                     `json:"export_version"`
	Session         *state.Session             `json:"session"`
	Posts           []*state.Post              `json:"posts"`
	Downloads       []*state.Download          `json:"downloads"`
	Metadata        map[string]state.MetaValue `json:"metadata"`
}

// ExportReport summarizes a completed export.
type ExportReport struct {
	ExportID  string `json:"export_id"`
	Path      string `json:"path"`
	Posts     int    `json:"posts"`
	Downloads int    `json:"downloads"`
}

// ExportSessionData writes the full state of a session to a JSON file at
// path, creating parent directories as needed.
func (r *Recovery) ExportSessionData(ctx context.Context, sessionID, path string) (*ExportReport, error) {
	session, err := r.mgr.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", state.ErrSessionNotFound, sessionID)
	}

	posts, err := r.mgr.Posts(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	downloads, err := r.mgr.Downloads(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	metadata, err := r.mgr.AllMetadata(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	doc := &ExportDocument{
		ExportID:        exportID(),
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
		ExportVersion:   exportVersion,
		Session:         session,
		Posts:           posts,
		Downloads:       downloads,
		Metadata:        metadata,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("recovery: encode export: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recovery: export dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("recovery: write export: %w", err)
	}

	r.logger.Info("session exported", "session_id", sessionID,
		"export_id", doc.ExportID, "path", path,
		"posts", len(posts), "downloads", len(downloads))
	return &ExportReport{
		ExportID:  doc.ExportID,
		Path:      path,
		Posts:     len(posts),
		Downloads: len(downloads),
	}, nil
}
