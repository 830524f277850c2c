package state

// Schema is the complete persisted model: one session per scraping run, its
// discovered posts, the download attempts for those posts, and typed
// key/value metadata. Posts, downloads and metadata never outlive their
// session — ownership is enforced here with ON DELETE CASCADE, not in
// application code.
//
// All timestamps are INTEGER milliseconds since epoch.
const Schema = `
-- Sessions: one scraping run against one target
CREATE TABLE IF NOT EXISTS sessions (
    id                   TEXT PRIMARY KEY,
    config_hash          TEXT NOT NULL,
    target_type          TEXT NOT NULL,
    target_value         TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'active',
    created_at           INTEGER NOT NULL,
    start_time           INTEGER NOT NULL,
    end_time             INTEGER,
    processed_posts      INTEGER NOT NULL DEFAULT 0,
    successful_downloads INTEGER NOT NULL DEFAULT 0,
    failed_downloads     INTEGER NOT NULL DEFAULT 0,
    metadata             TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(config_hash, target_type, target_value, status);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, created_at DESC);

-- Posts: discovered content items, owned by exactly one session
CREATE TABLE IF NOT EXISTS posts (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    post_data       TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_attempt_at INTEGER,
    error_message   TEXT NOT NULL DEFAULT '',
    discovered_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_session ON posts(session_id, status);

-- Downloads: one fetch attempt for one post
CREATE TABLE IF NOT EXISTS downloads (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id       TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    url           TEXT NOT NULL,
    filename      TEXT NOT NULL,
    local_path    TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    file_size     INTEGER,
    checksum      TEXT NOT NULL DEFAULT '',
    started_at    INTEGER NOT NULL,
    completed_at  INTEGER,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_downloads_session ON downloads(session_id, status);
CREATE INDEX IF NOT EXISTS idx_downloads_post ON downloads(post_id);

-- Metadata: typed key/value pairs scoped to a session
CREATE TABLE IF NOT EXISTS metadata (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    type       TEXT NOT NULL DEFAULT 'string',
    PRIMARY KEY (session_id, key)
);
`
