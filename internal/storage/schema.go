// Package storage provides job, project, and asset persistence. The default
// backend is SQLite; see the postgres subpackage for the PostgreSQL backend.
package storage

// Schema definitions for the job orchestration database. Timestamps are unix
// milliseconds so that asset cursors keep sub-second ordering.
const (
	// SchemaV1 is the initial database schema
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	story_id TEXT NOT NULL DEFAULT '',
	storyboard_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL,
	snapshot_json TEXT NOT NULL,
	progress_version INTEGER NOT NULL DEFAULT 0,
	fingerprint TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at INTEGER,
	finished_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(type, status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user_story ON jobs(user_id, story_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(user_id, type, fingerprint);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

	// SchemaV2 adds projects and the asset event log
	SchemaV2 = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assets_project_cursor ON assets(project_id, updated_at, id);
`
)

// Migrations represents all available migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
	{
		Version: 2,
		SQL:     SchemaV2,
	},
}
