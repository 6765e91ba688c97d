package store

// schema is the idempotent CREATE TABLE IF NOT EXISTS set for every table
// named in spec §6, plus its secondary indices. Grounded on the teacher's
// internal/storage/sqlite/store.go, which initializes schema the same
// way: one big idempotent statement executed once per New().
const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id        TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL,
	email          TEXT,
	created_at     DATETIME NOT NULL,
	modified_at    DATETIME NOT NULL,
	last_synced_at DATETIME,
	device_id      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issues (
	issue_id          TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	description       TEXT,
	status            TEXT NOT NULL,
	priority          TEXT NOT NULL,
	assignee_id       TEXT,
	session_id        TEXT,
	task_id           TEXT,
	created_at        DATETIME NOT NULL,
	modified_at       DATETIME NOT NULL,
	completed_at      DATETIME,
	version           INTEGER NOT NULL DEFAULT 1,
	locally_modified  INTEGER NOT NULL DEFAULT 0,
	deleted_at        DATETIME,
	metadata          TEXT,
	device_id         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_status     ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_assignee   ON issues(assignee_id);
CREATE INDEX IF NOT EXISTS idx_issues_session    ON issues(session_id);
CREATE INDEX IF NOT EXISTS idx_issues_updated_at ON issues(modified_at DESC);

CREATE TABLE IF NOT EXISTS sync_queue (
	change_id   TEXT PRIMARY KEY,
	table_name  TEXT NOT NULL,
	row_id      TEXT NOT NULL,
	operation   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	synced_at   DATETIME,
	retries     INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_synced_at ON sync_queue(synced_at);
-- At most one unsynced row per (table_name, row_id): spec §3 invariant,
-- enforced with a partial unique index rather than application locking.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_unsynced_target
	ON sync_queue(table_name, row_id) WHERE synced_at IS NULL;

CREATE TABLE IF NOT EXISTS sync_conflicts (
	conflict_id   TEXT PRIMARY KEY,
	table_name    TEXT NOT NULL,
	row_id        TEXT NOT NULL,
	local_data    TEXT NOT NULL,
	remote_data   TEXT NOT NULL,
	conflict_kind TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	resolved_at   DATETIME,
	resolution    TEXT
);

CREATE TABLE IF NOT EXISTS sync_metrics (
	device_id     TEXT NOT NULL,
	sync_kind     TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	record_count  INTEGER NOT NULL,
	bytes_xferred INTEGER NOT NULL,
	success       INTEGER NOT NULL,
	error         TEXT,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_metrics_created_at ON sync_metrics(created_at DESC);

CREATE TABLE IF NOT EXISTS performance_metrics (
	family     TEXT NOT NULL,
	operation  TEXT NOT NULL,
	value      REAL NOT NULL,
	percentile TEXT,
	created_at DATETIME NOT NULL,
	device_id  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS health_checks (
	checked_at DATETIME NOT NULL,
	status     TEXT NOT NULL,
	detail     TEXT
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	write_at   DATETIME NOT NULL,
	ttl_millis INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_write_at ON cache_entries(write_at);
`
