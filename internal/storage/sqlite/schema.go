package sqlite

// schema defines all tables for the orchestration core. Timestamps are
// stored as RFC3339 text in UTC.
const schema = `
CREATE TABLE IF NOT EXISTS findings (
	fingerprint   TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL,
	severity      TEXT NOT NULL,
	cwe_family    TEXT NOT NULL DEFAULT '',
	file          TEXT NOT NULL DEFAULT '',
	start_line    INTEGER NOT NULL DEFAULT 0,
	message       TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT 'open',
	first_seen_at TEXT NOT NULL,
	last_seen_at  TEXT NOT NULL DEFAULT '',
	resolved_at   TEXT,
	appearances   INTEGER NOT NULL DEFAULT 1,
	repo          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_findings_repo ON findings(repo);
CREATE INDEX IF NOT EXISTS idx_findings_state ON findings(state);

CREATE TABLE IF NOT EXISTS attempts (
	session_id          TEXT PRIMARY KEY,
	session_url         TEXT NOT NULL DEFAULT '',
	batch_id            TEXT NOT NULL,
	cwe_family          TEXT NOT NULL DEFAULT '',
	severity            TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	attempt_number      INTEGER NOT NULL,
	pr_url              TEXT NOT NULL DEFAULT '',
	original_session_id TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_batch ON attempts(batch_id, attempt_number);

CREATE TABLE IF NOT EXISTS verifications (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL,
	pr_url          TEXT NOT NULL DEFAULT '',
	verified_at     TEXT NOT NULL,
	total_targeted  INTEGER NOT NULL DEFAULT 0,
	fixed_count     INTEGER NOT NULL DEFAULT 0,
	remaining_count INTEGER NOT NULL DEFAULT 0,
	verified_fixed  TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_verifications_session ON verifications(session_id);

CREATE TABLE IF NOT EXISTS window_state (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	blob TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatch_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id      TEXT NOT NULL,
	cycle_id      TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	fingerprints  TEXT NOT NULL DEFAULT '[]',
	dispatched_at TEXT NOT NULL,
	UNIQUE(batch_id, cycle_id)
);
`
