package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	last_checked_uid INTEGER NOT NULL DEFAULT 0 CHECK(last_checked_uid >= 0),
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS decisions (
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	uid        INTEGER NOT NULL,
	decision   TEXT NOT NULL
		CHECK(decision IN ('emitted', 'blocked', 'delivery_failed', 'skipped')),
	decided_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, uid)
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	uid        INTEGER NOT NULL,
	from_addr  TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	delivered  INTEGER NOT NULL DEFAULT 0 CHECK(delivered IN (0, 1)),
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS fetch_failures (
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	uid        INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, uid)
);

CREATE INDEX IF NOT EXISTS idx_notifications_account_created
	ON notifications(account_id, created_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
