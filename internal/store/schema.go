package store

// Timestamps are stored as integer unix seconds so watermark comparisons
// are plain numeric range scans.
const schema = `
CREATE TABLE IF NOT EXISTS bans (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	steamid       TEXT NOT NULL DEFAULT '',
	player_name   TEXT NOT NULL DEFAULT '',
	player_ip     TEXT NOT NULL DEFAULT '',
	admin_steamid TEXT NOT NULL DEFAULT '',
	admin_name    TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	duration      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at    INTEGER NOT NULL,
	ends_at       INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	server_id     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bans_steamid ON bans(steamid);
CREATE INDEX IF NOT EXISTS idx_bans_updated ON bans(updated_at);

CREATE TABLE IF NOT EXISTS ip_history (
	steamid     TEXT NOT NULL,
	address     TEXT NOT NULL,
	player_name TEXT NOT NULL DEFAULT '',
	used_at     INTEGER NOT NULL,
	PRIMARY KEY (steamid, address)
);
CREATE INDEX IF NOT EXISTS idx_ip_history_used ON ip_history(used_at);

CREATE TABLE IF NOT EXISTS mutes (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	steamid       TEXT NOT NULL DEFAULT '',
	player_name   TEXT NOT NULL DEFAULT '',
	admin_steamid TEXT NOT NULL DEFAULT '',
	admin_name    TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	duration      INTEGER NOT NULL DEFAULT 0,
	type          TEXT NOT NULL DEFAULT 'MUTE',
	status        TEXT NOT NULL DEFAULT 'ACTIVE',
	passed        INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	ends_at       INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	server_id     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_mutes_steamid ON mutes(steamid);

CREATE TABLE IF NOT EXISTS warns (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	steamid       TEXT NOT NULL DEFAULT '',
	player_name   TEXT NOT NULL DEFAULT '',
	admin_steamid TEXT NOT NULL DEFAULT '',
	admin_name    TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	duration      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at    INTEGER NOT NULL,
	ends_at       INTEGER NOT NULL,
	server_id     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS admins (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	steamid    TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	flags      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	ends_at    INTEGER NOT NULL DEFAULT 0,
	server_id  INTEGER NOT NULL DEFAULT 0
);
`
