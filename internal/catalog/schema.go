package catalog

// schema is applied with CREATE TABLE IF NOT EXISTS on every Open: no
// separate migration tool, no assumption that the database already exists.
const schema = `
CREATE TABLE IF NOT EXISTS app (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS collection (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	app_id INTEGER NOT NULL REFERENCES app(id),
	name   TEXT NOT NULL,
	UNIQUE (app_id, name)
);

CREATE TABLE IF NOT EXISTS domain (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	domain TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS url (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	url       TEXT NOT NULL UNIQUE,
	domain_id INTEGER NOT NULL REFERENCES domain(id)
);

CREATE TABLE IF NOT EXISTS collection_url (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	collection_id       INTEGER NOT NULL REFERENCES collection(id),
	url_id              INTEGER NOT NULL REFERENCES url(id),
	title               TEXT NOT NULL,
	metadata            TEXT NOT NULL DEFAULT '{}',
	update_freq_minutes INTEGER NOT NULL DEFAULT 0,
	UNIQUE (collection_id, url_id),
	UNIQUE (collection_id, title)
);

CREATE TABLE IF NOT EXISTS tag (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS url_tag (
	collection_url_id INTEGER NOT NULL REFERENCES collection_url(id),
	tag_id            INTEGER NOT NULL REFERENCES tag(id),
	value             TEXT NOT NULL,
	PRIMARY KEY (collection_url_id, tag_id)
);

CREATE TABLE IF NOT EXISTS hash (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	hash          TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	download_path TEXT NOT NULL,
	downloaded_at DATETIME NOT NULL,
	UNIQUE (hash, size_bytes)
);

CREATE TABLE IF NOT EXISTS url_update_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	url_id           INTEGER NOT NULL REFERENCES url(id),
	updated_at       DATETIME NOT NULL,
	hash_id          INTEGER REFERENCES hash(id),
	error            TEXT,
	error_code       INTEGER,
	timedout_seconds INTEGER
);

CREATE INDEX IF NOT EXISTS idx_history_url_id_id ON url_update_history(url_id, id DESC);

CREATE TABLE IF NOT EXISTS url_last_update (
	url_id                INTEGER PRIMARY KEY REFERENCES url(id),
	url_update_history_id INTEGER NOT NULL REFERENCES url_update_history(id)
);

CREATE TABLE IF NOT EXISTS url_last_successful_update (
	url_id                INTEGER PRIMARY KEY REFERENCES url(id),
	url_update_history_id INTEGER NOT NULL REFERENCES url_update_history(id)
);

-- advisory lease only; the core never reads this back (see DESIGN.md).
CREATE TABLE IF NOT EXISTS queue (
	url_id          INTEGER NOT NULL,
	timeout_seconds INTEGER NOT NULL,
	added_at        DATETIME NOT NULL,
	status          TEXT NOT NULL DEFAULT 'added',
	PRIMARY KEY (url_id, added_at)
);

-- present so the schema surface matches the admin collaborator's
-- expectations; the core never reads or writes these.
CREATE TABLE IF NOT EXISTS user (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS superuser (
	user_id INTEGER PRIMARY KEY REFERENCES user(id)
);

CREATE TABLE IF NOT EXISTS app_user (
	app_id  INTEGER NOT NULL REFERENCES app(id),
	user_id INTEGER NOT NULL REFERENCES user(id),
	PRIMARY KEY (app_id, user_id)
);
`
