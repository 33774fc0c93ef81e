// Package memory implements the structured long-term memory store
// (facts, episodes, commitments, entity aliases, and recallable text
// chunks) backing the Recall and Consolidation engines.
package memory

import "database/sql"

// ensureSchema creates all memory tables if they don't exist. Safe to call
// on every startup.
func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id             INTEGER PRIMARY KEY,
			entity         TEXT NOT NULL,
			attribute      TEXT NOT NULL,
			value          TEXT NOT NULL,
			confidence     REAL DEFAULT 1.0,
			source_session TEXT,
			created_at     TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at     TEXT NOT NULL DEFAULT (datetime('now')),
			accessed_at    TEXT NOT NULL DEFAULT (datetime('now')),
			invalidated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id             INTEGER PRIMARY KEY,
			session_id     TEXT NOT NULL,
			date           TEXT NOT NULL DEFAULT (date('now')),
			participants   TEXT,
			topics         TEXT,
			decisions      TEXT,
			commitments    TEXT,
			summary        TEXT NOT NULL,
			emotional_tone TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS commitments (
			id             INTEGER PRIMARY KEY,
			episode_id     INTEGER REFERENCES episodes(id),
			who            TEXT NOT NULL,
			what           TEXT NOT NULL,
			deadline       TEXT,
			status         TEXT DEFAULT 'open',
			created_at     TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS entity_aliases (
			id        INTEGER PRIMARY KEY,
			alias     TEXT NOT NULL UNIQUE,
			canonical TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consolidation_state (
			session_id            TEXT PRIMARY KEY,
			last_compaction_count INTEGER NOT NULL DEFAULT 0,
			last_message_count    INTEGER NOT NULL DEFAULT 0,
			last_consolidated_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS consolidation_file_hashes (
			file_path         TEXT PRIMARY KEY,
			content_hash      TEXT NOT NULL,
			last_processed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id         INTEGER PRIMARY KEY,
			path       TEXT NOT NULL,
			source     TEXT NOT NULL,
			text       TEXT NOT NULL,
			embedding  TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text, content='chunks', content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.id, old.text);
		END`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			provider    TEXT NOT NULL,
			model       TEXT NOT NULL,
			provider_key TEXT NOT NULL DEFAULT '',
			hash        TEXT NOT NULL,
			embedding   TEXT NOT NULL,
			dims        INTEGER NOT NULL,
			updated_at  TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (hash, model)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts (entity, invalidated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_entity_attr ON facts (entity, attribute, invalidated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_commitments_status ON commitments (status)`,
		`CREATE INDEX IF NOT EXISTS idx_commitments_episode ON commitments (episode_id)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_date ON episodes (date)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_aliases_canonical ON entity_aliases (canonical)`,
		`CREATE TABLE IF NOT EXISTS pairings (
			code       TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			channel    TEXT NOT NULL,
			chat_id    TEXT NOT NULL,
			agent_key  TEXT NOT NULL DEFAULT '',
			approved   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE (user_id, channel)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
