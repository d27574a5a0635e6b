// Package sqlite provides the SQLite implementation of the GraphStore and
// EventLog interfaces. It is the default backend: CGO-free via
// modernc.org/sqlite, single-writer with WAL for concurrent readers.
package sqlite

// Schema contains the SQL statements to create the graph schema.
//
// The partial unique index on (user_id, type, key) enforces the natural-key
// invariant for live keyed nodes only: tombstoned nodes release their key so
// a later extraction hit can recreate the fact. The edges triple index plays
// the same role for live edges.
const Schema = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    key TEXT,
    name TEXT,
    text TEXT,
    attrs TEXT,

    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP,
    retention_score REAL NOT NULL DEFAULT 1.0,
    abstraction_level TEXT NOT NULL DEFAULT 'raw',
    consolidation_source TEXT,
    revision_history TEXT,
    soft_deleted INTEGER NOT NULL DEFAULT 0,

    embedding TEXT,

    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_natural_key
    ON nodes(user_id, type, key)
    WHERE key IS NOT NULL AND key != '' AND soft_deleted = 0;

CREATE INDEX IF NOT EXISTS idx_nodes_user_type ON nodes(user_id, type);
CREATE INDEX IF NOT EXISTS idx_nodes_user_created ON nodes(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_nodes_user_retention ON nodes(user_id, retention_score);

CREATE TABLE IF NOT EXISTS edges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    relation TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    attrs TEXT,

    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP,
    retention_score REAL NOT NULL DEFAULT 1.0,
    soft_deleted INTEGER NOT NULL DEFAULT 0,

    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_triple
    ON edges(user_id, source_id, target_id, relation)
    WHERE soft_deleted = 0;

CREATE INDEX IF NOT EXISTS idx_edges_user_source ON edges(user_id, source_id);
CREATE INDEX IF NOT EXISTS idx_edges_user_target ON edges(user_id, target_id);
CREATE INDEX IF NOT EXISTS idx_edges_user_created ON edges(user_id, created_at);

CREATE TABLE IF NOT EXISTS events (
    user_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    op TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, seq)
);

CREATE TABLE IF NOT EXISTS mood_snapshots (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    valence_avg REAL NOT NULL,
    arousal_avg REAL NOT NULL,
    dominance_avg REAL NOT NULL DEFAULT 0.0,
    intensity_avg REAL NOT NULL DEFAULT 0.5,
    dominant_label TEXT,
    sample_count INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_mood_snapshots_user_ts
    ON mood_snapshots(user_id, timestamp);

CREATE TABLE IF NOT EXISTS pass_runs (
    user_id TEXT NOT NULL,
    pass TEXT NOT NULL,
    last_run_at TIMESTAMP NOT NULL,
    runs INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, pass)
);
`
