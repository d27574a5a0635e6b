// Package postgres provides the PostgreSQL implementation of the GraphStore
// and EventLog interfaces, with optional pgvector support for node
// embeddings.
package postgres

// Schema contains the SQL statements to create the graph schema for
// PostgreSQL. All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    key TEXT,
    name TEXT,
    text TEXT,
    attrs JSONB,

    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMPTZ,
    retention_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    abstraction_level TEXT NOT NULL DEFAULT 'raw',
    consolidation_source JSONB,
    revision_history JSONB,
    soft_deleted BOOLEAN NOT NULL DEFAULT FALSE,

    embedding JSONB,

    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_natural_key
    ON nodes(user_id, type, key)
    WHERE key IS NOT NULL AND key != '' AND soft_deleted = FALSE;

CREATE INDEX IF NOT EXISTS idx_nodes_user_type ON nodes(user_id, type);
CREATE INDEX IF NOT EXISTS idx_nodes_user_created ON nodes(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_nodes_user_retention ON nodes(user_id, retention_score);

CREATE TABLE IF NOT EXISTS edges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    relation TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    attrs JSONB,

    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMPTZ,
    retention_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    soft_deleted BOOLEAN NOT NULL DEFAULT FALSE,

    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_triple
    ON edges(user_id, source_id, target_id, relation)
    WHERE soft_deleted = FALSE;

CREATE INDEX IF NOT EXISTS idx_edges_user_source ON edges(user_id, source_id);
CREATE INDEX IF NOT EXISTS idx_edges_user_target ON edges(user_id, target_id);

CREATE TABLE IF NOT EXISTS events (
    user_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    op TEXT NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, seq)
);

CREATE TABLE IF NOT EXISTS mood_snapshots (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    valence_avg DOUBLE PRECISION NOT NULL,
    arousal_avg DOUBLE PRECISION NOT NULL,
    dominance_avg DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    intensity_avg DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    dominant_label TEXT,
    sample_count INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_mood_snapshots_user_ts
    ON mood_snapshots(user_id, timestamp);

CREATE TABLE IF NOT EXISTS pass_runs (
    user_id TEXT NOT NULL,
    pass TEXT NOT NULL,
    last_run_at TIMESTAMPTZ NOT NULL,
    runs INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, pass)
);
`

// MigrationPgvector adds the native vector column used by SimilarNodes.
// Applied only when the pgvector extension is available.
const MigrationPgvector = `
ALTER TABLE nodes ADD COLUMN IF NOT EXISTS embedding_vec vector(768);

CREATE INDEX IF NOT EXISTS idx_nodes_embedding_vec
    ON nodes USING hnsw (embedding_vec vector_cosine_ops);
`
