package store

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- diagnoses table: append-only log of diagnosis attempts. Rows are created
-- once per attempt; only the synced and is_rated flags change afterwards.
CREATE TABLE IF NOT EXISTS diagnoses (
    id TEXT PRIMARY KEY,
    model_id TEXT NOT NULL,
    model_version TEXT NOT NULL,
    crop_id TEXT,
    crop_name TEXT,
    image_path TEXT NOT NULL,
    server_image_url TEXT,
    disease_id TEXT,
    disease_name TEXT,
    disease_label TEXT,
    description TEXT,
    symptoms TEXT,
    treatment TEXT,
    prevention TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    synced INTEGER NOT NULL DEFAULT 0,
    is_rated INTEGER NOT NULL DEFAULT 0,

    CHECK (confidence >= 0 AND confidence <= 1),
    CHECK (synced IN (0, 1)),
    CHECK (is_rated IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_diagnoses_synced ON diagnoses(synced);
CREATE INDEX IF NOT EXISTS idx_diagnoses_created_at ON diagnoses(created_at);

-- model_ratings table: append-only user feedback on the on-device model.
-- Rows are never deleted locally; sync only flips the synced flag.
CREATE TABLE IF NOT EXISTS model_ratings (
    id TEXT PRIMARY KEY,
    model_id TEXT NOT NULL,
    stars INTEGER NOT NULL,
    feedback TEXT,
    diagnosis_correct INTEGER,
    crop_type TEXT,
    device_info TEXT,
    synced INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (stars >= 1 AND stars <= 5),
    CHECK (synced IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_model_ratings_synced ON model_ratings(synced);
CREATE INDEX IF NOT EXISTS idx_model_ratings_model_id ON model_ratings(model_id);

-- daily_usage table: one row per calendar date. Only the current day's row is
-- mutated after creation; a new day inserts a fresh row. daily_limit is NULL
-- for unlimited plans. Remaining attempts and limit-reached are derived at
-- read time, never stored.
CREATE TABLE IF NOT EXISTS daily_usage (
    usage_date TEXT PRIMARY KEY,
    attempts_used INTEGER NOT NULL DEFAULT 0,
    daily_limit INTEGER,
    is_unlimited INTEGER NOT NULL DEFAULT 0,
    synced INTEGER NOT NULL DEFAULT 1,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (attempts_used >= 0),
    CHECK (is_unlimited IN (0, 1)),
    CHECK (synced IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_daily_usage_synced ON daily_usage(synced);
`
