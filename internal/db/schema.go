package db

// postgresSchema is applied by (*DB).Migrate
const postgresSchema = `
CREATE TABLE IF NOT EXISTS projects (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    source_file  TEXT NOT NULL DEFAULT '',
    project_path TEXT NOT NULL DEFAULT '',
    current_step TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'active',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS step_progress (
    project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    step_key      TEXT NOT NULL,
    step_name     TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending'
                  CHECK (status IN ('pending', 'in_progress', 'completed', 'error', 'cancelled')),
    progress      INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    task_id       TEXT,
    error_message TEXT,
    data          JSONB,
    PRIMARY KEY (project_id, step_key)
);

CREATE INDEX IF NOT EXISTS idx_step_progress_status ON step_progress (status);

CREATE TABLE IF NOT EXISTS tasks (
    seq             BIGSERIAL PRIMARY KEY,
    task_id         TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    step_key        TEXT NOT NULL,
    status          TEXT NOT NULL,
    progress        INTEGER NOT NULL DEFAULT 0,
    payload         JSONB,
    error           TEXT,
    idempotency_key TEXT,
    trace_id        TEXT,
    started_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    cancelled_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tasks_project_step ON tasks (project_id, step_key, seq DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_task_id ON tasks (task_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks (project_id, step_key, idempotency_key);

CREATE TABLE IF NOT EXISTS task_idempotency (
    project_id      TEXT NOT NULL,
    step_key        TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    task_id         TEXT NOT NULL,
    claimed_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (project_id, step_key, idempotency_key)
);

CREATE TABLE IF NOT EXISTS step_results (
    id         BIGSERIAL PRIMARY KEY,
    project_id TEXT NOT NULL,
    step_key   TEXT NOT NULL,
    task_id    TEXT NOT NULL DEFAULT '',
    result     JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_step_results_project_step ON step_results (project_id, step_key, id DESC);
`

// sqliteSchema is applied by (*SQLite).Migrate. Times are unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    source_file  TEXT NOT NULL DEFAULT '',
    project_path TEXT NOT NULL DEFAULT '',
    current_step TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'active',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS step_progress (
    project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    step_key      TEXT NOT NULL,
    step_name     TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending'
                  CHECK (status IN ('pending', 'in_progress', 'completed', 'error', 'cancelled')),
    progress      INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    started_at    INTEGER,
    completed_at  INTEGER,
    updated_at    INTEGER NOT NULL,
    task_id       TEXT,
    error_message TEXT,
    data          TEXT,
    PRIMARY KEY (project_id, step_key)
);

CREATE INDEX IF NOT EXISTS idx_step_progress_status ON step_progress (status);

CREATE TABLE IF NOT EXISTS tasks (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id         TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    step_key        TEXT NOT NULL,
    status          TEXT NOT NULL,
    progress        INTEGER NOT NULL DEFAULT 0,
    payload         TEXT,
    error           TEXT,
    idempotency_key TEXT,
    trace_id        TEXT,
    started_at      INTEGER,
    completed_at    INTEGER,
    cancelled_at    INTEGER,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_project_step ON tasks (project_id, step_key, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_task_id ON tasks (task_id, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks (project_id, step_key, idempotency_key);

CREATE TABLE IF NOT EXISTS task_idempotency (
    project_id      TEXT NOT NULL,
    step_key        TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    task_id         TEXT NOT NULL,
    claimed_at      INTEGER NOT NULL,
    PRIMARY KEY (project_id, step_key, idempotency_key)
);

CREATE TABLE IF NOT EXISTS step_results (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    step_key   TEXT NOT NULL,
    task_id    TEXT NOT NULL DEFAULT '',
    result     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_step_results_project_step ON step_results (project_id, step_key, id);
`
