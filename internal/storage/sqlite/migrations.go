package sqlite

const schema = `
-- Session records: one row per connection, session_end NULL while open
CREATE TABLE IF NOT EXISTS session_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    identity TEXT NOT NULL,
    session_start DATETIME NOT NULL,
    session_end DATETIME,
    bytes_sent INTEGER NOT NULL DEFAULT 0,
    bytes_received INTEGER NOT NULL DEFAULT 0,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    real_address TEXT,
    virtual_address TEXT,
    last_updated DATETIME NOT NULL
);

-- Per-identity running totals
CREATE TABLE IF NOT EXISTS client_stats (
    identity TEXT PRIMARY KEY,
    total_sent INTEGER NOT NULL DEFAULT 0,
    total_received INTEGER NOT NULL DEFAULT 0,
    total_duration_seconds INTEGER NOT NULL DEFAULT 0,
    session_count INTEGER NOT NULL DEFAULT 0,
    first_connection DATETIME,
    last_connection DATETIME,
    last_activity DATETIME,
    is_online BOOLEAN NOT NULL DEFAULT 0,
    current_session_start DATETIME,
    updated_at DATETIME
);

-- Ephemeral credential revocation schedules
CREATE TABLE IF NOT EXISTS ephemeral_schedules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    identity TEXT NOT NULL UNIQUE,
    created_at DATETIME NOT NULL,
    revoke_at DATETIME NOT NULL,
    hours INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    updated_at DATETIME
);

-- Periodic system metrics samples
CREATE TABLE IF NOT EXISTS system_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sampled_at DATETIME NOT NULL,
    cpu_percent REAL,
    memory_percent REAL,
    memory_available INTEGER,
    disk_percent REAL,
    network_sent INTEGER,
    network_received INTEGER,
    active_connections INTEGER
);

-- At most one open session per identity
CREATE UNIQUE INDEX IF NOT EXISTS idx_session_records_open
    ON session_records(identity) WHERE session_end IS NULL;

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_session_records_identity ON session_records(identity);
CREATE INDEX IF NOT EXISTS idx_session_records_last_updated ON session_records(last_updated);
CREATE INDEX IF NOT EXISTS idx_ephemeral_schedules_status ON ephemeral_schedules(status);
CREATE INDEX IF NOT EXISTS idx_system_metrics_sampled_at ON system_metrics(sampled_at);
`

// runMigrations executes the database schema
func runMigrations(db *DB) error {
	_, err := db.db.Exec(schema)
	return err
}
