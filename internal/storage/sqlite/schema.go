package sqlite

// schema is the base schema. It is idempotent (IF NOT EXISTS throughout);
// changes to existing tables go through numbered migrations instead.
const schema = `
-- Workers: client rerollers. Never deleted, only marked inactive.
CREATE TABLE IF NOT EXISTS workers (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    player_id TEXT,
    status TEXT NOT NULL DEFAULT 'inactive'
        CHECK(status IN ('active','inactive','farm','leech','banned','premium')),
    total_packs INTEGER NOT NULL DEFAULT 0 CHECK(total_packs >= 0),
    total_gps INTEGER NOT NULL DEFAULT 0 CHECK(total_gps >= 0),
    average_instances REAL NOT NULL DEFAULT 0,
    last_heartbeat_ts DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
CREATE INDEX IF NOT EXISTS idx_workers_last_heartbeat ON workers(last_heartbeat_ts);
CREATE INDEX IF NOT EXISTS idx_workers_total_packs ON workers(total_packs);

-- Subsystems: nested sub-workers under a parent worker.
CREATE TABLE IF NOT EXISTS subsystems (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_id INTEGER NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    instances INTEGER NOT NULL DEFAULT 0 CHECK(instances >= 0),
    last_heartbeat_ts DATETIME,
    UNIQUE(worker_id, name)
);

CREATE INDEX IF NOT EXISTS idx_subsystems_worker ON subsystems(worker_id);

-- Heartbeats: append-only telemetry, keyed by external message id.
CREATE TABLE IF NOT EXISTS heartbeats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL UNIQUE,
    worker_id INTEGER NOT NULL REFERENCES workers(id),
    ts DATETIME NOT NULL,
    instances_online INTEGER NOT NULL DEFAULT 0 CHECK(instances_online >= 0),
    instances_offline INTEGER NOT NULL DEFAULT 0 CHECK(instances_offline >= 0),
    time_running_min INTEGER NOT NULL DEFAULT 0,
    packs_cumulative INTEGER NOT NULL DEFAULT 0 CHECK(packs_cumulative >= 0),
    main_active INTEGER NOT NULL DEFAULT 0,
    selected_packs TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_ts ON heartbeats(worker_id, ts);
CREATE INDEX IF NOT EXISTS idx_heartbeats_ts ON heartbeats(ts);
CREATE INDEX IF NOT EXISTS idx_heartbeats_main_active ON heartbeats(main_active);
CREATE INDEX IF NOT EXISTS idx_heartbeats_packs ON heartbeats(packs_cumulative);

-- God packs: candidates under distributed verification.
CREATE TABLE IF NOT EXISTS godpacks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    discovery_message_id INTEGER NOT NULL UNIQUE,
    discovery_ts DATETIME NOT NULL,
    pack_slot_count INTEGER NOT NULL CHECK(pack_slot_count BETWEEN 1 AND 5),
    account_name TEXT NOT NULL DEFAULT '',
    friend_code TEXT NOT NULL DEFAULT '',
    screenshot_url TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'TESTING'
        CHECK(state IN ('TESTING','ALIVE','DEAD','INVALID','EXPIRED')),
    ratio INTEGER NOT NULL DEFAULT -1 CHECK(ratio BETWEEN -1 AND 5),
    expires_at DATETIME NOT NULL,
    discovered_by INTEGER REFERENCES workers(id),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_godpacks_state ON godpacks(state);
CREATE INDEX IF NOT EXISTS idx_godpacks_discovery_ts ON godpacks(discovery_ts);
CREATE INDEX IF NOT EXISTS idx_godpacks_expires_at ON godpacks(expires_at);
CREATE INDEX IF NOT EXISTS idx_godpacks_slot_count ON godpacks(pack_slot_count);
CREATE INDEX IF NOT EXISTS idx_godpacks_friend_code ON godpacks(friend_code);
CREATE INDEX IF NOT EXISTS idx_godpacks_account_name ON godpacks(account_name);

-- Test results: one worker's verification attempt. Deleting a god pack
-- cascades here.
CREATE TABLE IF NOT EXISTS test_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    gp_id INTEGER NOT NULL REFERENCES godpacks(id) ON DELETE CASCADE,
    worker_id INTEGER NOT NULL REFERENCES workers(id),
    ts DATETIME NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('MISS','NOSHOW')),
    open_slots INTEGER CHECK(open_slots IS NULL OR open_slots >= 0),
    friend_count INTEGER,
    UNIQUE(worker_id, gp_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_test_results_gp ON test_results(gp_id);
CREATE INDEX IF NOT EXISTS idx_test_results_worker ON test_results(worker_id);
CREATE INDEX IF NOT EXISTS idx_test_results_ts ON test_results(ts);
CREATE INDEX IF NOT EXISTS idx_test_results_kind ON test_results(kind);

-- Cached verification computation, one row per god pack.
CREATE TABLE IF NOT EXISTS gp_statistics (
    gp_id INTEGER PRIMARY KEY REFERENCES godpacks(id) ON DELETE CASCADE,
    probability_alive REAL NOT NULL CHECK(probability_alive BETWEEN 0 AND 100),
    total_tests INTEGER NOT NULL DEFAULT 0,
    miss_tests INTEGER NOT NULL DEFAULT 0,
    noshow_tests INTEGER NOT NULL DEFAULT 0,
    confidence_level REAL NOT NULL CHECK(confidence_level BETWEEN 0 AND 95),
    last_calculated_ts DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gp_statistics_probability ON gp_statistics(probability_alive);
CREATE INDEX IF NOT EXISTS idx_gp_statistics_calculated ON gp_statistics(last_calculated_ts);
CREATE INDEX IF NOT EXISTS idx_gp_statistics_confidence ON gp_statistics(confidence_level);

-- Audit log of expiry notifications.
CREATE TABLE IF NOT EXISTS expiration_warnings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    gp_id INTEGER NOT NULL REFERENCES godpacks(id) ON DELETE CASCADE,
    warned_at_ts DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_expiration_warnings_gp ON expiration_warnings(gp_id, warned_at_ts);

-- Audit record for every mutating operation.
CREATE TABLE IF NOT EXISTS system_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'INFO' CHECK(severity IN ('INFO','WARN','CRITICAL')),
    payload TEXT,
    worker_id INTEGER,
    ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_system_events_type ON system_events(event_type);
CREATE INDEX IF NOT EXISTS idx_system_events_ts ON system_events(ts);

-- Schema version, a single-row table maintained by the migration runner.
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);
`

// entityTables are the tables covered by export, import and backup sidecar
// record counts.
var entityTables = []string{
	"workers",
	"subsystems",
	"heartbeats",
	"godpacks",
	"test_results",
	"gp_statistics",
	"expiration_warnings",
	"system_events",
}
