package history

const schema = `
CREATE TABLE IF NOT EXISTS batteries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    battery_id INTEGER,
    timestamp TEXT NOT NULL,
    duration REAL NOT NULL,
    pass_fail_voltage REAL NOT NULL,
    min_voltage REAL,
    max_current REAL,
    power REAL,
    resistance REAL,
    result TEXT,
    FOREIGN KEY (battery_id) REFERENCES batteries (id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS data_points (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    test_id INTEGER NOT NULL,
    timestamp_ms INTEGER NOT NULL,
    voltage REAL NOT NULL,
    current REAL NOT NULL,
    FOREIGN KEY (test_id) REFERENCES tests (id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tests_battery_timestamp ON tests(battery_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_data_points_test ON data_points(test_id, timestamp_ms);
`
