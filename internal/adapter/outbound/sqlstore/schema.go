package sqlstore

const createCountersTableSQL = `
CREATE TABLE IF NOT EXISTS rl_counters (
    counter_key VARCHAR(512) NOT NULL PRIMARY KEY,
    scope VARCHAR(16) NOT NULL,
    subject_id VARCHAR(255) NOT NULL,
    action VARCHAR(64) NOT NULL,
    window_id BIGINT NOT NULL,
    request_count INTEGER NOT NULL,
    window_start_ms BIGINT NOT NULL,
    window_end_ms BIGINT NOT NULL,
    last_request_ms BIGINT NOT NULL
)`

const createViolationsTableSQL = `
CREATE TABLE IF NOT EXISTS rl_violations (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    subject_id VARCHAR(255) NOT NULL,
    scope VARCHAR(16) NOT NULL,
    action VARCHAR(64) NOT NULL,
    count_at_violation INTEGER NOT NULL,
    window_start_ms BIGINT NOT NULL,
    created_at_ms BIGINT NOT NULL
)`

// indexSQL is applied on SQLite and PostgreSQL, which both accept
// CREATE INDEX IF NOT EXISTS.
var indexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_rl_counters_window_end ON rl_counters(window_end_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_rl_violations_subject ON rl_violations(subject_id, created_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_rl_violations_created ON rl_violations(created_at_ms)`,
}

// mysqlIndexSQL uses plain CREATE INDEX; duplicate-key errors (1061) are
// tolerated by initSchema.
var mysqlIndexSQL = []string{
	`CREATE INDEX idx_rl_counters_window_end ON rl_counters(window_end_ms)`,
	`CREATE INDEX idx_rl_violations_subject ON rl_violations(subject_id, created_at_ms)`,
	`CREATE INDEX idx_rl_violations_created ON rl_violations(created_at_ms)`,
}
