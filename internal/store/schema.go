package store

const schema = `
CREATE TABLE IF NOT EXISTS user_package_settings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    package_name TEXT NOT NULL,
    killable_state INTEGER NOT NULL,
    killable_state_last_modified_epoch INTEGER NOT NULL,
    UNIQUE (user_id, package_name)
);

CREATE TABLE IF NOT EXISTS io_usage_stats (
    user_package_id INTEGER NOT NULL,
    date_epoch INTEGER NOT NULL,
    start_time_epoch INTEGER NOT NULL,
    duration_seconds INTEGER NOT NULL,
    num_overuses INTEGER NOT NULL DEFAULT 0,
    num_forgiven_overuses INTEGER NOT NULL DEFAULT 0,
    num_times_killed INTEGER NOT NULL DEFAULT 0,
    written_fg_bytes INTEGER NOT NULL DEFAULT 0,
    written_bg_bytes INTEGER NOT NULL DEFAULT 0,
    written_idle_bytes INTEGER NOT NULL DEFAULT 0,
    remaining_fg_bytes INTEGER NOT NULL DEFAULT 0,
    remaining_bg_bytes INTEGER NOT NULL DEFAULT 0,
    remaining_idle_bytes INTEGER NOT NULL DEFAULT 0,
    forgiven_fg_bytes INTEGER NOT NULL DEFAULT 0,
    forgiven_bg_bytes INTEGER NOT NULL DEFAULT 0,
    forgiven_idle_bytes INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_package_id, date_epoch),
    FOREIGN KEY (user_package_id) REFERENCES user_package_settings(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS user_settings (
    user_id INTEGER NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (user_id, key)
);

CREATE INDEX IF NOT EXISTS idx_settings_user ON user_package_settings(user_id);
CREATE INDEX IF NOT EXISTS idx_io_usage_date ON io_usage_stats(date_epoch);
`
