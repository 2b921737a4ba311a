package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blackwell-systems/iowatchdog/internal/timesource"
)

// User package settings

// UserPackageSettings returns every persisted killable state.
func (s *Store) UserPackageSettings(ctx context.Context) ([]UserPackageSettingsEntry, error) {
	query := `
		SELECT user_id, package_name, killable_state, killable_state_last_modified_epoch
		FROM user_package_settings
		ORDER BY user_id, package_name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapErr("failed to list user package settings", err)
	}
	defer rows.Close()

	var entries []UserPackageSettingsEntry
	for rows.Next() {
		var e UserPackageSettingsEntry
		var modified int64
		if err := rows.Scan(&e.UserID, &e.PackageName, &e.KillableState, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan user package settings row: %w", err)
		}
		e.KillableStateLastModified = time.Unix(modified, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user package settings: %w", err)
	}
	return entries, nil
}

// SaveUserPackageSettings upserts killable states. Existing rows keep their
// id so their usage history survives.
func (s *Store) SaveUserPackageSettings(ctx context.Context, entries []UserPackageSettingsEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO user_package_settings
		(user_id, package_name, killable_state, killable_state_last_modified_epoch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, package_name) DO UPDATE SET
			killable_state = excluded.killable_state,
			killable_state_last_modified_epoch = excluded.killable_state_last_modified_epoch
	`)
	if err != nil {
		return wrapErr("failed to prepare user package settings upsert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.UserID, e.PackageName, int(e.KillableState),
			e.KillableStateLastModified.Unix()); err != nil {
			return fmt.Errorf("failed to save settings for %d:%s: %w", e.UserID, e.PackageName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user package settings: %w", err)
	}
	return nil
}

// DeleteUserPackage removes a package's settings and usage history. Deleting
// a package that is not stored is not an error.
func (s *Store) DeleteUserPackage(ctx context.Context, userID int, packageName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_package_settings WHERE user_id = ? AND package_name = ?`, userID, packageName)
	if err != nil {
		return wrapErr(fmt.Sprintf("failed to delete user package %d:%s", userID, packageName), err)
	}
	return nil
}

// DeleteUser removes every settings and usage row of userID.
func (s *Store) DeleteUser(ctx context.Context, userID int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"user_package_settings", "user_settings"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, table)
		if _, err := tx.ExecContext(ctx, query, userID); err != nil {
			return wrapErr(fmt.Sprintf("failed to delete user %d from %s", userID, table), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user delete: %w", err)
	}
	return nil
}

// SyncUsers drops every row of users not in aliveUserIDs. An empty list is
// ignored so a failed user listing never wipes the database.
func (s *Store) SyncUsers(ctx context.Context, aliveUserIDs []int) error {
	if len(aliveUserIDs) == 0 {
		return nil
	}
	placeholders, args := inClause(aliveUserIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"user_package_settings", "user_settings"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE user_id NOT IN (%s)`, table, placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapErr("failed to sync users in "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user sync: %w", err)
	}
	return nil
}

// I/O usage operations

const ioUsageColumns = `
	u.start_time_epoch, u.duration_seconds,
	u.num_overuses, u.num_forgiven_overuses, u.num_times_killed,
	u.written_fg_bytes, u.written_bg_bytes, u.written_idle_bytes,
	u.remaining_fg_bytes, u.remaining_bg_bytes, u.remaining_idle_bytes,
	u.forgiven_fg_bytes, u.forgiven_bg_bytes, u.forgiven_idle_bytes`

// SaveIoUsageStats upserts one day of usage per entry, keyed by the day of
// the snapshot start time. Entries without a settings row are skipped. It
// returns the number of rows written.
func (s *Store) SaveIoUsageStats(ctx context.Context, entries []IoUsageStatsEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids, err := userPackageIDs(ctx, tx)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO io_usage_stats (
			user_package_id, date_epoch, start_time_epoch, duration_seconds,
			num_overuses, num_forgiven_overuses, num_times_killed,
			written_fg_bytes, written_bg_bytes, written_idle_bytes,
			remaining_fg_bytes, remaining_bg_bytes, remaining_idle_bytes,
			forgiven_fg_bytes, forgiven_bg_bytes, forgiven_idle_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_package_id, date_epoch) DO UPDATE SET
			start_time_epoch = excluded.start_time_epoch,
			duration_seconds = excluded.duration_seconds,
			num_overuses = excluded.num_overuses,
			num_forgiven_overuses = excluded.num_forgiven_overuses,
			num_times_killed = excluded.num_times_killed,
			written_fg_bytes = excluded.written_fg_bytes,
			written_bg_bytes = excluded.written_bg_bytes,
			written_idle_bytes = excluded.written_idle_bytes,
			remaining_fg_bytes = excluded.remaining_fg_bytes,
			remaining_bg_bytes = excluded.remaining_bg_bytes,
			remaining_idle_bytes = excluded.remaining_idle_bytes,
			forgiven_fg_bytes = excluded.forgiven_fg_bytes,
			forgiven_bg_bytes = excluded.forgiven_bg_bytes,
			forgiven_idle_bytes = excluded.forgiven_idle_bytes
	`)
	if err != nil {
		return 0, wrapErr("failed to prepare io usage upsert", err)
	}
	defer stmt.Close()

	written := 0
	for _, e := range entries {
		id, ok := ids[settingsKey(e.UserID, e.PackageName)]
		if !ok {
			continue
		}
		snap := e.Usage.Snapshot
		start := snap.StartTime
		if start.IsZero() {
			start = s.clock.Now()
		}
		w, r, f := snap.WrittenBytes, snap.RemainingWriteBytes, e.Usage.ForgivenWriteBytes
		_, err := stmt.ExecContext(ctx,
			id, timesource.DayEpoch(start), start.Unix(), snap.DurationSeconds,
			snap.TotalOveruses, e.Usage.ForgivenOveruses, e.Usage.TotalTimesKilled,
			w.Foreground, w.Background, w.IdleMaintenance,
			r.Foreground, r.Background, r.IdleMaintenance,
			f.Foreground, f.Background, f.IdleMaintenance,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to save io usage for %d:%s: %w", e.UserID, e.PackageName, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit io usage stats: %w", err)
	}
	return written, nil
}

// TodayIoUsageStats returns the usage rows of the current day.
func (s *Store) TodayIoUsageStats(ctx context.Context) ([]IoUsageStatsEntry, error) {
	query := `
		SELECT s.user_id, s.package_name, ` + ioUsageColumns + `
		FROM io_usage_stats u
		JOIN user_package_settings s ON s.id = u.user_package_id
		WHERE u.date_epoch = ?
		ORDER BY s.user_id, s.package_name
	`
	rows, err := s.db.QueryContext(ctx, query, s.clock.Today().Unix())
	if err != nil {
		return nil, wrapErr("failed to get today's io usage stats", err)
	}
	defer rows.Close()

	var entries []IoUsageStatsEntry
	for rows.Next() {
		var e IoUsageStatsEntry
		var start int64
		u := &e.Usage
		snap := &u.Snapshot
		err := rows.Scan(&e.UserID, &e.PackageName,
			&start, &snap.DurationSeconds,
			&snap.TotalOveruses, &u.ForgivenOveruses, &u.TotalTimesKilled,
			&snap.WrittenBytes.Foreground, &snap.WrittenBytes.Background, &snap.WrittenBytes.IdleMaintenance,
			&snap.RemainingWriteBytes.Foreground, &snap.RemainingWriteBytes.Background, &snap.RemainingWriteBytes.IdleMaintenance,
			&u.ForgivenWriteBytes.Foreground, &u.ForgivenWriteBytes.Background, &u.ForgivenWriteBytes.IdleMaintenance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan io usage row: %w", err)
		}
		snap.StartTime = time.Unix(start, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating io usage stats: %w", err)
	}
	return entries, nil
}

// HistoricalIoOveruseStats aggregates the numDaysAgo days before today. It
// returns nil when the package has no rows in that window.
func (s *Store) HistoricalIoOveruseStats(ctx context.Context, userID int, packageName string, numDaysAgo int) (*HistoricalIoOveruseStats, error) {
	query := `
		SELECT COUNT(*), MIN(u.date_epoch),
			COALESCE(SUM(u.num_overuses), 0), COALESCE(SUM(u.num_times_killed), 0),
			COALESCE(SUM(u.written_fg_bytes + u.written_bg_bytes + u.written_idle_bytes), 0)
		FROM io_usage_stats u
		JOIN user_package_settings s ON s.id = u.user_package_id
		WHERE s.user_id = ? AND s.package_name = ? AND u.date_epoch >= ? AND u.date_epoch < ?
	`
	today := s.clock.Today()
	var count int
	var minEpoch sql.NullInt64
	var stats HistoricalIoOveruseStats
	err := s.db.QueryRowContext(ctx, query, userID, packageName,
		s.clock.DaysAgo(numDaysAgo).Unix(), today.Unix()).
		Scan(&count, &minEpoch, &stats.TotalOveruses, &stats.TotalTimesKilled, &stats.TotalBytesWritten)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to get historical stats for %d:%s", userID, packageName), err)
	}
	if count == 0 || !minEpoch.Valid {
		return nil, nil
	}
	stats.StartTime = time.Unix(minEpoch.Int64, 0).UTC()
	stats.DurationSeconds = today.Unix() - minEpoch.Int64
	return &stats, nil
}

// NotForgivenHistoricalIoOveruses sums overuses not yet forgiven over the
// numDaysAgo days before today.
func (s *Store) NotForgivenHistoricalIoOveruses(ctx context.Context, numDaysAgo int) ([]NotForgivenOverusesEntry, error) {
	query := `
		SELECT s.user_id, s.package_name,
			SUM(u.num_overuses - u.num_forgiven_overuses) AS not_forgiven
		FROM io_usage_stats u
		JOIN user_package_settings s ON s.id = u.user_package_id
		WHERE u.date_epoch >= ? AND u.date_epoch < ?
		GROUP BY s.id
		HAVING not_forgiven > 0
		ORDER BY s.user_id, s.package_name
	`
	rows, err := s.db.QueryContext(ctx, query, s.clock.DaysAgo(numDaysAgo).Unix(), s.clock.Today().Unix())
	if err != nil {
		return nil, wrapErr("failed to get not forgiven overuses", err)
	}
	defer rows.Close()

	var entries []NotForgivenOverusesEntry
	for rows.Next() {
		var e NotForgivenOverusesEntry
		if err := rows.Scan(&e.UserID, &e.PackageName, &e.NotForgivenOveruses); err != nil {
			return nil, fmt.Errorf("failed to scan not forgiven overuses row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating not forgiven overuses: %w", err)
	}
	return entries, nil
}

// ForgiveHistoricalOveruses marks every overuse of the given packages in the
// numDaysAgo days before today as forgiven.
func (s *Store) ForgiveHistoricalOveruses(ctx context.Context, packagesByUserID map[int][]string, numDaysAgo int) error {
	if len(packagesByUserID) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	from, to := s.clock.DaysAgo(numDaysAgo).Unix(), s.clock.Today().Unix()
	for userID, names := range packagesByUserID {
		if len(names) == 0 {
			continue
		}
		placeholders, nameArgs := inClause(names)
		query := fmt.Sprintf(`
			UPDATE io_usage_stats SET num_forgiven_overuses = num_overuses
			WHERE date_epoch >= ? AND date_epoch < ?
			AND user_package_id IN (
				SELECT id FROM user_package_settings WHERE user_id = ? AND package_name IN (%s))
		`, placeholders)
		args := append([]any{from, to, userID}, nameArgs...)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapErr(fmt.Sprintf("failed to forgive overuses for user %d", userID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit forgiven overuses: %w", err)
	}
	return nil
}

// DeleteExpired drops usage rows older than RetentionDays.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM io_usage_stats WHERE date_epoch < ?`,
		s.clock.DaysAgo(RetentionDays).Unix())
	if err != nil {
		return 0, wrapErr("failed to delete expired io usage stats", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Summary operations

// DailySystemIoUsageSummaries returns one summary per day in [from, to) over
// all packages, or nil when the total written in the window is below
// minSystemTotalWritten.
func (s *Store) DailySystemIoUsageSummaries(ctx context.Context, minSystemTotalWritten int64, from, to time.Time) ([]DailySummary, error) {
	query := `
		SELECT date_epoch, SUM(written_fg_bytes), SUM(written_bg_bytes), SUM(written_idle_bytes),
			SUM(num_overuses)
		FROM io_usage_stats
		WHERE date_epoch >= ? AND date_epoch < ?
		GROUP BY date_epoch
	`
	byDay, err := s.dailySummaries(ctx, query, from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	var total int64
	for _, d := range byDay {
		total += d.WrittenBytes.Total()
	}
	if total < minSystemTotalWritten {
		return nil, nil
	}
	return fillDays(byDay, from, to), nil
}

// TopUsersDailyIoUsageSummaries returns per-day summaries of the numTop
// packages that wrote the most in [from, to). It returns nil when the
// system total is below minSystemTotalWritten.
func (s *Store) TopUsersDailyIoUsageSummaries(ctx context.Context, numTop int, minSystemTotalWritten int64, from, to time.Time) ([]UserPackageDailySummaries, error) {
	system, err := s.DailySystemIoUsageSummaries(ctx, minSystemTotalWritten, from, to)
	if err != nil || system == nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.package_name
		FROM io_usage_stats u
		JOIN user_package_settings s ON s.id = u.user_package_id
		WHERE u.date_epoch >= ? AND u.date_epoch < ?
		GROUP BY s.id
		ORDER BY SUM(u.written_fg_bytes + u.written_bg_bytes + u.written_idle_bytes) DESC, s.id
		LIMIT ?
	`, from.Unix(), to.Unix(), numTop)
	if err != nil {
		return nil, wrapErr("failed to get top users", err)
	}

	type top struct {
		id  int64
		out UserPackageDailySummaries
	}
	var tops []top
	for rows.Next() {
		var t top
		if err := rows.Scan(&t.id, &t.out.UserID, &t.out.PackageName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan top user row: %w", err)
		}
		tops = append(tops, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating top users: %w", err)
	}
	// The single connection must be released before the next query.
	rows.Close()

	query := `
		SELECT date_epoch, written_fg_bytes, written_bg_bytes, written_idle_bytes, num_overuses
		FROM io_usage_stats
		WHERE date_epoch >= ? AND date_epoch < ? AND user_package_id = ?
	`
	out := make([]UserPackageDailySummaries, 0, len(tops))
	for _, t := range tops {
		byDay, err := s.dailySummaries(ctx, query, from.Unix(), to.Unix(), t.id)
		if err != nil {
			return nil, err
		}
		t.out.Summaries = fillDays(byDay, from, to)
		out = append(out, t.out)
	}
	return out, nil
}

func (s *Store) dailySummaries(ctx context.Context, query string, args ...any) (map[int64]DailySummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("failed to get daily summaries", err)
	}
	defer rows.Close()

	byDay := make(map[int64]DailySummary)
	for rows.Next() {
		var epoch int64
		var d DailySummary
		if err := rows.Scan(&epoch, &d.WrittenBytes.Foreground, &d.WrittenBytes.Background,
			&d.WrittenBytes.IdleMaintenance, &d.OveruseCount); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary row: %w", err)
		}
		d.Date = time.Unix(epoch, 0).UTC()
		byDay[epoch] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily summaries: %w", err)
	}
	return byDay, nil
}

func fillDays(byDay map[int64]DailySummary, from, to time.Time) []DailySummary {
	var out []DailySummary
	for day := timesource.StartOfDay(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		d, ok := byDay[day.Unix()]
		if !ok {
			d = DailySummary{Date: day}
		}
		out = append(out, d)
	}
	return out
}

// User settings operations

// UserSetting returns the value stored under key for userID.
func (s *Store) UserSetting(ctx context.Context, userID int, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_settings WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(fmt.Sprintf("failed to get setting %s for user %d", key, userID), err)
	}
	return value, true, nil
}

// UserSettings returns the value of key for every user that has one.
func (s *Store) UserSettings(ctx context.Context, key string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, value FROM user_settings WHERE key = ?`, key)
	if err != nil {
		return nil, wrapErr("failed to list setting "+key, err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var userID int
		var value string
		if err := rows.Scan(&userID, &value); err != nil {
			return nil, fmt.Errorf("failed to scan user setting row: %w", err)
		}
		out[userID] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user settings: %w", err)
	}
	return out, nil
}

// SaveUserSetting stores value under key for userID. An empty value deletes
// the setting.
func (s *Store) SaveUserSetting(ctx context.Context, userID int, key, value string) error {
	var err error
	if value == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM user_settings WHERE user_id = ? AND key = ?`, userID, key)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO user_settings (user_id, key, value) VALUES (?, ?, ?)`, userID, key, value)
	}
	if err != nil {
		return wrapErr(fmt.Sprintf("failed to save setting %s for user %d", key, userID), err)
	}
	return nil
}

func userPackageIDs(ctx context.Context, tx *sql.Tx) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, user_id, package_name FROM user_package_settings`)
	if err != nil {
		return nil, wrapErr("failed to list user package ids", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var id int64
		var userID int
		var name string
		if err := rows.Scan(&id, &userID, &name); err != nil {
			return nil, fmt.Errorf("failed to scan user package id: %w", err)
		}
		ids[settingsKey(userID, name)] = id
	}
	return ids, rows.Err()
}

func settingsKey(userID int, name string) string {
	return fmt.Sprintf("%d:%s", userID, name)
}

func inClause[T any](values []T) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}
